// Package redis offers the shared second cache tier and the connection helper
// used by the Redis alert publisher. Values are stored as JSON under keys of
// the form <prefix>:<cache>:<key>.
package redis
