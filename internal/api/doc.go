// Package api exposes the tool registry over REST, plus health and metrics
// endpoints. Tool errors are mapped from their classified kind to an HTTP
// status so callers can tell retryable failures from bad requests.
package api
