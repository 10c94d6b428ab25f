// Package config loads the ChainMCP JSON configuration file and fills in
// defaults for every section: server, logging, chain endpoints, resilience
// policies, caches, subscriptions, the price stream and alert outputs.
package config
