// Package web3 houses blockchain connectivity: chain definitions loaded from
// chain.yaml, the read-only client surface used by tools, and the tracked
// token list consumed by the price stream. Concrete EVM implementations live
// in the ethereum subpackage.
package web3
