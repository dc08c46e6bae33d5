// Package web3 defines the ledger collaborator used by the custody core:
// signing, broadcast, confirmation and balance reads, plus the YAML chain
// definitions the provider registry is built from.
package web3
