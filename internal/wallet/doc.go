// Package wallet binds an agent to its custody account. The Gate type is
// the only path for outgoing transfers: every transfer is checked by the
// wallet's policy engine, signed and confirmed through the ledger, counted
// against the spend windows and audited.
package wallet
