package web3

import (
	"context"
)

// TransferIntent is an unsigned request to move Amount of the native asset,
// or of Asset when set, from From to To. Program names the counterpart
// contract when the transfer is a call rather than a plain payment.
type TransferIntent struct {
	From    string
	To      string
	Amount  float64
	Program string
	Asset   string
	Data    []byte
}

// SignedPayload is a serialised, signed transaction ready for broadcast.
type SignedPayload struct {
	Raw  []byte
	Hash string
	From string
}

// ChainSnapshot summarises network state for health endpoints.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// Signer turns intents into signed payloads for one account.
type Signer interface {
	Sign(ctx context.Context, intent TransferIntent) (SignedPayload, error)
}

// Broadcaster submits signed payloads and waits for finality. Confirm
// blocks until the transaction is final or fails; a failure is terminal for
// that attempt.
type Broadcaster interface {
	Broadcast(ctx context.Context, payload SignedPayload) (string, error)
	Confirm(ctx context.Context, pendingRef string) (string, error)
}

// Ledger is the full fund movement collaborator for one account.
type Ledger interface {
	Signer
	Broadcaster
	Address() string
}

// BalanceReader reports an account balance in the native unit.
type BalanceReader interface {
	Balance(ctx context.Context, account string) (float64, error)
}

// Client is a connection to one chain.
type Client interface {
	Broadcaster
	BalanceReader
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	// Account binds a hex encoded private key to this chain.
	Account(privateKeyHex string) (Ledger, error)
	Close()
}
