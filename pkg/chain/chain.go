// Package chain is the thin boundary to the Bitcoin network. The protocol
// never trusts a relay for chain facts; balance, broadcast, and confirmation
// queries go to a node the user controls or explicitly configured.
package chain

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/wire"
)

// ErrRejected indicates the network refused the transaction, typically
// because a competing spend of the same inputs confirmed first.
var ErrRejected = errors.New("transaction rejected by network")

// Client answers chain queries for the coordinator and the balance poller.
type Client interface {
	// Broadcast submits the transaction and returns its txid.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error)
	// Balance returns the confirmed balance of an address in satoshis.
	Balance(ctx context.Context, address string) (int64, error)
	// Confirmations returns the confirmation depth of a transaction,
	// zero while it is unconfirmed.
	Confirmations(ctx context.Context, txid string) (int64, error)
}
