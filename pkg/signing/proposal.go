// Package signing coordinates M-of-N spend proposals: drafting a PSBT,
// collecting signature shares from member devices over the relay network,
// combining them into a final transaction, and broadcasting it. Competing
// proposals over the same coins are not locked out; whichever broadcast
// confirms first wins, and the loser surfaces as a broadcast rejection.
package signing

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrProposalNotFound indicates an unknown proposal id.
	ErrProposalNotFound = errors.New("proposal not found")
	// ErrInvalidSignature indicates a share that does not verify against
	// the signer's derived public key.
	ErrInvalidSignature = errors.New("invalid signature share")
	// ErrAlreadyFinalized indicates a mutation of a proposal past the
	// point of change.
	ErrAlreadyFinalized = errors.New("proposal already finalized")
	// ErrExpired indicates the proposal's signing window has passed.
	ErrExpired = errors.New("proposal expired")
	// ErrNotFullySigned indicates a broadcast attempt below threshold.
	ErrNotFullySigned = errors.New("proposal not fully signed")
	// ErrBroadcastRejected indicates the network refused the final
	// transaction, usually because a competing spend confirmed first.
	ErrBroadcastRejected = errors.New("broadcast rejected")
	// ErrWalletNotReady indicates the group wallet has not materialized.
	ErrWalletNotReady = errors.New("group wallet not materialized")
	// ErrInsufficientFunds indicates the selected inputs do not cover the
	// amount plus fee.
	ErrInsufficientFunds = errors.New("insufficient funds in selected inputs")
)

// Status is a proposal's position in its lifecycle.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusAwaitingSignature Status = "awaiting_signatures"
	StatusFullySigned       Status = "fully_signed"
	StatusBroadcast         Status = "broadcast"
	StatusConfirmed         Status = "confirmed"
	StatusExpired           Status = "expired"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusExpired || s == StatusCancelled
}

// UTXO references one coin paying into the group wallet.
type UTXO struct {
	TxID      string `json:"txid"`
	Vout      uint32 `json:"vout"`
	ValueSats int64  `json:"value_sats"`
}

// SignatureShare is one member's signatures over every input of a proposal.
// Each entry is a DER signature with the sighash byte appended, in input
// order.
type SignatureShare struct {
	Signer    string   `json:"signer"`
	InputSigs [][]byte `json:"input_sigs"`
}

// Proposal is one spend attempt against the group wallet.
type Proposal struct {
	ID         string
	GroupID    string
	ProposedBy string
	Recipient  string
	AmountSats int64
	FeeSats    int64
	Memo       string
	Status     Status
	CreatedAt  int64
	ExpiresAt  int64
	TxID       string

	// Signers lists members whose shares have been accepted.
	Signers []string

	packet  *psbt.Packet
	shares  map[string]SignatureShare
	finalTx *wire.MsgTx
}

// PSBT returns the proposal's packet encoded in base64, for export to
// external signers.
func (p *Proposal) PSBT() (string, error) {
	return p.packet.B64Encode()
}

// FinalTx returns the fully signed transaction, nil before FullySigned.
func (p *Proposal) FinalTx() *wire.MsgTx {
	return p.finalTx
}

func (p *Proposal) snapshot() *Proposal {
	cp := *p
	cp.Signers = append([]string(nil), p.Signers...)
	cp.shares = nil
	return &cp
}
