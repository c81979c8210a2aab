package ledger

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Wallet is the materialized M-of-N P2WSH descriptor for a group. Derivation
// is deterministic over the member xpub set, so every device produces the
// same script and address.
type Wallet struct {
	Script  []byte   `json:"script"`
	Address string   `json:"address"`
	PubKeys [][]byte `json:"pubkeys"`
	M       int      `json:"m"`
	N       int      `json:"n"`
}

// deriveWallet builds the multisig witness script and address from the
// signing members' xpubs. Each member contributes the compressed pubkey at
// child path 0/0 of their submitted extended key; keys are sorted so the
// script is independent of member order.
func deriveWallet(threshold int, members []Member, net *chaincfg.Params) (*Wallet, error) {
	pubkeys := make([][]byte, 0, len(members))
	for _, m := range members {
		xkey, err := hdkeychain.NewKeyFromString(m.ExtendedPublicKey)
		if err != nil {
			return nil, fmt.Errorf("parse xpub for member %s: %w", m.ID, err)
		}
		external, err := xkey.Derive(0)
		if err != nil {
			return nil, fmt.Errorf("derive external branch: %w", err)
		}
		child, err := external.Derive(0)
		if err != nil {
			return nil, fmt.Errorf("derive child key: %w", err)
		}
		pub, err := child.ECPubKey()
		if err != nil {
			return nil, fmt.Errorf("extract pubkey: %w", err)
		}
		pubkeys = append(pubkeys, pub.SerializeCompressed())
	}
	sort.Slice(pubkeys, func(i, j int) bool {
		return bytes.Compare(pubkeys[i], pubkeys[j]) < 0
	})

	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(threshold))
	for _, pk := range pubkeys {
		builder.AddData(pk)
	}
	builder.AddInt64(int64(len(pubkeys)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	script, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("build witness script: %w", err)
	}

	scriptHash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], net)
	if err != nil {
		return nil, fmt.Errorf("build address: %w", err)
	}

	return &Wallet{
		Script:  script,
		Address: addr.EncodeAddress(),
		PubKeys: pubkeys,
		M:       threshold,
		N:       len(pubkeys),
	}, nil
}

// PayScript returns the P2WSH output script paying into the wallet.
func (w *Wallet) PayScript() ([]byte, error) {
	scriptHash := sha256.Sum256(w.Script)
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(scriptHash[:]).
		Script()
}
