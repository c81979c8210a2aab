package signing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"

	"github.com/potluck-btc/potluck/pkg/envelope"
	"github.com/potluck-btc/potluck/pkg/event"
	"github.com/potluck-btc/potluck/pkg/ledger"
	"github.com/potluck-btc/potluck/pkg/notify"
)

// ApplyEvent folds a remote signing event. Shares that arrive before their
// proposal, and events that arrive before the group key, are parked and
// replayed by RetryPending.
func (co *Coordinator) ApplyEvent(ev *event.Event) error {
	switch ev.Kind {
	case event.KindSigningRequest, event.KindSignature, event.KindTxSuccess:
	default:
		return nil
	}

	co.mu.Lock()
	defer co.mu.Unlock()
	return co.applyLocked(ev)
}

// RetryPending replays parked events, typically after the group key or a
// missing proposal announcement arrives.
func (co *Coordinator) RetryPending() {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.retryAllPendingLocked()
}

func (co *Coordinator) retryAllPendingLocked() {
	for id := range co.pending {
		co.retryPendingLocked(id)
	}
}

func (co *Coordinator) retryPendingLocked(proposalID string) {
	parked := co.pending[proposalID]
	if len(parked) == 0 {
		return
	}
	delete(co.pending, proposalID)
	for _, ev := range parked {
		if err := co.applyLocked(ev); err != nil {
			co.log.Warn("pending signing event fold failed",
				"proposal", proposalID, "event_id", ev.ID, "error", err)
		}
	}
}

func (co *Coordinator) applyLocked(ev *event.Event) error {
	if _, done := co.applied[ev.ID]; done {
		return nil
	}
	groupID, ok := ev.Tag(event.TagGroup)
	if !ok {
		return event.ErrMalformed
	}
	proposalID, ok := ev.Tag(event.TagProposal)
	if !ok {
		return event.ErrMalformed
	}

	master, err := co.led.GroupMasterKey(groupID)
	if errors.Is(err, envelope.ErrKeyNotAvailable) {
		co.pending[proposalID] = append(co.pending[proposalID], ev)
		return nil
	}
	if err != nil {
		return err
	}
	key, err := envelope.DeriveKey(master, envelope.ContextGroup, groupID)
	if err != nil {
		return err
	}
	env, err := envelope.Decode(ev.Content)
	if err != nil {
		return err
	}
	plain, err := envelope.Decrypt(env, key)
	if err != nil {
		return fmt.Errorf("event %s: %w", ev.ID, err)
	}

	switch ev.Kind {
	case event.KindSigningRequest:
		return co.foldRequestLocked(ev, groupID, proposalID, plain)
	case event.KindSignature:
		return co.foldSignatureLocked(ev, proposalID, plain)
	case event.KindTxSuccess:
		return co.foldSuccessLocked(ev, proposalID, plain)
	}
	return nil
}

func (co *Coordinator) foldRequestLocked(ev *event.Event, groupID, proposalID string, plain []byte) error {
	var payload requestPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return event.ErrMalformed
	}
	// The group key only proves past access; resolve the author to a member
	// and apply the same role gates as the local operations.
	g, err := co.led.Group(groupID)
	if errors.Is(err, ledger.ErrGroupNotFound) {
		co.pending[proposalID] = append(co.pending[proposalID], ev)
		return nil
	}
	if err != nil {
		return err
	}
	author, known := g.Member(ev.Pubkey)
	co.applied[ev.ID] = struct{}{}

	switch payload.Action {
	case actionCancel:
		p, ok := co.proposals[proposalID]
		if !ok {
			co.pending[proposalID] = append(co.pending[proposalID], ev)
			delete(co.applied, ev.ID)
			return nil
		}
		if ev.Pubkey != p.ProposedBy &&
			(!known || !author.IsActive || !author.Role.CanManageMembers()) {
			co.log.Warn("cancel from unauthorized author ignored", "proposal", proposalID, "author", ev.Pubkey)
			return nil
		}
		if p.Status != StatusBroadcast && p.Status != StatusConfirmed {
			p.Status = StatusCancelled
		}
		return nil

	case actionPropose, "":
		if _, exists := co.proposals[proposalID]; exists {
			return nil
		}
		if !known {
			// The admission event naming the proposer may still be in
			// flight; park rather than lose the proposal.
			co.pending[proposalID] = append(co.pending[proposalID], ev)
			delete(co.applied, ev.ID)
			return nil
		}
		if !author.IsActive || !author.Role.CanSpend() {
			co.log.Warn("proposal from unauthorized author dropped", "proposal", proposalID, "author", ev.Pubkey)
			return nil
		}
		packet, err := psbt.NewFromRawBytes(strings.NewReader(payload.PSBT), true)
		if err != nil {
			return fmt.Errorf("decode psbt: %w", err)
		}
		p := &Proposal{
			ID:         proposalID,
			GroupID:    groupID,
			ProposedBy: ev.Pubkey,
			Recipient:  payload.Recipient,
			AmountSats: payload.AmountSats,
			FeeSats:    payload.FeeSats,
			Memo:       payload.Memo,
			Status:     StatusAwaitingSignature,
			CreatedAt:  ev.CreatedAt,
			ExpiresAt:  payload.ExpiresAt,
			packet:     packet,
			shares:     make(map[string]SignatureShare),
		}
		co.proposals[proposalID] = p
		co.log.Info("proposal received", "group", groupID, "proposal", proposalID, "from", ev.Pubkey)
		co.notifier.Notify(notify.Event{
			Kind: notify.KindSignatureNeeded, GroupID: groupID, Detail: proposalID, Amount: payload.AmountSats,
		})
		co.retryPendingLocked(proposalID)
		return nil
	}
	return nil
}

func (co *Coordinator) foldSignatureLocked(ev *event.Event, proposalID string, plain []byte) error {
	var payload signaturePayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return event.ErrMalformed
	}
	p, ok := co.proposals[proposalID]
	if !ok {
		co.pending[proposalID] = append(co.pending[proposalID], ev)
		return nil
	}
	co.applied[ev.ID] = struct{}{}
	return co.addShareLocked(p, SignatureShare{Signer: ev.Pubkey, InputSigs: payload.InputSigs})
}

func (co *Coordinator) foldSuccessLocked(ev *event.Event, proposalID string, plain []byte) error {
	var payload txSuccessPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return event.ErrMalformed
	}
	p, ok := co.proposals[proposalID]
	if !ok {
		co.pending[proposalID] = append(co.pending[proposalID], ev)
		return nil
	}
	co.applied[ev.ID] = struct{}{}
	if g, err := co.led.Group(p.GroupID); err == nil {
		if author, known := g.Member(ev.Pubkey); !known || !author.IsActive {
			co.log.Warn("broadcast report from unauthorized author ignored", "proposal", proposalID, "author", ev.Pubkey)
			return nil
		}
	}
	if p.Status != StatusConfirmed {
		p.Status = StatusBroadcast
	}
	p.TxID = payload.TxID
	co.notifier.Notify(notify.Event{
		Kind: notify.KindTxBroadcast, GroupID: p.GroupID, Detail: payload.TxID,
	})
	return nil
}

// addShareLocked validates a signature share against the signer's registered
// extended key and folds it in, combining into the final transaction once
// the threshold is met. Duplicate shares from the same signer are no-ops.
func (co *Coordinator) addShareLocked(p *Proposal, share SignatureShare) error {
	if p.Status != StatusAwaitingSignature {
		return nil
	}
	if _, dup := p.shares[share.Signer]; dup {
		return nil
	}

	g, err := co.led.Group(p.GroupID)
	if err != nil {
		return err
	}
	member, found := g.Member(share.Signer)
	if !found || !member.IsActive || member.ExtendedPublicKey == "" {
		return fmt.Errorf("%w: signer %s not a registered signing member", ErrInvalidSignature, share.Signer)
	}
	signerPub, err := signingPubKey(member.ExtendedPublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	tx := p.packet.UnsignedTx
	if len(share.InputSigs) != len(tx.TxIn) {
		return fmt.Errorf("%w: %d sigs for %d inputs", ErrInvalidSignature, len(share.InputSigs), len(tx.TxIn))
	}
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher(p.packet))
	for i, raw := range share.InputSigs {
		if len(raw) < 9 || raw[len(raw)-1] != byte(txscript.SigHashAll) {
			return fmt.Errorf("%w: input %d has bad sighash flag", ErrInvalidSignature, i)
		}
		sig, err := ecdsa.ParseDERSignature(raw[:len(raw)-1])
		if err != nil {
			return fmt.Errorf("%w: input %d: %v", ErrInvalidSignature, i, err)
		}
		in := p.packet.Inputs[i]
		hash, err := txscript.CalcWitnessSigHash(
			in.WitnessScript, sigHashes, txscript.SigHashAll, tx, i, in.WitnessUtxo.Value,
		)
		if err != nil {
			return err
		}
		if !sig.Verify(hash, signerPub.pub) {
			return fmt.Errorf("%w: input %d signature does not verify for %s", ErrInvalidSignature, i, share.Signer)
		}
	}

	p.shares[share.Signer] = share
	p.Signers = append(p.Signers, share.Signer)
	co.log.Info("signature share accepted",
		"proposal", p.ID, "signer", share.Signer, "have", len(p.shares), "need", g.Threshold)

	if len(p.shares) >= g.Threshold {
		if err := co.finalizeLocked(p, g); err != nil {
			return err
		}
	}
	return nil
}

// signerKey pairs a member's derived pubkey with its compressed encoding.
type signerKey struct {
	pub        *btcec.PublicKey
	compressed []byte
}

// signingPubKey derives the compressed pubkey at path 0/0 from an xpub,
// matching the derivation used to build the group wallet.
func signingPubKey(xpub string) (*signerKey, error) {
	xkey, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("parse xpub: %w", err)
	}
	external, err := xkey.Derive(0)
	if err != nil {
		return nil, err
	}
	child, err := external.Derive(0)
	if err != nil {
		return nil, err
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, err
	}
	return &signerKey{pub: pub, compressed: pub.SerializeCompressed()}, nil
}

// finalizeLocked combines threshold shares into each input's witness stack
// and extracts the final transaction. Signatures must appear in the same
// order as their pubkeys in the witness script, and CHECKMULTISIG pops one
// extra stack element, so the stack leads with an empty item.
func (co *Coordinator) finalizeLocked(p *Proposal, g *ledger.Group) error {
	bySigner := make(map[string]*signerKey, len(p.shares))
	for id := range p.shares {
		member, _ := g.Member(id)
		key, err := signingPubKey(member.ExtendedPublicKey)
		if err != nil {
			return err
		}
		bySigner[id] = key
	}

	for i := range p.packet.UnsignedTx.TxIn {
		witness := [][]byte{nil}
		count := 0
		for _, scriptPK := range g.Wallet.PubKeys {
			if count == g.Threshold {
				break
			}
			for id, key := range bySigner {
				if bytes.Equal(key.compressed, scriptPK) {
					witness = append(witness, p.shares[id].InputSigs[i])
					count++
					break
				}
			}
		}
		if count < g.Threshold {
			return fmt.Errorf("combine input %d: only %d of %d shares matched script keys",
				i, count, g.Threshold)
		}
		witness = append(witness, p.packet.Inputs[i].WitnessScript)

		var buf bytes.Buffer
		if err := psbt.WriteTxWitness(&buf, witness); err != nil {
			return fmt.Errorf("serialize witness: %w", err)
		}
		p.packet.Inputs[i].FinalScriptWitness = buf.Bytes()
	}

	if err := psbt.MaybeFinalizeAll(p.packet); err != nil {
		return fmt.Errorf("finalize psbt: %w", err)
	}
	finalTx, err := psbt.Extract(p.packet)
	if err != nil {
		return fmt.Errorf("extract transaction: %w", err)
	}
	p.finalTx = finalTx
	p.Status = StatusFullySigned
	co.log.Info("proposal fully signed", "proposal", p.ID, "signers", len(p.shares))
	return nil
}
