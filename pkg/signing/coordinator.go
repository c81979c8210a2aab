package signing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/potluck-btc/potluck/pkg/chain"
	"github.com/potluck-btc/potluck/pkg/envelope"
	"github.com/potluck-btc/potluck/pkg/event"
	"github.com/potluck-btc/potluck/pkg/identity"
	"github.com/potluck-btc/potluck/pkg/ledger"
	"github.com/potluck-btc/potluck/pkg/logging"
	"github.com/potluck-btc/potluck/pkg/notify"
)

// dustLimit below which change is folded into the fee instead of creating
// an output.
const dustLimit = 546

const (
	actionPropose = "propose"
	actionCancel  = "cancel"
)

type requestPayload struct {
	Action     string `json:"action"`
	ProposalID string `json:"proposal_id"`
	PSBT       string `json:"psbt,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	AmountSats int64  `json:"amount_sats,omitempty"`
	FeeSats    int64  `json:"fee_sats,omitempty"`
	Memo       string `json:"memo,omitempty"`
	ExpiresAt  int64  `json:"expires_at,omitempty"`
}

type signaturePayload struct {
	ProposalID string   `json:"proposal_id"`
	InputSigs  [][]byte `json:"input_sigs"`
}

type txSuccessPayload struct {
	ProposalID string `json:"proposal_id"`
	TxID       string `json:"txid"`
}

// ProposeRequest describes a spend to draft.
type ProposeRequest struct {
	Recipient  string
	AmountSats int64
	FeeSats    int64
	UTXOs      []UTXO
	Memo       string
	TTL        time.Duration
}

// Coordinator drives spend proposals for this device: drafting, local
// signing, share validation, combination, and broadcast. Remote shares fold
// in through ApplyEvent the same way local ones do, so every device converges
// on the same proposal state.
type Coordinator struct {
	self     *identity.Keypair
	led      *ledger.Ledger
	pub      ledger.Publisher
	node     chain.Client
	notifier notify.Notifier
	log      *logging.Logger
	now      func() time.Time

	mu        sync.Mutex
	proposals map[string]*Proposal
	pending   map[string][]*event.Event // shares that arrived before their proposal
	applied   map[string]struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithChain wires the Bitcoin node client used for broadcast and
// confirmation tracking.
func WithChain(c chain.Client) Option {
	return func(co *Coordinator) { co.node = c }
}

// WithNotifier sets the semantic notification sink.
func WithNotifier(n notify.Notifier) Option {
	return func(co *Coordinator) { co.notifier = n }
}

// WithLogger sets the coordinator logger.
func WithLogger(log *logging.Logger) Option {
	return func(co *Coordinator) { co.log = log }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(co *Coordinator) { co.now = now }
}

// NewCoordinator creates a Coordinator bound to this device's ledger.
func NewCoordinator(self *identity.Keypair, led *ledger.Ledger, pub ledger.Publisher, opts ...Option) *Coordinator {
	co := &Coordinator{
		self:      self,
		led:       led,
		pub:       pub,
		now:       time.Now,
		proposals: make(map[string]*Proposal),
		pending:   make(map[string][]*event.Event),
		applied:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(co)
	}
	if co.log == nil {
		co.log = logging.New(nil).WithComponent("signing")
	}
	if co.notifier == nil {
		co.notifier = &notify.LogNotifier{Log: co.log}
	}
	return co
}

// Proposal returns a snapshot of the proposal.
func (co *Coordinator) Proposal(id string) (*Proposal, error) {
	co.mu.Lock()
	defer co.mu.Unlock()
	p, ok := co.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	return p.snapshot(), nil
}

// Proposals returns snapshots of every proposal for a group.
func (co *Coordinator) Proposals(groupID string) []*Proposal {
	co.mu.Lock()
	defer co.mu.Unlock()
	var out []*Proposal
	for _, p := range co.proposals {
		if p.GroupID == groupID {
			out = append(out, p.snapshot())
		}
	}
	return out
}

// Propose drafts a PSBT spending the given coins from the group wallet and
// announces it to the group.
func (co *Coordinator) Propose(ctx context.Context, groupID string, req ProposeRequest) (*Proposal, error) {
	g, err := co.led.Group(groupID)
	if err != nil {
		return nil, err
	}
	if g.Wallet == nil {
		return nil, ErrWalletNotReady
	}
	self, ok := g.Member(co.led.SelfID())
	if !ok || !self.IsActive || !self.Role.CanSpend() {
		return nil, ledger.ErrInsufficientPermissions
	}
	if len(req.UTXOs) == 0 {
		return nil, ErrInsufficientFunds
	}

	var inputSum int64
	for _, u := range req.UTXOs {
		inputSum += u.ValueSats
	}
	change := inputSum - req.AmountSats - req.FeeSats
	if change < 0 {
		return nil, ErrInsufficientFunds
	}

	packet, err := buildPacket(g.Wallet, req, change, co.led.Network())
	if err != nil {
		return nil, err
	}
	encoded, err := packet.B64Encode()
	if err != nil {
		return nil, fmt.Errorf("encode psbt: %w", err)
	}

	now := co.now()
	p := &Proposal{
		ID:         uuid.NewString(),
		GroupID:    groupID,
		ProposedBy: co.led.SelfID(),
		Recipient:  req.Recipient,
		AmountSats: req.AmountSats,
		FeeSats:    req.FeeSats,
		Memo:       req.Memo,
		Status:     StatusAwaitingSignature,
		CreatedAt:  now.Unix(),
		packet:     packet,
		shares:     make(map[string]SignatureShare),
	}
	if req.TTL > 0 {
		p.ExpiresAt = now.Add(req.TTL).Unix()
	}

	payload := requestPayload{
		Action:     actionPropose,
		ProposalID: p.ID,
		PSBT:       encoded,
		Recipient:  req.Recipient,
		AmountSats: req.AmountSats,
		FeeSats:    req.FeeSats,
		Memo:       req.Memo,
		ExpiresAt:  p.ExpiresAt,
	}
	if err := co.emit(ctx, groupID, p.ID, event.KindSigningRequest, payload); err != nil {
		return nil, err
	}

	co.mu.Lock()
	co.proposals[p.ID] = p
	co.mu.Unlock()

	co.log.Info("proposal announced",
		"group", groupID, "proposal", p.ID, "amount", req.AmountSats, "fee", req.FeeSats)
	co.notifier.Notify(notify.Event{
		Kind: notify.KindSignatureNeeded, GroupID: groupID, Detail: p.ID, Amount: req.AmountSats,
	})
	return p.snapshot(), nil
}

// buildPacket assembles the unsigned transaction and its PSBT metadata:
// witness UTXOs, the shared witness script, and the sighash type every
// signer must use.
func buildPacket(w *ledger.Wallet, req ProposeRequest, change int64, net *chaincfg.Params) (*psbt.Packet, error) {
	payScript, err := w.PayScript()
	if err != nil {
		return nil, fmt.Errorf("wallet pay script: %w", err)
	}

	tx := wire.NewMsgTx(2)
	for _, u := range req.UTXOs {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("parse utxo txid %s: %w", u.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil))
	}

	addr, err := btcutil.DecodeAddress(req.Recipient, net)
	if err != nil {
		return nil, fmt.Errorf("decode recipient: %w", err)
	}
	outScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("recipient script: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(req.AmountSats, outScript))

	// Change below the dust limit is left to the miners.
	if change > dustLimit {
		tx.AddTxOut(wire.NewTxOut(change, payScript))
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("build psbt: %w", err)
	}
	for i, u := range req.UTXOs {
		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(u.ValueSats, payScript)
		packet.Inputs[i].WitnessScript = w.Script
		packet.Inputs[i].SighashType = txscript.SigHashAll
	}
	return packet, nil
}

// SignLocal signs every input of the proposal with this member's account key
// and publishes the share. The key must be the private extended key whose
// neutered form the member registered with the group.
func (co *Coordinator) SignLocal(ctx context.Context, proposalID string, accountKey *hdkeychain.ExtendedKey) error {
	if !accountKey.IsPrivate() {
		return fmt.Errorf("account key is not private")
	}

	co.mu.Lock()
	p, ok := co.proposals[proposalID]
	if !ok {
		co.mu.Unlock()
		return ErrProposalNotFound
	}
	if p.Status == StatusExpired {
		co.mu.Unlock()
		return ErrExpired
	}
	if p.Status.Terminal() || p.Status == StatusBroadcast {
		co.mu.Unlock()
		return ErrAlreadyFinalized
	}
	if p.ExpiresAt > 0 && co.now().Unix() >= p.ExpiresAt {
		p.Status = StatusExpired
		co.mu.Unlock()
		return ErrExpired
	}
	packet := p.packet
	groupID := p.GroupID
	co.mu.Unlock()

	priv, err := derivePrivKey(accountKey)
	if err != nil {
		return err
	}

	tx := packet.UnsignedTx
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher(packet))
	sigs := make([][]byte, len(tx.TxIn))
	for i := range tx.TxIn {
		in := packet.Inputs[i]
		hash, err := txscript.CalcWitnessSigHash(
			in.WitnessScript, sigHashes, txscript.SigHashAll, tx, i, in.WitnessUtxo.Value,
		)
		if err != nil {
			return fmt.Errorf("sighash input %d: %w", i, err)
		}
		sig := ecdsa.Sign(priv, hash)
		sigs[i] = append(sig.Serialize(), byte(txscript.SigHashAll))
	}

	// Fold locally first: this validates the share against our registered
	// xpub, so a mismatched key never reaches the relay.
	co.mu.Lock()
	err = co.addShareLocked(p, SignatureShare{Signer: co.led.SelfID(), InputSigs: sigs})
	co.mu.Unlock()
	if err != nil {
		return err
	}

	payload := signaturePayload{ProposalID: proposalID, InputSigs: sigs}
	return co.emit(ctx, groupID, proposalID, event.KindSignature, payload)
}

// Broadcast submits the final transaction through the chain client. A node
// rejection leaves the proposal fully signed so the caller can retry once the
// node recovers, or Cancel explicitly after a competing spend won the coins.
func (co *Coordinator) Broadcast(ctx context.Context, proposalID string) (string, error) {
	co.mu.Lock()
	p, ok := co.proposals[proposalID]
	if !ok {
		co.mu.Unlock()
		return "", ErrProposalNotFound
	}
	if p.Status == StatusBroadcast || p.Status.Terminal() {
		co.mu.Unlock()
		return "", ErrAlreadyFinalized
	}
	if p.Status != StatusFullySigned {
		co.mu.Unlock()
		return "", ErrNotFullySigned
	}
	finalTx := p.finalTx
	groupID := p.GroupID
	co.mu.Unlock()

	if co.node == nil {
		return "", fmt.Errorf("no chain client configured")
	}

	txid, err := co.node.Broadcast(ctx, finalTx)
	if err != nil {
		if errors.Is(err, chain.ErrRejected) {
			co.log.Warn("node rejected broadcast", "proposal", proposalID, "error", err)
			return "", fmt.Errorf("%w: %v", ErrBroadcastRejected, err)
		}
		return "", err
	}

	co.mu.Lock()
	p.Status = StatusBroadcast
	p.TxID = txid
	co.mu.Unlock()

	payload := txSuccessPayload{ProposalID: proposalID, TxID: txid}
	if err := co.emit(ctx, groupID, proposalID, event.KindTxSuccess, payload); err != nil {
		co.log.Warn("broadcast succeeded but announcement failed", "proposal", proposalID, "error", err)
	}
	co.notifier.Notify(notify.Event{
		Kind: notify.KindTxBroadcast, GroupID: groupID, Detail: txid,
	})
	return txid, nil
}

// MarkConfirmed refreshes the confirmation depth from the chain client and
// finalizes the proposal once the transaction is buried.
func (co *Coordinator) MarkConfirmed(ctx context.Context, proposalID string) (int64, error) {
	co.mu.Lock()
	p, ok := co.proposals[proposalID]
	if !ok {
		co.mu.Unlock()
		return 0, ErrProposalNotFound
	}
	if p.Status != StatusBroadcast && p.Status != StatusConfirmed {
		co.mu.Unlock()
		return 0, ErrNotFullySigned
	}
	txid := p.TxID
	co.mu.Unlock()

	if co.node == nil {
		return 0, fmt.Errorf("no chain client configured")
	}
	confs, err := co.node.Confirmations(ctx, txid)
	if err != nil {
		return 0, err
	}
	if confs > 0 {
		co.mu.Lock()
		p.Status = StatusConfirmed
		co.mu.Unlock()
	}
	return confs, nil
}

// Cancel withdraws a proposal before it reaches the chain. The proposer and
// group admins may cancel.
func (co *Coordinator) Cancel(ctx context.Context, proposalID string) error {
	co.mu.Lock()
	p, ok := co.proposals[proposalID]
	if !ok {
		co.mu.Unlock()
		return ErrProposalNotFound
	}
	if p.Status == StatusBroadcast || p.Status == StatusConfirmed {
		co.mu.Unlock()
		return ErrAlreadyFinalized
	}
	groupID := p.GroupID
	proposer := p.ProposedBy
	co.mu.Unlock()

	if proposer != co.led.SelfID() {
		g, err := co.led.Group(groupID)
		if err != nil {
			return err
		}
		m, found := g.Member(co.led.SelfID())
		if !found || !m.Role.CanManageMembers() {
			return ledger.ErrInsufficientPermissions
		}
	}

	payload := requestPayload{Action: actionCancel, ProposalID: proposalID}
	if err := co.emit(ctx, groupID, proposalID, event.KindSigningRequest, payload); err != nil {
		return err
	}

	co.mu.Lock()
	p.Status = StatusCancelled
	co.mu.Unlock()
	co.log.Info("proposal cancelled", "proposal", proposalID)
	return nil
}

// ExpireStale sweeps proposals whose signing window has passed. Call it
// periodically; expiry is also checked lazily on signing.
func (co *Coordinator) ExpireStale() int {
	now := co.now().Unix()
	co.mu.Lock()
	defer co.mu.Unlock()
	expired := 0
	for _, p := range co.proposals {
		if p.Status == StatusAwaitingSignature && p.ExpiresAt > 0 && now >= p.ExpiresAt {
			p.Status = StatusExpired
			expired++
		}
	}
	return expired
}

// derivePrivKey walks the fixed receive path 0/0 used by the group wallet.
func derivePrivKey(accountKey *hdkeychain.ExtendedKey) (*btcec.PrivateKey, error) {
	external, err := accountKey.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("derive external branch: %w", err)
	}
	child, err := external.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("derive child key: %w", err)
	}
	return child.ECPrivKey()
}

// prevOutFetcher exposes the packet's witness UTXOs to sighash calculation.
func prevOutFetcher(packet *psbt.Packet) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range packet.UnsignedTx.TxIn {
		if packet.Inputs[i].WitnessUtxo != nil {
			fetcher.AddPrevOut(txIn.PreviousOutPoint, packet.Inputs[i].WitnessUtxo)
		}
	}
	return fetcher
}

// emit encrypts a payload under the group key and publishes it with group
// and proposal tags.
func (co *Coordinator) emit(ctx context.Context, groupID, proposalID string, kind event.Kind, payload any) error {
	master, err := co.led.GroupMasterKey(groupID)
	if err != nil {
		return err
	}
	key, err := envelope.DeriveKey(master, envelope.ContextGroup, groupID)
	if err != nil {
		return err
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	env, err := envelope.Encrypt(plain, key, envelope.ContextGroup, groupID)
	if err != nil {
		return err
	}
	content, err := env.Encode()
	if err != nil {
		return err
	}

	ev := &event.Event{
		CreatedAt: co.now().Unix(),
		Kind:      kind,
		Content:   content,
	}
	ev.AppendTag(event.TagGroup, groupID)
	ev.AppendTag(event.TagProposal, proposalID)
	if err := ev.Sign(co.self); err != nil {
		return err
	}

	co.mu.Lock()
	co.applied[ev.ID] = struct{}{}
	co.mu.Unlock()

	return co.pub.Publish(ctx, ev)
}
