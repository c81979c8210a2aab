package signing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/potluck-btc/potluck/pkg/chain"
	"github.com/potluck-btc/potluck/pkg/envelope"
	"github.com/potluck-btc/potluck/pkg/event"
	"github.com/potluck-btc/potluck/pkg/identity"
	"github.com/potluck-btc/potluck/pkg/ledger"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*event.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev *event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) all() []*event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*event.Event(nil), p.events...)
}

type fakeChain struct {
	txid   string
	reject bool
	confs  int64
}

func (f *fakeChain) Broadcast(_ context.Context, _ *wire.MsgTx) (string, error) {
	if f.reject {
		return "", fmt.Errorf("sendrawtransaction: %w", chain.ErrRejected)
	}
	return f.txid, nil
}

func (f *fakeChain) Balance(_ context.Context, _ string) (int64, error) { return 0, nil }

func (f *fakeChain) Confirmations(_ context.Context, _ string) (int64, error) {
	return f.confs, nil
}

type device struct {
	kp    *identity.Keypair
	led   *ledger.Ledger
	coord *Coordinator
	pub   *capturePublisher
	xprv  *hdkeychain.ExtendedKey
}

func newTestDevice(t *testing.T, seedByte byte, node chain.Client) *device {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = seedByte
	}
	xprv, err := hdkeychain.NewMaster(seed, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatal(err)
	}
	d := &device{kp: kp, pub: &capturePublisher{}, xprv: xprv}
	d.led = ledger.New(kp, ledger.NewMemoryKeyStore(), d.pub)
	d.coord = NewCoordinator(kp, d.led, d.pub, WithChain(node))
	return d
}

func (d *device) xpub(t *testing.T) string {
	t.Helper()
	pub, err := d.xprv.Neuter()
	if err != nil {
		t.Fatal(err)
	}
	return pub.String()
}

// deliverKey ships the group key from admin to a device the way the invite
// flow would: sealed to the recipient, recipient-tagged.
func deliverKey(t *testing.T, admin, to *device, groupID string) {
	t.Helper()
	master, err := admin.led.GroupMasterKey(groupID)
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := envelope.SealKey(master, to.kp.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(map[string]any{"group_id": groupID, "sealed_key": sealed})
	ev := &event.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      event.KindMembershipUpdate,
		Content:   string(body),
	}
	ev.AppendTag(event.TagGroup, groupID)
	ev.AppendTag(event.TagRecipient, to.led.SelfID())
	if err := ev.Sign(admin.kp); err != nil {
		t.Fatal(err)
	}
	if err := to.led.ApplyEvent(ev); err != nil {
		t.Fatal(err)
	}
}

func (d *device) sync(t *testing.T, src *device) {
	t.Helper()
	for _, ev := range src.pub.all() {
		if err := d.led.ApplyEvent(ev); err != nil {
			t.Fatalf("ledger fold: %v", err)
		}
		if err := d.coord.ApplyEvent(ev); err != nil {
			t.Fatalf("signing fold: %v", err)
		}
	}
}

// setupGroup wires a 2-of-3 group across three devices with a materialized
// wallet and returns them with the group id.
func setupGroup(t *testing.T, node chain.Client) (admin, b, c *device, groupID string) {
	t.Helper()
	ctx := context.Background()
	admin = newTestDevice(t, 1, node)
	b = newTestDevice(t, 2, node)
	c = newTestDevice(t, 3, node)

	g, err := admin.led.CreateGroup(ctx, "house fund", 2, 3, "alice")
	if err != nil {
		t.Fatal(err)
	}
	groupID = g.ID
	if err := admin.led.SetMemberXpub(ctx, groupID, admin.xpub(t)); err != nil {
		t.Fatal(err)
	}
	for _, d := range []*device{b, c} {
		err := admin.led.AddMember(ctx, groupID, ledger.Member{
			ID: d.led.SelfID(), ExtendedPublicKey: d.xpub(t),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	ga, _ := admin.led.Group(groupID)
	if ga.Wallet == nil {
		t.Fatal("wallet did not materialize")
	}

	deliverKey(t, admin, b, groupID)
	deliverKey(t, admin, c, groupID)
	b.sync(t, admin)
	c.sync(t, admin)
	return admin, b, c, groupID
}

func testUTXO() UTXO {
	return UTXO{
		TxID:      strings.Repeat("a1", 32),
		Vout:      0,
		ValueSats: 100_000,
	}
}

func proposeSpend(t *testing.T, admin *device, groupID string) *Proposal {
	t.Helper()
	ga, _ := admin.led.Group(groupID)
	p, err := admin.coord.Propose(context.Background(), groupID, ProposeRequest{
		Recipient:  ga.Wallet.Address,
		AmountSats: 50_000,
		FeeSats:    1_000,
		UTXOs:      []UTXO{testUTXO()},
		Memo:       "rent",
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestProposeSignCombineBroadcast(t *testing.T) {
	ctx := context.Background()
	node := &fakeChain{txid: strings.Repeat("b2", 32)}
	admin, b, _, groupID := setupGroup(t, node)

	p := proposeSpend(t, admin, groupID)
	if p.Status != StatusAwaitingSignature {
		t.Fatalf("status = %s", p.Status)
	}

	// First share: the proposer signs locally.
	if err := admin.coord.SignLocal(ctx, p.ID, admin.xprv); err != nil {
		t.Fatal(err)
	}
	got, _ := admin.coord.Proposal(p.ID)
	if got.Status != StatusAwaitingSignature || len(got.Signers) != 1 {
		t.Fatalf("after one share: %s, signers %d", got.Status, len(got.Signers))
	}

	// Second device folds the proposal and contributes its share.
	b.sync(t, admin)
	if err := b.coord.SignLocal(ctx, p.ID, b.xprv); err != nil {
		t.Fatal(err)
	}

	// The admin folds b's share; threshold met, transaction extracted.
	admin.sync(t, b)
	got, _ = admin.coord.Proposal(p.ID)
	if got.Status != StatusFullySigned {
		t.Fatalf("status = %s, want fully signed", got.Status)
	}
	finalTx := got.FinalTx()
	if finalTx == nil {
		t.Fatal("no final transaction")
	}
	for i, txIn := range finalTx.TxIn {
		// empty element, two signatures, witness script
		if len(txIn.Witness) != 4 {
			t.Errorf("input %d witness stack = %d items, want 4", i, len(txIn.Witness))
		}
		if len(txIn.Witness[0]) != 0 {
			t.Errorf("input %d witness must lead with an empty element", i)
		}
	}

	txid, err := admin.coord.Broadcast(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if txid != node.txid {
		t.Errorf("txid = %s", txid)
	}
	got, _ = admin.coord.Proposal(p.ID)
	if got.Status != StatusBroadcast || got.TxID != txid {
		t.Errorf("after broadcast: %s %s", got.Status, got.TxID)
	}

	// Other devices learn the broadcast from the success event.
	b.sync(t, admin)
	gb, _ := b.coord.Proposal(p.ID)
	if gb.Status != StatusBroadcast || gb.TxID != txid {
		t.Errorf("b view after broadcast: %s %s", gb.Status, gb.TxID)
	}

	node.confs = 3
	confs, err := admin.coord.MarkConfirmed(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if confs != 3 {
		t.Errorf("confs = %d", confs)
	}
	got, _ = admin.coord.Proposal(p.ID)
	if got.Status != StatusConfirmed {
		t.Errorf("status = %s, want confirmed", got.Status)
	}
}

func TestInvalidShareRejected(t *testing.T) {
	ctx := context.Background()
	admin, b, _, groupID := setupGroup(t, nil)
	p := proposeSpend(t, admin, groupID)
	b.sync(t, admin)

	// b signs with a key that does not match its registered xpub.
	wrongSeed := make([]byte, 32)
	for i := range wrongSeed {
		wrongSeed[i] = 0x99
	}
	wrongKey, err := hdkeychain.NewMaster(wrongSeed, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.coord.SignLocal(ctx, p.ID, wrongKey); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("forged share: %v", err)
	}
	got, _ := b.coord.Proposal(p.ID)
	if len(got.Signers) != 0 {
		t.Errorf("forged share counted: %v", got.Signers)
	}
}

func TestDuplicateShareIgnored(t *testing.T) {
	ctx := context.Background()
	admin, _, _, groupID := setupGroup(t, nil)
	p := proposeSpend(t, admin, groupID)

	if err := admin.coord.SignLocal(ctx, p.ID, admin.xprv); err != nil {
		t.Fatal(err)
	}
	if err := admin.coord.SignLocal(ctx, p.ID, admin.xprv); err != nil {
		t.Fatal(err)
	}
	got, _ := admin.coord.Proposal(p.ID)
	if len(got.Signers) != 1 {
		t.Errorf("signers = %v, want one entry", got.Signers)
	}
}

func TestBroadcastBeforeThreshold(t *testing.T) {
	ctx := context.Background()
	admin, _, _, groupID := setupGroup(t, &fakeChain{})
	p := proposeSpend(t, admin, groupID)

	if _, err := admin.coord.Broadcast(ctx, p.ID); !errors.Is(err, ErrNotFullySigned) {
		t.Errorf("unsigned broadcast: %v", err)
	}
}

func TestBroadcastRejectionKeepsProposalRetryable(t *testing.T) {
	ctx := context.Background()
	node := &fakeChain{reject: true, txid: strings.Repeat("c3", 32)}
	admin, b, _, groupID := setupGroup(t, node)
	p := proposeSpend(t, admin, groupID)

	_ = admin.coord.SignLocal(ctx, p.ID, admin.xprv)
	b.sync(t, admin)
	_ = b.coord.SignLocal(ctx, p.ID, b.xprv)
	admin.sync(t, b)

	if _, err := admin.coord.Broadcast(ctx, p.ID); !errors.Is(err, ErrBroadcastRejected) {
		t.Fatalf("rejected broadcast: %v", err)
	}
	got, _ := admin.coord.Proposal(p.ID)
	if got.Status != StatusFullySigned {
		t.Fatalf("status after rejection = %s, want fully signed", got.Status)
	}

	// The signed transaction survives the rejection; a retry goes through
	// once the node accepts it.
	node.reject = false
	txid, err := admin.coord.Broadcast(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if txid != node.txid {
		t.Errorf("txid = %s", txid)
	}
	got, _ = admin.coord.Proposal(p.ID)
	if got.Status != StatusBroadcast {
		t.Errorf("status after retry = %s, want broadcast", got.Status)
	}
}

func TestProposalExpiry(t *testing.T) {
	ctx := context.Background()
	admin, _, _, groupID := setupGroup(t, nil)

	clock := time.Unix(1_700_000_000, 0)
	admin.coord = NewCoordinator(admin.kp, admin.led, admin.pub,
		WithClock(func() time.Time { return clock }))

	ga, _ := admin.led.Group(groupID)
	p, err := admin.coord.Propose(ctx, groupID, ProposeRequest{
		Recipient:  ga.Wallet.Address,
		AmountSats: 50_000,
		FeeSats:    1_000,
		UTXOs:      []UTXO{testUTXO()},
		TTL:        time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}

	clock = clock.Add(2 * time.Hour)
	if n := admin.coord.ExpireStale(); n != 1 {
		t.Errorf("expired = %d", n)
	}
	if err := admin.coord.SignLocal(ctx, p.ID, admin.xprv); !errors.Is(err, ErrExpired) {
		t.Errorf("sign after expiry: %v", err)
	}
}

func TestCancelProposal(t *testing.T) {
	ctx := context.Background()
	admin, b, _, groupID := setupGroup(t, nil)
	p := proposeSpend(t, admin, groupID)

	if err := admin.coord.Cancel(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	if err := admin.coord.SignLocal(ctx, p.ID, admin.xprv); !errors.Is(err, ErrAlreadyFinalized) {
		t.Errorf("sign after cancel: %v", err)
	}

	// Cancellation replicates.
	b.sync(t, admin)
	gb, _ := b.coord.Proposal(p.ID)
	if gb.Status != StatusCancelled {
		t.Errorf("b view = %s", gb.Status)
	}
}

func TestInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	admin, _, _, groupID := setupGroup(t, nil)
	ga, _ := admin.led.Group(groupID)

	_, err := admin.coord.Propose(ctx, groupID, ProposeRequest{
		Recipient:  ga.Wallet.Address,
		AmountSats: 200_000, // exceeds the 100k input
		FeeSats:    1_000,
		UTXOs:      []UTXO{testUTXO()},
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("overspend: %v", err)
	}
}

func TestShareBeforeProposalParks(t *testing.T) {
	ctx := context.Background()
	admin, b, _, groupID := setupGroup(t, nil)
	p := proposeSpend(t, admin, groupID)
	b.sync(t, admin)
	if err := b.coord.SignLocal(ctx, p.ID, b.xprv); err != nil {
		t.Fatal(err)
	}

	// A fresh device receives b's share before the proposal announcement.
	late := newTestDevice(t, 4, nil)
	deliverKey(t, admin, late, groupID)
	for _, ev := range admin.pub.all() {
		if err := late.led.ApplyEvent(ev); err != nil {
			t.Fatal(err)
		}
	}

	var request, share *event.Event
	for _, ev := range admin.pub.all() {
		if ev.Kind == event.KindSigningRequest {
			request = ev
		}
	}
	for _, ev := range b.pub.all() {
		if ev.Kind == event.KindSignature {
			share = ev
		}
	}
	if request == nil || share == nil {
		t.Fatal("missing events")
	}

	if err := late.coord.ApplyEvent(share); err != nil {
		t.Fatal(err)
	}
	if _, err := late.coord.Proposal(p.ID); !errors.Is(err, ErrProposalNotFound) {
		t.Fatal("share should park until the proposal arrives")
	}
	if err := late.coord.ApplyEvent(request); err != nil {
		t.Fatal(err)
	}
	got, err := late.coord.Proposal(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Signers) != 1 || got.Signers[0] != b.led.SelfID() {
		t.Errorf("parked share not replayed: %v", got.Signers)
	}
}

func TestFoldIgnoresUnauthorizedRequests(t *testing.T) {
	ctx := context.Background()
	admin, b, _, groupID := setupGroup(t, nil)
	p := proposeSpend(t, admin, groupID)
	b.sync(t, admin)

	// A key holder outside the membership announces a spend of its own.
	outsider := newTestDevice(t, 5, nil)
	deliverKey(t, admin, outsider, groupID)
	for _, ev := range admin.pub.all() {
		if err := outsider.led.ApplyEvent(ev); err != nil {
			t.Fatal(err)
		}
	}
	ga, _ := admin.led.Group(groupID)
	packet, err := buildPacket(ga.Wallet, ProposeRequest{
		Recipient:  ga.Wallet.Address,
		AmountSats: 10_000,
		FeeSats:    500,
		UTXOs:      []UTXO{testUTXO()},
	}, 0, admin.led.Network())
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := packet.B64Encode()
	if err != nil {
		t.Fatal(err)
	}
	forgedID := "outsider-proposal"
	err = outsider.coord.emit(ctx, groupID, forgedID, event.KindSigningRequest, requestPayload{
		Action: actionPropose, ProposalID: forgedID, PSBT: encoded,
		Recipient: ga.Wallet.Address, AmountSats: 10_000, FeeSats: 500,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range outsider.pub.all() {
		if err := admin.coord.ApplyEvent(ev); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := admin.coord.Proposal(forgedID); !errors.Is(err, ErrProposalNotFound) {
		t.Fatal("proposal from a non-member must not fold")
	}
	admin.coord.RetryPending()
	if _, err := admin.coord.Proposal(forgedID); !errors.Is(err, ErrProposalNotFound) {
		t.Fatal("non-member proposal folded on retry")
	}

	// A member who neither proposed nor administers cannot cancel.
	err = b.coord.emit(ctx, groupID, p.ID, event.KindSigningRequest, requestPayload{
		Action: actionCancel, ProposalID: p.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range b.pub.all() {
		if err := admin.coord.ApplyEvent(ev); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := admin.coord.Proposal(p.ID)
	if got.Status != StatusAwaitingSignature {
		t.Errorf("status after forged cancel = %s, want awaiting", got.Status)
	}
}
