package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/potluck-btc/potluck/pkg/envelope"
	"github.com/potluck-btc/potluck/pkg/event"
	"github.com/potluck-btc/potluck/pkg/identity"
)

// capturePublisher records published events for replay onto other devices.
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

func testXpub(t *testing.T, seedByte byte) string {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = seedByte
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatal(err)
	}
	xpub, err := master.Neuter()
	if err != nil {
		t.Fatal(err)
	}
	return xpub.String()
}

func newDevice(t *testing.T) (*Ledger, *capturePublisher, *identity.Keypair) {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	pub := &capturePublisher{}
	l := New(kp, NewMemoryKeyStore(), pub)
	return l, pub, kp
}

func TestCreateGroup(t *testing.T) {
	l, pub, _ := newDevice(t)

	g, err := l.CreateGroup(context.Background(), "vacation fund", 2, 3, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if g.Threshold != 2 || g.MaxMembers != 3 {
		t.Errorf("threshold/max = %d/%d", g.Threshold, g.MaxMembers)
	}
	if len(g.Members) != 1 || g.Members[0].Role != RoleCreator {
		t.Fatalf("creator member missing: %+v", g.Members)
	}

	events := pub.all()
	if len(events) != 1 || events[0].Kind != event.KindGroupCreate {
		t.Fatalf("expected one group-create event, got %v", events)
	}
	// Creation event content must be an envelope, not plaintext.
	if _, err := envelope.Decode(events[0].Content); err != nil {
		t.Error("group-create content should be an encrypted envelope")
	}
}

func TestCreateGroupInvalidThreshold(t *testing.T) {
	l, _, _ := newDevice(t)
	for _, tc := range [][2]int{{0, 3}, {4, 3}, {1, 0}} {
		if _, err := l.CreateGroup(context.Background(), "x", tc[0], tc[1], "a"); !errors.Is(err, ErrInvalidThreshold) {
			t.Errorf("threshold %d of %d: expected ErrInvalidThreshold, got %v", tc[0], tc[1], err)
		}
	}
}

// replicate folds every event from src onto dst.
func replicate(t *testing.T, dst *Ledger, events []*event.Event) {
	t.Helper()
	for _, ev := range events {
		if err := dst.ApplyEvent(ev); err != nil {
			t.Fatalf("apply %s: %v", ev.Kind, err)
		}
	}
}

func shareKey(t *testing.T, from, to *Ledger, groupID string) {
	t.Helper()
	master, err := from.GroupMasterKey(groupID)
	if err != nil {
		t.Fatal(err)
	}
	if err := to.keys.StoreGroupKey(groupID, master); err != nil {
		t.Fatal(err)
	}
}

func TestApplyEventIdempotent(t *testing.T) {
	a, pubA, _ := newDevice(t)
	b, _, _ := newDevice(t)

	g, _ := a.CreateGroup(context.Background(), "g", 1, 2, "alice")
	shareKey(t, a, b, g.ID)
	_ = a.UpdateGoal(context.Background(), g.ID, 1_000_000)

	events := pubA.all()
	replicate(t, b, events)
	once, _ := b.Group(g.ID)

	replicate(t, b, events) // same events again
	twice, _ := b.Group(g.ID)

	if !reflect.DeepEqual(once, twice) {
		t.Error("applying the same events twice must not change state")
	}
	if twice.GoalAmount != 1_000_000 {
		t.Errorf("goal = %d", twice.GoalAmount)
	}
}

func TestApplyEventCommutative(t *testing.T) {
	a, pubA, _ := newDevice(t)
	g, _ := a.CreateGroup(context.Background(), "g", 2, 3, "alice")

	// Two independent membership additions.
	_ = a.AddMember(context.Background(), g.ID, Member{ID: "member-b", DisplayName: "bob"})
	_ = a.AddMember(context.Background(), g.ID, Member{ID: "member-c", DisplayName: "carol"})

	events := pubA.all()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	create, addB, addC := events[0], events[1], events[2]

	x, _, _ := newDevice(t)
	shareKey(t, a, x, g.ID)
	replicate(t, x, []*event.Event{create, addB, addC})

	y, _, _ := newDevice(t)
	shareKey(t, a, y, g.ID)
	replicate(t, y, []*event.Event{create, addC, addB})

	gx, _ := x.Group(g.ID)
	gy, _ := y.Group(g.ID)
	if !reflect.DeepEqual(gx, gy) {
		t.Errorf("fold order changed result:\n%+v\n%+v", gx, gy)
	}
	if len(gx.Members) != 3 {
		t.Errorf("members = %d, want 3", len(gx.Members))
	}
}

func TestEventsParkedUntilKeyArrives(t *testing.T) {
	a, pubA, _ := newDevice(t)
	b, _, _ := newDevice(t)

	g, _ := a.CreateGroup(context.Background(), "g", 1, 2, "alice")
	_ = a.UpdateGoal(context.Background(), g.ID, 500)

	// No key on b yet: events park, no group state, no error.
	replicate(t, b, pubA.all())
	if _, err := b.Group(g.ID); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound before key, got %v", err)
	}

	shareKey(t, a, b, g.ID)
	b.RetryPending(g.ID)

	got, err := b.Group(g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.GoalAmount != 500 {
		t.Errorf("goal after retry = %d, want 500", got.GoalAmount)
	}
}

func TestGroupKeyDeliveryEvent(t *testing.T) {
	a, pubA, _ := newDevice(t)
	b, _, kpB := newDevice(t)

	g, _ := a.CreateGroup(context.Background(), "g", 1, 2, "alice")
	replicate(t, b, pubA.all()) // parks: no key yet

	// Seal the group key to b and deliver it as a recipient-tagged event.
	master, _ := a.GroupMasterKey(g.ID)
	sealed, err := envelope.SealKey(master, kpB.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(map[string]any{"group_id": g.ID, "sealed_key": sealed})
	kd := &event.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      event.KindMembershipUpdate,
		Content:   string(body),
	}
	kd.AppendTag(event.TagGroup, g.ID)
	kd.AppendTag(event.TagRecipient, b.SelfID())
	kpA := a.self
	if err := kd.Sign(kpA); err != nil {
		t.Fatal(err)
	}

	if err := b.ApplyEvent(kd); err != nil {
		t.Fatal(err)
	}

	// Parked creation event folds automatically after key arrival.
	if _, err := b.Group(g.ID); err != nil {
		t.Fatalf("group should be visible after key delivery: %v", err)
	}
}

func TestWalletMaterializesOnceAndIdentically(t *testing.T) {
	a, pubA, _ := newDevice(t)
	g, _ := a.CreateGroup(context.Background(), "g", 2, 3, "alice")

	xpubs := []string{testXpub(t, 1), testXpub(t, 2), testXpub(t, 3)}
	_ = a.SetMemberXpub(context.Background(), g.ID, xpubs[0])

	_ = a.AddMember(context.Background(), g.ID, Member{ID: "member-b", ExtendedPublicKey: xpubs[1]})
	ga, _ := a.Group(g.ID)
	if ga.Wallet != nil {
		t.Fatal("wallet must wait for the full signer set")
	}

	_ = a.AddMember(context.Background(), g.ID, Member{ID: "member-c", ExtendedPublicKey: xpubs[2]})
	ga2, _ := a.Group(g.ID)
	if ga2.Wallet == nil {
		t.Fatal("wallet should materialize once all signers submitted keys")
	}
	addr := ga2.Wallet.Address
	if ga2.Wallet.M != 2 || ga2.Wallet.N != 3 {
		t.Errorf("wallet m/n = %d/%d", ga2.Wallet.M, ga2.Wallet.N)
	}

	// A second device folding the same events in a different order derives
	// the same address.
	events := pubA.all()
	b, _, _ := newDevice(t)
	shareKey(t, a, b, g.ID)
	reordered := []*event.Event{events[0]}
	for i := len(events) - 1; i >= 1; i-- {
		reordered = append(reordered, events[i])
	}
	replicate(t, b, reordered)
	gb, _ := b.Group(g.ID)
	if gb.Wallet == nil || gb.Wallet.Address != addr {
		t.Errorf("devices disagree on wallet: %v vs %s", gb.Wallet, addr)
	}
}

func TestPermissionGates(t *testing.T) {
	a, pubA, _ := newDevice(t)
	g, _ := a.CreateGroup(context.Background(), "g", 1, 3, "alice")
	_ = a.AddMember(context.Background(), g.ID, Member{ID: "member-b", Role: RoleMember})

	// Device b learned the group but is not a member of it.
	b, _, _ := newDevice(t)
	shareKey(t, a, b, g.ID)
	replicate(t, b, pubA.all())
	bg, _ := b.Group(g.ID)
	if _, ok := bg.Member(b.SelfID()); ok {
		t.Fatal("test assumes b is not a member")
	}

	if err := b.UpdateGoal(context.Background(), g.ID, 1); !errors.Is(err, ErrInsufficientPermissions) {
		t.Errorf("non-member goal update: %v", err)
	}
	if err := b.RemoveMember(context.Background(), g.ID, "member-b"); !errors.Is(err, ErrInsufficientPermissions) {
		t.Errorf("non-member removal: %v", err)
	}
}

func TestRemoveMemberSoftDeactivates(t *testing.T) {
	a, _, _ := newDevice(t)
	g, _ := a.CreateGroup(context.Background(), "g", 1, 3, "alice")
	_ = a.AddMember(context.Background(), g.ID, Member{ID: "member-b"})

	if err := a.RemoveMember(context.Background(), g.ID, "member-b"); err != nil {
		t.Fatal(err)
	}
	ga, _ := a.Group(g.ID)
	m, ok := ga.Member("member-b")
	if !ok {
		t.Fatal("removed member must remain in the set")
	}
	if m.IsActive {
		t.Error("removed member should be inactive")
	}
}

func TestChatFold(t *testing.T) {
	a, pubA, _ := newDevice(t)
	g, _ := a.CreateGroup(context.Background(), "g", 1, 2, "alice")
	_ = a.SendChat(context.Background(), g.ID, "hello group")

	b, _, _ := newDevice(t)
	shareKey(t, a, b, g.ID)
	replicate(t, b, pubA.all())

	gb, _ := b.Group(g.ID)
	if len(gb.Chat) != 1 || gb.Chat[0].Text != "hello group" {
		t.Errorf("chat = %+v", gb.Chat)
	}
}

// forgeEvent crafts an encrypted group event signed by an arbitrary keypair,
// the way a device holding the group key but lacking a role could.
func forgeEvent(t *testing.T, l *Ledger, kp *identity.Keypair, groupID string, kind event.Kind, createdAt int64, payload any) *event.Event {
	t.Helper()
	master, err := l.GroupMasterKey(groupID)
	if err != nil {
		t.Fatal(err)
	}
	key, err := envelope.DeriveKey(master, envelope.ContextGroup, groupID)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	env, err := envelope.Encrypt(plain, key, envelope.ContextGroup, groupID)
	if err != nil {
		t.Fatal(err)
	}
	content, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	ev := &event.Event{CreatedAt: createdAt, Kind: kind, Content: content}
	ev.AppendTag(event.TagGroup, groupID)
	if err := ev.Sign(kp); err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestFoldRejectsMembershipChangeFromNonAdmin(t *testing.T) {
	a, pubA, _ := newDevice(t)
	b, _, kpB := newDevice(t)
	g, _ := a.CreateGroup(context.Background(), "g", 1, 3, "alice")
	_ = a.AddMember(context.Background(), g.ID, Member{ID: b.SelfID(), DisplayName: "bob", Role: RoleMember})
	shareKey(t, a, b, g.ID)
	replicate(t, b, pubA.all())

	// b holds the group key but cannot manage members; a crafted removal of
	// the creator must not fold on other devices.
	ga, _ := a.Group(g.ID)
	creator, _ := ga.Member(a.SelfID())
	removed := *creator
	removed.IsActive = false
	removed.UpdatedAt = creator.UpdatedAt + 10
	ev := forgeEvent(t, b, kpB, g.ID, event.KindMembershipUpdate, removed.UpdatedAt,
		membershipPayload{GroupID: g.ID, Member: removed, Removed: true, Timestamp: removed.UpdatedAt})
	if err := a.ApplyEvent(ev); err != nil {
		t.Fatal(err)
	}
	got, _ := a.Group(g.ID)
	m, _ := got.Member(a.SelfID())
	if !m.IsActive {
		t.Fatal("membership change authored without manage rights deactivated the creator")
	}

	// The same author may still update its own record.
	self, _ := got.Member(b.SelfID())
	own := *self
	own.DisplayName = "bobby"
	own.UpdatedAt = self.UpdatedAt + 20
	ev = forgeEvent(t, b, kpB, g.ID, event.KindMembershipUpdate, own.UpdatedAt,
		membershipPayload{GroupID: g.ID, Member: own, Timestamp: own.UpdatedAt})
	if err := a.ApplyEvent(ev); err != nil {
		t.Fatal(err)
	}
	got, _ = a.Group(g.ID)
	self, _ = got.Member(b.SelfID())
	if self.DisplayName != "bobby" {
		t.Errorf("self update dropped: %+v", self)
	}
}

func TestFoldGoalChangeRequiresManager(t *testing.T) {
	a, pubA, _ := newDevice(t)
	b, _, kpB := newDevice(t)
	g, _ := a.CreateGroup(context.Background(), "g", 1, 3, "alice")
	_ = a.AddMember(context.Background(), g.ID, Member{ID: b.SelfID(), Role: RoleMember})
	_ = a.UpdateGoal(context.Background(), g.ID, 1_000)
	shareKey(t, a, b, g.ID)
	replicate(t, b, pubA.all())

	// A member's balance snapshot folds, but it cannot move the goal.
	later := time.Now().Unix() + 30
	ev := forgeEvent(t, b, kpB, g.ID, event.KindGoalUpdate, later,
		goalPayload{GroupID: g.ID, GoalAmount: 5, CurrentBalance: 750})
	if err := a.ApplyEvent(ev); err != nil {
		t.Fatal(err)
	}
	got, _ := a.Group(g.ID)
	if got.CurrentBalance != 750 {
		t.Errorf("balance = %d, want 750", got.CurrentBalance)
	}
	if got.GoalAmount != 1_000 {
		t.Errorf("goal = %d, want unchanged 1000", got.GoalAmount)
	}
}

func TestMemberUpdateBeforeAdmissionParks(t *testing.T) {
	a, pubA, _ := newDevice(t)
	kpB, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	pubB := &capturePublisher{}
	// Skew b's clock forward so its self update is strictly newer than its
	// admission record.
	b := New(kpB, NewMemoryKeyStore(), pubB,
		WithClock(func() time.Time { return time.Now().Add(time.Minute) }))

	g, _ := a.CreateGroup(context.Background(), "g", 2, 2, "alice")
	_ = a.SetMemberXpub(context.Background(), g.ID, testXpub(t, 1))
	_ = a.AddMember(context.Background(), g.ID, Member{ID: b.SelfID(), DisplayName: "bob"})
	shareKey(t, a, b, g.ID)
	replicate(t, b, pubA.all())
	if err := b.SetMemberXpub(context.Background(), g.ID, testXpub(t, 2)); err != nil {
		t.Fatal(err)
	}

	events := pubA.all() // create, a's xpub, b's admission
	xpubEv := pubB.all()[0]

	// A third device sees b's self update before b's admission: the update
	// parks and replays once the admission folds.
	c, _, _ := newDevice(t)
	shareKey(t, a, c, g.ID)
	replicate(t, c, []*event.Event{events[0], events[1], xpubEv})
	gc, _ := c.Group(g.ID)
	if _, known := gc.Member(b.SelfID()); known {
		t.Fatal("update from an unadmitted author must park, not fold")
	}
	replicate(t, c, []*event.Event{events[2]})
	gc, _ = c.Group(g.ID)
	m, ok := gc.Member(b.SelfID())
	if !ok || m.ExtendedPublicKey == "" {
		t.Fatalf("parked self update not replayed after admission: %+v", m)
	}
	if gc.Wallet == nil {
		t.Error("wallet should materialize once both extended keys folded")
	}
}

func TestTamperedEventSurfacesAuthFailure(t *testing.T) {
	a, pubA, _ := newDevice(t)
	b, _, _ := newDevice(t)
	g, _ := a.CreateGroup(context.Background(), "g", 1, 2, "alice")
	shareKey(t, a, b, g.ID)

	ev := pubA.all()[0]
	env, _ := envelope.Decode(ev.Content)
	env.Ciphertext[0] ^= 0xff
	content, _ := env.Encode()
	tampered := *ev
	tampered.Content = content
	// Re-sign so the event itself verifies; only the envelope is corrupt.
	if err := tampered.Sign(a.self); err != nil {
		t.Fatal(err)
	}

	if err := b.ApplyEvent(&tampered); !errors.Is(err, envelope.ErrAuthenticationFailed) {
		t.Errorf("expected ErrAuthenticationFailed, got %v", err)
	}
}
