package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"

	"github.com/potluck-btc/potluck/pkg/envelope"
	"github.com/potluck-btc/potluck/pkg/event"
	"github.com/potluck-btc/potluck/pkg/identity"
	"github.com/potluck-btc/potluck/pkg/logging"
	"github.com/potluck-btc/potluck/pkg/notify"
)

// Publisher sends signed events to the relay network.
type Publisher interface {
	Publish(ctx context.Context, ev *event.Event) error
}

// KeyStore holds group master keys. GroupKey returns
// envelope.ErrKeyNotAvailable for a group whose key has not been received.
type KeyStore interface {
	StoreGroupKey(groupID string, key []byte) error
	GroupKey(groupID string) ([]byte, error)
}

// MemoryKeyStore is an in-process KeyStore.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string][]byte
}

// NewMemoryKeyStore creates an empty key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string][]byte)}
}

// StoreGroupKey implements KeyStore.
func (s *MemoryKeyStore) StoreGroupKey(groupID string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[groupID] = append([]byte(nil), key...)
	return nil
}

// GroupKey implements KeyStore.
func (s *MemoryKeyStore) GroupKey(groupID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[groupID]
	if !ok {
		return nil, envelope.ErrKeyNotAvailable
	}
	return append([]byte(nil), key...), nil
}

// Ledger is the single fold point for all group state on this device.
// Every mutation, local or remote, is serialized through its mutex so that
// concurrently-arriving events fold in either order to the same result.
type Ledger struct {
	self   *identity.Keypair
	keys   KeyStore
	pub    Publisher
	notown notify.Notifier
	net    *chaincfg.Params
	log    *logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	groups  map[string]*Group
	pending map[string][]*event.Event
	applied map[string]struct{}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithNotifier sets the semantic notification sink.
func WithNotifier(n notify.Notifier) Option {
	return func(l *Ledger) { l.notown = n }
}

// WithNetwork sets the Bitcoin network parameters (default testnet3).
func WithNetwork(net *chaincfg.Params) Option {
	return func(l *Ledger) { l.net = net }
}

// WithLogger sets the ledger logger.
func WithLogger(log *logging.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger for the given identity.
func New(self *identity.Keypair, keys KeyStore, pub Publisher, opts ...Option) *Ledger {
	l := &Ledger{
		self:    self,
		keys:    keys,
		pub:     pub,
		net:     &chaincfg.TestNet3Params,
		now:     time.Now,
		groups:  make(map[string]*Group),
		pending: make(map[string][]*event.Event),
		applied: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logging.New(nil).WithComponent("ledger")
	}
	if l.notown == nil {
		l.notown = &notify.LogNotifier{Log: l.log}
	}
	return l
}

// SelfID returns this device's member id.
func (l *Ledger) SelfID() string {
	return l.self.PublicKey().Hex()
}

// Network returns the configured Bitcoin network parameters.
func (l *Ledger) Network() *chaincfg.Params {
	return l.net
}

// GroupMasterKey returns the group's master key, or
// envelope.ErrKeyNotAvailable if it has not been received.
func (l *Ledger) GroupMasterKey(groupID string) ([]byte, error) {
	return l.keys.GroupKey(groupID)
}

// Group returns a snapshot of the group state.
func (l *Ledger) Group(id string) (*Group, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.groups[id]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return g.clone(), nil
}

// Groups returns snapshots of all known groups.
func (l *Ledger) Groups() []*Group {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Group, 0, len(l.groups))
	for _, g := range l.groups {
		out = append(out, g.clone())
	}
	return out
}

// CreateGroup generates a new group and its master key, seeds local state,
// and emits the creation event. The creator is the first member.
func (l *Ledger) CreateGroup(ctx context.Context, name string, threshold, maxMembers int, displayName string) (*Group, error) {
	if threshold < 1 || maxMembers < 1 || threshold > maxMembers {
		return nil, ErrInvalidThreshold
	}

	master, err := envelope.NewMasterKey()
	if err != nil {
		return nil, err
	}

	now := l.now().Unix()
	g := &Group{
		ID:          uuid.NewString(),
		DisplayName: name,
		Threshold:   threshold,
		MaxMembers:  maxMembers,
		CreatedAt:   now,
		Members: []Member{{
			ID:          l.SelfID(),
			DisplayName: displayName,
			Role:        RoleCreator,
			IsActive:    true,
			JoinedAt:    now,
			UpdatedAt:   now,
		}},
	}

	if err := l.keys.StoreGroupKey(g.ID, master); err != nil {
		return nil, fmt.Errorf("store group key: %w", err)
	}

	l.mu.Lock()
	l.groups[g.ID] = g
	l.mu.Unlock()

	payload := groupCreatePayload{Group: *g.clone()}
	if err := l.emit(ctx, g.ID, event.KindGroupCreate, payload, nil); err != nil {
		return nil, err
	}
	l.log.Info("group created", "group", g.ID, "threshold", threshold, "max_members", maxMembers)
	return g.clone(), nil
}

// AddMember admits a member locally and emits the membership event. The
// caller (InviteProtocol) is responsible for delivering the sealed group key
// separately.
func (l *Ledger) AddMember(ctx context.Context, groupID string, m Member) error {
	l.mu.Lock()
	g, ok := l.groups[groupID]
	if !ok {
		l.mu.Unlock()
		return ErrGroupNotFound
	}
	if err := l.requireRoleLocked(g, Role.CanManageMembers); err != nil {
		l.mu.Unlock()
		return err
	}
	if _, exists := g.Member(m.ID); exists {
		l.mu.Unlock()
		return ErrMemberExists
	}
	now := l.now().Unix()
	if m.JoinedAt == 0 {
		m.JoinedAt = now
	}
	m.UpdatedAt = now
	m.IsActive = true
	if m.Role == "" {
		m.Role = RoleMember
	}
	g.insertMember(m)
	l.maybeMaterializeWalletLocked(g)
	l.mu.Unlock()

	l.notown.Notify(notify.Event{Kind: notify.KindMemberJoined, GroupID: groupID, Detail: m.ID})
	return l.emit(ctx, groupID, event.KindMembershipUpdate,
		membershipPayload{GroupID: groupID, Member: m, Timestamp: now}, nil)
}

// RemoveMember soft-deactivates a member and emits the removal event. The
// group key is not rotated; see the package comment.
func (l *Ledger) RemoveMember(ctx context.Context, groupID, memberID string) error {
	l.mu.Lock()
	g, ok := l.groups[groupID]
	if !ok {
		l.mu.Unlock()
		return ErrGroupNotFound
	}
	if err := l.requireRoleLocked(g, Role.CanManageMembers); err != nil {
		l.mu.Unlock()
		return err
	}
	m, exists := g.Member(memberID)
	if !exists {
		l.mu.Unlock()
		return ErrMemberNotFound
	}
	now := l.now().Unix()
	m.IsActive = false
	m.UpdatedAt = now
	removed := *m
	l.mu.Unlock()

	return l.emit(ctx, groupID, event.KindMembershipUpdate,
		membershipPayload{GroupID: groupID, Member: removed, Removed: true, Timestamp: now}, nil)
}

// SetMemberXpub records this device's extended public key for the group and
// emits the update. Wallet materialization is re-checked on every xpub.
func (l *Ledger) SetMemberXpub(ctx context.Context, groupID, xpub string) error {
	l.mu.Lock()
	g, ok := l.groups[groupID]
	if !ok {
		l.mu.Unlock()
		return ErrGroupNotFound
	}
	m, exists := g.Member(l.SelfID())
	if !exists {
		l.mu.Unlock()
		return ErrMemberNotFound
	}
	now := l.now().Unix()
	m.ExtendedPublicKey = xpub
	m.UpdatedAt = now
	updated := *m
	l.maybeMaterializeWalletLocked(g)
	l.mu.Unlock()

	return l.emit(ctx, groupID, event.KindMembershipUpdate,
		membershipPayload{GroupID: groupID, Member: updated, Timestamp: now}, nil)
}

// UpdateGoal sets the savings goal and emits the update.
func (l *Ledger) UpdateGoal(ctx context.Context, groupID string, goalSats int64) error {
	l.mu.Lock()
	g, ok := l.groups[groupID]
	if !ok {
		l.mu.Unlock()
		return ErrGroupNotFound
	}
	if err := l.requireRoleLocked(g, Role.CanManageMembers); err != nil {
		l.mu.Unlock()
		return err
	}
	now := l.now().Unix()
	g.GoalAmount = goalSats
	g.GoalUpdatedAt = now
	balance := g.CurrentBalance
	l.mu.Unlock()

	return l.emit(ctx, groupID, event.KindGoalUpdate,
		goalPayload{GroupID: groupID, GoalAmount: goalSats, CurrentBalance: balance}, nil)
}

// UpdateBalance records a balance snapshot from the chain collaborator and
// replicates it. Balances are last-writer-wins snapshots, not increments.
func (l *Ledger) UpdateBalance(ctx context.Context, groupID string, sats int64) error {
	l.mu.Lock()
	g, ok := l.groups[groupID]
	if !ok {
		l.mu.Unlock()
		return ErrGroupNotFound
	}
	prev := g.CurrentBalance
	now := l.now().Unix()
	g.CurrentBalance = sats
	g.BalanceUpdatedAt = now
	goal := g.GoalAmount
	l.mu.Unlock()

	if goal > 0 && prev < goal && sats >= goal {
		l.notown.Notify(notify.Event{Kind: notify.KindGoalMilestone, GroupID: groupID, Amount: sats})
	}
	return l.emit(ctx, groupID, event.KindGoalUpdate,
		goalPayload{GroupID: groupID, GoalAmount: goal, CurrentBalance: sats}, nil)
}

// SendChat posts an encrypted chat message to the group.
func (l *Ledger) SendChat(ctx context.Context, groupID, text string) error {
	l.mu.Lock()
	_, ok := l.groups[groupID]
	l.mu.Unlock()
	if !ok {
		return ErrGroupNotFound
	}
	return l.emit(ctx, groupID, event.KindChatMessage,
		chatPayload{GroupID: groupID, Text: text}, nil)
}

// requireRoleLocked checks this device's role in the group.
func (l *Ledger) requireRoleLocked(g *Group, allowed func(Role) bool) error {
	m, ok := g.Member(l.SelfID())
	if !ok || !m.IsActive {
		return ErrInsufficientPermissions
	}
	if !allowed(m.Role) {
		return ErrInsufficientPermissions
	}
	return nil
}

// maybeMaterializeWalletLocked derives the multisig wallet once every
// expected signer has submitted an extended key. Waiting for the full signer
// set keeps the trigger independent of event arrival order: the key set, and
// therefore the derived script, is the same on every device.
func (l *Ledger) maybeMaterializeWalletLocked(g *Group) {
	if g.Wallet != nil {
		return
	}
	signers := g.SigningMembers()
	if len(signers) < g.MaxMembers || len(signers) < g.Threshold {
		return
	}
	w, err := deriveWallet(g.Threshold, signers, l.net)
	if err != nil {
		l.log.Error("wallet derivation failed", "group", g.ID, "error", err)
		return
	}
	g.Wallet = w
	l.log.Info("wallet materialized", "group", g.ID, "address", w.Address, "m", w.M, "n", w.N)
}

// emit encrypts a payload under the group key, signs the event, folds it as
// applied locally, and publishes it.
func (l *Ledger) emit(ctx context.Context, groupID string, kind event.Kind, payload any, extraTags [][]string) error {
	master, err := l.keys.GroupKey(groupID)
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
		CreatedAt: l.now().Unix(),
		Kind:      kind,
		Content:   content,
	}
	ev.AppendTag(event.TagGroup, groupID)
	for _, t := range extraTags {
		if len(t) == 2 {
			ev.AppendTag(t[0], t[1])
		}
	}
	if err := ev.Sign(l.self); err != nil {
		return err
	}

	// Our own event will echo back from relays; mark it folded now.
	l.mu.Lock()
	l.applied[ev.ID] = struct{}{}
	l.mu.Unlock()

	return l.pub.Publish(ctx, ev)
}
