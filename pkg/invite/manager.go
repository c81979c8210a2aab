package invite

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/potluck-btc/potluck/pkg/envelope"
	"github.com/potluck-btc/potluck/pkg/event"
	"github.com/potluck-btc/potluck/pkg/identity"
	"github.com/potluck-btc/potluck/pkg/ledger"
	"github.com/potluck-btc/potluck/pkg/logging"
	"github.com/potluck-btc/potluck/pkg/notify"
)

type revokePayload struct {
	InviteID string `json:"invite_id"`
	GroupID  string `json:"group_id"`
}

// keyDelivery mirrors the ledger's key-delivery body: a plaintext frame
// whose only secret is sealed to one recipient.
type keyDelivery struct {
	GroupID   string `json:"group_id"`
	SealedKey []byte `json:"sealed_key"`
}

// Manager folds invite and join-request events and runs the approval flow.
// It observes ledger membership notifications to count invite uses, so wire
// it into the ledger with ledger.WithNotifier.
type Manager struct {
	self *identity.Keypair
	led  *ledger.Ledger
	pub  ledger.Publisher
	log  *logging.Logger
	now  func() time.Time

	mu       sync.Mutex
	invites  map[string]*Invite
	requests map[string]*JoinRequest // by request event id
	applied  map[string]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(log *logging.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an invite manager bound to this device's ledger.
func NewManager(self *identity.Keypair, led *ledger.Ledger, pub ledger.Publisher, opts ...Option) *Manager {
	m := &Manager{
		self:     self,
		led:      led,
		pub:      pub,
		now:      time.Now,
		invites:  make(map[string]*Invite),
		requests: make(map[string]*JoinRequest),
		applied:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logging.New(nil).WithComponent("invite")
	}
	return m
}

// Create mints an invite for the group. Only creators and admins may invite,
// and the granted role can never be creator.
func (m *Manager) Create(ctx context.Context, groupID string, role ledger.Role, maxUses int, ttl time.Duration) (*Invite, error) {
	g, err := m.led.Group(groupID)
	if err != nil {
		return nil, err
	}
	self, ok := g.Member(m.led.SelfID())
	if !ok || !self.IsActive || !self.Role.CanManageMembers() {
		return nil, ledger.ErrInsufficientPermissions
	}
	if role == "" {
		role = ledger.RoleMember
	}
	if role == ledger.RoleCreator {
		return nil, ledger.ErrInsufficientPermissions
	}

	now := m.now()
	inv := &Invite{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		GroupName: g.DisplayName,
		CreatedBy: m.led.SelfID(),
		Role:      string(role),
		MaxUses:   maxUses,
		CreatedAt: now.Unix(),
	}
	if ttl > 0 {
		inv.ExpiresAt = now.Add(ttl).Unix()
	}

	ev, err := m.emit(ctx, event.KindInviteCreate, inv, groupID, inv.ID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.applied[ev.ID] = struct{}{}
	m.invites[inv.ID] = inv
	m.mu.Unlock()

	m.log.Info("invite created", "group", groupID, "invite", inv.ID, "max_uses", maxUses)
	cp := *inv
	return &cp, nil
}

// Revoke permanently invalidates an invite.
func (m *Manager) Revoke(ctx context.Context, inviteID string) error {
	m.mu.Lock()
	inv, ok := m.invites[inviteID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	g, err := m.led.Group(inv.GroupID)
	if err != nil {
		return err
	}
	self, found := g.Member(m.led.SelfID())
	if !found || !self.IsActive || !self.Role.CanManageMembers() {
		return ledger.ErrInsufficientPermissions
	}

	payload := revokePayload{InviteID: inviteID, GroupID: inv.GroupID}
	ev, err := m.emit(ctx, event.KindInviteRevoke, payload, inv.GroupID, inviteID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.applied[ev.ID] = struct{}{}
	inv.Revoked = true
	m.mu.Unlock()
	m.log.Info("invite revoked", "group", inv.GroupID, "invite", inviteID)
	return nil
}

// RequestJoin publishes a join request against an invite. Called on the
// prospective member's device; the invite arrives out of band (QR, link) or
// from the relay.
func (m *Manager) RequestJoin(ctx context.Context, inv *Invite, displayName, xpub string) error {
	if err := inv.Valid(m.now()); err != nil {
		return err
	}
	req := JoinRequest{
		InviteID:    inv.ID,
		GroupID:     inv.GroupID,
		DisplayName: displayName,
		Xpub:        xpub,
	}
	ev, err := m.emit(ctx, event.KindJoinRequest, req, inv.GroupID, inv.ID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.applied[ev.ID] = struct{}{}
	m.mu.Unlock()
	m.log.Info("join requested", "group", inv.GroupID, "invite", inv.ID)
	return nil
}

// Approve validates the join request against its invite, admits the member
// through the ledger, and delivers the group key sealed to the requester.
// Each failure mode is distinguishable so the admin UI can explain it.
func (m *Manager) Approve(ctx context.Context, requestEventID string) error {
	m.mu.Lock()
	req, ok := m.requests[requestEventID]
	if !ok {
		m.mu.Unlock()
		return ErrRequestNotFound
	}
	inv, ok := m.invites[req.InviteID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if err := inv.Valid(m.now()); err != nil {
		m.mu.Unlock()
		return err
	}
	request := *req
	invite := *inv
	m.mu.Unlock()

	g, err := m.led.Group(invite.GroupID)
	if err != nil {
		return err
	}
	if existing, found := g.Member(request.Requester); found && existing.IsActive {
		return ErrAlreadyMember
	}

	err = m.led.AddMember(ctx, invite.GroupID, ledger.Member{
		ID:                request.Requester,
		DisplayName:       request.DisplayName,
		ExtendedPublicKey: request.Xpub,
		Role:              ledger.Role(invite.Role),
	})
	if err != nil {
		return err
	}

	if err := m.deliverGroupKey(ctx, invite.GroupID, request.Requester); err != nil {
		return fmt.Errorf("deliver group key: %w", err)
	}

	m.mu.Lock()
	delete(m.requests, requestEventID)
	m.mu.Unlock()
	m.log.Info("join approved", "group", invite.GroupID, "member", request.Requester, "invite", invite.ID)
	return nil
}

// deliverGroupKey seals the group master key to the new member and ships it
// as a recipient-tagged plaintext event.
func (m *Manager) deliverGroupKey(ctx context.Context, groupID, memberID string) error {
	master, err := m.led.GroupMasterKey(groupID)
	if err != nil {
		return err
	}
	recipient, err := identity.DecodePublicKey(memberID)
	if err != nil {
		return err
	}
	sealed, err := envelope.SealKey(master, recipient)
	if err != nil {
		return err
	}
	body, err := json.Marshal(keyDelivery{GroupID: groupID, SealedKey: sealed})
	if err != nil {
		return err
	}
	ev := &event.Event{
		CreatedAt: m.now().Unix(),
		Kind:      event.KindMembershipUpdate,
		Content:   string(body),
	}
	ev.AppendTag(event.TagGroup, groupID)
	ev.AppendTag(event.TagRecipient, memberID)
	if err := ev.Sign(m.self); err != nil {
		return err
	}
	return m.pub.Publish(ctx, ev)
}

// Invite returns a snapshot of the invite, if known.
func (m *Manager) Invite(id string) (*Invite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invites[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

// PendingRequests returns the unapproved join requests for a group.
func (m *Manager) PendingRequests(groupID string) []JoinRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []JoinRequest
	for _, req := range m.requests {
		if req.GroupID == groupID {
			out = append(out, *req)
		}
	}
	return out
}

// ApplyEvent folds invite-protocol events. Other kinds are ignored.
func (m *Manager) ApplyEvent(ev *event.Event) error {
	switch ev.Kind {
	case event.KindInviteCreate, event.KindInviteRevoke, event.KindJoinRequest:
	default:
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.applied[ev.ID]; done {
		return nil
	}
	m.applied[ev.ID] = struct{}{}

	switch ev.Kind {
	case event.KindInviteCreate:
		var inv Invite
		if err := json.Unmarshal([]byte(ev.Content), &inv); err != nil {
			return event.ErrMalformed
		}
		inv.CreatedBy = ev.Pubkey
		if existing, ok := m.invites[inv.ID]; ok {
			// Revocation may have folded before creation.
			inv.Revoked = existing.Revoked
			inv.CurrentUses = existing.CurrentUses
		}
		m.invites[inv.ID] = &inv

	case event.KindInviteRevoke:
		var payload revokePayload
		if err := json.Unmarshal([]byte(ev.Content), &payload); err != nil {
			return event.ErrMalformed
		}
		inv, ok := m.invites[payload.InviteID]
		if !ok {
			// Revocation ahead of creation: remember it as a tombstone.
			inv = &Invite{ID: payload.InviteID, GroupID: payload.GroupID}
			m.invites[payload.InviteID] = inv
		}
		inv.Revoked = true

	case event.KindJoinRequest:
		var req JoinRequest
		if err := json.Unmarshal([]byte(ev.Content), &req); err != nil {
			return event.ErrMalformed
		}
		req.EventID = ev.ID
		req.Requester = ev.Pubkey
		req.RequestedAt = ev.CreatedAt
		m.requests[ev.ID] = &req
	}
	return nil
}

// Notify implements notify.Notifier. Folded member-joined notifications are
// how invite use counts converge: every device that sees the membership
// event, not just the approving admin, charges the matching invite.
func (m *Manager) Notify(nev notify.Event) {
	if nev.Kind != notify.KindMemberJoined {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, req := range m.requests {
		if req.GroupID != nev.GroupID || req.Requester != nev.Detail {
			continue
		}
		if inv, ok := m.invites[req.InviteID]; ok {
			inv.CurrentUses++
		}
		delete(m.requests, id)
		return
	}
}

// emit signs and publishes a plaintext invite-protocol event.
func (m *Manager) emit(ctx context.Context, kind event.Kind, payload any, groupID, inviteID string) (*event.Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	ev := &event.Event{
		CreatedAt: m.now().Unix(),
		Kind:      kind,
		Content:   string(body),
	}
	ev.AppendTag(event.TagGroup, groupID)
	ev.AppendTag(event.TagInvite, inviteID)
	if err := ev.Sign(m.self); err != nil {
		return nil, err
	}
	if err := m.pub.Publish(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
