// Package ledger maintains each device's local, eventually-consistent view
// of a savings group and propagates local mutations as encrypted relay
// events. All state converges by idempotent, commutative folds over the
// replicated event log; there are no cross-device locks.
//
// Group keys are never rotated on member removal: a removed member keeps the
// ability to decrypt historical shared data. The envelope Version field is
// the key-epoch hook for a future rotation scheme.
package ledger

import (
	"errors"
	"sort"
)

var (
	// ErrGroupNotFound indicates an unknown group id.
	ErrGroupNotFound = errors.New("group not found")
	// ErrInsufficientPermissions indicates the caller's role does not
	// allow the operation.
	ErrInsufficientPermissions = errors.New("insufficient permissions")
	// ErrInsufficientMembers indicates fewer signing-capable members than
	// the threshold requires.
	ErrInsufficientMembers = errors.New("insufficient signing members")
	// ErrMemberExists indicates the member is already in the group.
	ErrMemberExists = errors.New("member already exists in group")
	// ErrMemberNotFound indicates an unknown member id.
	ErrMemberNotFound = errors.New("member not found in group")
	// ErrInvalidThreshold indicates a threshold outside [1, maxMembers].
	ErrInvalidThreshold = errors.New("invalid signing threshold")
)

// Role indicates a member's privilege level within a group.
type Role string

const (
	RoleCreator  Role = "creator"
	RoleAdmin    Role = "admin"
	RoleMember   Role = "member"
	RoleObserver Role = "observer"
)

// CanManageMembers reports whether the role may invite and remove members
// and change the goal.
func (r Role) CanManageMembers() bool {
	return r == RoleCreator || r == RoleAdmin
}

// CanSpend reports whether the role may draft spend proposals.
func (r Role) CanSpend() bool {
	return r == RoleCreator || r == RoleAdmin || r == RoleMember
}

// Member is one participant in a group. ID is the hex identity pubkey.
type Member struct {
	ID                string `json:"id"`
	DisplayName       string `json:"display_name"`
	ExtendedPublicKey string `json:"xpub,omitempty"`
	Role              Role   `json:"role"`
	IsActive          bool   `json:"is_active"`
	JoinedAt          int64  `json:"joined_at"`
	UpdatedAt         int64  `json:"updated_at"`

	// lastEvent breaks last-writer-wins ties deterministically so folds
	// commute even when two writers share a timestamp. Local only.
	lastEvent string
}

// ChatMessage is one decrypted group chat entry.
type ChatMessage struct {
	EventID  string `json:"event_id"`
	AuthorID string `json:"author_id"`
	Text     string `json:"text"`
	SentAt   int64  `json:"sent_at"`
}

// Group is the shared savings group state. Members are ordered by join
// time; the set grows monotonically and removal only deactivates.
type Group struct {
	ID               string   `json:"id"`
	DisplayName      string   `json:"display_name"`
	Threshold        int      `json:"threshold"`
	MaxMembers       int      `json:"max_members"`
	Members          []Member `json:"members"`
	CreatedAt        int64    `json:"created_at"`
	GoalAmount       int64    `json:"goal_amount"`
	CurrentBalance   int64    `json:"current_balance"`
	GoalUpdatedAt    int64    `json:"goal_updated_at"`
	BalanceUpdatedAt int64    `json:"balance_updated_at"`

	Wallet *Wallet       `json:"wallet,omitempty"`
	Chat   []ChatMessage `json:"chat,omitempty"`

	// goalEvent and balanceEvent break snapshot ties; local only. Goal and
	// balance merge independently because goal changes are admin-gated while
	// balance snapshots may come from any active member.
	goalEvent    string
	balanceEvent string
}

// Member returns the member with the given id.
func (g *Group) Member(id string) (*Member, bool) {
	for i := range g.Members {
		if g.Members[i].ID == id {
			return &g.Members[i], true
		}
	}
	return nil, false
}

// SigningMembers returns active members that have submitted an extended
// public key, in join order.
func (g *Group) SigningMembers() []Member {
	var out []Member
	for _, m := range g.Members {
		if m.IsActive && m.ExtendedPublicKey != "" {
			out = append(out, m)
		}
	}
	return out
}

// insertMember adds a member keeping join-time order with id tie-break, so
// folds converge regardless of arrival order.
func (g *Group) insertMember(m Member) {
	g.Members = append(g.Members, m)
	sort.Slice(g.Members, func(i, j int) bool {
		a, b := g.Members[i], g.Members[j]
		if a.JoinedAt != b.JoinedAt {
			return a.JoinedAt < b.JoinedAt
		}
		return a.ID < b.ID
	})
}

func (g *Group) clone() *Group {
	cp := *g
	cp.Members = append([]Member(nil), g.Members...)
	cp.Chat = append([]ChatMessage(nil), g.Chat...)
	if g.Wallet != nil {
		w := *g.Wallet
		w.Script = append([]byte(nil), g.Wallet.Script...)
		w.PubKeys = append([][]byte(nil), g.Wallet.PubKeys...)
		cp.Wallet = &w
	}
	return &cp
}
