// Package invite implements the join handshake: time-boxed, use-limited
// invites, join requests from prospective members, and admin approval that
// admits the member and delivers the sealed group key.
//
// Invite and join-request events travel as plaintext JSON: a prospective
// member does not yet hold the group key, so this surface deliberately
// reveals only the invite metadata and the requester's chosen display name.
// The group key itself is always sealed to exactly one recipient.
package invite

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates an unknown invite id.
	ErrNotFound = errors.New("invite not found")
	// ErrExpired indicates the invite's validity window has passed.
	ErrExpired = errors.New("invite expired")
	// ErrExhausted indicates the invite's use limit has been reached.
	ErrExhausted = errors.New("invite exhausted")
	// ErrRevoked indicates the invite was revoked by an admin.
	ErrRevoked = errors.New("invite revoked")
	// ErrAlreadyMember indicates the requester is already in the group.
	ErrAlreadyMember = errors.New("requester is already a member")
	// ErrRequestNotFound indicates an unknown join request.
	ErrRequestNotFound = errors.New("join request not found")
)

// Invite is a transferable admission token for a group. MaxUses of zero
// means unlimited uses; ExpiresAt of zero means no expiry.
type Invite struct {
	ID        string `json:"id"`
	GroupID   string `json:"group_id"`
	GroupName string `json:"group_name"`
	CreatedBy string `json:"created_by"`
	Role      string `json:"role"`
	MaxUses   int    `json:"max_uses"`
	ExpiresAt int64  `json:"expires_at"`
	CreatedAt int64  `json:"created_at"`

	// CurrentUses and Revoked are folded from the event log, not carried
	// in the invite payload itself.
	CurrentUses int  `json:"-"`
	Revoked     bool `json:"-"`
}

// Valid reports whether the invite can admit another member at the given
// time, returning the specific failure otherwise.
func (inv *Invite) Valid(now time.Time) error {
	if inv.Revoked {
		return ErrRevoked
	}
	if inv.ExpiresAt > 0 && now.Unix() >= inv.ExpiresAt {
		return ErrExpired
	}
	if inv.MaxUses > 0 && inv.CurrentUses >= inv.MaxUses {
		return ErrExhausted
	}
	return nil
}

// JoinRequest is a prospective member's response to an invite. Requester is
// the hex identity pubkey taken from the signed event, never from the body.
type JoinRequest struct {
	EventID     string `json:"-"`
	Requester   string `json:"-"`
	InviteID    string `json:"invite_id"`
	GroupID     string `json:"group_id"`
	DisplayName string `json:"display_name"`
	Xpub        string `json:"xpub,omitempty"`
	RequestedAt int64  `json:"-"`
}
