package ledger

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/potluck-btc/potluck/pkg/envelope"
	"github.com/potluck-btc/potluck/pkg/event"
	"github.com/potluck-btc/potluck/pkg/notify"
)

// Event payloads. All but keyDeliveryPayload travel inside group-context
// envelopes; keyDeliveryPayload is plaintext JSON whose only secret is
// asymmetrically sealed to a single recipient.

type groupCreatePayload struct {
	Group Group `json:"group"`
}

type membershipPayload struct {
	GroupID   string `json:"group_id"`
	Member    Member `json:"member"`
	Removed   bool   `json:"removed,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type keyDeliveryPayload struct {
	GroupID   string `json:"group_id"`
	SealedKey []byte `json:"sealed_key"`
}

type goalPayload struct {
	GroupID        string `json:"group_id"`
	GoalAmount     int64  `json:"goal_amount"`
	CurrentBalance int64  `json:"current_balance"`
}

type chatPayload struct {
	GroupID string `json:"group_id"`
	Text    string `json:"text"`
}

// ApplyEvent folds a remote event into local state. The fold is idempotent
// (duplicate ids are no-ops) and commutative per field, so events for the
// same group converge regardless of arrival order. Events for a group whose
// key has not arrived are parked and retried once the key is delivered.
func (l *Ledger) ApplyEvent(ev *event.Event) error {
	switch ev.Kind {
	case event.KindGroupCreate, event.KindMembershipUpdate,
		event.KindGoalUpdate, event.KindChatMessage:
	default:
		// Signing and invite kinds are folded by their own components.
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyLocked(ev)
}

func (l *Ledger) applyLocked(ev *event.Event) error {
	if _, done := l.applied[ev.ID]; done {
		return nil
	}

	groupID, ok := ev.Tag(event.TagGroup)
	if !ok {
		return event.ErrMalformed
	}

	// Key delivery rides the membership kind with a recipient tag and a
	// plaintext body; it is the bootstrap that unlocks everything else.
	if ev.Kind == event.KindMembershipUpdate {
		if recipient, tagged := ev.Tag(event.TagRecipient); tagged {
			l.applied[ev.ID] = struct{}{}
			if recipient != l.SelfID() {
				return nil
			}
			return l.receiveGroupKeyLocked(ev, groupID)
		}
	}

	master, err := l.keys.GroupKey(groupID)
	if errors.Is(err, envelope.ErrKeyNotAvailable) {
		// Not yet able to decrypt: park for retry, do not fail hard.
		l.pending[groupID] = append(l.pending[groupID], ev)
		l.log.Debug("event parked awaiting group key", "group", groupID, "event_id", ev.ID)
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
		// Authentication failure may indicate tampering; surface it,
		// never swallow.
		return fmt.Errorf("event %s: %w", ev.ID, err)
	}

	parked, err := l.mergeLocked(ev, groupID, plain)
	if err != nil {
		return err
	}
	if !parked {
		l.applied[ev.ID] = struct{}{}
	}
	return nil
}

func (l *Ledger) receiveGroupKeyLocked(ev *event.Event, groupID string) error {
	var payload keyDeliveryPayload
	if err := json.Unmarshal([]byte(ev.Content), &payload); err != nil {
		return event.ErrMalformed
	}
	master, err := envelope.OpenKey(payload.SealedKey, l.self)
	if err != nil {
		return fmt.Errorf("open group key: %w", err)
	}
	if err := l.keys.StoreGroupKey(groupID, master); err != nil {
		return fmt.Errorf("store group key: %w", err)
	}
	l.log.Info("group key received", "group", groupID)
	l.retryPendingLocked(groupID)
	return nil
}

// RetryPending re-folds events that arrived before the group key. Safe to
// call at any time.
func (l *Ledger) RetryPending(groupID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retryPendingLocked(groupID)
}

func (l *Ledger) retryPendingLocked(groupID string) {
	parked := l.pending[groupID]
	if len(parked) == 0 {
		return
	}
	delete(l.pending, groupID)
	for _, ev := range parked {
		if err := l.applyLocked(ev); err != nil {
			l.log.Warn("pending event fold failed", "group", groupID, "event_id", ev.ID, "error", err)
		}
	}
}

// lwwNewer orders writes by timestamp, breaking ties by event id so the
// winner is the same on every device.
func lwwNewer(ts int64, id string, curTS int64, curID string) bool {
	if ts != curTS {
		return ts > curTS
	}
	return id > curID
}

// mergeLocked applies per-field merge rules: membership grows monotonically
// with last-writer-wins member fields; balance and goal are last-writer-wins
// snapshots by event timestamp. Holding the group key only proves the author
// was shared into the group at some point; every fold additionally resolves
// the signing pubkey to a current member and enforces the same role gates as
// the local operations. Events for a group whose creation has not arrived
// yet, or whose author is not yet known, report parked=true and are retried
// with the pending queue.
func (l *Ledger) mergeLocked(ev *event.Event, groupID string, plain []byte) (parked bool, err error) {
	switch ev.Kind {
	case event.KindGroupCreate:
		var payload groupCreatePayload
		if err := json.Unmarshal(plain, &payload); err != nil {
			return false, event.ErrMalformed
		}
		if _, exists := l.groups[groupID]; exists {
			return false, nil
		}
		g := payload.Group
		if g.ID != groupID {
			return false, event.ErrMalformed
		}
		// Only the group's own creator may announce it.
		if author, known := g.Member(ev.Pubkey); !known || author.Role != RoleCreator {
			l.log.Warn("group creation from non-creator dropped", "group", groupID, "author", ev.Pubkey)
			return false, nil
		}
		g.Wallet = nil
		l.groups[groupID] = &g
		l.maybeMaterializeWalletLocked(&g)
		l.log.Info("group learned", "group", groupID, "name", g.DisplayName)
		l.retryPendingLocked(groupID)
		return false, nil

	case event.KindMembershipUpdate:
		var payload membershipPayload
		if err := json.Unmarshal(plain, &payload); err != nil {
			return false, event.ErrMalformed
		}
		g, exists := l.groups[groupID]
		if !exists {
			l.pending[groupID] = append(l.pending[groupID], ev)
			return true, nil
		}
		author, known := g.Member(ev.Pubkey)
		if !known {
			// The admission event naming the author may still be in
			// flight; park rather than lose the update.
			l.pending[groupID] = append(l.pending[groupID], ev)
			return true, nil
		}
		if !author.IsActive {
			l.log.Warn("membership update from deactivated member dropped", "group", groupID, "author", ev.Pubkey)
			return false, nil
		}
		incoming := payload.Member
		if payload.Removed {
			incoming.IsActive = false
		}
		if !author.Role.CanManageMembers() {
			// Non-admins may only update their own record, and never
			// remove themselves or change their role.
			if incoming.ID != author.ID || payload.Removed || incoming.Role != author.Role {
				l.log.Warn("membership update from unauthorized author dropped", "group", groupID, "author", ev.Pubkey)
				return false, nil
			}
		}
		incoming.lastEvent = ev.ID
		current, present := g.Member(incoming.ID)
		if !present {
			g.insertMember(incoming)
			l.notown.Notify(notify.Event{
				Kind: notify.KindMemberJoined, GroupID: groupID, Detail: incoming.ID,
			})
			// Events parked on the new member's authorship can fold now.
			l.retryPendingLocked(groupID)
		} else if lwwNewer(incoming.UpdatedAt, ev.ID, current.UpdatedAt, current.lastEvent) {
			*current = incoming
		}
		l.maybeMaterializeWalletLocked(g)
		return false, nil

	case event.KindGoalUpdate:
		var payload goalPayload
		if err := json.Unmarshal(plain, &payload); err != nil {
			return false, event.ErrMalformed
		}
		g, exists := l.groups[groupID]
		if !exists {
			l.pending[groupID] = append(l.pending[groupID], ev)
			return true, nil
		}
		author, known := g.Member(ev.Pubkey)
		if !known {
			l.pending[groupID] = append(l.pending[groupID], ev)
			return true, nil
		}
		if !author.IsActive {
			l.log.Warn("goal update from deactivated member dropped", "group", groupID, "author", ev.Pubkey)
			return false, nil
		}
		// Balance snapshots fold from any active member; the goal amount
		// only from authors who could have changed it locally.
		prev := g.CurrentBalance
		balanceApplied := false
		if lwwNewer(ev.CreatedAt, ev.ID, g.BalanceUpdatedAt, g.balanceEvent) {
			g.CurrentBalance = payload.CurrentBalance
			g.BalanceUpdatedAt = ev.CreatedAt
			g.balanceEvent = ev.ID
			balanceApplied = true
		}
		if author.Role.CanManageMembers() && lwwNewer(ev.CreatedAt, ev.ID, g.GoalUpdatedAt, g.goalEvent) {
			g.GoalAmount = payload.GoalAmount
			g.GoalUpdatedAt = ev.CreatedAt
			g.goalEvent = ev.ID
		}
		if balanceApplied && g.GoalAmount > 0 && prev < g.GoalAmount && g.CurrentBalance >= g.GoalAmount {
			l.notown.Notify(notify.Event{
				Kind: notify.KindGoalMilestone, GroupID: groupID, Amount: g.CurrentBalance,
			})
		}
		return false, nil

	case event.KindChatMessage:
		var payload chatPayload
		if err := json.Unmarshal(plain, &payload); err != nil {
			return false, event.ErrMalformed
		}
		g, exists := l.groups[groupID]
		if !exists {
			l.pending[groupID] = append(l.pending[groupID], ev)
			return true, nil
		}
		author, known := g.Member(ev.Pubkey)
		if !known {
			l.pending[groupID] = append(l.pending[groupID], ev)
			return true, nil
		}
		if !author.IsActive {
			l.log.Warn("chat message from deactivated member dropped", "group", groupID, "author", ev.Pubkey)
			return false, nil
		}
		g.Chat = append(g.Chat, ChatMessage{
			EventID:  ev.ID,
			AuthorID: ev.Pubkey,
			Text:     payload.Text,
			SentAt:   ev.CreatedAt,
		})
		return false, nil
	}
	return false, nil
}
