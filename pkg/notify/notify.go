// Package notify defines the semantic notification boundary. Presentation
// (push delivery, badges) is out of scope; consumers receive meaning, not
// rendering.
package notify

import "github.com/potluck-btc/potluck/pkg/logging"

// Event is a semantic notification.
type Event struct {
	// Kind is one of the Kind* constants.
	Kind    string
	GroupID string
	// Detail carries kind-specific context: a proposal id, member id, or
	// transaction id.
	Detail string
	// Amount is set for balance and milestone notifications, in satoshis.
	Amount int64
}

const (
	KindSignatureNeeded = "signature_needed"
	KindGoalMilestone   = "goal_milestone"
	KindMemberJoined    = "member_joined"
	KindTxBroadcast     = "tx_broadcast"
)

// Notifier receives semantic events.
type Notifier interface {
	Notify(ev Event)
}

// Func adapts a function to a Notifier.
type Func func(Event)

// Notify implements Notifier.
func (f Func) Notify(ev Event) { f(ev) }

// LogNotifier writes notifications to the log. It is the default sink when
// no platform notifier is wired.
type LogNotifier struct {
	Log *logging.Logger
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ev Event) {
	log := n.Log
	if log == nil {
		log = logging.New(nil)
	}
	log.Info("notification",
		"kind", ev.Kind, "group", ev.GroupID, "detail", ev.Detail, "amount", ev.Amount)
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ev Event) {
	for _, n := range m {
		n.Notify(ev)
	}
}
