package event

// Kind discriminates application event types. Values 1000-1009 are reserved
// for this application on shared relays.
type Kind int

const (
	KindGroupCreate      Kind = 1000
	KindMembershipUpdate Kind = 1001
	KindGoalUpdate       Kind = 1002
	KindSigningRequest   Kind = 1003
	KindSignature        Kind = 1004
	KindTxSuccess        Kind = 1005
	KindChatMessage      Kind = 1006
	KindJoinRequest      Kind = 1007
	KindInviteCreate     Kind = 1008
	KindInviteRevoke     Kind = 1009
)

// String names a kind for logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindGroupCreate:
		return "group_create"
	case KindMembershipUpdate:
		return "membership_update"
	case KindGoalUpdate:
		return "goal_update"
	case KindSigningRequest:
		return "signing_request"
	case KindSignature:
		return "signature"
	case KindTxSuccess:
		return "tx_success"
	case KindChatMessage:
		return "chat_message"
	case KindJoinRequest:
		return "join_request"
	case KindInviteCreate:
		return "invite_create"
	case KindInviteRevoke:
		return "invite_revoke"
	default:
		return "unknown"
	}
}
