package sync

import "fmt"

// State is where the coordinator stands in reconciling the local project
// with the rest of the room.
type State int

const (
	// Unknown means no peer has been heard from yet and nothing is known
	// about the shared version.
	Unknown State = iota

	// Negotiating means a handshake with the room is in flight.
	Negotiating

	// AwaitingUserChoice means a synchronization is suspended on the
	// user picking the winning version.
	AwaitingUserChoice

	// UpToDate means the local project matches the agreed shared
	// version. Only in this state may ordinary application messages
	// flow.
	UpToDate

	// Conflicted means the last reconciliation failed and will be
	// retried on the next connectivity change or quiet period.
	Conflicted
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Negotiating:
		return "negotiating"
	case AwaitingUserChoice:
		return "awaiting-user-choice"
	case UpToDate:
		return "up-to-date"
	case Conflicted:
		return "conflicted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
