package branch

import (
	"github.com/google/uuid"
)

// Event is a bit mask of branch events.
type Event int

const (
	EventNone             Event = 0
	EventBranchDiscovered Event = 1 << 0
	EventBranchQueried    Event = 1 << 1
	EventConnectFinished  Event = 1 << 2
	EventConnectionLost   Event = 1 << 3
	EventAll              Event = EventBranchDiscovered | EventBranchQueried | EventConnectFinished | EventConnectionLost
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "None"
	case EventBranchDiscovered:
		return "BranchDiscovered"
	case EventBranchQueried:
		return "BranchQueried"
	case EventConnectFinished:
		return "ConnectFinished"
	case EventConnectionLost:
		return "ConnectionLost"
	default:
		return "Unknown Event"
	}
}

// EventHandler receives a branch event. err is result.ErrCanceled when the
// wait was canceled, in which case event is EventNone. evErr is the outcome
// carried by the event itself, json its event-specific details.
type EventHandler func(err error, event Event, evErr error, id uuid.UUID, json string)

// OperationTag identifies an asynchronous operation for cancellation; it is
// never 0.
type OperationTag uint64
