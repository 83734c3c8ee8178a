package realtime

import (
	"encoding/json"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// State is the connection state of a subscription.
type State string

const (
	StateConnecting State = "CONNECTING"
	StateSubscribed State = "SUBSCRIBED"
	StateError      State = "ERROR"
	StateTimedOut   State = "TIMED_OUT"
	StateClosed     State = "CLOSED"
)

// Terminal reports whether no further events will be delivered in this state.
func (s State) Terminal() bool {
	return s == StateError || s == StateTimedOut || s == StateClosed
}

type EventKind int

const (
	EventInsert EventKind = iota + 1
	EventBroadcast
	EventPresenceSync
	EventPresenceJoin
	EventPresenceLeave
	EventStatus
)

func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "insert"
	case EventBroadcast:
		return "broadcast"
	case EventPresenceSync:
		return "presence_sync"
	case EventPresenceJoin:
		return "presence_join"
	case EventPresenceLeave:
		return "presence_leave"
	case EventStatus:
		return "status"
	}
	return "unknown"
}

// Event is the single inbound shape every transport normalises to.
type Event struct {
	Kind      EventKind
	Topic     string
	Table     string // EventInsert
	Name      string // EventBroadcast
	Payload   json.RawMessage
	Presences []model.PresenceRecord
	Status    State // EventStatus
	Err       error
}

// Sink receives the events of one joined topic.
type Sink func(Event)
