package realtime

import (
	"encoding/json"
	"errors"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// FrameType is the type of a JSON frame exchanged with the gateway.
type FrameType string

// Client -> gateway
const (
	FrameJoin      FrameType = "join"
	FrameLeave     FrameType = "leave"
	FrameBroadcast FrameType = "broadcast"
	FrameTrack     FrameType = "track"
	FrameUntrack   FrameType = "untrack"
	FramePing      FrameType = "ping"
)

// Gateway -> client
const (
	FrameReply         FrameType = "reply"
	FrameInsert        FrameType = "insert"
	FramePresenceSync  FrameType = "presence_sync"
	FramePresenceJoin  FrameType = "presence_join"
	FramePresenceLeave FrameType = "presence_leave"
	FramePong          FrameType = "pong"
	FrameError         FrameType = "error"
)

const (
	ReplyOK    = "ok"
	ReplyError = "error"
)

type Frame struct {
	Type      FrameType              `json:"type"`
	Topic     string                 `json:"topic,omitempty"`
	Ref       string                 `json:"ref,omitempty"`
	Event     string                 `json:"event,omitempty"`
	Table     string                 `json:"table,omitempty"`
	Tables    []string               `json:"tables,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Payload   json.RawMessage        `json:"payload,omitempty"`
	Presences []model.PresenceRecord `json:"presences,omitempty"`
}

// ToEvent converts an inbound gateway frame into an Event. ok is false for
// frames that carry no subscription event (replies, pongs).
func (f Frame) ToEvent() (Event, bool) {
	ev := Event{Topic: f.Topic, Payload: f.Payload, Presences: f.Presences}
	switch f.Type {
	case FrameInsert:
		ev.Kind, ev.Table = EventInsert, f.Table
	case FrameBroadcast:
		ev.Kind, ev.Name = EventBroadcast, f.Event
	case FramePresenceSync:
		ev.Kind = EventPresenceSync
	case FramePresenceJoin:
		ev.Kind = EventPresenceJoin
	case FramePresenceLeave:
		ev.Kind = EventPresenceLeave
	case FrameError:
		ev.Kind, ev.Status, ev.Err = EventStatus, StateError, errors.New(f.Message)
	default:
		return Event{}, false
	}
	return ev, true
}
