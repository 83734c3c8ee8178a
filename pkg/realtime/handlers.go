package realtime

import (
	"encoding/json"
	"slices"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

type (
	PayloadFunc  func(payload json.RawMessage)
	PresenceFunc func(records []model.PresenceRecord)
	StatusFunc   func(state State, err error)
)

type insertHandler struct {
	table     string
	predicate func(json.RawMessage) bool
	fn        PayloadFunc
}

// Handlers collects callbacks per event category. Several components can
// register on the same Handlers before the channel is opened.
type Handlers struct {
	inserts       []insertHandler
	broadcasts    map[string][]PayloadFunc
	presenceSync  []PresenceFunc
	presenceJoin  []PresenceFunc
	presenceLeave []PresenceFunc
	status        []StatusFunc
}

func NewHandlers() *Handlers {
	return &Handlers{broadcasts: make(map[string][]PayloadFunc)}
}

// OnInsert registers fn for change-feed inserts on table. predicate filters
// payloads on the client side; nil accepts everything.
func (h *Handlers) OnInsert(table string, predicate func(json.RawMessage) bool, fn PayloadFunc) *Handlers {
	h.inserts = append(h.inserts, insertHandler{table: table, predicate: predicate, fn: fn})
	return h
}

func (h *Handlers) OnBroadcast(event string, fn PayloadFunc) *Handlers {
	h.broadcasts[event] = append(h.broadcasts[event], fn)
	return h
}

func (h *Handlers) OnPresenceSync(fn PresenceFunc) *Handlers {
	h.presenceSync = append(h.presenceSync, fn)
	return h
}

func (h *Handlers) OnPresenceJoin(fn PresenceFunc) *Handlers {
	h.presenceJoin = append(h.presenceJoin, fn)
	return h
}

func (h *Handlers) OnPresenceLeave(fn PresenceFunc) *Handlers {
	h.presenceLeave = append(h.presenceLeave, fn)
	return h
}

func (h *Handlers) OnStatus(fn StatusFunc) *Handlers {
	h.status = append(h.status, fn)
	return h
}

// Tables lists the distinct tables that have insert handlers.
func (h *Handlers) Tables() []string {
	var tables []string
	for _, ih := range h.inserts {
		if !slices.Contains(tables, ih.table) {
			tables = append(tables, ih.table)
		}
	}
	return tables
}

func (h *Handlers) dispatch(ev Event) {
	switch ev.Kind {
	case EventInsert:
		for _, ih := range h.inserts {
			if ih.table != ev.Table {
				continue
			}
			if ih.predicate != nil && !ih.predicate(ev.Payload) {
				continue
			}
			ih.fn(ev.Payload)
		}
	case EventBroadcast:
		for _, fn := range h.broadcasts[ev.Name] {
			fn(ev.Payload)
		}
	case EventPresenceSync:
		for _, fn := range h.presenceSync {
			fn(ev.Presences)
		}
	case EventPresenceJoin:
		for _, fn := range h.presenceJoin {
			fn(ev.Presences)
		}
	case EventPresenceLeave:
		for _, fn := range h.presenceLeave {
			fn(ev.Presences)
		}
	}
}

func (h *Handlers) reportStatus(state State, err error) {
	for _, fn := range h.status {
		fn(state, err)
	}
}
