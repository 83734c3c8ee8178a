// Package localbus is an in-process realtime.Transport. Delivery is
// synchronous, which makes it the transport of choice for tests and for
// running every component in one process.
package localbus

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/realtime"
)

var ErrLeft = errors.New("channel already left")

type member struct {
	bus    *Bus
	topic  string
	userID string
	tables []string
	sink   realtime.Sink

	mu       sync.Mutex
	left     bool
	presence *model.PresenceRecord
}

// Bus routes broadcasts, presence and change-feed inserts between members.
type Bus struct {
	mu     sync.Mutex
	topics map[string][]*member
}

func New() *Bus {
	return &Bus{topics: make(map[string][]*member)}
}

// Transport returns a realtime.Transport acting as userID.
func (b *Bus) Transport(userID string) realtime.Transport {
	return transport{bus: b, userID: userID}
}

type transport struct {
	bus    *Bus
	userID string
}

func (t transport) Join(ctx context.Context, topic string, opts realtime.JoinOptions, sink realtime.Sink) (realtime.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := &member{bus: t.bus, topic: topic, userID: t.userID, tables: opts.Tables, sink: sink}

	t.bus.mu.Lock()
	t.bus.topics[topic] = append(t.bus.topics[topic], m)
	snapshot := t.bus.presenceLocked(topic)
	t.bus.mu.Unlock()

	if len(snapshot) > 0 {
		sink(realtime.Event{Kind: realtime.EventPresenceSync, Topic: topic, Presences: snapshot})
	}
	return m, nil
}

func (m *member) Broadcast(ctx context.Context, event string, payload any) error {
	if m.isLeft() {
		return ErrLeft
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ev := realtime.Event{Kind: realtime.EventBroadcast, Topic: m.topic, Name: event, Payload: data}
	for _, other := range m.bus.members(m.topic) {
		if other != m {
			other.deliver(ev)
		}
	}
	return nil
}

func (m *member) Track(ctx context.Context, rec model.PresenceRecord) error {
	m.mu.Lock()
	if m.left {
		m.mu.Unlock()
		return ErrLeft
	}
	m.presence = &rec
	m.mu.Unlock()

	m.bus.presenceChanged(m.topic, realtime.EventPresenceJoin, rec)
	return nil
}

func (m *member) Leave(ctx context.Context) error {
	m.mu.Lock()
	if m.left {
		m.mu.Unlock()
		return nil
	}
	m.left = true
	presence := m.presence
	m.mu.Unlock()

	m.bus.remove(m)
	if presence != nil {
		m.bus.presenceChanged(m.topic, realtime.EventPresenceLeave, *presence)
	}
	return nil
}

func (m *member) isLeft() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.left
}

func (m *member) deliver(ev realtime.Event) {
	if m.isLeft() {
		return
	}
	m.sink(ev)
}

// Broadcast publishes a server-originated broadcast to every member of topic.
func (b *Bus) Broadcast(topic, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ev := realtime.Event{Kind: realtime.EventBroadcast, Topic: topic, Name: event, Payload: data}
	for _, m := range b.members(topic) {
		m.deliver(ev)
	}
	return nil
}

// PublishInsert delivers a change-feed insert to every member that joined
// with table, restricted to audience when it is non-empty.
func (b *Bus) PublishInsert(table string, record any, audience []string) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	b.mu.Lock()
	var targets []*member
	for _, ms := range b.topics {
		for _, m := range ms {
			if !slices.Contains(m.tables, table) {
				continue
			}
			if len(audience) > 0 && !slices.Contains(audience, m.userID) {
				continue
			}
			targets = append(targets, m)
		}
	}
	b.mu.Unlock()

	for _, m := range targets {
		m.deliver(realtime.Event{Kind: realtime.EventInsert, Topic: m.topic, Table: table, Payload: data})
	}
	return nil
}

// Disconnect drops every channel held by userID and reports state to their sinks.
func (b *Bus) Disconnect(userID string, state realtime.State, cause error) {
	b.mu.Lock()
	var dropped []*member
	for topic, ms := range b.topics {
		kept := ms[:0]
		for _, m := range ms {
			if m.userID == userID {
				dropped = append(dropped, m)
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == 0 {
			delete(b.topics, topic)
		} else {
			b.topics[topic] = kept
		}
	}
	b.mu.Unlock()

	for _, m := range dropped {
		m.mu.Lock()
		m.left = true
		presence := m.presence
		m.mu.Unlock()
		m.sink(realtime.Event{Kind: realtime.EventStatus, Topic: m.topic, Status: state, Err: cause})
		if presence != nil {
			b.presenceChanged(m.topic, realtime.EventPresenceLeave, *presence)
		}
	}
}

// Members returns how many channels are joined on topic.
func (b *Bus) Members(topic string) int {
	return len(b.members(topic))
}

func (b *Bus) members(topic string) []*member {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.topics[topic])
}

func (b *Bus) remove(m *member) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ms := slices.DeleteFunc(b.topics[m.topic], func(x *member) bool { return x == m })
	if len(ms) == 0 {
		delete(b.topics, m.topic)
		return
	}
	b.topics[m.topic] = ms
}

func (b *Bus) presenceChanged(topic string, kind realtime.EventKind, rec model.PresenceRecord) {
	b.mu.Lock()
	snapshot := b.presenceLocked(topic)
	targets := slices.Clone(b.topics[topic])
	b.mu.Unlock()

	for _, m := range targets {
		m.deliver(realtime.Event{Kind: kind, Topic: topic, Presences: []model.PresenceRecord{rec}})
		m.deliver(realtime.Event{Kind: realtime.EventPresenceSync, Topic: topic, Presences: snapshot})
	}
}

// presenceLocked builds the presence snapshot for topic, one record per user
// with the last tracked record winning.
func (b *Bus) presenceLocked(topic string) []model.PresenceRecord {
	byUser := make(map[string]model.PresenceRecord)
	var order []string
	for _, m := range b.topics[topic] {
		m.mu.Lock()
		p := m.presence
		m.mu.Unlock()
		if p == nil {
			continue
		}
		if _, seen := byUser[p.UserID]; !seen {
			order = append(order, p.UserID)
		}
		byUser[p.UserID] = *p
	}
	out := make([]model.PresenceRecord, 0, len(order))
	for _, id := range order {
		out = append(out, byUser[id])
	}
	return out
}
