// Package gateway holds websocket clients, authorizes their topic joins and
// fans broadcasts, presence and change-feed inserts out to them.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/changefeed"
	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/realtime"
	"github.com/mahaj/dupahar-chat/pkg/realtime/redisrelay"
)

var (
	ErrForbidden    = errors.New("not allowed to join this topic")
	ErrUnknownTopic = errors.New("unknown topic")
	ErrNotJoined    = errors.New("topic not joined")
)

// Authorizer answers conversation membership questions.
type Authorizer interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Relay fans broadcasts and presence out to every gateway instance.
// *redisrelay.Relay and *LocalRelay satisfy it.
type Relay interface {
	Publish(ctx context.Context, env redisrelay.Envelope) error
	TrackPresence(ctx context.Context, topic string, rec model.PresenceRecord, origin string) error
	RefreshPresence(ctx context.Context, topic string, rec model.PresenceRecord) error
	UntrackPresence(ctx context.Context, topic, userID string) error
	Presence(ctx context.Context, topic string) ([]model.PresenceRecord, error)
}

type membership struct {
	tables []string
	// presence is the record this member tracks on the topic, nil if none.
	presence *model.PresenceRecord
}

type Hub struct {
	clients    map[*Client]bool
	topics     map[string]map[*Client]*membership // topic -> clients
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	relay Relay
	auth  Authorizer
	log   zerolog.Logger
}

func NewHub(relay Relay, auth Authorizer, log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		topics:     make(map[string]map[*Client]*membership),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		relay:      relay,
		auth:       auth,
		log:        log.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				c.closeSend()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			metrics.ConnectedClients.Inc()
			h.log.Debug().Str("user_id", client.userID).Str("conn_id", client.id).Msg("Client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; !ok {
				h.mu.Unlock()
				continue
			}
			delete(h.clients, client)
			client.closeSend()
			var untrack []string
			for topic, members := range h.topics {
				m, ok := members[client]
				if !ok {
					continue
				}
				if m.presence != nil {
					untrack = append(untrack, topic)
				}
				h.removeLocked(topic, client)
			}
			h.mu.Unlock()
			metrics.ConnectedClients.Dec()

			for _, topic := range untrack {
				h.untrack(ctx, topic, client.userID)
			}
			h.log.Debug().Str("user_id", client.userID).Str("conn_id", client.id).Msg("Client unregistered")
		}
	}
}

// Authorize decides whether userID may join topic.
func (h *Hub) Authorize(ctx context.Context, userID, topic string) error {
	kind, id := realtime.ParseTopic(topic)
	switch kind {
	case realtime.TopicUnknown:
		return ErrUnknownTopic
	case realtime.TopicConversation:
		ok, err := h.auth.IsParticipant(ctx, id, userID)
		if err != nil {
			return fmt.Errorf("check membership: %w", err)
		}
		if !ok {
			return ErrForbidden
		}
		return nil
	default:
		if id != userID {
			return ErrForbidden
		}
		return nil
	}
}

// Join authorizes c and adds it to topic.
func (h *Hub) Join(ctx context.Context, c *Client, topic string, tables []string) error {
	if err := h.Authorize(ctx, c.userID, topic); err != nil {
		return err
	}

	h.mu.Lock()
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[*Client]*membership)
		h.topics[topic] = members
		metrics.JoinedTopics.Inc()
	}
	members[c] = &membership{tables: slices.Clone(tables)}
	h.mu.Unlock()
	return nil
}

// SendSnapshot delivers the presence snapshot of topic to c alone.
func (h *Hub) SendSnapshot(ctx context.Context, c *Client, topic string) {
	recs, err := h.relay.Presence(ctx, topic)
	if err != nil {
		h.log.Warn().Err(err).Str("topic", topic).Msg("read presence snapshot")
		return
	}
	if len(recs) == 0 {
		return
	}
	c.enqueue(realtime.Frame{Type: realtime.FramePresenceSync, Topic: topic, Presences: recs})
}

func (h *Hub) Leave(ctx context.Context, c *Client, topic string) {
	h.mu.Lock()
	m, ok := h.topics[topic][c]
	if ok {
		h.removeLocked(topic, c)
	}
	h.mu.Unlock()

	if ok && m.presence != nil {
		h.untrack(ctx, topic, c.userID)
	}
}

func (h *Hub) removeLocked(topic string, c *Client) {
	members := h.topics[topic]
	delete(members, c)
	if len(members) == 0 {
		delete(h.topics, topic)
		metrics.JoinedTopics.Dec()
	}
}

func (h *Hub) member(topic string, c *Client) (*membership, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.topics[topic][c]
	return m, ok
}

// Broadcast relays an ephemeral event from c to the other members of topic
// on every gateway. Typing events carry the connection's user id whatever the
// sender put in them.
func (h *Hub) Broadcast(ctx context.Context, c *Client, topic, event string, payload json.RawMessage) error {
	if _, ok := h.member(topic, c); !ok {
		return ErrNotJoined
	}
	if event == model.EventTyping {
		var err error
		if payload, err = c.stampTyping(payload); err != nil {
			return err
		}
	}
	return h.relay.Publish(ctx, redisrelay.Envelope{
		Kind:    redisrelay.KindBroadcast,
		Topic:   topic,
		Event:   event,
		Payload: payload,
		Origin:  c.id,
	})
}

// Track publishes c's presence on topic. The user id always comes from the
// connection's token.
func (h *Hub) Track(ctx context.Context, c *Client, topic string, payload json.RawMessage) error {
	var rec model.PresenceRecord
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("decode presence: %w", err)
		}
	}
	rec.UserID = c.userID
	if rec.Username == "" {
		rec.Username = c.displayName
	}

	h.mu.Lock()
	m, ok := h.topics[topic][c]
	if ok {
		m.presence = &rec
	}
	h.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}
	return h.relay.TrackPresence(ctx, topic, rec, c.id)
}

func (h *Hub) Untrack(ctx context.Context, c *Client, topic string) error {
	h.mu.Lock()
	m, ok := h.topics[topic][c]
	wasTracked := ok && m.presence != nil
	if ok {
		m.presence = nil
	}
	h.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}
	if wasTracked {
		h.untrack(ctx, topic, c.userID)
	}
	return nil
}

func (h *Hub) untrack(ctx context.Context, topic, userID string) {
	if err := h.relay.UntrackPresence(context.WithoutCancel(ctx), topic, userID); err != nil {
		h.log.Warn().Err(err).Str("topic", topic).Str("user_id", userID).Msg("Failed to delete presence")
	}
}

// Heartbeat refreshes the presence of every member tracked on this hub until
// ctx is done. Entries left behind by a hub that stops refreshing them expire.
func (h *Hub) Heartbeat(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.RefreshPresence(ctx)
		}
	}
}

// RefreshPresence refreshes each tracked (topic, user) pair once.
func (h *Hub) RefreshPresence(ctx context.Context) {
	type tracked struct {
		topic string
		rec   model.PresenceRecord
	}
	var all []tracked
	seen := make(map[[2]string]bool)
	h.mu.RLock()
	for topic, members := range h.topics {
		for _, m := range members {
			if m.presence == nil {
				continue
			}
			key := [2]string{topic, m.presence.UserID}
			if seen[key] {
				continue
			}
			seen[key] = true
			all = append(all, tracked{topic, *m.presence})
		}
	}
	h.mu.RUnlock()

	for _, t := range all {
		if err := h.relay.RefreshPresence(ctx, t.topic, t.rec); err != nil {
			h.log.Warn().Err(err).Str("topic", t.topic).Str("user_id", t.rec.UserID).Msg("refresh presence")
		}
	}
}

// OnEnvelope delivers a relayed broadcast or presence change to the local
// members of its topic.
func (h *Hub) OnEnvelope(ctx context.Context, env redisrelay.Envelope) {
	targets := h.members(env.Topic)
	if len(targets) == 0 {
		return
	}

	switch env.Kind {
	case redisrelay.KindBroadcast:
		f := realtime.Frame{Type: realtime.FrameBroadcast, Topic: env.Topic, Event: env.Event, Payload: env.Payload}
		for _, c := range targets {
			if c.id == env.Origin {
				continue
			}
			c.enqueue(f)
		}

	case redisrelay.KindPresence:
		snapshot, err := h.relay.Presence(ctx, env.Topic)
		if err != nil {
			h.log.Warn().Err(err).Str("topic", env.Topic).Msg("read presence snapshot")
		}
		for _, c := range targets {
			if len(env.Joined) > 0 {
				c.enqueue(realtime.Frame{Type: realtime.FramePresenceJoin, Topic: env.Topic, Presences: env.Joined})
			}
			if len(env.Left) > 0 {
				c.enqueue(realtime.Frame{Type: realtime.FramePresenceLeave, Topic: env.Topic, Presences: env.Left})
			}
			if err == nil {
				if snapshot == nil {
					snapshot = []model.PresenceRecord{}
				}
				c.enqueue(realtime.Frame{Type: realtime.FramePresenceSync, Topic: env.Topic, Presences: snapshot})
			}
		}
	}
}

// OnChange forwards a change-feed insert to every local member that joined
// with its table and is part of the change's audience.
func (h *Hub) OnChange(ctx context.Context, change changefeed.Change) error {
	if change.Op != changefeed.OpInsert {
		return nil
	}
	h.mu.RLock()
	type target struct {
		c     *Client
		topic string
	}
	var targets []target
	for topic, members := range h.topics {
		for c, m := range members {
			if !slices.Contains(m.tables, change.Table) {
				continue
			}
			if len(change.Audience) > 0 && !slices.Contains(change.Audience, c.userID) {
				continue
			}
			targets = append(targets, target{c, topic})
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		t.c.enqueue(realtime.Frame{Type: realtime.FrameInsert, Topic: t.topic, Table: change.Table, Payload: change.Record})
	}
	return nil
}

// Publish hands committed changes to OnChange, so a store running in the same
// process can feed the hub directly.
func (h *Hub) Publish(ctx context.Context, changes ...changefeed.Change) error {
	for _, c := range changes {
		if err := h.OnChange(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) members(topic string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		out = append(out, c)
	}
	return out
}
