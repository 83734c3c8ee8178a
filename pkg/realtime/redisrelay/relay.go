// Package redisrelay carries broadcasts and presence changes between processes
// over Redis pub/sub, and keeps presence snapshots in Redis hashes.
package redisrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

const (
	channelPrefix  = "rt:"
	presencePrefix = "presence:"

	// presenceTTL is how long a presence entry stays live without a refresh.
	presenceTTL = 90 * time.Second
	// PresenceRefresh is how often a gateway refreshes the entries of the
	// members it holds. Must be well under presenceTTL.
	PresenceRefresh = 30 * time.Second
)

type EnvelopeKind string

const (
	KindBroadcast EnvelopeKind = "broadcast"
	KindPresence  EnvelopeKind = "presence"
)

// Envelope is what travels on the rt:{topic} Redis channels.
type Envelope struct {
	Kind    EnvelopeKind    `json:"kind"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Origin is the gateway connection that produced the envelope; it is not
	// delivered back to that connection.
	Origin string `json:"origin,omitempty"`
	// Joined and Left are set on presence envelopes.
	Joined []model.PresenceRecord `json:"joined,omitempty"`
	Left   []model.PresenceRecord `json:"left,omitempty"`
}

// presenceEntry is the value stored per user in a presence hash. SeenAt moves
// forward on every refresh; an entry whose gateway died stops moving and drops
// out of snapshots once it is older than presenceTTL.
type presenceEntry struct {
	Record model.PresenceRecord `json:"record"`
	SeenAt time.Time            `json:"seen_at"`
}

type Relay struct {
	rdb *redis.Client
	now func() time.Time
	log zerolog.Logger
}

func New(rdb *redis.Client, log zerolog.Logger) *Relay {
	return &Relay{rdb: rdb, now: time.Now, log: log.With().Str("component", "redis-relay").Logger()}
}

func presenceKey(topic string) string { return presencePrefix + topic }

func (r *Relay) writePresence(ctx context.Context, topic string, rec model.PresenceRecord) error {
	data, err := json.Marshal(presenceEntry{Record: rec, SeenAt: r.now().UTC()})
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, presenceKey(topic), rec.UserID, data)
	pipe.Expire(ctx, presenceKey(topic), presenceTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// livePresence splits the fields of a presence hash into records refreshed
// within ttl of now and the user ids of those that were not. Values that do
// not decode count as stale.
func livePresence(vals map[string]string, now time.Time, ttl time.Duration) ([]model.PresenceRecord, []string) {
	live := make([]model.PresenceRecord, 0, len(vals))
	var stale []string
	for userID, v := range vals {
		var e presenceEntry
		if json.Unmarshal([]byte(v), &e) != nil || now.Sub(e.SeenAt) > ttl {
			stale = append(stale, userID)
			continue
		}
		if e.Record.UserID == "" {
			e.Record.UserID = userID
		}
		live = append(live, e.Record)
	}
	SortPresence(live)
	return live, stale
}

// Broadcast publishes a server-originated broadcast on topic.
func (r *Relay) Broadcast(ctx context.Context, topic, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return r.Publish(ctx, Envelope{Kind: KindBroadcast, Topic: topic, Event: event, Payload: data})
}

func (r *Relay) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, channelPrefix+env.Topic, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", env.Topic, err)
	}
	return nil
}

// Subscribe delivers every envelope published on any topic until ctx is done.
func (r *Relay) Subscribe(ctx context.Context, fn func(Envelope)) error {
	ps := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}
	r.log.Info().Msg("relay subscribed")

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed envelope")
				continue
			}
			if env.Topic == "" {
				env.Topic = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			fn(env)
		}
	}
}

// TrackPresence stores rec as the presence of rec.UserID on topic and
// announces the join. The last write for a user wins.
func (r *Relay) TrackPresence(ctx context.Context, topic string, rec model.PresenceRecord, origin string) error {
	if err := r.writePresence(ctx, topic, rec); err != nil {
		return fmt.Errorf("track presence on %s: %w", topic, err)
	}
	return r.Publish(ctx, Envelope{Kind: KindPresence, Topic: topic, Joined: []model.PresenceRecord{rec}, Origin: origin})
}

// RefreshPresence keeps rec live on topic without announcing anything.
func (r *Relay) RefreshPresence(ctx context.Context, topic string, rec model.PresenceRecord) error {
	if err := r.writePresence(ctx, topic, rec); err != nil {
		return fmt.Errorf("refresh presence on %s: %w", topic, err)
	}
	return nil
}

// UntrackPresence removes userID from topic's presence and announces the leave.
func (r *Relay) UntrackPresence(ctx context.Context, topic, userID string) error {
	raw, err := r.rdb.HGet(ctx, presenceKey(topic), userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read presence on %s: %w", topic, err)
	}
	if err := r.rdb.HDel(ctx, presenceKey(topic), userID).Err(); err != nil {
		return fmt.Errorf("untrack presence on %s: %w", topic, err)
	}
	var e presenceEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil || e.Record.UserID == "" {
		e.Record = model.PresenceRecord{UserID: userID}
	}
	return r.Publish(ctx, Envelope{Kind: KindPresence, Topic: topic, Left: []model.PresenceRecord{e.Record}})
}

// Presence returns the live presence snapshot of topic. Entries that were not
// refreshed in time are deleted and announced as leaves.
func (r *Relay) Presence(ctx context.Context, topic string) ([]model.PresenceRecord, error) {
	vals, err := r.rdb.HGetAll(ctx, presenceKey(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence on %s: %w", topic, err)
	}
	live, stale := livePresence(vals, r.now(), presenceTTL)
	for _, userID := range stale {
		// Only the reader that actually removes the entry announces it.
		n, err := r.rdb.HDel(ctx, presenceKey(topic), userID).Result()
		if err != nil {
			r.log.Warn().Err(err).Str("topic", topic).Str("user_id", userID).Msg("drop stale presence")
			continue
		}
		if n == 0 {
			continue
		}
		r.log.Info().Str("topic", topic).Str("user_id", userID).Msg("stale presence expired")
		left := Envelope{Kind: KindPresence, Topic: topic, Left: []model.PresenceRecord{{UserID: userID}}}
		if err := r.Publish(ctx, left); err != nil {
			r.log.Warn().Err(err).Str("topic", topic).Msg("announce stale presence")
		}
	}
	return live, nil
}
