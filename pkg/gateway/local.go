package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/realtime/redisrelay"
)

// LocalRelay is the Relay of a hub that is alone in its deployment, such as
// the one the API hosts when it runs in memory. Envelopes go straight to the
// subscribed hub and presence lives in process memory.
type LocalRelay struct {
	mu       sync.RWMutex
	deliver  func(context.Context, redisrelay.Envelope)
	presence map[string]map[string]model.PresenceRecord
}

func NewLocalRelay() *LocalRelay {
	return &LocalRelay{presence: make(map[string]map[string]model.PresenceRecord)}
}

// Subscribe sets the function every envelope is delivered to, usually
// Hub.OnEnvelope.
func (r *LocalRelay) Subscribe(fn func(context.Context, redisrelay.Envelope)) {
	r.mu.Lock()
	r.deliver = fn
	r.mu.Unlock()
}

func (r *LocalRelay) Publish(ctx context.Context, env redisrelay.Envelope) error {
	r.mu.RLock()
	fn := r.deliver
	r.mu.RUnlock()
	if fn != nil {
		fn(ctx, env)
	}
	return nil
}

// Broadcast publishes a server-originated broadcast on topic.
func (r *LocalRelay) Broadcast(ctx context.Context, topic, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return r.Publish(ctx, redisrelay.Envelope{Kind: redisrelay.KindBroadcast, Topic: topic, Event: event, Payload: data})
}

func (r *LocalRelay) store(topic string, rec model.PresenceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.presence[topic] == nil {
		r.presence[topic] = make(map[string]model.PresenceRecord)
	}
	r.presence[topic][rec.UserID] = rec
}

func (r *LocalRelay) TrackPresence(ctx context.Context, topic string, rec model.PresenceRecord, origin string) error {
	r.store(topic, rec)
	return r.Publish(ctx, redisrelay.Envelope{Kind: redisrelay.KindPresence, Topic: topic, Origin: origin, Joined: []model.PresenceRecord{rec}})
}

// RefreshPresence only restores a record; nothing here expires.
func (r *LocalRelay) RefreshPresence(ctx context.Context, topic string, rec model.PresenceRecord) error {
	r.store(topic, rec)
	return nil
}

func (r *LocalRelay) UntrackPresence(ctx context.Context, topic, userID string) error {
	r.mu.Lock()
	rec, ok := r.presence[topic][userID]
	delete(r.presence[topic], userID)
	if len(r.presence[topic]) == 0 {
		delete(r.presence, topic)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Publish(ctx, redisrelay.Envelope{Kind: redisrelay.KindPresence, Topic: topic, Left: []model.PresenceRecord{rec}})
}

func (r *LocalRelay) Presence(ctx context.Context, topic string) ([]model.PresenceRecord, error) {
	r.mu.RLock()
	out := make([]model.PresenceRecord, 0, len(r.presence[topic]))
	for _, rec := range r.presence[topic] {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	redisrelay.SortPresence(out)
	return out, nil
}
