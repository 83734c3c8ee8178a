// Package typing tracks who is typing and who is online in one conversation.
// Both sets are ephemeral: typing is rebuilt from broadcasts, presence from
// full snapshots, and neither is ever persisted.
package typing

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/realtime"
)

const (
	// DefaultTimeout clears a remote typing indicator when no "stopped"
	// broadcast arrives.
	DefaultTimeout = 6 * time.Second
)

// Broadcaster is the conversation channel. *realtime.Subscription satisfies it.
type Broadcaster interface {
	State() realtime.State
	Broadcast(ctx context.Context, event string, payload any) error
}

type Option func(*Tracker)

// WithTimeout sets how long a remote indicator survives without a refresh.
// Local typing is re-announced every timeout/2 while it continues.
func WithTimeout(d time.Duration) Option { return func(t *Tracker) { t.timeout = d } }

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithOnChange is called after the typing or presence set changed.
func WithOnChange(fn func()) Option { return func(t *Tracker) { t.onChange = fn } }

type Tracker struct {
	conversationID string
	self           model.TypingPayload
	timeout        time.Duration
	now            func() time.Time
	onChange       func()
	log            zerolog.Logger

	mu           sync.Mutex
	remote       map[string]model.TypingRecord
	seen         map[string]time.Time // last typing:true per remote user
	online       []model.PresenceRecord
	localTyping  bool
	lastAnnounce time.Time
	channel      Broadcaster
}

func New(conversationID, userID, username string, log zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		conversationID: conversationID,
		self:           model.TypingPayload{UserID: userID, Username: username},
		timeout:        DefaultTimeout,
		now:            time.Now,
		remote:         make(map[string]model.TypingRecord),
		seen:           make(map[string]time.Time),
		log: log.With().
			Str("component", "typing-tracker").
			Str("conversation_id", conversationID).
			Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register subscribes the tracker to typing broadcasts and presence changes.
func (t *Tracker) Register(h *realtime.Handlers) {
	h.OnBroadcast(model.EventTyping, t.onTyping)
	h.OnPresenceSync(t.onPresenceSync)
	h.OnStatus(func(state realtime.State, _ error) {
		if state.Terminal() {
			t.reset()
		}
	})
}

// Attach sets the channel used to announce local typing.
func (t *Tracker) Attach(ch Broadcaster) {
	t.mu.Lock()
	t.channel = ch
	t.mu.Unlock()
}

// StartTyping announces that the local user is typing. Repeated calls are
// suppressed until the announcement needs refreshing. Dropped silently when
// the channel is not subscribed.
func (t *Tracker) StartTyping(ctx context.Context) {
	t.mu.Lock()
	ch := t.channel
	if ch == nil || ch.State() != realtime.StateSubscribed {
		t.mu.Unlock()
		return
	}
	now := t.now()
	if t.localTyping && now.Sub(t.lastAnnounce) < t.timeout/2 {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if !t.announce(ctx, ch, true) {
		return
	}
	t.mu.Lock()
	t.localTyping = true
	t.lastAnnounce = now
	t.mu.Unlock()
}

// StopTyping announces that the local user stopped typing. A no-op when the
// local user is not typing or the channel is not subscribed.
func (t *Tracker) StopTyping(ctx context.Context) {
	t.mu.Lock()
	ch := t.channel
	if ch == nil || ch.State() != realtime.StateSubscribed || !t.localTyping {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if !t.announce(ctx, ch, false) {
		return
	}
	t.mu.Lock()
	t.localTyping = false
	t.mu.Unlock()
}

// LocalTyping reports whether the local user is currently announced as typing.
func (t *Tracker) LocalTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localTyping
}

func (t *Tracker) announce(ctx context.Context, ch Broadcaster, typing bool) bool {
	payload := t.self
	payload.IsTyping = typing
	if err := ch.Broadcast(ctx, model.EventTyping, payload); err != nil {
		t.log.Debug().Err(err).Bool("typing", typing).Msg("typing broadcast dropped")
		return false
	}
	return true
}

func (t *Tracker) onTyping(raw json.RawMessage) {
	var p model.TypingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" {
		t.log.Debug().Err(err).Msg("ignoring malformed typing payload")
		return
	}
	// Own typing is only ever broadcast, never rendered.
	if p.UserID == t.self.UserID {
		return
	}

	t.mu.Lock()
	_, was := t.remote[p.UserID]
	if p.IsTyping {
		rec := model.TypingRecord{UserID: p.UserID, DisplayName: p.Username, StartedAt: t.now()}
		if prev, ok := t.remote[p.UserID]; ok {
			rec.StartedAt = prev.StartedAt
		}
		t.remote[p.UserID] = rec
		t.seen[p.UserID] = t.now()
	} else {
		delete(t.remote, p.UserID)
		delete(t.seen, p.UserID)
	}
	t.mu.Unlock()

	if was != p.IsTyping {
		t.changed()
	}
}

func (t *Tracker) onPresenceSync(recs []model.PresenceRecord) {
	online := slices.Clone(recs)

	t.mu.Lock()
	t.online = online
	// A participant that left cannot still be typing.
	for userID := range t.remote {
		if !slices.ContainsFunc(online, func(r model.PresenceRecord) bool { return r.UserID == userID }) {
			delete(t.remote, userID)
			delete(t.seen, userID)
		}
	}
	t.mu.Unlock()

	t.changed()
}

func (t *Tracker) reset() {
	t.mu.Lock()
	t.remote = make(map[string]model.TypingRecord)
	t.seen = make(map[string]time.Time)
	t.online = nil
	t.localTyping = false
	t.mu.Unlock()
	t.changed()
}

// Typing returns the remote participants currently typing, oldest first.
// Indicators not refreshed within the timeout are expired on read.
func (t *Tracker) Typing() []model.TypingRecord {
	t.mu.Lock()
	expired := t.expireLocked()
	out := make([]model.TypingRecord, 0, len(t.remote))
	for _, rec := range t.remote {
		out = append(out, rec)
	}
	t.mu.Unlock()

	if expired > 0 {
		t.changed()
	}
	slices.SortFunc(out, func(a, b model.TypingRecord) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	return out
}

// Sweep expires stale indicators and reports how many were removed.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	n := t.expireLocked()
	t.mu.Unlock()
	if n > 0 {
		t.changed()
	}
	return n
}

func (t *Tracker) expireLocked() int {
	now := t.now()
	n := 0
	for userID, last := range t.seen {
		if now.Sub(last) >= t.timeout {
			delete(t.seen, userID)
			delete(t.remote, userID)
			n++
		}
	}
	return n
}

// Online returns the latest presence snapshot of the conversation.
func (t *Tracker) Online() []model.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.online)
}

func (t *Tracker) changed() {
	if t.onChange != nil {
		t.onChange()
	}
}
