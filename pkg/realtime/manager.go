// Package realtime manages one logical channel per conversation, conversation
// list or notification stream on top of a pub/sub Transport, and turns whatever
// the transport delivers into a uniform stream of Events.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

var (
	ErrNotSubscribed      = errors.New("channel is not subscribed")
	ErrSubscriptionClosed = errors.New("subscription closed")
)

const defaultJoinTimeout = 10 * time.Second

type Option func(*Manager)

// WithJoinTimeout bounds how long Open waits for the transport to acknowledge a join.
func WithJoinTimeout(d time.Duration) Option {
	return func(m *Manager) { m.joinTimeout = d }
}

// WithClock replaces time.Now for presence timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager opens and tracks subscriptions. It never retries a failed channel;
// consumers re-open on their next mount cycle.
type Manager struct {
	transport   Transport
	joinTimeout time.Duration
	now         func() time.Time
	log         zerolog.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewManager(transport Transport, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		transport:   transport,
		joinTimeout: defaultJoinTimeout,
		now:         time.Now,
		log:         log.With().Str("component", "channel-manager").Logger(),
		subs:        make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open joins scope.Topic and routes its events to h. It blocks only for the
// join handshake. The returned Subscription is never nil: a failed join is
// reported through its State (ERROR or TIMED_OUT) and the status handlers.
func (m *Manager) Open(ctx context.Context, scope Scope, h *Handlers) *Subscription {
	if h == nil {
		h = NewHandlers()
	}
	sub := &Subscription{
		manager:  m,
		scope:    scope,
		handlers: h,
		state:    StateConnecting,
		log:      m.log.With().Str("topic", scope.Topic).Logger(),
	}
	h.reportStatus(StateConnecting, nil)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.transition(StateClosed, ErrSubscriptionClosed)
		return sub
	}
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	joinCtx, cancel := context.WithTimeout(ctx, m.joinTimeout)
	defer cancel()

	ch, err := m.transport.Join(joinCtx, scope.Topic, JoinOptions{Tables: h.Tables()}, sub.deliver)
	if err != nil {
		state := StateError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(joinCtx.Err(), context.DeadlineExceeded) {
			state = StateTimedOut
		}
		sub.log.Warn().Err(err).Str("state", string(state)).Msg("channel join failed")
		m.forget(sub)
		sub.transition(state, err)
		return sub
	}

	sub.mu.Lock()
	if sub.state.Terminal() {
		// Closed (or failed) while the join was in flight.
		sub.mu.Unlock()
		_ = ch.Leave(context.WithoutCancel(ctx))
		m.forget(sub)
		return sub
	}
	sub.ch = ch
	sub.mu.Unlock()

	sub.transition(StateSubscribed, nil)
	sub.log.Debug().Msg("channel subscribed")

	if scope.Presence != nil {
		rec := *scope.Presence
		rec.OnlineAt = m.now().UTC()
		if err := ch.Track(ctx, rec); err != nil {
			sub.log.Warn().Err(err).Msg("failed to publish presence")
		}
	}
	return sub
}

// Close tears down every open subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
}

// Len returns the number of subscriptions that have not been closed.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Manager) forget(s *Subscription) {
	m.mu.Lock()
	delete(m.subs, s)
	m.mu.Unlock()
}

// Subscription is one open channel. Close must be called on every exit path;
// it is safe to call more than once.
type Subscription struct {
	manager  *Manager
	scope    Scope
	handlers *Handlers
	log      zerolog.Logger

	mu    sync.RWMutex
	state State
	ch    Channel
}

func (s *Subscription) Topic() string { return s.scope.Topic }

func (s *Subscription) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Subscription) Subscribed() bool { return s.State() == StateSubscribed }

// Broadcast publishes an ephemeral event to the other members of the channel.
func (s *Subscription) Broadcast(ctx context.Context, event string, payload any) error {
	ch, err := s.channel()
	if err != nil {
		return err
	}
	return ch.Broadcast(ctx, event, payload)
}

// Track publishes (or refreshes) this client's presence on the channel.
func (s *Subscription) Track(ctx context.Context, rec model.PresenceRecord) error {
	ch, err := s.channel()
	if err != nil {
		return err
	}
	if rec.OnlineAt.IsZero() {
		rec.OnlineAt = s.manager.now().UTC()
	}
	return ch.Track(ctx, rec)
}

// Close leaves the channel and stops delivering events to the handlers.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	ch := s.ch
	s.ch = nil
	s.mu.Unlock()

	s.manager.forget(s)
	s.transition(StateClosed, nil)

	if ch == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.manager.joinTimeout)
	defer cancel()
	if err := ch.Leave(ctx); err != nil {
		s.log.Debug().Err(err).Msg("leave failed")
		return err
	}
	return nil
}

func (s *Subscription) channel() (Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateSubscribed || s.ch == nil {
		return nil, ErrNotSubscribed
	}
	return s.ch, nil
}

// deliver is the Sink handed to the transport.
func (s *Subscription) deliver(ev Event) {
	if ev.Kind == EventStatus {
		if ev.Status.Terminal() {
			s.log.Warn().Err(ev.Err).Str("state", string(ev.Status)).Msg("channel disconnected")
			s.manager.forget(s)
		}
		s.transition(ev.Status, ev.Err)
		return
	}
	if s.State().Terminal() {
		return
	}
	s.handlers.dispatch(ev)
}

// transition moves to next and reports it. Terminal states are final, except
// that any state may still move to CLOSED when the consumer closes.
func (s *Subscription) transition(next State, err error) {
	s.mu.Lock()
	cur := s.state
	if cur == next || cur == StateClosed || (cur.Terminal() && next != StateClosed) {
		s.mu.Unlock()
		return
	}
	s.state = next
	if next.Terminal() {
		s.ch = nil
	}
	s.mu.Unlock()

	s.handlers.reportStatus(next, err)
}
