// Package convlist keeps the list of conversations visible to one user,
// ordered by recency and annotated with last message and unread count.
//
// The list is never patched from individual events. Any participant,
// conversation or message change schedules a debounced full reload.
package convlist

import (
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
	DefaultDebounce      = 100 * time.Millisecond
	defaultReloadTimeout = 15 * time.Second
)

// Fetcher loads the user's conversations with participants and last message.
type Fetcher interface {
	FetchUserConversations(ctx context.Context) ([]model.Conversation, error)
}

// Marker persists a read marker. The aggregator never waits for it.
type Marker interface {
	MarkAsRead(ctx context.Context, conversationID string) error
}

type Option func(*Aggregator)

func WithDebounce(d time.Duration) Option { return func(a *Aggregator) { a.debounce = d } }

func WithMarker(m Marker) Option { return func(a *Aggregator) { a.marker = m } }

// WithOnChange is called with the new list after every reload or local change.
func WithOnChange(fn func([]model.Conversation)) Option {
	return func(a *Aggregator) { a.onChange = fn }
}

type Aggregator struct {
	userID   string
	fetcher  Fetcher
	marker   Marker
	debounce time.Duration
	onChange func([]model.Conversation)
	log      zerolog.Logger

	mu      sync.Mutex
	list    []model.Conversation
	timer   *time.Timer
	gen     uint64
	loaded  bool
	closed  bool
	lastErr error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(userID string, fetcher Fetcher, log zerolog.Logger, opts ...Option) *Aggregator {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Aggregator{
		userID:   userID,
		fetcher:  fetcher,
		debounce: DefaultDebounce,
		log:      log.With().Str("component", "conversation-list").Str("user_id", userID).Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register subscribes to the change events of the list channel. They are
// deliberately unfiltered: any change may affect the list.
func (a *Aggregator) Register(h *realtime.Handlers) {
	trigger := func(json.RawMessage) { a.ScheduleReload() }
	h.OnInsert(model.TableParticipants, nil, trigger)
	h.OnInsert(model.TableConversations, nil, trigger)
	h.OnInsert(model.TableMessages, nil, trigger)
}

// RegisterUpdates subscribes to explicit conversation_updated broadcasts.
func (a *Aggregator) RegisterUpdates(h *realtime.Handlers) {
	h.OnBroadcast(model.EventConversationUpdated, func(json.RawMessage) { a.ScheduleReload() })
}

// ScheduleReload coalesces bursts of change events into one reload.
func (a *Aggregator) ScheduleReload() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.debounce, func() {
		if !a.track() {
			return
		}
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(a.ctx, defaultReloadTimeout)
		defer cancel()
		if err := a.Reload(ctx); err != nil {
			a.log.Warn().Err(err).Msg("conversation list reload failed")
		}
	})
}

// Reload fetches the full list. A reload that finishes after a newer one
// started is discarded. On failure the previous list is kept.
func (a *Aggregator) Reload(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.gen++
	gen := a.gen
	a.mu.Unlock()

	convs, err := a.fetcher.FetchUserConversations(ctx)

	a.mu.Lock()
	if a.closed || gen != a.gen {
		a.mu.Unlock()
		return nil
	}
	if err != nil {
		a.lastErr = err
		a.mu.Unlock()
		return err
	}
	list := make([]model.Conversation, len(convs))
	for i, c := range convs {
		list[i] = a.annotate(c)
	}
	SortByRecency(list)
	a.list = list
	a.loaded = true
	a.lastErr = nil
	out := slices.Clone(list)
	a.mu.Unlock()

	a.emit(out)
	return nil
}

// annotate fills LastMessage and recomputes UnreadCount when the fetched
// conversation carries its messages.
func (a *Aggregator) annotate(c model.Conversation) model.Conversation {
	if n := len(c.Messages); n > 0 {
		if c.LastMessage == nil || c.Messages[n-1].CreatedAt.After(c.LastMessage.CreatedAt) {
			last := c.Messages[n-1]
			c.LastMessage = &last
		}
		var seen *time.Time
		if p, ok := c.Participant(a.userID); ok {
			seen = p.LastSeenAt
		}
		c.UnreadCount = model.UnreadCount(c.Messages, seen, a.userID)
	}
	return c
}

// MarkAsRead zeroes the local unread count immediately. The next reload
// supersedes it.
func (a *Aggregator) MarkAsRead(conversationID string) {
	a.mu.Lock()
	i := slices.IndexFunc(a.list, func(c model.Conversation) bool { return c.ID == conversationID })
	if i < 0 || a.closed {
		a.mu.Unlock()
		return
	}
	a.list[i].UnreadCount = 0
	out := slices.Clone(a.list)
	marker := a.marker
	a.mu.Unlock()

	a.emit(out)

	if marker == nil || !a.track() {
		return
	}
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(a.ctx, defaultReloadTimeout)
		defer cancel()
		if err := marker.MarkAsRead(ctx, conversationID); err != nil {
			a.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark as read failed")
		}
	}()
}

// Conversations returns the current list, most recent first.
func (a *Aggregator) Conversations() []model.Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.list)
}

// Loaded reports whether at least one reload succeeded.
func (a *Aggregator) Loaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loaded
}

func (a *Aggregator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// FilterByKind returns the conversations of kind, in list order.
func (a *Aggregator) FilterByKind(kind model.ConversationKind) []model.Conversation {
	return FilterByKind(a.Conversations(), kind)
}

// UnreadByKind sums unread counts per conversation kind.
func (a *Aggregator) UnreadByKind() map[model.ConversationKind]int {
	return UnreadByKind(a.Conversations())
}

func (a *Aggregator) TotalUnread() int {
	n := 0
	for _, c := range a.Conversations() {
		n += c.UnreadCount
	}
	return n
}

// Close cancels pending reloads and waits for running ones.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
	}
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
}

// track registers background work unless the aggregator is closed.
func (a *Aggregator) track() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.wg.Add(1)
	return true
}

func (a *Aggregator) emit(list []model.Conversation) {
	if a.onChange != nil {
		a.onChange(list)
	}
}

func FilterByKind(list []model.Conversation, kind model.ConversationKind) []model.Conversation {
	var out []model.Conversation
	for _, c := range list {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func UnreadByKind(list []model.Conversation) map[model.ConversationKind]int {
	out := map[model.ConversationKind]int{
		model.KindDirect:  0,
		model.KindGroup:   0,
		model.KindChannel: 0,
	}
	for _, c := range list {
		out[c.Kind] += c.UnreadCount
	}
	return out
}

// SortByRecency orders by last activity, newest first. Last activity is the
// last message timestamp, or UpdatedAt when there is no message.
func SortByRecency(list []model.Conversation) {
	slices.SortStableFunc(list, func(a, b model.Conversation) int {
		if c := activity(b).Compare(activity(a)); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}

func activity(c model.Conversation) time.Time {
	t := c.UpdatedAt
	if c.LastMessage != nil && c.LastMessage.CreatedAt.After(t) {
		t = c.LastMessage.CreatedAt
	}
	return t
}
