// Package msgsync keeps a client's view of one conversation: confirmed
// messages plus optimistic entries for sends still in flight, merged from the
// change-feed and broadcast delivery paths into one ordered, duplicate-free
// sequence.
package msgsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/realtime"
)

var (
	ErrNotSubscribed = errors.New("conversation channel is not subscribed")
	ErrSendInFlight  = errors.New("a send is already in flight for this conversation")
	ErrEmptyContent  = errors.New("message content is empty")
	ErrClosed        = errors.New("engine closed")
)

// SendError is the structured failure reported when the send call rejects.
type SendError struct {
	TempID string
	Err    error
}

func (e *SendError) Error() string { return fmt.Sprintf("send %s failed: %v", e.TempID, e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// Sender persists a message and returns it with its authoritative id and timestamp.
type Sender interface {
	SendMessage(ctx context.Context, conversationID, content string) (*model.Message, error)
}

// StateSource reports the connection state of the conversation channel.
// *realtime.Subscription satisfies it.
type StateSource interface {
	State() realtime.State
}

type Config struct {
	// ReconcileWindow bounds how far a confirmed timestamp may be from the
	// optimistic client timestamp it replaces. Also the age after which an
	// unconfirmed optimistic entry is purged.
	ReconcileWindow time.Duration
	PurgeInterval   time.Duration
	// SendTimeout caps one send call. Keep it within ReconcileWindow so the
	// gate is never held longer than the optimistic entry it belongs to.
	SendTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReconcileWindow: 10 * time.Second,
		PurgeInterval:   5 * time.Second,
		SendTimeout:     10 * time.Second,
	}
}

type Option func(*Engine)

func WithConfig(cfg Config) Option { return func(e *Engine) { e.cfg = cfg } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithOnChange registers a callback invoked with a snapshot after every change.
func WithOnChange(fn func([]Item)) Option { return func(e *Engine) { e.onChange = fn } }

// Item is one entry of the presented sequence. Pending entries carry the
// temporary id and the client timestamp.
type Item struct {
	Message model.Message
	Pending bool
}

type entry struct {
	confirmed *model.Message
	pending   *model.OptimisticMessage
	arrival   uint64
}

func (en entry) effectiveTime() time.Time {
	if en.confirmed != nil {
		return en.confirmed.CreatedAt
	}
	return en.pending.ClientTime
}

func (en entry) item() Item {
	if en.confirmed != nil {
		return Item{Message: *en.confirmed}
	}
	p := en.pending
	return Item{
		Message: model.Message{
			ID:             p.TempID,
			ConversationID: p.ConversationID,
			AuthorID:       p.AuthorID,
			Content:        p.Content,
			CreatedAt:      p.ClientTime,
		},
		Pending: true,
	}
}

// Engine owns the message sequence of one conversation.
type Engine struct {
	conversationID string
	userID         string
	sender         Sender
	cfg            Config
	now            func() time.Time
	onChange       func([]Item)
	log            zerolog.Logger

	mu       sync.Mutex
	entries  []entry
	ids      map[string]struct{}
	arrivals uint64
	inFlight string // temp id of the send holding the gate
	source   StateSource
	closed   bool

	tempSeq   atomic.Uint64
	sends     sync.WaitGroup
	done      chan struct{}
	loops     sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewEngine(conversationID, userID string, sender Sender, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		conversationID: conversationID,
		userID:         userID,
		sender:         sender,
		cfg:            DefaultConfig(),
		now:            time.Now,
		ids:            make(map[string]struct{}),
		done:           make(chan struct{}),
		log: log.With().
			Str("component", "message-sync").
			Str("conversation_id", conversationID).
			Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register wires both delivery paths into h: change-feed inserts on the
// messages table (filtered here by conversation id) and new_message broadcasts.
func (e *Engine) Register(h *realtime.Handlers) {
	h.OnInsert(model.TableMessages, e.belongs, e.onPayload("change-feed"))
	h.OnBroadcast(model.EventNewMessage, e.onPayload("broadcast"))
}

// Attach sets the channel whose state gates Send.
func (e *Engine) Attach(src StateSource) {
	e.mu.Lock()
	e.source = src
	e.mu.Unlock()
}

func (e *Engine) belongs(payload json.RawMessage) bool {
	var keys struct {
		ConversationID string `json:"conversation_id"`
	}
	return json.Unmarshal(payload, &keys) == nil && keys.ConversationID == e.conversationID
}

func (e *Engine) onPayload(path string) realtime.PayloadFunc {
	return func(payload json.RawMessage) {
		msg, err := DecodeMessage(payload)
		if err != nil {
			e.log.Warn().Err(err).Str("path", path).Msg("dropping undecodable message event")
			return
		}
		e.OnConfirmedMessage(msg)
	}
}

// DecodeMessage normalises a confirmed message payload from either delivery path.
func DecodeMessage(payload json.RawMessage) (model.Message, error) {
	var msg model.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return model.Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.ID == "" {
		return model.Message{}, errors.New("decode message: missing id")
	}
	if model.IsTempID(msg.ID) {
		return model.Message{}, fmt.Errorf("decode message: temporary id %s", msg.ID)
	}
	return msg, nil
}

// Load seeds the sequence with already-persisted history. Messages already
// present are skipped.
func (e *Engine) Load(history []model.Message) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	for i := range history {
		msg := history[i]
		if msg.ConversationID != "" && msg.ConversationID != e.conversationID {
			continue
		}
		if _, dup := e.ids[msg.ID]; dup {
			continue
		}
		e.appendLocked(entry{confirmed: &msg})
	}
	e.sortLocked()
	snapshot := e.snapshotLocked()
	e.mu.Unlock()
	e.emit(snapshot)
}

// PendingSend tracks one send started by Send.
type PendingSend struct {
	TempID string
	done   chan struct{}
	msg    *model.Message
	err    error
}

// Done is closed when the send call has returned.
func (p *PendingSend) Done() <-chan struct{} { return p.done }

// Result waits for the send call and returns its outcome.
func (p *PendingSend) Result(ctx context.Context) (*model.Message, error) {
	select {
	case <-p.done:
		return p.msg, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send inserts an optimistic message and starts the send call without
// waiting for it. Only one send may be in flight at a time.
func (e *Engine) Send(ctx context.Context, content string) (*PendingSend, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return nil, ErrClosed
	case e.source == nil || e.source.State() != realtime.StateSubscribed:
		e.mu.Unlock()
		return nil, ErrNotSubscribed
	case e.inFlight != "":
		e.mu.Unlock()
		return nil, ErrSendInFlight
	}

	opt := &model.OptimisticMessage{
		TempID:         e.newTempID(),
		ConversationID: e.conversationID,
		AuthorID:       e.userID,
		Content:        content,
		ClientTime:     e.now().UTC(),
	}
	e.appendLocked(entry{pending: opt})
	e.sortLocked()
	e.inFlight = opt.TempID
	snapshot := e.snapshotLocked()
	e.mu.Unlock()
	e.emit(snapshot)

	p := &PendingSend{TempID: opt.TempID, done: make(chan struct{})}

	// The send outlives the caller's context: a torn-down view still lets the
	// request complete, it just no longer applies the result.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SendTimeout)
	e.sends.Add(1)
	go func() {
		defer e.sends.Done()
		defer cancel()
		msg, err := e.sender.SendMessage(sendCtx, e.conversationID, content)
		e.completeSend(opt.TempID, msg, err, p)
	}()
	return p, nil
}

func (e *Engine) completeSend(tempID string, msg *model.Message, err error, p *PendingSend) {
	if err == nil && msg == nil {
		err = errors.New("send returned no message")
	}

	e.mu.Lock()
	// A purged send may finish after a newer one took the gate.
	if e.inFlight == tempID {
		e.inFlight = ""
	}
	if e.closed {
		e.mu.Unlock()
		p.finish(msg, err, tempID)
		return
	}
	if err != nil {
		e.removePendingLocked(tempID)
	} else {
		e.mergeConfirmedLocked(*msg, tempID)
	}
	e.sortLocked()
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	if err != nil {
		e.log.Warn().Err(err).Str("temp_id", tempID).Msg("send failed, optimistic message rolled back")
	}
	e.emit(snapshot)
	p.finish(msg, err, tempID)
}

func (p *PendingSend) finish(msg *model.Message, err error, tempID string) {
	if err != nil {
		p.err = &SendError{TempID: tempID, Err: err}
	} else {
		p.msg = msg
	}
	close(p.done)
}

// OnConfirmedMessage merges a confirmed message delivered by either path.
// It is idempotent: a message whose id is already present is dropped. The
// return value reports whether the sequence changed.
func (e *Engine) OnConfirmedMessage(msg model.Message) bool {
	if msg.ConversationID != e.conversationID || msg.ID == "" {
		return false
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if _, dup := e.ids[msg.ID]; dup {
		e.mu.Unlock()
		return false
	}
	e.mergeConfirmedLocked(msg, "")
	e.sortLocked()
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.emit(snapshot)
	return true
}

// mergeConfirmedLocked inserts msg unless its id is already present. The
// optimistic entry tempID (when set) is the preferred one to replace; otherwise
// any matching optimistic entry is. tempID never survives the merge.
func (e *Engine) mergeConfirmedLocked(msg model.Message, tempID string) {
	if _, dup := e.ids[msg.ID]; !dup {
		i := -1
		if tempID != "" {
			i = e.indexPendingLocked(tempID)
		}
		if i < 0 {
			i = e.matchPendingLocked(msg)
		}
		if i >= 0 {
			e.ids[msg.ID] = struct{}{}
			e.entries[i].confirmed = &msg
			e.entries[i].pending = nil
		} else {
			e.appendLocked(entry{confirmed: &msg})
		}
	}
	if tempID != "" {
		e.removePendingLocked(tempID)
	}
}

func (e *Engine) indexPendingLocked(tempID string) int {
	return slices.IndexFunc(e.entries, func(en entry) bool {
		return en.pending != nil && en.pending.TempID == tempID
	})
}

// matchPendingLocked finds the optimistic entry msg confirms: same author,
// content and conversation, with timestamps within the reconcile window.
func (e *Engine) matchPendingLocked(msg model.Message) int {
	best, bestDelta := -1, time.Duration(0)
	for i, en := range e.entries {
		p := en.pending
		if p == nil || p.AuthorID != msg.AuthorID || p.Content != msg.Content || p.ConversationID != msg.ConversationID {
			continue
		}
		delta := msg.CreatedAt.Sub(p.ClientTime).Abs()
		if delta > e.cfg.ReconcileWindow {
			continue
		}
		if best < 0 || delta < bestDelta {
			best, bestDelta = i, delta
		}
	}
	return best
}

func (e *Engine) removePendingLocked(tempID string) {
	e.entries = slices.DeleteFunc(e.entries, func(en entry) bool {
		return en.pending != nil && en.pending.TempID == tempID
	})
}

func (e *Engine) appendLocked(en entry) {
	e.arrivals++
	en.arrival = e.arrivals
	if en.confirmed != nil {
		e.ids[en.confirmed.ID] = struct{}{}
	}
	e.entries = append(e.entries, en)
}

// sortLocked orders by effective timestamp, ties by arrival.
func (e *Engine) sortLocked() {
	slices.SortStableFunc(e.entries, func(a, b entry) int {
		if c := a.effectiveTime().Compare(b.effectiveTime()); c != 0 {
			return c
		}
		switch {
		case a.arrival < b.arrival:
			return -1
		case a.arrival > b.arrival:
			return 1
		}
		return 0
	})
}

// PurgeStale drops optimistic entries older than the reconcile window and
// returns how many were removed. Purging the entry of the send in flight
// releases the send gate; a late result is still merged as a confirmed
// message.
func (e *Engine) PurgeStale() int {
	e.mu.Lock()
	cutoff := e.now().Add(-e.cfg.ReconcileWindow)
	before := len(e.entries)
	e.entries = slices.DeleteFunc(e.entries, func(en entry) bool {
		stale := en.pending != nil && en.pending.ClientTime.Before(cutoff)
		if stale && en.pending.TempID == e.inFlight {
			e.inFlight = ""
		}
		return stale
	})
	purged := before - len(e.entries)
	var snapshot []Item
	if purged > 0 {
		snapshot = e.snapshotLocked()
	}
	e.mu.Unlock()

	if purged > 0 {
		e.log.Debug().Int("purged", purged).Msg("purged stale optimistic messages")
		e.emit(snapshot)
	}
	return purged
}

// Start runs the periodic purge until Close or ctx is done.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.loops.Add(1)
		go e.purgeLoop(ctx)
	})
}

func (e *Engine) purgeLoop(ctx context.Context) {
	defer e.loops.Done()
	ticker := time.NewTicker(e.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-ticker.C:
			e.PurgeStale()
		}
	}
}

// Close stops the purge loop and discards the results of sends that are
// still in flight.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.done)
		e.loops.Wait()
	})
}

// Wait blocks until every started send call has returned.
func (e *Engine) Wait() { e.sends.Wait() }

// Messages returns the current sequence.
func (e *Engine) Messages() []Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Pending returns the optimistic entries still awaiting confirmation.
func (e *Engine) Pending() []model.OptimisticMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.OptimisticMessage
	for _, en := range e.entries {
		if en.pending != nil {
			out = append(out, *en.pending)
		}
	}
	return out
}

func (e *Engine) SendInFlight() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight != ""
}

func (e *Engine) snapshotLocked() []Item {
	out := make([]Item, len(e.entries))
	for i, en := range e.entries {
		out[i] = en.item()
	}
	return out
}

func (e *Engine) emit(snapshot []Item) {
	if e.onChange != nil {
		e.onChange(snapshot)
	}
}

func (e *Engine) newTempID() string {
	return model.TempIDPrefix + strconv.FormatInt(e.now().UnixNano(), 36) + "-" + strconv.FormatUint(e.tempSeq.Add(1), 10)
}
