// Package memstore is an in-memory store.Store used by tests and by the
// single-process demo mode.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

type conversation struct {
	conv         model.Conversation
	participants map[string]*model.Participant
	order        []string
	messages     []model.Message
}

type Store struct {
	mu    sync.RWMutex
	convs map[string]*conversation
	ids   *snowflake.Node
	feed  *store.Feed
	now   func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func New(ids *snowflake.Node, feed *store.Feed, opts ...Option) *Store {
	s := &Store{
		convs: make(map[string]*conversation),
		ids:   ids,
		feed:  feed,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

func (s *Store) CreateConversation(ctx context.Context, req store.NewConversation) (*model.Conversation, error) {
	members, err := store.ValidateNewConversation(req)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC().Truncate(time.Millisecond)

	c := &conversation{
		conv: model.Conversation{
			ID:        uuid.NewString(),
			Kind:      req.Kind,
			Name:      req.Name,
			CreatedAt: now,
			UpdatedAt: now,
		},
		participants: make(map[string]*model.Participant),
	}
	for _, m := range members {
		p := &model.Participant{
			ConversationID: c.conv.ID,
			UserID:         m.UserID,
			DisplayName:    m.DisplayName,
			JoinedAt:       now,
		}
		if m.UserID != req.Creator.UserID {
			p.InvitedBy = req.Creator.UserID
		}
		c.participants[m.UserID] = p
		c.order = append(c.order, m.UserID)
	}

	s.mu.Lock()
	s.convs[c.conv.ID] = c
	out := c.snapshot(false)
	s.mu.Unlock()

	audience := store.UserIDs(out.Participants)
	s.feed.Emit(ctx, model.TableConversations, out.Header(), audience, req.Creator.UserID, now)
	for _, p := range out.Participants {
		s.feed.Emit(ctx, model.TableParticipants, p, audience, req.Creator.UserID, now)
	}
	return &out, nil
}

func (s *Store) AddParticipants(ctx context.Context, conversationID, inviterID string, members []store.Member) ([]model.Participant, error) {
	now := s.now().UTC().Truncate(time.Millisecond)

	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil, store.ErrConversationNotFound
	}
	if _, ok := c.participants[inviterID]; !ok {
		s.mu.Unlock()
		return nil, store.ErrNotParticipant
	}
	if c.conv.Kind == model.KindDirect {
		s.mu.Unlock()
		return nil, store.ErrInvalidMembers
	}
	var added []model.Participant
	for _, m := range store.DedupeMembers(members) {
		if _, exists := c.participants[m.UserID]; exists {
			continue
		}
		p := &model.Participant{
			ConversationID: conversationID,
			UserID:         m.UserID,
			DisplayName:    m.DisplayName,
			JoinedAt:       now,
			InvitedBy:      inviterID,
		}
		c.participants[m.UserID] = p
		c.order = append(c.order, m.UserID)
		added = append(added, *p)
	}
	if len(added) > 0 {
		c.conv.UpdatedAt = now
	}
	audience := slices.Clone(c.order)
	s.mu.Unlock()

	for _, p := range added {
		s.feed.Emit(ctx, model.TableParticipants, p, audience, inviterID, now)
	}
	return added, nil
}

func (s *Store) SendMessage(ctx context.Context, conversationID string, author store.Member, content string) (*model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, store.ErrEmptyContent
	}

	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil, store.ErrConversationNotFound
	}
	p, ok := c.participants[author.UserID]
	if !ok {
		s.mu.Unlock()
		return nil, store.ErrNotParticipant
	}
	// Id and timestamp are taken under the lock so history stays in id order.
	id := s.ids.Generate()
	name := author.DisplayName
	if name == "" {
		name = p.DisplayName
	}
	msg := model.Message{
		ID:             strconv.FormatInt(id, 10),
		ConversationID: conversationID,
		AuthorID:       author.UserID,
		AuthorName:     name,
		Content:        content,
		CreatedAt:      snowflake.Time(id),
	}
	c.messages = append(c.messages, msg)
	if msg.CreatedAt.After(c.conv.UpdatedAt) {
		c.conv.UpdatedAt = msg.CreatedAt
	}
	audience := slices.Clone(c.order)
	s.mu.Unlock()

	metrics.MessagesPersisted.Inc()
	s.feed.Emit(ctx, model.TableMessages, msg, audience, author.UserID, msg.CreatedAt)
	return &msg, nil
}

func (s *Store) FetchUserConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Conversation
	for _, c := range s.convs {
		p, ok := c.participants[userID]
		if !ok {
			continue
		}
		conv := c.snapshot(false)
		conv.UnreadCount = model.UnreadCount(tail(c.messages), p.LastSeenAt, userID)
		out = append(out, conv)
	}
	slices.SortFunc(out, func(a, b model.Conversation) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) FetchConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil, store.ErrConversationNotFound
	}
	p, ok := c.participants[userID]
	if !ok {
		return nil, store.ErrNotParticipant
	}
	conv := c.snapshot(true)
	conv.UnreadCount = model.UnreadCount(conv.Messages, p.LastSeenAt, userID)
	return &conv, nil
}

func (s *Store) ConversationWithParticipants(ctx context.Context, conversationID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil, store.ErrConversationNotFound
	}
	conv := c.snapshot(false)
	return &conv, nil
}

func (s *Store) MarkSeen(ctx context.Context, conversationID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return store.ErrConversationNotFound
	}
	p, ok := c.participants[userID]
	if !ok {
		return store.ErrNotParticipant
	}
	at = at.UTC()
	if p.LastSeenAt == nil || at.After(*p.LastSeenAt) {
		p.LastSeenAt = &at
	}
	return nil
}

func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return false, nil
	}
	_, ok = c.participants[userID]
	return ok, nil
}

// snapshot copies the conversation with participants and last message, plus
// its message history when withMessages is set. Callers hold s.mu.
func (c *conversation) snapshot(withMessages bool) model.Conversation {
	out := c.conv
	out.Participants = make([]model.Participant, 0, len(c.order))
	for _, uid := range c.order {
		p := *c.participants[uid]
		if p.LastSeenAt != nil {
			seen := *p.LastSeenAt
			p.LastSeenAt = &seen
		}
		out.Participants = append(out.Participants, p)
	}
	if n := len(c.messages); n > 0 {
		last := c.messages[n-1]
		out.LastMessage = &last
	}
	if withMessages {
		out.Messages = slices.Clone(tail(c.messages))
	}
	return out
}

func tail(msgs []model.Message) []model.Message {
	if len(msgs) > store.HistoryLimit {
		return msgs[len(msgs)-store.HistoryLimit:]
	}
	return msgs
}
