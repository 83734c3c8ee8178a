// Package scylla is the ScyllaDB implementation of store.Store.
//
// Messages are clustered by snowflake id, newest first, so the id doubles as
// the commit order and the commit timestamp.
package scylla

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

const markSeenAttempts = 3

type Store struct {
	session *gocql.Session
	ids     *snowflake.Node
	feed    *store.Feed
	now     func() time.Time
	log     zerolog.Logger
}

func New(session *gocql.Session, ids *snowflake.Node, feed *store.Feed, log zerolog.Logger) *Store {
	return &Store{
		session: session,
		ids:     ids,
		feed:    feed,
		now:     time.Now,
		log:     log.With().Str("component", "scylla-store").Logger(),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) CreateConversation(ctx context.Context, req store.NewConversation) (*model.Conversation, error) {
	members, err := store.ValidateNewConversation(req)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	conv := model.Conversation{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		Name:      req.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var name string
	if req.Name != nil {
		name = *req.Name
	}
	err = s.session.Query(`INSERT INTO conversations (id, kind, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		conv.ID, string(conv.Kind), name, now, now).WithContext(ctx).Exec()
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	participants, err := s.insertParticipants(ctx, conv.ID, req.Creator.UserID, members, now)
	if err != nil {
		return nil, err
	}
	conv.Participants = participants

	audience := store.UserIDs(participants)
	s.feed.Emit(ctx, model.TableConversations, conv.Header(), audience, req.Creator.UserID, now)
	for _, p := range participants {
		s.feed.Emit(ctx, model.TableParticipants, p, audience, req.Creator.UserID, now)
	}
	return &conv, nil
}

func (s *Store) insertParticipants(ctx context.Context, conversationID, inviterID string, members []store.Member, now time.Time) ([]model.Participant, error) {
	out := make([]model.Participant, 0, len(members))
	for _, m := range members {
		p := model.Participant{
			ConversationID: conversationID,
			UserID:         m.UserID,
			DisplayName:    m.DisplayName,
			JoinedAt:       now,
		}
		if m.UserID != inviterID {
			p.InvitedBy = inviterID
		}

		batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
		batch.Query(`INSERT INTO participants (conversation_id, user_id, display_name, joined_at, invited_by) VALUES (?, ?, ?, ?, ?)`,
			p.ConversationID, p.UserID, p.DisplayName, p.JoinedAt, p.InvitedBy)
		batch.Query(`INSERT INTO user_conversations (user_id, conversation_id, joined_at) VALUES (?, ?, ?)`,
			p.UserID, p.ConversationID, p.JoinedAt)
		if err := s.session.ExecuteBatch(batch); err != nil {
			return nil, fmt.Errorf("insert participant %s: %w", p.UserID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) AddParticipants(ctx context.Context, conversationID, inviterID string, members []store.Member) ([]model.Participant, error) {
	conv, err := s.ConversationWithParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, ok := conv.Participant(inviterID); !ok {
		return nil, store.ErrNotParticipant
	}
	if conv.Kind == model.KindDirect {
		return nil, store.ErrInvalidMembers
	}

	var fresh []store.Member
	for _, m := range store.DedupeMembers(members) {
		if _, exists := conv.Participant(m.UserID); !exists {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	added, err := s.insertParticipants(ctx, conversationID, inviterID, fresh, now)
	if err != nil {
		return nil, err
	}
	if err := s.touch(ctx, conversationID, now); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("bump updated_at")
	}

	audience := append(store.UserIDs(conv.Participants), store.UserIDs(added)...)
	for _, p := range added {
		s.feed.Emit(ctx, model.TableParticipants, p, audience, inviterID, now)
	}
	return added, nil
}

func (s *Store) SendMessage(ctx context.Context, conversationID string, author store.Member, content string) (*model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, store.ErrEmptyContent
	}
	conv, err := s.ConversationWithParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	p, ok := conv.Participant(author.UserID)
	if !ok {
		return nil, store.ErrNotParticipant
	}

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

	err = s.session.Query(`INSERT INTO messages (conversation_id, id, author_id, author_name, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, id, msg.AuthorID, msg.AuthorName, msg.Content, msg.CreatedAt).WithContext(ctx).Exec()
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	metrics.MessagesPersisted.Inc()

	if err := s.touch(ctx, conversationID, msg.CreatedAt); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("bump updated_at")
	}
	s.feed.Emit(ctx, model.TableMessages, msg, store.UserIDs(conv.Participants), author.UserID, msg.CreatedAt)
	return &msg, nil
}

func (s *Store) touch(ctx context.Context, conversationID string, at time.Time) error {
	return s.session.Query(`UPDATE conversations SET updated_at = ? WHERE id = ?`, at, conversationID).WithContext(ctx).Exec()
}

func (s *Store) FetchUserConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	iter := s.session.Query(`SELECT conversation_id FROM user_conversations WHERE user_id = ?`, userID).WithContext(ctx).Iter()
	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list user conversations: %w", err)
	}

	out := make([]model.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.ConversationWithParticipants(ctx, id)
		if errors.Is(err, store.ErrConversationNotFound) {
			s.log.Warn().Str("conversation_id", id).Str("user_id", userID).Msg("dangling user_conversations row")
			continue
		}
		if err != nil {
			return nil, err
		}
		msgs, err := s.recentMessages(ctx, id, store.HistoryLimit)
		if err != nil {
			return nil, err
		}
		if n := len(msgs); n > 0 {
			last := msgs[n-1]
			conv.LastMessage = &last
		}
		if p, ok := conv.Participant(userID); ok {
			conv.UnreadCount = model.UnreadCount(msgs, p.LastSeenAt, userID)
		}
		out = append(out, *conv)
	}
	slices.SortFunc(out, func(a, b model.Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out, nil
}

func (s *Store) FetchConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	conv, err := s.ConversationWithParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	p, ok := conv.Participant(userID)
	if !ok {
		return nil, store.ErrNotParticipant
	}
	msgs, err := s.recentMessages(ctx, conversationID, store.HistoryLimit)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		conv.LastMessage = &last
	}
	conv.UnreadCount = model.UnreadCount(msgs, p.LastSeenAt, userID)
	return conv, nil
}

// recentMessages returns up to limit of the newest messages, oldest first.
func (s *Store) recentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	iter := s.session.Query(`SELECT id, author_id, author_name, content, created_at FROM messages WHERE conversation_id = ? LIMIT ?`,
		conversationID, limit).WithContext(ctx).Iter()

	var msgs []model.Message
	var (
		id                      int64
		authorID, name, content string
		createdAt               time.Time
	)
	for iter.Scan(&id, &authorID, &name, &content, &createdAt) {
		msgs = append(msgs, model.Message{
			ID:             strconv.FormatInt(id, 10),
			ConversationID: conversationID,
			AuthorID:       authorID,
			AuthorName:     name,
			Content:        content,
			CreatedAt:      createdAt.UTC(),
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (s *Store) ConversationWithParticipants(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var (
		kind, name           string
		createdAt, updatedAt time.Time
	)
	err := s.session.Query(`SELECT kind, name, created_at, updated_at FROM conversations WHERE id = ?`, conversationID).
		WithContext(ctx).Scan(&kind, &name, &createdAt, &updatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, store.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	conv := &model.Conversation{
		ID:        conversationID,
		Kind:      model.ConversationKind(kind),
		CreatedAt: createdAt.UTC(),
		UpdatedAt: updatedAt.UTC(),
	}
	if name != "" {
		conv.Name = &name
	}

	iter := s.session.Query(`SELECT user_id, display_name, joined_at, last_seen_at, invited_by FROM participants WHERE conversation_id = ?`,
		conversationID).WithContext(ctx).Iter()
	var (
		userID, displayName, invitedBy string
		joinedAt, lastSeenAt           time.Time
	)
	for iter.Scan(&userID, &displayName, &joinedAt, &lastSeenAt, &invitedBy) {
		p := model.Participant{
			ConversationID: conversationID,
			UserID:         userID,
			DisplayName:    displayName,
			JoinedAt:       joinedAt.UTC(),
			InvitedBy:      invitedBy,
		}
		if !lastSeenAt.IsZero() {
			seen := lastSeenAt.UTC()
			p.LastSeenAt = &seen
		}
		conv.Participants = append(conv.Participants, p)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("read participants: %w", err)
	}
	return conv, nil
}

// MarkSeen uses a conditional update so concurrent markers never move
// last_seen_at backwards.
func (s *Store) MarkSeen(ctx context.Context, conversationID, userID string, at time.Time) error {
	at = at.UTC().Truncate(time.Millisecond)

	var current time.Time
	err := s.session.Query(`SELECT last_seen_at FROM participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).WithContext(ctx).Scan(&current)
	if errors.Is(err, gocql.ErrNotFound) {
		return store.ErrNotParticipant
	}
	if err != nil {
		return fmt.Errorf("read last_seen_at: %w", err)
	}

	for range markSeenAttempts {
		if !current.IsZero() && !at.After(current) {
			return nil
		}
		var expected any
		if !current.IsZero() {
			expected = current
		}
		var seen time.Time
		applied, err := s.session.Query(`UPDATE participants SET last_seen_at = ? WHERE conversation_id = ? AND user_id = ? IF last_seen_at = ?`,
			at, conversationID, userID, expected).WithContext(ctx).ScanCAS(&seen)
		if err != nil {
			return fmt.Errorf("update last_seen_at: %w", err)
		}
		if applied {
			return nil
		}
		current = seen
	}
	return fmt.Errorf("update last_seen_at: contended after %d attempts", markSeenAttempts)
}

func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var uid string
	err := s.session.Query(`SELECT user_id FROM participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).WithContext(ctx).Scan(&uid)
	if errors.Is(err, gocql.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read participant: %w", err)
	}
	return true, nil
}
