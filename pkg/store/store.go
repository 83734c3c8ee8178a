// Package store is the data-access layer for conversations, participants and
// messages. Implementations assign message ids and commit timestamps, and
// publish every committed row on the change-feed.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/changefeed"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("user is not a participant of the conversation")
	ErrInvalidKind          = errors.New("invalid conversation kind")
	ErrEmptyContent         = errors.New("message content is empty")
	ErrInvalidMembers       = errors.New("invalid conversation members")
)

// HistoryLimit caps the messages returned with a conversation and the
// window unread counts are computed over.
const HistoryLimit = 200

// Member identifies a user joining a conversation.
type Member struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type NewConversation struct {
	Kind    model.ConversationKind
	Name    *string
	Creator Member
	Members []Member
}

type Store interface {
	CreateConversation(ctx context.Context, req NewConversation) (*model.Conversation, error)
	// AddParticipants adds members to an existing conversation and returns the
	// participants that were actually new.
	AddParticipants(ctx context.Context, conversationID, inviterID string, members []Member) ([]model.Participant, error)
	SendMessage(ctx context.Context, conversationID string, author Member, content string) (*model.Message, error)
	// FetchUserConversations returns userID's conversations with participants,
	// last message and unread count.
	FetchUserConversations(ctx context.Context, userID string) ([]model.Conversation, error)
	// FetchConversation returns the conversation with its messages oldest first.
	FetchConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error)
	ConversationWithParticipants(ctx context.Context, conversationID string) (*model.Conversation, error)
	// MarkSeen moves userID's last-seen marker forward to at. It never moves back.
	MarkSeen(ctx context.Context, conversationID, userID string, at time.Time) error
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// ValidateNewConversation checks kind and member rules and returns the
// de-duplicated member list with the creator first.
func ValidateNewConversation(req NewConversation) ([]Member, error) {
	if !req.Kind.Valid() {
		return nil, ErrInvalidKind
	}
	if req.Creator.UserID == "" {
		return nil, ErrInvalidMembers
	}
	members := DedupeMembers(append([]Member{req.Creator}, req.Members...))
	if req.Kind == model.KindDirect && len(members) != 2 {
		return nil, ErrInvalidMembers
	}
	return members, nil
}

func DedupeMembers(in []Member) []Member {
	seen := make(map[string]struct{}, len(in))
	out := make([]Member, 0, len(in))
	for _, m := range in {
		m.UserID = strings.TrimSpace(m.UserID)
		if m.UserID == "" {
			continue
		}
		if _, dup := seen[m.UserID]; dup {
			continue
		}
		seen[m.UserID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func UserIDs(ps []model.Participant) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.UserID
	}
	return out
}

// Feed publishes committed rows. A publish failure is logged and never fails
// the write that produced it.
type Feed struct {
	pub changefeed.Publisher
	log zerolog.Logger
}

func NewFeed(pub changefeed.Publisher, log zerolog.Logger) *Feed {
	return &Feed{pub: pub, log: log.With().Str("component", "store-feed").Logger()}
}

func (f *Feed) Emit(ctx context.Context, table string, record any, audience []string, actor string, at time.Time) {
	if f == nil || f.pub == nil {
		return
	}
	c, err := changefeed.NewChange(table, changefeed.OpInsert, record, audience, actor, at)
	if err != nil {
		f.log.Error().Err(err).Str("table", table).Msg("encode change")
		return
	}
	if err := f.pub.Publish(ctx, c); err != nil {
		f.log.Error().Err(err).Str("table", table).Msg("publish change")
	}
}
