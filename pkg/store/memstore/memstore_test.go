package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/dupahar-chat/pkg/changefeed"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

type feedRecorder struct {
	mu      sync.Mutex
	changes []changefeed.Change
}

func (r *feedRecorder) Publish(ctx context.Context, changes ...changefeed.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, changes...)
	return nil
}

func (r *feedRecorder) tables() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.changes {
		out = append(out, c.Table)
	}
	return out
}

func (r *feedRecorder) reset() {
	r.mu.Lock()
	r.changes = nil
	r.mu.Unlock()
}

var (
	alice = store.Member{UserID: "alice", DisplayName: "Alice"}
	bob   = store.Member{UserID: "bob", DisplayName: "Bob"}
	carol = store.Member{UserID: "carol", DisplayName: "Carol"}
)

func newStore(t *testing.T) (*Store, *feedRecorder) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	rec := &feedRecorder{}
	return New(node, store.NewFeed(rec, zerolog.Nop())), rec
}

func strPtr(s string) *string { return &s }

func TestCreateConversation(t *testing.T) {
	s, feed := newStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, store.NewConversation{
		Kind:    model.KindGroup,
		Name:    strPtr("Team"),
		Creator: alice,
		Members: []store.Member{bob, carol, bob},
	})
	require.NoError(t, err)
	require.Len(t, conv.Participants, 3)
	assert.Equal(t, "alice", conv.Participants[0].UserID)
	assert.Empty(t, conv.Participants[0].InvitedBy)
	assert.Equal(t, "alice", conv.Participants[1].InvitedBy)

	assert.Equal(t, []string{model.TableConversations, model.TableParticipants, model.TableParticipants, model.TableParticipants}, feed.tables())
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, feed.changes[0].Audience)
	assert.Equal(t, "alice", feed.changes[0].Actor)

	ok, err := s.IsParticipant(ctx, conv.ID, "carol")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IsParticipant(ctx, conv.ID, "dave")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.CreateConversation(ctx, store.NewConversation{Kind: model.KindDirect, Creator: alice, Members: []store.Member{bob, carol}})
	assert.ErrorIs(t, err, store.ErrInvalidMembers)
}

func TestSendMessage(t *testing.T) {
	s, feed := newStore(t)
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, store.NewConversation{Kind: model.KindDirect, Creator: alice, Members: []store.Member{bob}})
	require.NoError(t, err)
	feed.reset()

	first, err := s.SendMessage(ctx, conv.ID, store.Member{UserID: "alice"}, "hello")
	require.NoError(t, err)
	second, err := s.SendMessage(ctx, conv.ID, bob, "hi back")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "Alice", first.AuthorName, "falls back to the participant's display name")
	assert.False(t, second.CreatedAt.Before(first.CreatedAt))
	assert.Equal(t, []string{model.TableMessages, model.TableMessages}, feed.tables())

	_, err = s.SendMessage(ctx, conv.ID, carol, "let me in")
	assert.ErrorIs(t, err, store.ErrNotParticipant)
	_, err = s.SendMessage(ctx, "missing", alice, "x")
	assert.ErrorIs(t, err, store.ErrConversationNotFound)
	_, err = s.SendMessage(ctx, conv.ID, alice, " \n")
	assert.ErrorIs(t, err, store.ErrEmptyContent)

	full, err := s.FetchConversation(ctx, conv.ID, "bob")
	require.NoError(t, err)
	require.Len(t, full.Messages, 2)
	assert.Equal(t, first.ID, full.Messages[0].ID)
	assert.Equal(t, second.ID, full.LastMessage.ID)
	assert.Equal(t, 1, full.UnreadCount)

	_, err = s.FetchConversation(ctx, conv.ID, "carol")
	assert.ErrorIs(t, err, store.ErrNotParticipant)
}

func TestMarkSeenOnlyMovesForward(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, store.NewConversation{Kind: model.KindDirect, Creator: alice, Members: []store.Member{bob}})
	require.NoError(t, err)
	_, err = s.SendMessage(ctx, conv.ID, alice, "one")
	require.NoError(t, err)

	list, err := s.FetchUserConversations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].UnreadCount)

	later := time.Now().Add(time.Hour)
	require.NoError(t, s.MarkSeen(ctx, conv.ID, "bob", later))
	require.NoError(t, s.MarkSeen(ctx, conv.ID, "bob", later.Add(-2*time.Hour)))

	list, err = s.FetchUserConversations(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, list[0].UnreadCount)
	p, ok := list[0].Participant("bob")
	require.True(t, ok)
	assert.True(t, p.LastSeenAt.Equal(later))

	assert.ErrorIs(t, s.MarkSeen(ctx, conv.ID, "carol", later), store.ErrNotParticipant)
}

func TestAddParticipants(t *testing.T) {
	s, feed := newStore(t)
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, store.NewConversation{Kind: model.KindGroup, Creator: alice, Members: []store.Member{bob}})
	require.NoError(t, err)
	feed.reset()

	added, err := s.AddParticipants(ctx, conv.ID, "bob", []store.Member{alice, carol, carol})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, "carol", added[0].UserID)
	assert.Equal(t, "bob", added[0].InvitedBy)
	assert.Equal(t, []string{model.TableParticipants}, feed.tables())

	_, err = s.AddParticipants(ctx, conv.ID, "dave", []store.Member{{UserID: "erin"}})
	assert.ErrorIs(t, err, store.ErrNotParticipant)

	dm, err := s.CreateConversation(ctx, store.NewConversation{Kind: model.KindDirect, Creator: alice, Members: []store.Member{bob}})
	require.NoError(t, err)
	_, err = s.AddParticipants(ctx, dm.ID, "alice", []store.Member{carol})
	assert.ErrorIs(t, err, store.ErrInvalidMembers)
}

func TestFetchUserConversationsOrder(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := t0
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	s := New(node, nil, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	older, err := s.CreateConversation(ctx, store.NewConversation{Kind: model.KindGroup, Creator: alice})
	require.NoError(t, err)
	clock = t0.Add(time.Minute)
	newer, err := s.CreateConversation(ctx, store.NewConversation{Kind: model.KindGroup, Creator: alice})
	require.NoError(t, err)

	list, err := s.FetchUserConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)

	// A message moves the older conversation to the top.
	_, err = s.SendMessage(ctx, older.ID, alice, "bump")
	require.NoError(t, err)
	list, err = s.FetchUserConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, older.ID, list[0].ID)

	list, err = s.FetchUserConversations(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, list)
}
