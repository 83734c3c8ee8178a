package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/dupahar-chat/pkg/changefeed"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/notify"
)

type sliceSource struct {
	changes []changefeed.Change
	errs    []error
	closed  bool
}

func (s *sliceSource) Run(ctx context.Context, fn func(context.Context, changefeed.Change) error) error {
	for _, c := range s.changes {
		s.errs = append(s.errs, fn(ctx, c))
	}
	return nil
}

func (s *sliceSource) Close() error { s.closed = true; return nil }

type conversations map[string]*model.Conversation

func (c conversations) ConversationWithParticipants(ctx context.Context, id string) (*model.Conversation, error) {
	conv, ok := c[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return conv, nil
}

type collected struct{ events []model.NotificationEvent }

func (c *collected) Publish(ctx context.Context, n model.NotificationEvent) error {
	c.events = append(c.events, n)
	return nil
}

func TestConsumerDispatchesNotifications(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	name := "general"
	convs := conversations{"c1": {
		ID:   "c1",
		Kind: model.KindChannel,
		Name: &name,
		Participants: []model.Participant{
			{ConversationID: "c1", UserID: "alice", DisplayName: "Alice"},
			{ConversationID: "c1", UserID: "bob", DisplayName: "Bob"},
			{ConversationID: "c1", UserID: "carol", DisplayName: "Carol", InvitedBy: "alice"},
		},
	}}

	msg := model.Message{ID: "10", ConversationID: "c1", AuthorID: "alice", AuthorName: "Alice", Content: "hey @bob", CreatedAt: now}
	msgChange, err := changefeed.NewChange(model.TableMessages, changefeed.OpInsert, msg, []string{"alice", "bob", "carol"}, "alice", now)
	require.NoError(t, err)
	invite, err := changefeed.NewChange(model.TableParticipants, changefeed.OpInsert, convs["c1"].Participants[2], nil, "alice", now)
	require.NoError(t, err)
	conv, err := changefeed.NewChange(model.TableConversations, changefeed.OpInsert, convs["c1"].Header(), nil, "alice", now)
	require.NoError(t, err)
	broken := changefeed.Change{Table: model.TableMessages, Op: changefeed.OpInsert, Record: []byte(`{"id":`)}

	source := &sliceSource{changes: []changefeed.Change{msgChange, invite, conv, broken}}
	pub := &collected{}
	d := notify.NewDispatcher(convs, pub, zerolog.Nop(), notify.WithClock(func() time.Time { return now }))
	c := newConsumer(source, d, zerolog.Nop())

	require.NoError(t, c.Consume(context.Background()))
	require.NoError(t, c.Close())
	assert.True(t, source.closed)

	require.Len(t, source.errs, 4)
	assert.NoError(t, source.errs[0])
	assert.NoError(t, source.errs[1])
	assert.NoError(t, source.errs[2])
	assert.Error(t, source.errs[3])

	kinds := map[string]model.NotificationKind{}
	for _, n := range pub.events {
		kinds[n.RecipientUserID+"/"+n.Metadata.MessageID] = n.Kind
	}
	assert.Equal(t, map[string]model.NotificationKind{
		"bob/10":   model.NotifyMention,
		"carol/10": model.NotifyChannelMessage,
		"carol/":   model.NotifyConversationInvite,
	}, kinds)
}
