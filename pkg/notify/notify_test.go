package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/dupahar-chat/pkg/changefeed"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

var now = time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("n%d", n)
	}
}

func group(kind model.ConversationKind, name string) *model.Conversation {
	c := &model.Conversation{
		ID:   "c1",
		Kind: kind,
		Participants: []model.Participant{
			{UserID: "alice", DisplayName: "Alice"},
			{UserID: "bob", DisplayName: "Bob Smith"},
			{UserID: "carol", DisplayName: "Carol"},
		},
	}
	if name != "" {
		c.Name = &name
	}
	return c
}

func TestExtractMentions(t *testing.T) {
	tests := []struct {
		content string
		want    []string
	}{
		{"hello", nil},
		{"@bob hi", []string{"bob"}},
		{"@Bob and @bob and @CAROL", []string{"bob", "carol"}},
		{"mail me at a@b", []string{"b"}},
		{"@ alone", nil},
		{"@bob_smith!", []string{"bob_smith"}},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractMentions(tt.content))
		})
	}
}

func TestMentioned(t *testing.T) {
	bob := model.Participant{UserID: "u-42", DisplayName: "Bob Smith"}
	tests := []struct {
		tokens []string
		want   bool
	}{
		{nil, false},
		{[]string{"bobsmith"}, true},
		{[]string{"u"}, false},
		{[]string{"carol", "bob"}, false},
		{[]string{"carol", "u"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Mentioned(bob, tt.tokens), "%v", tt.tokens)
	}
	assert.True(t, Mentioned(model.Participant{UserID: "dave"}, []string{"dave"}))
	assert.True(t, Mentioned(model.Participant{UserID: "x", DisplayName: "Eve"}, []string{"eve"}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "exactly10!", Truncate("exactly10!", 10))
	assert.Equal(t, "abc...", Truncate("abcdef", 3))
	assert.Equal(t, "héé...", Truncate("hééllo", 3), "cuts on characters, not bytes")

	long := strings.Repeat("x", 150)
	assert.Len(t, Truncate(long, BodyLimit), BodyLimit+3)
}

func TestBuildMessageNotifications(t *testing.T) {
	msg := model.Message{ID: "m1", ConversationID: "c1", AuthorID: "alice", Content: "hey @bobsmith"}

	tests := []struct {
		name      string
		conv      *model.Conversation
		wantKind  model.NotificationKind
		wantTitle string
	}{
		{"direct", group(model.KindDirect, ""), model.NotifyDirectMessage, "Alice"},
		{"group", group(model.KindGroup, "Team"), model.NotifyGroupMessage, "Alice in Team"},
		{"channel", group(model.KindChannel, "general"), model.NotifyChannelMessage, "Alice in #general"},
		{"unnamed group", group(model.KindGroup, ""), model.NotifyGroupMessage, "Alice in a conversation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := BuildMessageNotifications(tt.conv, msg, now, seqIDs())
			require.Len(t, out, 2, "the author is never notified")

			bob, carol := out[0], out[1]
			assert.Equal(t, "bob", bob.RecipientUserID)
			assert.Equal(t, model.NotifyMention, bob.Kind)
			assert.Contains(t, bob.Title, "Alice mentioned you in")

			assert.Equal(t, "carol", carol.RecipientUserID)
			assert.Equal(t, tt.wantKind, carol.Kind)
			assert.Equal(t, tt.wantTitle, carol.Title)
			assert.Equal(t, "hey @bobsmith", carol.Body)
			assert.Equal(t, model.NotificationMetadata{ConversationID: "c1", MessageID: "m1", SenderID: "alice"}, carol.Metadata)
			assert.Equal(t, now, carol.CreatedAt)
			assert.NotEqual(t, bob.ID, carol.ID)
		})
	}
}

func TestBuildMessageNotificationsSenderFallback(t *testing.T) {
	conv := group(model.KindDirect, "")
	msg := model.Message{ID: "m1", ConversationID: "c1", AuthorID: "ghost", AuthorName: "Ghost", Content: "boo"}
	out := BuildMessageNotifications(conv, msg, now, seqIDs())
	require.Len(t, out, 3)
	assert.Equal(t, "Ghost", out[0].Title)

	msg.AuthorName = ""
	out = BuildMessageNotifications(conv, msg, now, seqIDs())
	assert.Equal(t, "ghost", out[0].Title)
}

func TestBuildInviteNotifications(t *testing.T) {
	out := BuildInviteNotifications(group(model.KindChannel, "general"), "alice", []string{"bob", "alice", "", "bob", "carol"}, now, seqIDs())
	require.Len(t, out, 2)
	assert.Equal(t, "bob", out[0].RecipientUserID)
	assert.Equal(t, "carol", out[1].RecipientUserID)
	assert.Equal(t, model.NotifyConversationInvite, out[0].Kind)
	assert.Equal(t, "Alice added you to #general", out[0].Title)
	assert.Empty(t, out[0].Metadata.MessageID)
}

type convSource struct {
	conv *model.Conversation
	err  error
}

func (s convSource) ConversationWithParticipants(ctx context.Context, id string) (*model.Conversation, error) {
	return s.conv, s.err
}

type recordingPublisher struct {
	failFor string
	got     []model.NotificationEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, n model.NotificationEvent) error {
	if n.RecipientUserID == p.failFor {
		return errors.New("redis down")
	}
	p.got = append(p.got, n)
	return nil
}

func newDispatcher(src ConversationSource, pub Publisher) *Dispatcher {
	return NewDispatcher(src, pub, zerolog.Nop(), WithClock(func() time.Time { return now }), WithIDs(seqIDs()))
}

func TestDispatchSwallowsErrors(t *testing.T) {
	msg := model.Message{ID: "m1", ConversationID: "c1", AuthorID: "alice", Content: "hi"}

	pub := &recordingPublisher{failFor: "bob"}
	d := newDispatcher(convSource{conv: group(model.KindGroup, "Team")}, pub)
	assert.Equal(t, 1, d.DispatchMessage(context.Background(), msg), "one failed recipient does not stop the others")
	require.Len(t, pub.got, 1)
	assert.Equal(t, "carol", pub.got[0].RecipientUserID)

	d = newDispatcher(convSource{err: errors.New("db down")}, pub)
	assert.Zero(t, d.DispatchMessage(context.Background(), msg))
	assert.Zero(t, d.DispatchInvite(context.Background(), "c1", "alice", []string{"bob"}))
}

func TestDispatchInvite(t *testing.T) {
	pub := &recordingPublisher{}
	d := newDispatcher(convSource{conv: group(model.KindGroup, "Team")}, pub)
	assert.Equal(t, 1, d.DispatchInvite(context.Background(), "c1", "alice", []string{"carol"}))
	assert.Zero(t, d.DispatchInvite(context.Background(), "c1", "alice", nil))

	d = newDispatcher(convSource{conv: group(model.KindDirect, "")}, pub)
	assert.Zero(t, d.DispatchInvite(context.Background(), "c1", "alice", []string{"bob"}))
	assert.Len(t, pub.got, 1)
}

func change(t *testing.T, table string, op changefeed.Op, record any) changefeed.Change {
	t.Helper()
	c, err := changefeed.NewChange(table, op, record, nil, "", now)
	require.NoError(t, err)
	return c
}

func TestHandleChange(t *testing.T) {
	pub := &recordingPublisher{}
	d := newDispatcher(convSource{conv: group(model.KindGroup, "Team")}, pub)
	ctx := context.Background()

	require.NoError(t, d.HandleChange(ctx, change(t, model.TableMessages, changefeed.OpInsert,
		model.Message{ID: "m1", ConversationID: "c1", AuthorID: "alice", Content: "hi"})))
	assert.Len(t, pub.got, 2)

	// The creator joining is not an invite, neither is a self-join.
	require.NoError(t, d.HandleChange(ctx, change(t, model.TableParticipants, changefeed.OpInsert,
		model.Participant{ConversationID: "c1", UserID: "alice"})))
	require.NoError(t, d.HandleChange(ctx, change(t, model.TableParticipants, changefeed.OpInsert,
		model.Participant{ConversationID: "c1", UserID: "carol", InvitedBy: "carol"})))
	assert.Len(t, pub.got, 2)

	require.NoError(t, d.HandleChange(ctx, change(t, model.TableParticipants, changefeed.OpInsert,
		model.Participant{ConversationID: "c1", UserID: "carol", InvitedBy: "alice"})))
	require.Len(t, pub.got, 3)
	assert.Equal(t, model.NotifyConversationInvite, pub.got[2].Kind)

	require.NoError(t, d.HandleChange(ctx, change(t, model.TableConversations, changefeed.OpInsert, model.Conversation{ID: "c1"})))
	require.NoError(t, d.HandleChange(ctx, change(t, model.TableParticipants, changefeed.OpUpdate,
		model.Participant{ConversationID: "c1", UserID: "carol", InvitedBy: "alice"})))
	assert.Len(t, pub.got, 3)

	bad := changefeed.Change{Table: model.TableMessages, Op: changefeed.OpInsert, Record: json.RawMessage(`[`)}
	assert.Error(t, d.HandleChange(ctx, bad))
	assert.NoError(t, NewFeed(d).Publish(ctx, bad), "the in-process feed logs and skips")
}
