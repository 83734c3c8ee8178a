package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/dupahar-chat/pkg/apiclient"
	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/realtime"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
	"github.com/mahaj/dupahar-chat/pkg/store"
	"github.com/mahaj/dupahar-chat/pkg/store/memstore"
)

type broadcast struct {
	topic, event string
	payload      any
}

type recordingRelay struct {
	mu   sync.Mutex
	sent []broadcast
	recs map[string][]model.PresenceRecord
}

func (r *recordingRelay) Broadcast(ctx context.Context, topic, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, broadcast{topic, event, payload})
	return nil
}

func (r *recordingRelay) Presence(ctx context.Context, topic string) ([]model.PresenceRecord, error) {
	return r.recs[topic], nil
}

func (r *recordingRelay) topics(event string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, b := range r.sent {
		if b.event == event {
			out = append(out, b.topic)
		}
	}
	return out
}

type fakeInbox struct {
	items map[string][]model.NotificationEvent
}

func (f fakeInbox) List(ctx context.Context, userID string, limit int64) ([]model.NotificationEvent, error) {
	return f.items[userID], nil
}

type fixture struct {
	t      *testing.T
	server *httptest.Server
	signer *auth.Signer
	relay  *recordingRelay
	store  *memstore.Store
}

func newFixture(t *testing.T) *fixture {
	ids, err := snowflake.NewNode(1)
	require.NoError(t, err)
	st := memstore.New(ids, nil)
	signer := auth.NewSigner("test-secret", time.Hour)
	relay := &recordingRelay{recs: map[string][]model.PresenceRecord{}}
	inbox := fakeInbox{items: map[string][]model.NotificationEvent{
		"bob": {{ID: "n1", RecipientUserID: "bob", Kind: model.NotifyDirectMessage, Title: "Alice", Body: "ping"}},
	}}

	srv := httptest.NewServer(NewServer(st, signer, relay, relay, inbox, zerolog.Nop()).Routes())
	t.Cleanup(srv.Close)
	return &fixture{t: t, server: srv, signer: signer, relay: relay, store: st}
}

func (f *fixture) do(user, method, path string, body any) *http.Response {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(f.t, err)
	if user != "" {
		tok, err := f.signer.GenerateToken(user, user)
		require.NoError(f.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) direct(a, b string) model.Conversation {
	resp := f.do(a, http.MethodPost, "/conversations", apiclient.CreateConversationRequest{
		Kind:    model.KindDirect,
		Members: []store.Member{{UserID: b, DisplayName: b}},
	})
	require.Equal(f.t, http.StatusCreated, resp.StatusCode)
	return decodeBody[model.Conversation](f.t, resp)
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	resp := f.do("", http.MethodPost, "/login", apiclient.LoginRequest{UserID: "alice", DisplayName: "Alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[apiclient.LoginResponse](t, resp)

	claims, err := f.signer.ValidateToken(out.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "Alice", claims.DisplayName)

	resp = f.do("", http.MethodPost, "/login", apiclient.LoginRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	resp := f.do("", http.MethodGet, "/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSendMessageBroadcastsOnBothChannels(t *testing.T) {
	f := newFixture(t)
	conv := f.direct("alice", "bob")

	resp := f.do("alice", http.MethodPost, "/conversations/"+conv.ID+"/messages", apiclient.SendMessageRequest{Content: "ping"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decodeBody[model.Message](t, resp)

	assert.Equal(t, "ping", msg.Content)
	assert.Equal(t, "alice", msg.AuthorID)
	assert.False(t, model.IsTempID(msg.ID))
	assert.False(t, msg.CreatedAt.IsZero())

	assert.Equal(t, []string{realtime.ConversationTopic(conv.ID)}, f.relay.topics(model.EventNewMessage))
	assert.ElementsMatch(t, []string{
		realtime.ConversationUpdatesTopic("alice"),
		realtime.ConversationUpdatesTopic("bob"),
		// from creation
		realtime.ConversationUpdatesTopic("alice"),
		realtime.ConversationUpdatesTopic("bob"),
	}, f.relay.topics(model.EventConversationUpdated))
}

func TestSendMessageErrors(t *testing.T) {
	f := newFixture(t)
	conv := f.direct("alice", "bob")

	tests := []struct {
		name   string
		user   string
		path   string
		body   any
		status int
	}{
		{"outsider", "carol", "/conversations/" + conv.ID + "/messages", apiclient.SendMessageRequest{Content: "hi"}, http.StatusForbidden},
		{"unknown conversation", "alice", "/conversations/nope/messages", apiclient.SendMessageRequest{Content: "hi"}, http.StatusNotFound},
		{"empty content", "alice", "/conversations/" + conv.ID + "/messages", apiclient.SendMessageRequest{Content: "  "}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(tt.user, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decodeBody[apiclient.ErrorBody](t, resp)
			assert.NotEmpty(t, body.Error.Code)
		})
	}
	assert.Empty(t, f.relay.topics(model.EventNewMessage))
}

func TestListAndReadConversations(t *testing.T) {
	f := newFixture(t)
	conv := f.direct("alice", "bob")
	for _, text := range []string{"one", "two"} {
		resp := f.do("alice", http.MethodPost, "/conversations/"+conv.ID+"/messages", apiclient.SendMessageRequest{Content: text})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := f.do("bob", http.MethodGet, "/conversations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[[]model.Conversation](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].UnreadCount)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "two", list[0].LastMessage.Content)

	resp = f.do("bob", http.MethodPost, "/conversations/"+conv.ID+"/read", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do("bob", http.MethodGet, "/conversations/"+conv.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	full := decodeBody[model.Conversation](t, resp)
	assert.Equal(t, 0, full.UnreadCount)
	require.Len(t, full.Messages, 2)
	assert.Equal(t, "one", full.Messages[0].Content)
}

func TestAddParticipants(t *testing.T) {
	f := newFixture(t)
	name := "team"
	resp := f.do("alice", http.MethodPost, "/conversations", apiclient.CreateConversationRequest{
		Kind: model.KindGroup, Name: &name, Members: []store.Member{{UserID: "bob"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conv := decodeBody[model.Conversation](t, resp)

	resp = f.do("alice", http.MethodPost, "/conversations/"+conv.ID+"/participants", apiclient.AddParticipantsRequest{
		Members: []store.Member{{UserID: "bob"}, {UserID: "carol", DisplayName: "Carol"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	added := decodeBody[[]model.Participant](t, resp)
	require.Len(t, added, 1)
	assert.Equal(t, "carol", added[0].UserID)
	assert.Equal(t, "alice", added[0].InvitedBy)
}

func TestPresenceAuthorization(t *testing.T) {
	f := newFixture(t)
	conv := f.direct("alice", "bob")
	topic := realtime.ConversationTopic(conv.ID)
	f.relay.recs[topic] = []model.PresenceRecord{{UserID: "alice", Username: "Alice"}}

	resp := f.do("bob", http.MethodGet, "/channels/"+topic+"/presence", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	recs := decodeBody[[]model.PresenceRecord](t, resp)
	require.Len(t, recs, 1)
	assert.Equal(t, "alice", recs[0].UserID)

	assert.Equal(t, http.StatusForbidden, f.do("carol", http.MethodGet, "/channels/"+topic+"/presence", nil).StatusCode)
	assert.Equal(t, http.StatusForbidden, f.do("carol", http.MethodGet, "/channels/"+realtime.NotificationTopic("bob")+"/presence", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do("carol", http.MethodGet, "/channels/general/presence", nil).StatusCode)
}

func TestNotifications(t *testing.T) {
	f := newFixture(t)

	resp := f.do("bob", http.MethodGet, "/notifications?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := decodeBody[[]model.NotificationEvent](t, resp)
	require.Len(t, items, 1)
	assert.Equal(t, "ping", items[0].Body)

	resp = f.do("alice", http.MethodGet, "/notifications", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody[[]model.NotificationEvent](t, resp))
}
