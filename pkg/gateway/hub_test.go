package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/changefeed"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/realtime"
	"github.com/mahaj/dupahar-chat/pkg/realtime/wsconn"
)

// refreshCounter records presence refreshes on top of the in-process relay.
type refreshCounter struct {
	*LocalRelay
	mu        sync.Mutex
	refreshed []string
}

func (r *refreshCounter) RefreshPresence(ctx context.Context, topic string, rec model.PresenceRecord) error {
	r.mu.Lock()
	r.refreshed = append(r.refreshed, topic+"/"+rec.UserID)
	r.mu.Unlock()
	return r.LocalRelay.RefreshPresence(ctx, topic, rec)
}

func (r *refreshCounter) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.refreshed)
}

type members map[string][]string

func (m members) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	return slices.Contains(m[conversationID], userID), nil
}

// recorder collects the events delivered to one joined topic.
type recorder struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *recorder) sink(ev realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) of(kind realtime.EventKind) []realtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []realtime.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type gatewayFixture struct {
	t      *testing.T
	ctx    context.Context
	hub    *Hub
	relay  *refreshCounter
	signer *auth.Signer
	url    string
}

func newGateway(t *testing.T, m members) *gatewayFixture {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	relay := &refreshCounter{LocalRelay: NewLocalRelay()}
	hub := NewHub(relay, m, zerolog.Nop())
	relay.Subscribe(hub.OnEnvelope)
	go hub.Run(ctx)

	signer := auth.NewSigner("test-secret", time.Hour)
	srv := httptest.NewServer(Handler(ctx, hub, signer))
	t.Cleanup(srv.Close)

	return &gatewayFixture{t: t, ctx: ctx, hub: hub, relay: relay, signer: signer, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (g *gatewayFixture) dial(userID string) *wsconn.Conn {
	token, err := g.signer.GenerateToken(userID, strings.ToUpper(userID))
	require.NoError(g.t, err)
	conn, err := wsconn.Dial(g.ctx, g.url, token, zerolog.Nop())
	require.NoError(g.t, err)
	g.t.Cleanup(func() { conn.Close() })
	return conn
}

func (g *gatewayFixture) join(conn *wsconn.Conn, topic string, tables ...string) (realtime.Channel, *recorder) {
	rec := &recorder{}
	ch, err := conn.Join(g.ctx, topic, realtime.JoinOptions{Tables: tables}, rec.sink)
	require.NoError(g.t, err)
	return ch, rec
}

func TestServeWsRejectsMissingToken(t *testing.T) {
	g := newGateway(t, members{})
	_, err := wsconn.Dial(g.ctx, g.url, "not-a-token", zerolog.Nop())
	require.Error(t, err)
}

func TestJoinAuthorization(t *testing.T) {
	g := newGateway(t, members{"c1": {"alice", "bob"}})
	conn := g.dial("alice")

	tests := []struct {
		topic string
		ok    bool
	}{
		{realtime.ConversationTopic("c1"), true},
		{realtime.ConversationTopic("c2"), false},
		{realtime.ConversationListTopic("alice"), true},
		{realtime.ConversationListTopic("bob"), false},
		{realtime.ConversationUpdatesTopic("alice"), true},
		{realtime.NotificationTopic("bob"), false},
		{"lobby", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			ch, err := conn.Join(g.ctx, tt.topic, realtime.JoinOptions{}, func(realtime.Event) {})
			if !tt.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NoError(t, ch.Leave(g.ctx))
		})
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	g := newGateway(t, members{"c1": {"alice", "bob"}})
	topic := realtime.ConversationTopic("c1")

	aliceCh, aliceRec := g.join(g.dial("alice"), topic)
	_, bobRec := g.join(g.dial("bob"), topic)

	require.NoError(t, aliceCh.Broadcast(g.ctx, model.EventTyping, model.TypingPayload{UserID: "alice", Username: "ALICE", IsTyping: true}))

	require.Eventually(t, func() bool { return len(bobRec.of(realtime.EventBroadcast)) == 1 }, time.Second, 10*time.Millisecond)
	ev := bobRec.of(realtime.EventBroadcast)[0]
	assert.Equal(t, model.EventTyping, ev.Name)

	var p model.TypingPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, "alice", p.UserID)
	assert.True(t, p.IsTyping)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, aliceRec.of(realtime.EventBroadcast))
}

func TestPresenceTrackAndDisconnect(t *testing.T) {
	g := newGateway(t, members{"c1": {"alice", "bob"}})
	topic := realtime.ConversationTopic("c1")

	aliceConn := g.dial("alice")
	aliceCh, _ := g.join(aliceConn, topic)
	_, bobRec := g.join(g.dial("bob"), topic)

	// The user id on the wire is ignored in favour of the token's.
	require.NoError(t, aliceCh.Track(g.ctx, model.PresenceRecord{UserID: "mallory", Username: "alice", OnlineAt: time.Now().UTC()}))

	require.Eventually(t, func() bool {
		syncs := bobRec.of(realtime.EventPresenceSync)
		return len(syncs) > 0 && len(syncs[len(syncs)-1].Presences) == 1
	}, time.Second, 10*time.Millisecond)
	joins := bobRec.of(realtime.EventPresenceJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "alice", joins[0].Presences[0].UserID)

	require.NoError(t, aliceConn.Close())

	require.Eventually(t, func() bool { return len(bobRec.of(realtime.EventPresenceLeave)) == 1 }, time.Second, 10*time.Millisecond)
	syncs := bobRec.of(realtime.EventPresenceSync)
	assert.Empty(t, syncs[len(syncs)-1].Presences)
}

func TestJoinReceivesPresenceSnapshot(t *testing.T) {
	g := newGateway(t, members{"c1": {"alice", "bob"}})
	topic := realtime.ConversationTopic("c1")

	aliceCh, _ := g.join(g.dial("alice"), topic)
	require.NoError(t, aliceCh.Track(g.ctx, model.PresenceRecord{Username: "ALICE"}))

	// Wait for alice's own presence to land before bob joins.
	require.Eventually(t, func() bool {
		recs, _ := g.hub.relay.Presence(g.ctx, topic)
		return len(recs) == 1
	}, time.Second, 10*time.Millisecond)

	_, bobRec := g.join(g.dial("bob"), topic)
	require.Eventually(t, func() bool { return len(bobRec.of(realtime.EventPresenceSync)) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "alice", bobRec.of(realtime.EventPresenceSync)[0].Presences[0].UserID)
}

func TestOnChangeFiltersByTableAndAudience(t *testing.T) {
	g := newGateway(t, members{"c1": {"alice", "bob"}})

	_, aliceMsgs := g.join(g.dial("alice"), realtime.ConversationTopic("c1"), model.TableMessages)
	_, bobList := g.join(g.dial("bob"), realtime.ConversationListTopic("bob"), model.TableParticipants, model.TableConversations)
	_, carolList := g.join(g.dial("carol"), realtime.ConversationListTopic("carol"), model.TableMessages)

	msg := model.Message{ID: "1", ConversationID: "c1", AuthorID: "bob", Content: "hi", CreatedAt: time.Now().UTC()}
	change, err := changefeed.NewChange(model.TableMessages, changefeed.OpInsert, msg, []string{"alice", "bob"}, "bob", msg.CreatedAt)
	require.NoError(t, err)
	require.NoError(t, g.hub.OnChange(g.ctx, change))

	update, err := changefeed.NewChange(model.TableMessages, changefeed.OpUpdate, msg, nil, "bob", msg.CreatedAt)
	require.NoError(t, err)
	require.NoError(t, g.hub.OnChange(g.ctx, update))

	require.Eventually(t, func() bool { return len(aliceMsgs.of(realtime.EventInsert)) == 1 }, time.Second, 10*time.Millisecond)
	ev := aliceMsgs.of(realtime.EventInsert)[0]
	assert.Equal(t, model.TableMessages, ev.Table)
	assert.JSONEq(t, string(change.Record), string(ev.Payload))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, bobList.of(realtime.EventInsert), "bob did not ask for messages")
	assert.Empty(t, carolList.of(realtime.EventInsert), "carol is not in the audience")
}

func TestBroadcastBeforeJoinIsRejected(t *testing.T) {
	g := newGateway(t, members{"c1": {"alice"}})
	c := &Client{hub: g.hub, id: "x", userID: "alice", send: make(chan []byte, 1)}

	err := g.hub.Broadcast(g.ctx, c, realtime.ConversationTopic("c1"), model.EventTyping, nil)
	assert.ErrorIs(t, err, ErrNotJoined)
	assert.ErrorIs(t, g.hub.Track(g.ctx, c, realtime.ConversationTopic("c1"), nil), ErrNotJoined)
}

func TestSlowClientIsDropped(t *testing.T) {
	c := &Client{id: "x", send: make(chan []byte, 1), log: zerolog.Nop()}
	c.enqueue(realtime.Frame{Type: realtime.FramePong})
	c.enqueue(realtime.Frame{Type: realtime.FramePong})

	assert.True(t, c.closed)
	<-c.send
	_, ok := <-c.send
	assert.False(t, ok)

	// Closing again must not panic.
	c.closeSend()
}

func TestTypingCarriesConnectionIdentity(t *testing.T) {
	g := newGateway(t, members{"c1": {"alice", "bob"}})
	topic := realtime.ConversationTopic("c1")

	aliceCh, _ := g.join(g.dial("alice"), topic)
	_, bobRec := g.join(g.dial("bob"), topic)

	require.NoError(t, aliceCh.Broadcast(g.ctx, model.EventTyping, model.TypingPayload{UserID: "bob", IsTyping: true}))

	require.Eventually(t, func() bool { return len(bobRec.of(realtime.EventBroadcast)) == 1 }, time.Second, 10*time.Millisecond)
	var p model.TypingPayload
	require.NoError(t, json.Unmarshal(bobRec.of(realtime.EventBroadcast)[0].Payload, &p))
	assert.Equal(t, model.TypingPayload{UserID: "alice", Username: "ALICE", IsTyping: true}, p)

	c := &Client{hub: g.hub, id: "x", userID: "alice", send: make(chan []byte, 4), log: zerolog.Nop()}
	require.NoError(t, g.hub.Join(g.ctx, c, topic, nil))
	assert.Error(t, g.hub.Broadcast(g.ctx, c, topic, model.EventTyping, json.RawMessage(`"typing"`)))
}

func TestHeartbeatRefreshesTrackedPresence(t *testing.T) {
	g := newGateway(t, members{"c1": {"alice", "bob"}})
	topic := realtime.ConversationTopic("c1")

	aliceCh, _ := g.join(g.dial("alice"), topic)
	aliceTab2, _ := g.join(g.dial("alice"), topic)
	g.join(g.dial("bob"), topic)

	require.NoError(t, aliceCh.Track(g.ctx, model.PresenceRecord{Username: "ALICE"}))
	require.NoError(t, aliceTab2.Track(g.ctx, model.PresenceRecord{Username: "ALICE"}))
	require.Eventually(t, func() bool {
		recs, _ := g.relay.Presence(g.ctx, topic)
		return len(recs) == 1
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(g.ctx)
	defer cancel()
	go g.hub.Heartbeat(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(g.relay.calls()) >= 2 }, time.Second, 5*time.Millisecond)
	for _, call := range g.relay.calls() {
		assert.Equal(t, topic+"/alice", call, "bob never tracked and alice's tabs refresh once")
	}
}

func TestHubPublishDeliversInserts(t *testing.T) {
	g := newGateway(t, members{"c1": {"alice"}})
	_, rec := g.join(g.dial("alice"), realtime.ConversationTopic("c1"), model.TableMessages)

	msg := model.Message{ID: "1", ConversationID: "c1", AuthorID: "alice", Content: "hi", CreatedAt: time.Now().UTC()}
	change, err := changefeed.NewChange(model.TableMessages, changefeed.OpInsert, msg, []string{"alice"}, "alice", msg.CreatedAt)
	require.NoError(t, err)

	var pub changefeed.Publisher = g.hub
	require.NoError(t, pub.Publish(g.ctx, change))
	require.Eventually(t, func() bool { return len(rec.of(realtime.EventInsert)) == 1 }, time.Second, 10*time.Millisecond)
}

func TestLocalRelayServerBroadcastReachesEveryMember(t *testing.T) {
	g := newGateway(t, members{})
	topic := realtime.NotificationTopic("alice")
	_, first := g.join(g.dial("alice"), topic)
	_, second := g.join(g.dial("alice"), topic)

	require.NoError(t, g.relay.Broadcast(g.ctx, topic, model.EventNewNotification, map[string]string{"id": "n1"}))

	for _, rec := range []*recorder{first, second} {
		require.Eventually(t, func() bool { return len(rec.of(realtime.EventBroadcast)) == 1 }, time.Second, 10*time.Millisecond)
		assert.JSONEq(t, `{"id":"n1"}`, string(rec.of(realtime.EventBroadcast)[0].Payload))
	}

	assert.ErrorContains(t, g.relay.Broadcast(g.ctx, topic, "bad", func() {}), "marshal")
}
