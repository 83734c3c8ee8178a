package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/realtime"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer.
	maxMessageSize = 64 * 1024

	// Time allowed for one inbound frame to be handled.
	handleTimeout = 5 * time.Second

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send   chan []byte
	mu     sync.Mutex
	closed bool

	// id identifies the connection; userID comes from its token.
	id          string
	userID      string
	displayName string

	log zerolog.Logger
}

// enqueue queues f for the write pump. A client that cannot keep up is
// disconnected.
func (c *Client) enqueue(f realtime.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.log.Error().Err(err).Str("type", string(f.Type)).Msg("encode frame")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
		metrics.RecordFrame("out", string(f.Type))
	default:
		c.log.Warn().Msg("send buffer full, dropping client")
		c.closed = true
		close(c.send)
	}
}

// stampTyping rewrites a typing payload to name the connection's user.
func (c *Client) stampTyping(payload json.RawMessage) (json.RawMessage, error) {
	var p model.TypingPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode typing: %w", err)
		}
	}
	p.UserID = c.userID
	if p.Username == "" {
		p.Username = c.displayName
	}
	return json.Marshal(p)
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps frames from the websocket connection to the hub.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-ctx.Done():
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}

		var f realtime.Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed frame")
			metrics.RecordFrame("in", "malformed")
			continue
		}
		metrics.RecordFrame("in", string(f.Type))

		hctx, cancel := context.WithTimeout(ctx, handleTimeout)
		c.handle(hctx, f)
		cancel()
	}
}

func (c *Client) handle(ctx context.Context, f realtime.Frame) {
	var err error
	switch f.Type {
	case realtime.FrameJoin:
		err = c.hub.Join(ctx, c, f.Topic, f.Tables)
		c.reply(f, err)
		if err == nil {
			c.hub.SendSnapshot(ctx, c, f.Topic)
		}
		return
	case realtime.FrameLeave:
		c.hub.Leave(ctx, c, f.Topic)
	case realtime.FrameBroadcast:
		err = c.hub.Broadcast(ctx, c, f.Topic, f.Event, f.Payload)
	case realtime.FrameTrack:
		err = c.hub.Track(ctx, c, f.Topic, f.Payload)
	case realtime.FrameUntrack:
		err = c.hub.Untrack(ctx, c, f.Topic)
	case realtime.FramePing:
		c.enqueue(realtime.Frame{Type: realtime.FramePong, Ref: f.Ref})
		return
	default:
		c.log.Debug().Str("type", string(f.Type)).Msg("ignoring unknown frame")
		return
	}

	if f.Ref != "" {
		c.reply(f, err)
	} else if err != nil {
		c.log.Warn().Err(err).Str("type", string(f.Type)).Str("topic", f.Topic).Msg("frame rejected")
	}
}

func (c *Client) reply(f realtime.Frame, err error) {
	r := realtime.Frame{Type: realtime.FrameReply, Topic: f.Topic, Ref: f.Ref, Status: realtime.ReplyOK}
	if err != nil {
		r.Status, r.Message = realtime.ReplyError, err.Error()
		c.log.Info().Err(err).Str("type", string(f.Type)).Str("topic", f.Topic).Msg("request rejected")
	}
	c.enqueue(r)
}

// writePump pumps frames from the hub to the websocket connection, one frame
// per websocket message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs authenticates the peer and hands its connection to the hub.
func ServeWs(ctx context.Context, hub *Hub, signer *auth.Signer, w http.ResponseWriter, r *http.Request) {
	tokenString, err := auth.TokenFromRequest(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := signer.ValidateToken(tokenString)
	if err != nil {
		hub.log.Info().Err(err).Msg("Unauthorized: invalid token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn().Err(err).Msg("upgrade")
		return
	}

	id := uuid.NewString()
	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		id:          id,
		userID:      claims.UserID,
		displayName: claims.DisplayName,
		log:         hub.log.With().Str("conn_id", id).Str("user_id", claims.UserID).Logger(),
	}
	select {
	case client.hub.register <- client:
	case <-ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(ctx)
}

// Handler serves websocket upgrades for hub until ctx is done.
func Handler(ctx context.Context, hub *Hub, signer *auth.Signer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(ctx, hub, signer, w, r)
	})
}
