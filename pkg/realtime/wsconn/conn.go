// Package wsconn is the client side of the gateway websocket protocol. One
// Conn multiplexes every joined topic over a single gorilla websocket.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/realtime"
)

const writeWait = 10 * time.Second

var ErrConnClosed = errors.New("gateway connection closed")

// Conn implements realtime.Transport.
type Conn struct {
	ws  *websocket.Conn
	log zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	sinks   map[string]realtime.Sink
	pending map[string]chan realtime.Frame
	closed  bool

	ref  atomic.Uint64
	done chan struct{}
}

// Dial connects to the gateway websocket at url, authenticating with token.
func Dial(ctx context.Context, url, token string, log zerolog.Logger) (*Conn, error) {
	header := http.Header{}
	header.Add("Authorization", "Bearer "+token)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	c := &Conn{
		ws:      ws,
		log:     log.With().Str("component", "wsconn").Logger(),
		sinks:   make(map[string]realtime.Sink),
		pending: make(map[string]chan realtime.Frame),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Join(ctx context.Context, topic string, opts realtime.JoinOptions, sink realtime.Sink) (realtime.Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	if _, exists := c.sinks[topic]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("topic %s already joined", topic)
	}
	// Register before the reply so a presence snapshot sent right after the
	// join is not lost.
	c.sinks[topic] = sink
	c.mu.Unlock()

	reply, err := c.request(ctx, realtime.Frame{Type: realtime.FrameJoin, Topic: topic, Tables: opts.Tables})
	if err == nil && reply.Status != realtime.ReplyOK {
		err = fmt.Errorf("join %s rejected: %s", topic, reply.Message)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.sinks, topic)
		c.mu.Unlock()
		return nil, err
	}
	return &channel{conn: c, topic: topic}, nil
}

// Close closes the websocket. Every joined topic sees a CLOSED status.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return c.ws.Close()
}

func (c *Conn) request(ctx context.Context, f realtime.Frame) (realtime.Frame, error) {
	f.Ref = strconv.FormatUint(c.ref.Add(1), 10)
	wait := make(chan realtime.Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return realtime.Frame{}, ErrConnClosed
	}
	c.pending[f.Ref] = wait
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Ref)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return realtime.Frame{}, err
	}

	select {
	case reply, ok := <-wait:
		if !ok {
			return realtime.Frame{}, ErrConnClosed
		}
		return reply, nil
	case <-ctx.Done():
		return realtime.Frame{}, ctx.Err()
	}
}

func (c *Conn) write(f realtime.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *Conn) readLoop() {
	var cause error
	defer func() { c.shutdown(cause) }()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cause = err
			}
			return
		}

		var f realtime.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		if f.Type == realtime.FrameReply {
			c.mu.Lock()
			wait, ok := c.pending[f.Ref]
			c.mu.Unlock()
			if ok {
				wait <- f
			}
			continue
		}

		ev, ok := f.ToEvent()
		if !ok {
			continue
		}
		c.mu.Lock()
		sink := c.sinks[f.Topic]
		c.mu.Unlock()
		if sink != nil {
			sink(ev)
		}
	}
}

func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sinks := c.sinks
	c.sinks = make(map[string]realtime.Sink)
	for ref, wait := range c.pending {
		close(wait)
		delete(c.pending, ref)
	}
	c.mu.Unlock()
	close(c.done)

	state := realtime.StateClosed
	if cause != nil {
		state = realtime.StateError
		c.log.Warn().Err(cause).Msg("gateway connection lost")
	}
	for topic, sink := range sinks {
		sink(realtime.Event{Kind: realtime.EventStatus, Topic: topic, Status: state, Err: cause})
	}
}

type channel struct {
	conn  *Conn
	topic string
}

func (ch *channel) Broadcast(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return ch.conn.write(realtime.Frame{Type: realtime.FrameBroadcast, Topic: ch.topic, Event: event, Payload: data})
}

func (ch *channel) Track(ctx context.Context, rec model.PresenceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ch.conn.write(realtime.Frame{Type: realtime.FrameTrack, Topic: ch.topic, Payload: data})
}

func (ch *channel) Leave(ctx context.Context) error {
	ch.conn.mu.Lock()
	delete(ch.conn.sinks, ch.topic)
	ch.conn.mu.Unlock()

	_, err := ch.conn.request(ctx, realtime.Frame{Type: realtime.FrameLeave, Topic: ch.topic})
	if errors.Is(err, ErrConnClosed) {
		return nil
	}
	return err
}
