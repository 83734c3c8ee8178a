// Package changefeed carries row-level inserts from the store to every
// process that needs them, over a Kafka topic.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/dupahar-chat/pkg/metrics"
)

const DefaultTopic = "chat-changes"

type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
)

// Change is one committed row. Audience lists the users allowed to see it;
// an empty audience means everyone subscribed to the table.
type Change struct {
	Table       string          `json:"table"`
	Op          Op              `json:"op"`
	Record      json.RawMessage `json:"record"`
	Audience    []string        `json:"audience,omitempty"`
	CommittedAt time.Time       `json:"committed_at"`
	// Actor is the user whose action produced the change, when known.
	Actor string `json:"actor,omitempty"`
}

// NewChange marshals record into a Change.
func NewChange(table string, op Op, record any, audience []string, actor string, at time.Time) (Change, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return Change{}, fmt.Errorf("marshal %s record: %w", table, err)
	}
	return Change{Table: table, Op: op, Record: data, Audience: audience, CommittedAt: at.UTC(), Actor: actor}, nil
}

// Publisher is implemented by Writer and by in-process fakes.
type Publisher interface {
	Publish(ctx context.Context, changes ...Change) error
}

// Fanout publishes to each publisher in turn. Every publisher is tried; the
// errors of those that fail are joined.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, changes ...Change) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, changes...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Writer struct {
	w   *kafka.Writer
	log zerolog.Logger
}

func NewWriter(brokers []string, topic string, log zerolog.Logger) *Writer {
	return &Writer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		log: log.With().Str("component", "changefeed-writer").Str("topic", topic).Logger(),
	}
}

// Publish writes changes keyed by key, so one conversation's changes stay in order.
func (w *Writer) Publish(ctx context.Context, changes ...Change) error {
	msgs := make([]kafka.Message, 0, len(changes))
	for _, c := range changes {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Key: []byte(partitionKey(c)), Value: data})
	}
	if err := w.w.WriteMessages(ctx, msgs...); err != nil {
		for _, c := range changes {
			metrics.RecordChange(c.Table, "publish_error")
		}
		return fmt.Errorf("publish changes: %w", err)
	}
	for _, c := range changes {
		metrics.RecordChange(c.Table, "published")
	}
	return nil
}

func (w *Writer) Close() error { return w.w.Close() }

func partitionKey(c Change) string {
	var keys struct {
		ConversationID string `json:"conversation_id"`
		ID             string `json:"id"`
	}
	_ = json.Unmarshal(c.Record, &keys)
	if keys.ConversationID != "" {
		return keys.ConversationID
	}
	return keys.ID
}

type Reader struct {
	r   *kafka.Reader
	log zerolog.Logger
}

// NewReader joins groupID. Processes that must each see every change use a
// group of their own; workers that share the load use a common one.
func NewReader(brokers []string, topic, groupID string, log zerolog.Logger) *Reader {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     250 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	})
	return &Reader{
		r:   r,
		log: log.With().Str("component", "changefeed-reader").Str("group", groupID).Logger(),
	}
}

// Run hands each change to fn and commits it afterwards, until ctx is done.
// Delivery is at-least-once.
func (r *Reader) Run(ctx context.Context, fn func(context.Context, Change) error) error {
	for {
		m, err := r.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			r.log.Warn().Err(err).Msg("fetch failed, retrying in 1s")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		var c Change
		if err := json.Unmarshal(m.Value, &c); err != nil {
			r.log.Warn().Err(err).Int64("offset", m.Offset).Msg("skipping malformed change")
			metrics.RecordChange("unknown", "malformed")
		} else if err := fn(ctx, c); err != nil {
			r.log.Error().Err(err).Str("table", c.Table).Int64("offset", m.Offset).Msg("change handler failed")
			metrics.RecordChange(c.Table, "handler_error")
		} else {
			metrics.RecordChange(c.Table, "consumed")
		}

		if err := r.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			r.log.Warn().Err(err).Int64("offset", m.Offset).Msg("commit failed")
		}
	}
}

func (r *Reader) Close() error { return r.r.Close() }
