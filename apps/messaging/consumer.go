package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/changefeed"
)

// ChangeHandler reacts to one committed change. *notify.Dispatcher satisfies it.
type ChangeHandler interface {
	HandleChange(ctx context.Context, c changefeed.Change) error
}

type changeSource interface {
	Run(ctx context.Context, fn func(context.Context, changefeed.Change) error) error
	Close() error
}

// Consumer feeds the shared change-feed consumer group into the notification
// dispatcher.
type Consumer struct {
	source  changeSource
	handler ChangeHandler
	log     zerolog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, handler ChangeHandler, log zerolog.Logger) *Consumer {
	return newConsumer(changefeed.NewReader(brokers, topic, groupID, log), handler, log)
}

func newConsumer(source changeSource, handler ChangeHandler, log zerolog.Logger) *Consumer {
	return &Consumer{
		source:  source,
		handler: handler,
		log:     log.With().Str("component", "consumer").Logger(),
	}
}

// Consume blocks until ctx is done.
func (c *Consumer) Consume(ctx context.Context) error {
	c.log.Info().Msg("Starting change-feed consumer")
	return c.source.Run(ctx, c.handle)
}

func (c *Consumer) handle(ctx context.Context, change changefeed.Change) error {
	c.log.Debug().
		Str("table", change.Table).
		Str("op", string(change.Op)).
		Str("actor", change.Actor).
		Msg("Received change")

	if err := c.handler.HandleChange(ctx, change); err != nil {
		// The reader still commits the offset.
		c.log.Error().Err(err).Str("table", change.Table).Msg("Failed to handle change")
		return err
	}
	return nil
}

func (c *Consumer) Close() error {
	return c.source.Close()
}
