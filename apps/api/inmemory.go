package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/changefeed"
	"github.com/mahaj/dupahar-chat/pkg/gateway"
	"github.com/mahaj/dupahar-chat/pkg/notify"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
	"github.com/mahaj/dupahar-chat/pkg/store"
	"github.com/mahaj/dupahar-chat/pkg/store/memstore"
)

// inMemory runs the store, the notification dispatcher and a gateway hub in
// the API process. Conversations only exist here, so a separate gateway could
// not authorize joins to them.
type inMemory struct {
	store *memstore.Store
	hub   *gateway.Hub
	relay *gateway.LocalRelay
	feed  *lateFeed
}

func newInMemory(ids *snowflake.Node, log zerolog.Logger) *inMemory {
	feed := &lateFeed{}
	mem := memstore.New(ids, store.NewFeed(feed, log))
	relay := gateway.NewLocalRelay()
	hub := gateway.NewHub(relay, mem, log)
	relay.Subscribe(hub.OnEnvelope)
	return &inMemory{store: mem, hub: hub, relay: relay, feed: feed}
}

// start runs the hub and hands every committed change to it and to a
// dispatcher publishing notifications into inbox. Call it before serving.
func (m *inMemory) start(ctx context.Context, inbox notify.Publisher, log zerolog.Logger) {
	m.feed.pub = changefeed.Fanout{m.hub, notify.NewFeed(notify.NewDispatcher(m.store, inbox, log))}
	go m.hub.Run(ctx)
}

// lateFeed lets the store and its consumers reference each other.
type lateFeed struct {
	pub changefeed.Publisher
}

func (f *lateFeed) Publish(ctx context.Context, changes ...changefeed.Change) error {
	if f.pub == nil {
		return nil
	}
	return f.pub.Publish(ctx, changes...)
}
