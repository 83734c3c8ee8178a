package realtime

import (
	"context"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// JoinOptions tells the transport which change-feed tables the channel wants
// insert events for.
type JoinOptions struct {
	Tables []string
}

// Transport is the pub/sub connection underneath the Manager.
//
// Join returns once the transport acknowledged the join. Inbound events and
// asynchronous disconnects (an EventStatus with a terminal State) are passed to
// sink until the returned Channel is left.
type Transport interface {
	Join(ctx context.Context, topic string, opts JoinOptions, sink Sink) (Channel, error)
}

// Channel is one joined topic on a Transport.
type Channel interface {
	Broadcast(ctx context.Context, event string, payload any) error
	Track(ctx context.Context, rec model.PresenceRecord) error
	Leave(ctx context.Context) error
}
