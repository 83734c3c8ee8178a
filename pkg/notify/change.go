package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mahaj/dupahar-chat/pkg/changefeed"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

// HandleChange dispatches the notifications a change-feed record calls for:
// message inserts notify the other participants, participant inserts made by
// someone else notify the invited user. Other changes are ignored.
// Only an undecodable record is reported as an error.
func (d *Dispatcher) HandleChange(ctx context.Context, c changefeed.Change) error {
	if c.Op != changefeed.OpInsert {
		return nil
	}
	switch c.Table {
	case model.TableMessages:
		var msg model.Message
		if err := json.Unmarshal(c.Record, &msg); err != nil {
			return fmt.Errorf("decode message change: %w", err)
		}
		d.DispatchMessage(ctx, msg)
	case model.TableParticipants:
		var p model.Participant
		if err := json.Unmarshal(c.Record, &p); err != nil {
			return fmt.Errorf("decode participant change: %w", err)
		}
		if p.InvitedBy == "" || p.InvitedBy == p.UserID {
			return nil
		}
		d.DispatchInvite(ctx, p.ConversationID, p.InvitedBy, []string{p.UserID})
	}
	return nil
}

// Feed runs the dispatcher synchronously on published changes. It stands in
// for the change-feed when everything runs in one process.
type Feed struct {
	d *Dispatcher
}

func NewFeed(d *Dispatcher) *Feed { return &Feed{d: d} }

func (f *Feed) Publish(ctx context.Context, changes ...changefeed.Change) error {
	for _, c := range changes {
		if err := f.d.HandleChange(ctx, c); err != nil {
			f.d.log.Warn().Err(err).Str("table", c.Table).Msg("skipping change")
		}
	}
	return nil
}
