package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/realtime"
)

const (
	inboxTTL     = 30 * 24 * time.Hour
	inboxMaxLen  = 500
	defaultLimit = 50
)

// Broadcaster publishes a broadcast on a topic. *redisrelay.Relay satisfies it.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic, event string, payload any) error
}

// Inbox keeps each user's notifications in a capped Redis list and pushes new
// ones on the user's notification channel.
type Inbox struct {
	rdb   *redis.Client
	relay Broadcaster
}

func NewInbox(rdb *redis.Client, relay Broadcaster) *Inbox {
	return &Inbox{rdb: rdb, relay: relay}
}

func inboxKey(userID string) string { return fmt.Sprintf("notif:%s", userID) }

// Publish stores n and broadcasts it as new_notification.
func (i *Inbox) Publish(ctx context.Context, n model.NotificationEvent) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	key := inboxKey(n.RecipientUserID)
	pipe := i.rdb.TxPipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, inboxMaxLen-1)
	pipe.Expire(ctx, key, inboxTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store notification: %w", err)
	}
	if i.relay == nil {
		return nil
	}
	return i.relay.Broadcast(ctx, realtime.NotificationTopic(n.RecipientUserID), model.EventNewNotification, n)
}

// List returns the most recent notifications of userID, newest first.
func (i *Inbox) List(ctx context.Context, userID string, limit int64) ([]model.NotificationEvent, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	vals, err := i.rdb.LRange(ctx, inboxKey(userID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	out := make([]model.NotificationEvent, 0, len(vals))
	for _, v := range vals {
		var n model.NotificationEvent
		if json.Unmarshal([]byte(v), &n) == nil {
			out = append(out, n)
		}
	}
	return out, nil
}
