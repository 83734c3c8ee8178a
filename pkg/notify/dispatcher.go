// Package notify computes who is notified about a persisted message or an
// invite, and fans one NotificationEvent out per recipient.
//
// Dispatch never fails the write that triggered it: every error is logged
// and swallowed.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

// ConversationSource resolves a conversation with its participants.
type ConversationSource interface {
	ConversationWithParticipants(ctx context.Context, conversationID string) (*model.Conversation, error)
}

// Publisher delivers one notification on its recipient's channel.
type Publisher interface {
	Publish(ctx context.Context, n model.NotificationEvent) error
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func WithIDs(newID func() string) Option { return func(d *Dispatcher) { d.newID = newID } }

type Dispatcher struct {
	convs ConversationSource
	pub   Publisher
	now   func() time.Time
	newID func() string
	log   zerolog.Logger
}

func NewDispatcher(convs ConversationSource, pub Publisher, log zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		convs: convs,
		pub:   pub,
		now:   time.Now,
		newID: uuid.NewString,
		log:   log.With().Str("component", "notification-dispatcher").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchMessage notifies every participant except the author of msg.
// It returns the number of notifications published.
func (d *Dispatcher) DispatchMessage(ctx context.Context, msg model.Message) int {
	log := d.log.With().Str("conversation_id", msg.ConversationID).Str("message_id", msg.ID).Logger()

	conv, err := d.convs.ConversationWithParticipants(ctx, msg.ConversationID)
	if err != nil {
		log.Error().Err(err).Msg("resolve conversation for notifications")
		metrics.RecordNotification("message", "error")
		return 0
	}
	return d.publishAll(ctx, log, BuildMessageNotifications(conv, msg, d.now().UTC(), d.newID))
}

// DispatchInvite notifies each invited user that inviterID added them to the
// conversation.
func (d *Dispatcher) DispatchInvite(ctx context.Context, conversationID, inviterID string, invited []string) int {
	log := d.log.With().Str("conversation_id", conversationID).Str("inviter_id", inviterID).Logger()
	if len(invited) == 0 {
		return 0
	}

	conv, err := d.convs.ConversationWithParticipants(ctx, conversationID)
	if err != nil {
		log.Error().Err(err).Msg("resolve conversation for invite notifications")
		metrics.RecordNotification(string(model.NotifyConversationInvite), "error")
		return 0
	}
	// Opening a direct conversation is not an invite.
	if conv.Kind == model.KindDirect {
		return 0
	}
	return d.publishAll(ctx, log, BuildInviteNotifications(conv, inviterID, invited, d.now().UTC(), d.newID))
}

func (d *Dispatcher) publishAll(ctx context.Context, log zerolog.Logger, events []model.NotificationEvent) int {
	sent := 0
	for _, n := range events {
		if err := d.pub.Publish(ctx, n); err != nil {
			log.Error().Err(err).
				Str("recipient_id", n.RecipientUserID).
				Str("kind", string(n.Kind)).
				Msg("publish notification")
			metrics.RecordNotification(string(n.Kind), "error")
			continue
		}
		metrics.RecordNotification(string(n.Kind), "ok")
		sent++
	}
	log.Debug().Int("sent", sent).Int("recipients", len(events)).Msg("notifications dispatched")
	return sent
}

// BuildMessageNotifications returns one notification per participant other
// than the author. Mentioned participants get a MENTION; everyone else gets the
// kind of the conversation.
func BuildMessageNotifications(conv *model.Conversation, msg model.Message, now time.Time, newID func() string) []model.NotificationEvent {
	sender := senderName(conv, msg.AuthorID, msg.AuthorName)
	tokens := ExtractMentions(msg.Content)
	kind := model.NotificationKindFor(conv.Kind)
	body := Truncate(msg.Content, BodyLimit)

	var out []model.NotificationEvent
	for _, p := range conv.Participants {
		if p.UserID == msg.AuthorID {
			continue
		}
		n := model.NotificationEvent{
			ID:              newID(),
			RecipientUserID: p.UserID,
			Kind:            kind,
			Title:           messageTitle(conv, sender),
			Body:            body,
			Metadata: model.NotificationMetadata{
				ConversationID: conv.ID,
				MessageID:      msg.ID,
				SenderID:       msg.AuthorID,
			},
			CreatedAt: now,
		}
		if Mentioned(p, tokens) {
			n.Kind = model.NotifyMention
			n.Title = fmt.Sprintf("%s mentioned you in %s", sender, conversationLabel(conv))
		}
		out = append(out, n)
	}
	return out
}

// BuildInviteNotifications returns one CONVERSATION_INVITE per invited user.
// The inviter is never notified about their own action.
func BuildInviteNotifications(conv *model.Conversation, inviterID string, invited []string, now time.Time, newID func() string) []model.NotificationEvent {
	inviter := senderName(conv, inviterID, "")
	seen := make(map[string]struct{}, len(invited))

	var out []model.NotificationEvent
	for _, uid := range invited {
		if uid == "" || uid == inviterID {
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, model.NotificationEvent{
			ID:              newID(),
			RecipientUserID: uid,
			Kind:            model.NotifyConversationInvite,
			Title:           fmt.Sprintf("%s added you to %s", inviter, conversationLabel(conv)),
			Body:            "You were invited to join the conversation",
			Metadata: model.NotificationMetadata{
				ConversationID: conv.ID,
				SenderID:       inviterID,
			},
			CreatedAt: now,
		})
	}
	return out
}

func messageTitle(conv *model.Conversation, sender string) string {
	if conv.Kind == model.KindDirect {
		return sender
	}
	return fmt.Sprintf("%s in %s", sender, conversationLabel(conv))
}

func conversationLabel(conv *model.Conversation) string {
	if conv.Name != nil && *conv.Name != "" {
		if conv.Kind == model.KindChannel {
			return "#" + *conv.Name
		}
		return *conv.Name
	}
	if conv.Kind == model.KindDirect {
		return "a direct message"
	}
	return "a conversation"
}

func senderName(conv *model.Conversation, userID, fallback string) string {
	if p, ok := conv.Participant(userID); ok && p.DisplayName != "" {
		return p.DisplayName
	}
	if fallback != "" {
		return fallback
	}
	return userID
}
