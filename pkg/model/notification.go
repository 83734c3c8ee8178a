package model

import "time"

type NotificationKind string

const (
	NotifyDirectMessage      NotificationKind = "DIRECT_MESSAGE"
	NotifyGroupMessage       NotificationKind = "GROUP_MESSAGE"
	NotifyChannelMessage     NotificationKind = "CHANNEL_MESSAGE"
	NotifyMention            NotificationKind = "MENTION"
	NotifyConversationInvite NotificationKind = "CONVERSATION_INVITE"
	NotifySystem             NotificationKind = "SYSTEM"
)

// NotificationKindFor maps a conversation kind to the notification kind used for
// ordinary (non-mention) recipients.
func NotificationKindFor(kind ConversationKind) NotificationKind {
	switch kind {
	case KindDirect:
		return NotifyDirectMessage
	case KindGroup:
		return NotifyGroupMessage
	case KindChannel:
		return NotifyChannelMessage
	}
	return NotifySystem
}

type NotificationMetadata struct {
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	SenderID       string `json:"sender_id,omitempty"`
}

type NotificationEvent struct {
	ID              string               `json:"id"`
	RecipientUserID string               `json:"recipient_user_id"`
	Kind            NotificationKind     `json:"kind"`
	Title           string               `json:"title"`
	Body            string               `json:"body"`
	Metadata        NotificationMetadata `json:"metadata"`
	IsRead          bool                 `json:"is_read"`
	CreatedAt       time.Time            `json:"created_at"`
}
