package model

// Change-feed tables.
const (
	TableMessages      = "messages"
	TableParticipants  = "participants"
	TableConversations = "conversations"
)

// Broadcast event names.
const (
	EventNewMessage          = "new_message"
	EventTyping              = "typing"
	EventNewNotification     = "new_notification"
	EventConversationUpdated = "conversation_updated"
)

// ConversationUpdate is the payload of the conversation_updated broadcast.
type ConversationUpdate struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	Reason         string `json:"reason"`
}
