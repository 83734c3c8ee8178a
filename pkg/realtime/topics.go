package realtime

import (
	"strings"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

const (
	conversationPrefix = "conversation:"
	listPrefix         = "conversations_"
	updatesPrefix      = "conversation_updates:"
	notificationPrefix = "user:notifications:"
)

// TopicKind identifies which family a topic name belongs to.
type TopicKind int

const (
	TopicUnknown TopicKind = iota
	TopicConversation
	TopicConversationList
	TopicConversationUpdates
	TopicNotifications
)

func ConversationTopic(conversationID string) string { return conversationPrefix + conversationID }
func ConversationListTopic(userID string) string     { return listPrefix + userID }
func ConversationUpdatesTopic(userID string) string  { return updatesPrefix + userID }
func NotificationTopic(userID string) string         { return notificationPrefix + userID }

// ParseTopic splits a topic into its kind and the id it is scoped to
// (conversation id or user id).
func ParseTopic(topic string) (TopicKind, string) {
	// user:notifications: must be tested before the shorter prefixes.
	for _, p := range []struct {
		prefix string
		kind   TopicKind
	}{
		{notificationPrefix, TopicNotifications},
		{updatesPrefix, TopicConversationUpdates},
		{conversationPrefix, TopicConversation},
		{listPrefix, TopicConversationList},
	} {
		if id, ok := strings.CutPrefix(topic, p.prefix); ok && id != "" {
			return p.kind, id
		}
	}
	return TopicUnknown, ""
}

// Scope describes one logical realtime channel. Presence is set for channels
// on which this client announces itself.
type Scope struct {
	Topic    string
	Presence *model.PresenceRecord
}

func ConversationScope(conversationID string, self *model.PresenceRecord) Scope {
	return Scope{Topic: ConversationTopic(conversationID), Presence: self}
}

func ConversationListScope(userID string) Scope {
	return Scope{Topic: ConversationListTopic(userID)}
}

func ConversationUpdatesScope(userID string) Scope {
	return Scope{Topic: ConversationUpdatesTopic(userID)}
}

func NotificationScope(userID string) Scope {
	return Scope{Topic: NotificationTopic(userID)}
}
