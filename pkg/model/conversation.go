package model

import "time"

type ConversationKind string

const (
	KindDirect  ConversationKind = "DIRECT"
	KindGroup   ConversationKind = "GROUP"
	KindChannel ConversationKind = "CHANNEL"
)

func (k ConversationKind) Valid() bool {
	switch k {
	case KindDirect, KindGroup, KindChannel:
		return true
	}
	return false
}

type Conversation struct {
	ID        string           `json:"id"`
	Kind      ConversationKind `json:"kind"`
	Name      *string          `json:"name,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`

	// Populated by fetch operations.
	Participants []Participant `json:"participants,omitempty"`
	Messages     []Message     `json:"messages,omitempty"`
	LastMessage  *Message      `json:"last_message,omitempty"`
	UnreadCount  int           `json:"unread_count"`
}

// Participant is unique per (ConversationID, UserID). LastSeenAt only moves forward.
type Participant struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	DisplayName    string     `json:"display_name"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
	InvitedBy      string     `json:"invited_by,omitempty"`
}

// Participant returns the participant entry for userID, if present.
func (c *Conversation) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// DisplayTitle is the name shown for the conversation from userID's point of view.
// Direct conversations have no name of their own and use the other participant.
func (c *Conversation) DisplayTitle(userID string) string {
	if c.Name != nil && *c.Name != "" {
		return *c.Name
	}
	for _, p := range c.Participants {
		if p.UserID != userID {
			if p.DisplayName != "" {
				return p.DisplayName
			}
			return p.UserID
		}
	}
	return c.ID
}

// UnreadCount counts messages from others committed after lastSeenAt.
// A nil lastSeenAt means nothing has been read yet.
func UnreadCount(messages []Message, lastSeenAt *time.Time, userID string) int {
	n := 0
	for _, m := range messages {
		if m.AuthorID == userID {
			continue
		}
		if lastSeenAt == nil || m.CreatedAt.After(*lastSeenAt) {
			n++
		}
	}
	return n
}

// Header returns the conversation row alone, without fetched relations.
func (c Conversation) Header() Conversation {
	c.Participants = nil
	c.Messages = nil
	c.LastMessage = nil
	c.UnreadCount = 0
	return c
}
