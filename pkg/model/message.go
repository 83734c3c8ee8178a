package model

import (
	"encoding/json"
	"strings"
	"time"
)

// TempIDPrefix marks ids generated on the client for optimistic messages.
const TempIDPrefix = "temp-"

// Message is immutable once created. CreatedAt is assigned by the store at commit time.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AuthorID       string    `json:"author_id"`
	AuthorName     string    `json:"author_name,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// UnmarshalJSON accepts created_at values without a timezone designator and
// reads them as UTC.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var raw struct {
		alias
		CreatedAt string `json:"created_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message(raw.alias)
	if raw.CreatedAt == "" {
		m.CreatedAt = time.Time{}
		return nil
	}
	ts, err := ParseTimestamp(raw.CreatedAt)
	if err != nil {
		return err
	}
	m.CreatedAt = ts
	return nil
}

// OptimisticMessage is the client-side shadow of a Message while its send is in flight.
type OptimisticMessage struct {
	TempID         string    `json:"temp_id"`
	ConversationID string    `json:"conversation_id"`
	AuthorID       string    `json:"author_id"`
	Content        string    `json:"content"`
	ClientTime     time.Time `json:"client_time"`
}
