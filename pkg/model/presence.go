package model

import "time"

// PresenceRecord is ephemeral and only ever held in memory.
type PresenceRecord struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	OnlineAt time.Time `json:"online_at"`
}

// TypingRecord tracks a remote participant that is currently typing.
type TypingRecord struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"username"`
	StartedAt   time.Time `json:"started_at"`
}

// TypingPayload is the body of the "typing" broadcast.
type TypingPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}
