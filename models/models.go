package models

import "time"

// ChatMessage is one line a user sent, as it was delivered.
type ChatMessage struct {
	ID        int64
	Username  string
	Text      string
	Timestamp time.Time
}

func NewChatMessage(username, text string, at time.Time) ChatMessage {
	return ChatMessage{
		Username:  username,
		Text:      text,
		Timestamp: at.UTC(),
	}
}
