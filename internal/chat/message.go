// Package chat holds the transient message record broadcast to the room and
// the content rules a message must pass before it is sent. Messages are never
// stored: once broadcast, nothing about them is kept server-side.
package chat

import (
	"time"

	"github.com/twomark/twomark/internal/status"
)

// TimeLayout is the wall-clock format used for the "time" field of a message
// (YYYY-MM-DD HH:MM:SS, local time).
const TimeLayout = "2006-01-02 15:04:05"

// Message is one chat message as computed at send time.
type Message struct {
	SenderID    string
	Text        string
	Time        string
	Status      status.Status
	OnlineCount int
}

// NewMessage stamps text from senderID with the status derived from the number
// of sessions online at the moment of sending.
func NewMessage(senderID, text string, onlineCount int, now time.Time) Message {
	return Message{
		SenderID:    senderID,
		Text:        text,
		Time:        now.Local().Format(TimeLayout),
		Status:      status.ResolveMessageStatus(onlineCount),
		OnlineCount: onlineCount,
	}
}
