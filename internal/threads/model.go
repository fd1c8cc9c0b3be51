// Package threads shapes FHIR Communication resources into chat threads and
// messages for the mobile client, and pushes live changes over websockets.
package threads

import (
	"errors"
	"time"

	"github.com/reflectionguide/reflect/internal/fhir"
)

// DefaultDisplayName is shown when a participant has no usable name.
const DefaultDisplayName = "Reflection Guide"

var (
	ErrThreadNotFound       = errors.New("threads: thread not found")
	ErrEmptyMessage         = errors.New("threads: message needs text or audio")
	ErrVoiceAttemptRequired = errors.New("threads: voice messages need an allowed recording attempt")
	ErrEmptyTopic           = errors.New("threads: topic is required")
	ErrRemote               = errors.New("threads: medplum request failed")
)

// Thread is a Communication without partOf.
type Thread struct {
	ID            string     `json:"id"`
	Topic         string     `json:"topic"`
	SubjectRef    string     `json:"subject_ref,omitempty"`
	DisplayName   string     `json:"display_name"`
	LastMessage   string     `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	UnreadCount   int        `json:"unread_count"`
	CreatedAt     time.Time  `json:"created_at"`
}

// LastActivity is the time the thread list sorts on.
func (t Thread) LastActivity() time.Time {
	if t.LastMessageAt != nil && t.LastMessageAt.After(t.CreatedAt) {
		return *t.LastMessageAt
	}
	return t.CreatedAt
}

// Message is a Communication whose partOf points at its thread.
type Message struct {
	ID         string           `json:"id"`
	ThreadID   string           `json:"thread_id"`
	Text       string           `json:"text,omitempty"`
	Audio      *fhir.Attachment `json:"audio,omitempty"`
	SenderRef  string           `json:"sender_ref"`
	SenderName string           `json:"sender_name"`
	SentAt     time.Time        `json:"sent_at"`
	Received   bool             `json:"received"`
	Mine       bool             `json:"mine"`
}

// Preview is the one-line summary shown in the thread list.
func (m Message) Preview() string {
	if m.Text != "" {
		return m.Text
	}
	if m.Audio != nil {
		return "Voice message"
	}
	return ""
}

// Unread reports whether the viewer still has to read m.
func (m Message) Unread() bool {
	return !m.Mine && !m.Received
}

// UnreadCount counts messages the viewer has not read.
func UnreadCount(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.Unread() {
			n++
		}
	}
	return n
}
