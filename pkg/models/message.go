package models

import (
	"time"
)

// MessageStatus tracks where a message is in its local lifecycle.
type MessageStatus string

const (
	StatusConfirmed MessageStatus = "confirmed"
	StatusPending   MessageStatus = "pending"
	StatusFailed    MessageStatus = "failed"
)

// Message is a single conversation entry. ID is zero until the server has
// assigned one; optimistic entries are addressed by ClientKey instead.
type Message struct {
	ID            int64     `json:"id,omitempty"`
	ClientKey     string    `json:"clientKey,omitempty"`
	SenderID      string    `json:"senderId"`
	ReceiverID    string    `json:"receiverId"`
	Content       string    `json:"content,omitempty"`
	AttachmentRef string    `json:"attachmentRef,omitempty"`
	Timestamp     time.Time `json:"timestamp"`

	Status MessageStatus `json:"status,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Confirmed reports whether the server has assigned an id.
func (m Message) Confirmed() bool { return m.ID != 0 }

// Peer returns the other participant of the message relative to self.
func (m Message) Peer(self string) string {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// InConversation reports whether the message belongs to the conversation
// between self and peer.
func (m Message) InConversation(self, peer string) bool {
	return (m.SenderID == self && m.ReceiverID == peer) ||
		(m.SenderID == peer && m.ReceiverID == self)
}

// SameLogical reports whether two messages carry the same logical payload
// between the same participants. Used to match a push event to an
// optimistic entry when no correlation token was echoed.
func (m Message) SameLogical(o Message) bool {
	return m.SenderID == o.SenderID &&
		m.ReceiverID == o.ReceiverID &&
		m.Content == o.Content &&
		m.AttachmentRef == o.AttachmentRef
}

// Less orders messages by timestamp with id as a stable tie-break.
func (m Message) Less(o Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	return m.ID < o.ID
}

// SendMessageRequest is the body of a new-message command.
type SendMessageRequest struct {
	ReceiverID    string `json:"receiverId"`
	Content       string `json:"content,omitempty"`
	AttachmentRef string `json:"attachmentRef,omitempty"`
	ClientKey     string `json:"clientKey,omitempty"`
}

// EditMessageRequest is the body of an edit command.
type EditMessageRequest struct {
	Content string `json:"content"`
}
