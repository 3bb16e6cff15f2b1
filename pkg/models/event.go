package models

import "time"

// EventType identifies a push event delivered by the event channel.
type EventType string

const (
	EventMessageCreated       EventType = "message.created"
	EventMessageEdited        EventType = "message.edited"
	EventMessageDeleted       EventType = "message.deleted"
	EventPresenceChanged      EventType = "presence.changed"
	EventStatusMessageChanged EventType = "status_message.changed"
	EventUnreadCountChanged   EventType = "unread_count.changed"
	// EventReconnected is emitted by the channel after a connection gap;
	// events missed during the gap are not redelivered.
	EventReconnected EventType = "channel.reconnected"
)

// Event is a typed push notification. Only the fields relevant to Type are set.
type Event struct {
	Type EventType `json:"type"`

	Message   *Message `json:"message,omitempty"`
	MessageID int64    `json:"messageId,omitempty"`
	Content   string   `json:"content,omitempty"`

	PeerID        string `json:"peerId,omitempty"`
	Active        bool   `json:"active,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`
	UnreadCount   int    `json:"unreadCount,omitempty"`
	IsRead        bool   `json:"isRead,omitempty"`

	ReceivedAt time.Time `json:"receivedAt"`
}
