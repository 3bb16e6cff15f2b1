package models

import "time"

// User is an entry of the conversation list, with unread bookkeeping.
type User struct {
	UserID        string `json:"userId"`
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	MessageCount  int    `json:"messageCount"`
	IsRead        bool   `json:"isRead"`
	StatusMessage string `json:"statusMessage,omitempty"`
	IsActive      bool   `json:"isActive"`
}

// Presence is the last known state of a peer.
type Presence struct {
	PeerID        string    `json:"peerId"`
	Active        bool      `json:"active"`
	StatusMessage string    `json:"statusMessage,omitempty"`
	Unread        int       `json:"unread"`
	IsRead        bool      `json:"isRead"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// RequestLog is one row of the server request log.
type RequestLog struct {
	ID          int64     `json:"id"`
	IP          string    `json:"ip"`
	Username    string    `json:"username,omitempty"`
	RequestBody string    `json:"requestBody,omitempty"`
	Path        string    `json:"requestPath,omitempty"`
	Method      string    `json:"method,omitempty"`
	Timestamp   time.Time `json:"requestTimestamp"`
}
