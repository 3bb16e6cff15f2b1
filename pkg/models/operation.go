package models

import "time"

// OpKind names the local command a PendingOperation tracks.
type OpKind string

const (
	OpSend   OpKind = "send"
	OpEdit   OpKind = "edit"
	OpDelete OpKind = "delete"
)

// OpState is the lifecycle of a pending operation: Issued -> Confirmed | Failed.
type OpState string

const (
	OpIssued    OpState = "issued"
	OpConfirmed OpState = "confirmed"
	OpFailed    OpState = "failed"
)

// PendingOperation is an in-flight command keyed by its correlation token.
type PendingOperation struct {
	Token         string    `json:"token"`
	Kind          OpKind    `json:"kind"`
	PeerID        string    `json:"peerId,omitempty"`
	MessageID     int64     `json:"messageId,omitempty"`
	Content       string    `json:"content,omitempty"`
	AttachmentRef string    `json:"attachmentRef,omitempty"`
	State         OpState   `json:"state"`
	Err           string    `json:"error,omitempty"`
	IssuedAt      time.Time `json:"issuedAt"`
}
