package models

import "time"

const (
	HistoryDefaultCount = 20
	HistoryMaxCount     = 200
	SortDesc            = "desc"
	SortAsc             = "asc"
)

// HistoryRequest asks for a page of a conversation, newest first, strictly
// older than Before when set.
type HistoryRequest struct {
	PeerID string     `json:"userId"`
	Before *time.Time `json:"before,omitempty"`
	Count  int        `json:"count"`
	Sort   string     `json:"sort"`
}

// HistoryPage is a fetched page. Requested is the count that was asked for,
// so a short page can be told apart from a full one.
type HistoryPage struct {
	PeerID     string    `json:"peerId"`
	Messages   []Message `json:"messages"`
	Requested  int       `json:"requested"`
	PeerActive *bool     `json:"peerActive,omitempty"`
}

// Exhausted reports whether the page signals there is no older history.
func (p HistoryPage) Exhausted() bool {
	return len(p.Messages) < p.Requested
}
