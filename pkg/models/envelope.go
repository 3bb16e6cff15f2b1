package models

// Envelope is the response wrapper used by the chat API.
type Envelope[T any] struct {
	Message  string `json:"message"`
	Data     T      `json:"data"`
	IsActive *bool  `json:"isActive,omitempty"`
}
