package channel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"chatsync/pkg/models"
)

// The hub speaks the JSON hub protocol: every frame is a JSON object
// terminated by the record separator.
const recordSeparator = 0x1e

const (
	frameInvocation = 1
	frameCompletion = 3
	framePing       = 6
	frameClose      = 7
)

// Hub method names pushed by the server.
const (
	targetMessage       = "ReceiveMessage"
	targetEdited        = "ReceiveEditedMessage"
	targetDeleted       = "ReceiveDeletedMessage"
	targetStatus        = "UpdateStatus"
	targetMessageCount  = "UpdateMessageCount"
	targetStatusMessage = "UpdateStatusMessage"
)

type frame struct {
	Type      int               `json:"type"`
	Target    string            `json:"target,omitempty"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
	Error     string            `json:"error,omitempty"`
}

var (
	handshakeRequest = append([]byte(`{"protocol":"json","version":1}`), recordSeparator)
	pingFrame        = append([]byte(`{"type":6}`), recordSeparator)
	closeFrame       = append([]byte(`{"type":7}`), recordSeparator)
)

// splitFrames returns the records in one websocket message.
func splitFrames(data []byte) [][]byte {
	parts := bytes.Split(data, []byte{recordSeparator})
	out := parts[:0]
	for _, p := range parts {
		if len(bytes.TrimSpace(p)) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// handshakeError reads the server's handshake reply.
func handshakeError(data []byte) error {
	frames := splitFrames(data)
	if len(frames) == 0 {
		return fmt.Errorf("empty handshake response")
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(frames[0], &resp); err != nil {
		return fmt.Errorf("decode handshake response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	return nil
}

// decodeInvocation maps a server invocation to a push event. ok is false
// for targets this client does not consume.
func decodeInvocation(f frame, at time.Time) (ev models.Event, ok bool, err error) {
	ev.ReceivedAt = at
	arg := func(i int, v any) error {
		if i >= len(f.Arguments) {
			return fmt.Errorf("%s: missing argument %d", f.Target, i)
		}
		if err := json.Unmarshal(f.Arguments[i], v); err != nil {
			return fmt.Errorf("%s: argument %d: %w", f.Target, i, err)
		}
		return nil
	}

	switch f.Target {
	case targetMessage:
		var m models.Message
		if err := arg(0, &m); err != nil {
			return ev, false, err
		}
		m.Status = models.StatusConfirmed
		ev.Type = models.EventMessageCreated
		ev.Message = &m
	case targetEdited:
		ev.Type = models.EventMessageEdited
		if err := arg(0, &ev.MessageID); err != nil {
			return ev, false, err
		}
		if err := arg(1, &ev.Content); err != nil {
			return ev, false, err
		}
	case targetDeleted:
		ev.Type = models.EventMessageDeleted
		if err := arg(0, &ev.MessageID); err != nil {
			return ev, false, err
		}
	case targetStatus:
		ev.Type = models.EventPresenceChanged
		if err := arg(0, &ev.Active); err != nil {
			return ev, false, err
		}
		if err := arg(1, &ev.PeerID); err != nil {
			return ev, false, err
		}
	case targetMessageCount:
		ev.Type = models.EventUnreadCountChanged
		if err := arg(0, &ev.UnreadCount); err != nil {
			return ev, false, err
		}
		if err := arg(1, &ev.IsRead); err != nil {
			return ev, false, err
		}
		if err := arg(2, &ev.PeerID); err != nil {
			return ev, false, err
		}
	case targetStatusMessage:
		ev.Type = models.EventStatusMessageChanged
		// sent either as one object or as (userId, statusMessage)
		if len(f.Arguments) == 1 {
			var body struct {
				UserID        string `json:"userId"`
				StatusMessage string `json:"statusMessage"`
			}
			if err := arg(0, &body); err != nil {
				return ev, false, err
			}
			ev.PeerID, ev.StatusMessage = body.UserID, body.StatusMessage
			break
		}
		if err := arg(0, &ev.PeerID); err != nil {
			return ev, false, err
		}
		if err := arg(1, &ev.StatusMessage); err != nil {
			return ev, false, err
		}
	default:
		return ev, false, nil
	}
	return ev, true, nil
}
