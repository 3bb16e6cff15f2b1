package store

import (
	"fmt"
	"net/url"
	"time"
)

const (
	// notation:
	// c  = conversation
	// m  = message
	// p  = peer summary
	// segments are separated by ":"; peer ids are query-escaped
	messagePrefix = "c:%s:m:"            // c:<peer>:m:
	messageKey    = "c:%s:m:%020d:%020d" // c:<peer>:m:<unix_nano>:<id>
	peerKey       = "p:%s"               // p:<peer>
	peerPrefix    = "p:"
)

func escapePeer(peerID string) string { return url.QueryEscape(peerID) }

func genMessagePrefix(peerID string) string {
	return fmt.Sprintf(messagePrefix, escapePeer(peerID))
}

func genMessageKey(peerID string, ts time.Time, id int64) string {
	nano := ts.UnixNano()
	if nano < 0 {
		nano = 0
	}
	return fmt.Sprintf(messageKey, escapePeer(peerID), nano, id)
}

func genPeerKey(peerID string) string {
	return fmt.Sprintf(peerKey, escapePeer(peerID))
}

func parsePeerKey(key string) (string, error) {
	return url.QueryUnescape(key[len(peerPrefix):])
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix string) []byte {
	upper := []byte(prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return append([]byte(prefix), 0xFF)
}
