package channel

import (
	"context"
	"errors"
	"sync"

	"chatsync/pkg/models"
)

// Channel is a stream of typed push events. Delivery is at least once and
// ordered per event type; a gap in the underlying connection is reported
// as an EventReconnected event. The events channel is closed when the
// channel stops.
type Channel interface {
	Events() <-chan models.Event
	Close() error
}

var ErrClosed = errors.New("channel closed")

// Memory is an in-process Channel fed by Publish, used offline and in tests.
type Memory struct {
	ch        chan models.Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
}

func NewMemory(buffer int) *Memory {
	if buffer < 0 {
		buffer = 0
	}
	return &Memory{ch: make(chan models.Event, buffer), done: make(chan struct{})}
}

// Publish delivers ev, waiting for buffer space until ctx ends.
func (m *Memory) Publish(ctx context.Context, ev models.Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.ch <- ev:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Events() <-chan models.Event { return m.ch }

func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		// wait out in-flight publishers before closing the stream
		m.mu.Lock()
		close(m.ch)
		m.mu.Unlock()
	})
	return nil
}
