package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"chatsync/pkg/models"
)

// Kind specifies how the reconciler handles an inbox Item.
type Kind string

const (
	KindOpen          Kind = "conversation.open"
	KindLoadOlder     Kind = "history.load_older"
	KindRefresh       Kind = "history.refresh"
	KindHistory       Kind = "history.loaded"
	KindHistoryFailed Kind = "history.failed"
	KindOlder         Kind = "history.older_loaded"
	KindOlderFailed   Kind = "history.older_failed"
	KindRefreshed     Kind = "history.refreshed"
	KindRefreshFailed Kind = "history.refresh_failed"
	KindEvent         Kind = "event"
	KindSendIssued    Kind = "send.issued"
	KindSendConfirmed Kind = "send.confirmed"
	KindSendFailed    Kind = "send.failed"
	KindRetry         Kind = "send.retry"
	KindDiscard       Kind = "send.discard"
	KindEditApplied   Kind = "edit.applied"
	KindDeleteApplied Kind = "delete.applied"
)

// Item is one unit of work for the reconciler. Only the fields relevant to
// Kind are set. Generation tags history responses so that a response for a
// conversation the user already left can be recognised and discarded.
type Item struct {
	Kind       Kind
	Generation uint64
	PeerID     string

	Event     *models.Event
	Page      *models.HistoryPage
	Message   *models.Message
	Operation *models.PendingOperation
	Token     string
	MessageID int64
	Content   string
	Err       error
}

// valid reports whether the payload Kind needs is present.
func (it Item) valid() bool {
	switch it.Kind {
	case KindEvent:
		return it.Event != nil
	case KindHistory, KindOlder, KindRefreshed:
		return it.Page != nil
	case KindHistoryFailed, KindOlderFailed, KindRefreshFailed, KindSendFailed:
		return it.Err != nil
	case KindSendIssued:
		return it.Operation != nil && it.Message != nil
	case KindSendConfirmed:
		return it.Message != nil
	case KindOpen:
		return it.PeerID != ""
	}
	return it.Kind != ""
}

// Inbox errors
var (
	ErrInboxFull   = errors.New("reconcile inbox full")
	ErrInboxClosed = errors.New("reconcile inbox closed")
)

// Inbox is the bounded single-consumer queue in front of the reconciler.
type Inbox struct {
	ch       chan Item
	capacity int
	dropped  uint64
	closed   int32

	done      chan struct{}
	closeOnce sync.Once
}

// NewInbox creates an Inbox of given capacity (>0).
func NewInbox(capacity int) *Inbox {
	if capacity <= 0 {
		panic("reconcile.NewInbox: capacity must be > 0; ensure config.ValidateConfig() applied defaults")
	}
	return &Inbox{ch: make(chan Item, capacity), capacity: capacity, done: make(chan struct{})}
}

// Enqueue adds an item without blocking.
func (q *Inbox) Enqueue(it Item) error {
	if atomic.LoadInt32(&q.closed) == 1 {
		return ErrInboxClosed
	}
	select {
	case q.ch <- it:
		inboxDepth.Set(float64(len(q.ch)))
		return nil
	default:
		atomic.AddUint64(&q.dropped, 1)
		inboxDropped.Inc()
		return ErrInboxFull
	}
}

// EnqueueWait adds an item, waiting for room until ctx ends or the inbox
// is closed. Command results use it so they are never dropped.
func (q *Inbox) EnqueueWait(ctx context.Context, it Item) error {
	if atomic.LoadInt32(&q.closed) == 1 {
		return ErrInboxClosed
	}
	select {
	case q.ch <- it:
		inboxDepth.Set(float64(len(q.ch)))
		return nil
	case <-q.done:
		return ErrInboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting items. Items still buffered are abandoned.
func (q *Inbox) Close() {
	q.closeOnce.Do(func() {
		atomic.StoreInt32(&q.closed, 1)
		close(q.done)
	})
}

// Out returns the consumer side of the inbox.
func (q *Inbox) Out() <-chan Item { return q.ch }

// Done is closed once the inbox is closed.
func (q *Inbox) Done() <-chan struct{} { return q.done }

func (q *Inbox) Len() int        { return len(q.ch) }
func (q *Inbox) Cap() int        { return q.capacity }
func (q *Inbox) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }
