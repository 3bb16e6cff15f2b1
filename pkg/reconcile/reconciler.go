package reconcile

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chatsync/pkg/history"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/presence"
)

const (
	defaultInboxCapacity = 1024
	defaultMutationLimit = 256
	defaultMutationTTL   = 30 * time.Second
	minSweepInterval     = 100 * time.Millisecond
)

// State is the load state of the active conversation.
type State string

const (
	StateEmpty   State = "empty"
	StateLoading State = "loading"
	StateReady   State = "ready"
)

// Gateway is the command side the reconciler drives.
type Gateway interface {
	UserID() string
	BeginSend(peerID, content, attachment string) (models.PendingOperation, models.Message)
	CompleteSend(ctx context.Context, token string) (models.Message, error)
	Edit(ctx context.Context, id int64, content string) (models.PendingOperation, error)
	Delete(ctx context.Context, id int64) (models.PendingOperation, error)
	Retry(token string) (models.PendingOperation, bool)
	Forget(token string)
	FetchHistory(ctx context.Context, req models.HistoryRequest) (models.HistoryPage, error)
	UpdateChatStatus(ctx context.Context, current, previous string) error
}

// Cache persists the confirmed messages of a conversation between runs.
type Cache interface {
	LoadConversation(peerID string) ([]models.Message, error)
	SaveConversation(peerID string, msgs []models.Message) error
}

type Options struct {
	PageSize       int
	InboxCapacity  int
	MutationLimit  int
	MutationTTL    time.Duration
	MarkReadOnOpen bool

	// Sort is the order history pages are requested in; the buffer accepts
	// either.
	Sort string

	// Presence is shared with other readers; a private tracker is created
	// when nil.
	Presence *presence.Tracker
	Cache    Cache
	// OnAuthFailure is called from the reconciler goroutine and must not block.
	OnAuthFailure func(error)
}

// Snapshot is an immutable view of the active conversation.
type Snapshot struct {
	PeerID           string
	State            State
	LoadingOlder     bool
	Generation       uint64
	Messages         []models.Message
	HasMoreOlder     bool
	OldestLoaded     time.Time
	Presence         models.Presence
	Pending          []models.PendingOperation
	LastError        error
	Deferred         int
	PendingMutations int
}

type outboxEntry struct {
	op  models.PendingOperation
	msg models.Message
}

// Reconciler owns the state of the active conversation. Every change goes
// through its inbox and is applied by the single goroutine running Run;
// readers only ever see published snapshots.
type Reconciler struct {
	gw       Gateway
	self     string
	opts     Options
	inbox    *Inbox
	presence *presence.Tracker

	gen    atomic.Uint64
	active atomic.Value // string, the most recently opened peer

	// owned by the Run goroutine
	store        *history.Store
	state        State
	generation   uint64
	loadingOlder bool
	fetching     bool
	lastErr      error
	deferred     []Item
	// overflowed is set when a deferred push event was dropped; the
	// conversation is refreshed once it is Ready
	overflowed bool
	outbox       map[string]*outboxEntry
	pendingMut   *mutationBuffer

	snap  atomic.Pointer[Snapshot]
	subMu sync.Mutex
	subs  map[chan struct{}]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(gw Gateway, opts Options) *Reconciler {
	if opts.PageSize <= 0 {
		opts.PageSize = models.HistoryDefaultCount
	}
	if opts.InboxCapacity <= 0 {
		opts.InboxCapacity = defaultInboxCapacity
	}
	if opts.MutationLimit <= 0 {
		opts.MutationLimit = defaultMutationLimit
	}
	if opts.MutationTTL <= 0 {
		opts.MutationTTL = defaultMutationTTL
	}
	tracker := opts.Presence
	if tracker == nil {
		tracker = presence.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		gw:       gw,
		self:     gw.UserID(),
		opts:     opts,
		inbox:    NewInbox(opts.InboxCapacity),
		presence: tracker,
		store:    history.New(),
		state:    StateEmpty,
		outbox:   make(map[string]*outboxEntry),
		subs:     make(map[chan struct{}]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
	r.active.Store("")
	r.pendingMut = newMutationBuffer(opts.MutationLimit, opts.MutationTTL, func() time.Time { return r.now() })
	r.publish()
	return r
}

// Presence returns the tracker the reconciler updates.
func (r *Reconciler) Presence() *presence.Tracker { return r.presence }

// Dropped reports how many pushed items were rejected because the inbox
// was full.
func (r *Reconciler) Dropped() uint64 { return r.inbox.Dropped() }

// Run processes inbox items and push events one at a time until ctx ends
// or Close is called. It must be called once.
func (r *Reconciler) Run(ctx context.Context, events <-chan models.Event) error {
	defer r.stop()

	interval := r.opts.MutationTTL / 2
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	sweep := time.NewTicker(interval)
	defer sweep.Stop()

	logger.Info("reconcile_started", "user", r.self, "inbox_capacity", r.inbox.Cap())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.inbox.Done():
			return nil
		case it := <-r.inbox.Out():
			inboxDepth.Set(float64(r.inbox.Len()))
			r.process(it)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.process(Item{Kind: KindEvent, Event: &ev})
		case <-sweep.C:
			if n := r.pendingMut.sweep(); n > 0 {
				logger.Debug("reconcile_mutations_expired", "count", n)
				r.publish()
			}
		}
	}
}

// Close stops Run. Commands issued afterwards fail with ErrInboxClosed.
func (r *Reconciler) Close() {
	r.inbox.Close()
}

func (r *Reconciler) stop() {
	r.inbox.Close()
	r.cancel()
	r.wg.Wait()
	r.saveCache()
	logger.Info("reconcile_stopped", "peer", r.store.PeerID(), "pending", len(r.outbox))
}

// Snapshot returns the latest published view.
func (r *Reconciler) Snapshot() Snapshot {
	return *r.snap.Load()
}

// Changes returns a channel that receives a value after each published
// change, and a function that releases it. Notifications coalesce.
func (r *Reconciler) Changes() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()
	return ch, func() {
		r.subMu.Lock()
		delete(r.subs, ch)
		r.subMu.Unlock()
	}
}

// WaitFor blocks until cond holds for a published snapshot.
func (r *Reconciler) WaitFor(ctx context.Context, cond func(Snapshot) bool) (Snapshot, error) {
	ch, release := r.Changes()
	defer release()
	for {
		s := r.Snapshot()
		if cond(s) {
			return s, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

// process applies one item. Message-affecting items that arrive while the
// initial page is loading are held back and replayed once it lands. Held
// push events are capped at MutationLimit. Beyond that the oldest is dropped
// and the conversation is refreshed on Ready, so the page fetched then
// reflects it. Command results are always held.
func (r *Reconciler) process(it Item) {
	itemsProcessed.WithLabelValues(string(it.Kind)).Inc()
	if r.state == StateLoading && deferrable(it) {
		if it.Kind == KindEvent && r.deferredEvents() >= r.opts.MutationLimit {
			r.dropOldestDeferredEvent()
		}
		r.deferred = append(r.deferred, it)
		logger.Debug("reconcile_item_deferred", "kind", it.Kind, "deferred", len(r.deferred))
	} else {
		r.handle(it)
	}
	r.publish()
}

func (r *Reconciler) deferredEvents() int {
	n := 0
	for _, d := range r.deferred {
		if d.Kind == KindEvent {
			n++
		}
	}
	return n
}

func (r *Reconciler) dropOldestDeferredEvent() {
	for i, d := range r.deferred {
		if d.Kind != KindEvent {
			continue
		}
		r.deferred = append(r.deferred[:i], r.deferred[i+1:]...)
		r.overflowed = true
		deferredDropped.Inc()
		logger.Warn("reconcile_deferred_overflow", "peer", r.store.PeerID(), "event", d.Event.Type,
			"limit", r.opts.MutationLimit)
		return
	}
}

func deferrable(it Item) bool {
	switch it.Kind {
	case KindSendConfirmed, KindEditApplied, KindDeleteApplied:
		return true
	case KindEvent:
		switch it.Event.Type {
		case models.EventMessageCreated, models.EventMessageEdited, models.EventMessageDeleted, models.EventReconnected:
			return true
		}
	}
	return false
}

func (r *Reconciler) publish() {
	peer := r.store.PeerID()
	s := &Snapshot{
		PeerID:           peer,
		State:            r.state,
		LoadingOlder:     r.loadingOlder,
		Generation:       r.generation,
		Messages:         r.store.Messages(),
		HasMoreOlder:     r.store.HasMoreOlder(),
		OldestLoaded:     r.store.OldestLoaded(),
		Presence:         models.Presence{PeerID: peer},
		LastError:        r.lastErr,
		Deferred:         len(r.deferred),
		PendingMutations: r.pendingMut.len(),
	}
	if p, ok := r.presence.Get(peer); ok {
		s.Presence = p
	}
	s.Pending = make([]models.PendingOperation, 0, len(r.outbox))
	for _, e := range r.outbox {
		s.Pending = append(s.Pending, e.op)
	}
	sort.Slice(s.Pending, func(i, j int) bool { return s.Pending[i].IssuedAt.Before(s.Pending[j].IssuedAt) })
	pendingOperations.Set(float64(len(r.outbox)))

	r.snap.Store(s)

	r.subMu.Lock()
	for ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	r.subMu.Unlock()
}

// spawn runs an I/O call off the reconciler goroutine. Only the Run
// goroutine calls it.
func (r *Reconciler) spawn(fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.ctx)
	}()
}

// deliver hands a command result back to the inbox.
func (r *Reconciler) deliver(ctx context.Context, it Item) {
	if err := r.inbox.EnqueueWait(ctx, it); err != nil {
		logger.Debug("reconcile_result_dropped", "kind", it.Kind, "error", err)
	}
}

func (r *Reconciler) saveCache() {
	peer := r.store.PeerID()
	if r.opts.Cache == nil || peer == "" || r.state != StateReady {
		return
	}
	if err := r.opts.Cache.SaveConversation(peer, r.store.Confirmed()); err != nil {
		logger.Warn("reconcile_cache_save_failed", "peer", peer, "error", err)
	}
}
