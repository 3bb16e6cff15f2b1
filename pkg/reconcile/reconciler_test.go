package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/pkg/gateway"
	"chatsync/pkg/models"
)

const self = "me"

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type fetchResult struct {
	page models.HistoryPage
	err  error
}

type fetchCall struct {
	req   models.HistoryRequest
	reply chan fetchResult
}

type sendResult struct {
	msg models.Message
	err error
}

type sendCall struct {
	token string
	reply chan sendResult
}

// fakeGateway hands every network call to the test, which answers it
// explicitly so response ordering is under test control.
type fakeGateway struct {
	fetches chan fetchCall
	sends   chan sendCall
	status  chan [2]string

	mu        sync.Mutex
	seq       int
	forgotten []string
	editFn    func(id int64, content string) (models.PendingOperation, error)
	deleteFn  func(id int64) (models.PendingOperation, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		fetches: make(chan fetchCall, 16),
		sends:   make(chan sendCall, 16),
		status:  make(chan [2]string, 16),
	}
}

func (g *fakeGateway) UserID() string { return self }

func (g *fakeGateway) BeginSend(peerID, content, attachment string) (models.PendingOperation, models.Message) {
	g.mu.Lock()
	g.seq++
	n := g.seq
	g.mu.Unlock()
	now := base.Add(time.Duration(1000+n) * time.Second)
	op := models.PendingOperation{Token: fmt.Sprintf("t%d", n), Kind: models.OpSend, PeerID: peerID,
		Content: content, AttachmentRef: attachment, State: models.OpIssued, IssuedAt: now}
	msg := models.Message{ClientKey: op.Token, SenderID: self, ReceiverID: peerID, Content: content,
		AttachmentRef: attachment, Timestamp: now, Status: models.StatusPending}
	return op, msg
}

func (g *fakeGateway) CompleteSend(ctx context.Context, token string) (models.Message, error) {
	call := sendCall{token: token, reply: make(chan sendResult, 1)}
	select {
	case g.sends <- call:
	case <-ctx.Done():
		return models.Message{}, ctx.Err()
	}
	select {
	case res := <-call.reply:
		return res.msg, res.err
	case <-ctx.Done():
		return models.Message{}, ctx.Err()
	}
}

func (g *fakeGateway) Edit(_ context.Context, id int64, content string) (models.PendingOperation, error) {
	if g.editFn != nil {
		return g.editFn(id, content)
	}
	return models.PendingOperation{Kind: models.OpEdit, MessageID: id, Content: content, State: models.OpConfirmed}, nil
}

func (g *fakeGateway) Delete(_ context.Context, id int64) (models.PendingOperation, error) {
	if g.deleteFn != nil {
		return g.deleteFn(id)
	}
	return models.PendingOperation{Kind: models.OpDelete, MessageID: id, State: models.OpConfirmed}, nil
}

func (g *fakeGateway) Retry(token string) (models.PendingOperation, bool) {
	return models.PendingOperation{Token: token, Kind: models.OpSend, State: models.OpIssued}, true
}

func (g *fakeGateway) Forget(token string) {
	g.mu.Lock()
	g.forgotten = append(g.forgotten, token)
	g.mu.Unlock()
}

func (g *fakeGateway) FetchHistory(ctx context.Context, req models.HistoryRequest) (models.HistoryPage, error) {
	call := fetchCall{req: req, reply: make(chan fetchResult, 1)}
	select {
	case g.fetches <- call:
	case <-ctx.Done():
		return models.HistoryPage{}, ctx.Err()
	}
	select {
	case res := <-call.reply:
		return res.page, res.err
	case <-ctx.Done():
		return models.HistoryPage{}, ctx.Err()
	}
}

func (g *fakeGateway) UpdateChatStatus(_ context.Context, current, previous string) error {
	g.status <- [2]string{current, previous}
	return nil
}

func (g *fakeGateway) nextFetch(t *testing.T) fetchCall {
	t.Helper()
	select {
	case c := <-g.fetches:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("expected a history fetch")
		return fetchCall{}
	}
}

func (g *fakeGateway) nextSend(t *testing.T) sendCall {
	t.Helper()
	select {
	case c := <-g.sends:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("expected a send")
		return sendCall{}
	}
}

func (c fetchCall) ok(requested int, msgs ...models.Message) {
	c.reply <- fetchResult{page: models.HistoryPage{PeerID: c.req.PeerID, Messages: msgs, Requested: requested}}
}

func (c fetchCall) fail(err error) { c.reply <- fetchResult{err: err} }

func incoming(id int64, sec int, peer, content string) models.Message {
	return models.Message{ID: id, SenderID: peer, ReceiverID: self, Content: content, Timestamp: base.Add(time.Duration(sec) * time.Second)}
}

func outgoing(id int64, sec int, peer, content string) models.Message {
	return models.Message{ID: id, SenderID: self, ReceiverID: peer, Content: content, Timestamp: base.Add(time.Duration(sec) * time.Second)}
}

func start(t *testing.T, g *fakeGateway, opts Options, tweak ...func(*Reconciler)) *Reconciler {
	t.Helper()
	r := New(g, opts)
	for _, fn := range tweak {
		fn(r)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx, nil)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func waitFor(t *testing.T, r *Reconciler, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := r.WaitFor(ctx, cond)
	require.NoError(t, err, "waiting for %s; last snapshot %+v", what, s)
	return s
}

func ready(s Snapshot) bool { return s.State == StateReady }

func ids(msgs []models.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// openReady opens peer and answers the initial fetch with msgs.
func openReady(t *testing.T, r *Reconciler, g *fakeGateway, peer string, requested int, msgs ...models.Message) Snapshot {
	t.Helper()
	_, err := r.Open(peer)
	require.NoError(t, err)
	g.nextFetch(t).ok(requested, msgs...)
	return waitFor(t, r, "ready", func(s Snapshot) bool { return ready(s) && s.PeerID == peer })
}

func TestOpenLoadsNewestPage(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{})
	assert.Equal(t, StateEmpty, r.Snapshot().State)

	gen, err := r.Open("bob")
	require.NoError(t, err)
	call := g.nextFetch(t)
	assert.Equal(t, "bob", call.req.PeerID)
	assert.Equal(t, models.HistoryDefaultCount, call.req.Count)
	assert.Nil(t, call.req.Before)

	s := waitFor(t, r, "loading", func(s Snapshot) bool { return s.State == StateLoading })
	assert.Equal(t, gen, s.Generation)

	active := true
	call.reply <- fetchResult{page: models.HistoryPage{PeerID: "bob", Requested: 20, PeerActive: &active, Messages: []models.Message{
		incoming(3, 30, "bob", "c"), outgoing(2, 20, "bob", "b"), incoming(1, 10, "bob", "a"),
	}}}
	s = waitFor(t, r, "ready", ready)
	assert.Equal(t, []int64{1, 2, 3}, ids(s.Messages))
	assert.False(t, s.HasMoreOlder)
	assert.Equal(t, base.Add(10*time.Second), s.OldestLoaded)
	assert.True(t, s.Presence.Active)
	assert.NoError(t, s.LastError)
}

func TestEventsDuringLoadingAreReplayed(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{})
	dups := testutil.ToFloat64(duplicatesDropped)

	_, err := r.Open("bob")
	require.NoError(t, err)
	call := g.nextFetch(t)

	created := incoming(5, 50, "bob", "late")
	dup := incoming(1, 10, "bob", "a")
	require.NoError(t, r.Publish(models.Event{Type: models.EventMessageCreated, Message: &created}))
	require.NoError(t, r.Publish(models.Event{Type: models.EventMessageEdited, MessageID: 2, Content: "edited"}))
	require.NoError(t, r.Publish(models.Event{Type: models.EventMessageCreated, Message: &dup}))
	s := waitFor(t, r, "deferred events", func(s Snapshot) bool { return s.Deferred == 3 })
	assert.Equal(t, StateLoading, s.State)
	assert.Empty(t, s.Messages)

	call.ok(20, incoming(2, 20, "bob", "b"), incoming(1, 10, "bob", "a"))
	s = waitFor(t, r, "ready", ready)
	assert.Equal(t, []int64{1, 2, 5}, ids(s.Messages))
	assert.Equal(t, "edited", s.Messages[1].Content)
	assert.Zero(t, s.Deferred)
	assert.Equal(t, dups+1, testutil.ToFloat64(duplicatesDropped))
}

func TestDeferredEventsAreCapped(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{MutationLimit: 2})
	overflow := testutil.ToFloat64(deferredDropped)

	_, err := r.Open("bob")
	require.NoError(t, err)
	call := g.nextFetch(t)

	for _, m := range []models.Message{incoming(5, 50, "bob", "x"), incoming(6, 60, "bob", "y"), incoming(7, 70, "bob", "z")} {
		require.NoError(t, r.Publish(models.Event{Type: models.EventMessageCreated, Message: &m}))
	}
	require.Eventually(t, func() bool { return testutil.ToFloat64(deferredDropped) == overflow+1 }, 2*time.Second, 5*time.Millisecond)
	s := r.Snapshot()
	assert.Equal(t, 2, s.Deferred)
	assert.Equal(t, StateLoading, s.State)

	call.ok(20, incoming(1, 10, "bob", "a"))
	s = waitFor(t, r, "ready", ready)
	assert.Equal(t, []int64{1, 6, 7}, ids(s.Messages))

	// the dropped event is recovered by a refresh issued on Ready
	call = g.nextFetch(t)
	assert.Nil(t, call.req.Before)
	call.ok(20, incoming(7, 70, "bob", "z"), incoming(6, 60, "bob", "y"), incoming(5, 50, "bob", "x"), incoming(1, 10, "bob", "a"))
	s = waitFor(t, r, "refreshed", func(s Snapshot) bool { return len(s.Messages) == 4 })
	assert.Equal(t, []int64{1, 5, 6, 7}, ids(s.Messages))
	assert.Zero(t, r.Dropped())
}

func TestHistoryRequestsUseConfiguredSort(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{PageSize: 2, Sort: models.SortAsc})

	_, err := r.Open("bob")
	require.NoError(t, err)
	call := g.nextFetch(t)
	assert.Equal(t, models.SortAsc, call.req.Sort)
	call.ok(2, incoming(3, 30, "bob", "c"), incoming(4, 40, "bob", "d"))
	waitFor(t, r, "ready", ready)

	require.NoError(t, r.LoadOlder())
	call = g.nextFetch(t)
	assert.Equal(t, models.SortAsc, call.req.Sort)
	call.ok(2, incoming(1, 10, "bob", "a"), incoming(2, 20, "bob", "b"))
	s := waitFor(t, r, "older merged", func(s Snapshot) bool { return len(s.Messages) == 4 })
	assert.Equal(t, []int64{1, 2, 3, 4}, ids(s.Messages))

	require.NoError(t, r.Refresh())
	call = g.nextFetch(t)
	assert.Equal(t, models.SortAsc, call.req.Sort)
	call.ok(2, incoming(3, 30, "bob", "c"), incoming(4, 40, "bob", "d"))
}

func TestSendResponseThenPush(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{})
	openReady(t, r, g, "bob", 20, incoming(1, 10, "bob", "a"))
	dups := testutil.ToFloat64(duplicatesDropped)

	optimistic, err := r.Send("hi", "")
	require.NoError(t, err)
	assert.False(t, optimistic.Confirmed())

	s := waitFor(t, r, "optimistic entry", func(s Snapshot) bool { return len(s.Messages) == 2 })
	assert.Equal(t, models.StatusPending, s.Messages[1].Status)
	require.Len(t, s.Pending, 1)
	assert.Equal(t, models.OpIssued, s.Pending[0].State)

	confirmed := outgoing(77, 2000, "bob", "hi")
	g.nextSend(t).reply <- sendResult{msg: confirmed}
	s = waitFor(t, r, "confirmed", func(s Snapshot) bool { return len(s.Messages) == 2 && s.Messages[1].ID == 77 })
	assert.Equal(t, optimistic.ClientKey, s.Messages[1].ClientKey)
	assert.Empty(t, s.Pending)

	require.NoError(t, r.Publish(models.Event{Type: models.EventMessageCreated, Message: &confirmed}))
	require.Eventually(t, func() bool { return testutil.ToFloat64(duplicatesDropped) == dups+1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 77}, ids(r.Snapshot().Messages))
}

func TestSendPushThenResponse(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{})
	openReady(t, r, g, "bob", 20, incoming(1, 10, "bob", "a"))
	dups := testutil.ToFloat64(duplicatesDropped)

	_, err := r.Send("hi", "")
	require.NoError(t, err)
	call := g.nextSend(t)

	// the push carries no correlation token
	pushed := outgoing(77, 2000, "bob", "hi")
	require.NoError(t, r.Publish(models.Event{Type: models.EventMessageCreated, Message: &pushed}))
	s := waitFor(t, r, "confirmed by push", func(s Snapshot) bool {
		return len(s.Messages) == 2 && s.Messages[1].ID == 77
	})
	assert.Empty(t, s.Pending)

	call.reply <- sendResult{msg: pushed}
	require.Eventually(t, func() bool { return testutil.ToFloat64(duplicatesDropped) == dups+1 }, 2*time.Second, 5*time.Millisecond)
	s = r.Snapshot()
	assert.Equal(t, []int64{1, 77}, ids(s.Messages))
	assert.Equal(t, models.StatusConfirmed, s.Messages[1].Status)
}

func TestPushMatchesOldestIdenticalSend(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{})
	openReady(t, r, g, "bob", 20)

	first, err := r.Send("hi", "")
	require.NoError(t, err)
	second, err := r.Send("hi", "")
	require.NoError(t, err)
	waitFor(t, r, "two optimistic entries", func(s Snapshot) bool { return len(s.Messages) == 2 })

	pushed := outgoing(77, 2000, "bob", "hi")
	require.NoError(t, r.Publish(models.Event{Type: models.EventMessageCreated, Message: &pushed}))
	s := waitFor(t, r, "one confirmed", func(s Snapshot) bool { return len(s.Pending) == 1 })
	assert.Equal(t, second.ClientKey, s.Pending[0].Token)
	m := s.Messages[1]
	if m.ID != 77 {
		m = s.Messages[0]
	}
	assert.Equal(t, first.ClientKey, m.ClientKey)
}

func TestStaleOlderPageIsDiscarded(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{PageSize: 2})
	s := openReady(t, r, g, "alice", 2, incoming(20, 20, "alice", "x"), incoming(10, 10, "alice", "y"))
	require.True(t, s.HasMoreOlder)

	require.NoError(t, r.LoadOlder())
	older := g.nextFetch(t)
	require.NotNil(t, older.req.Before)
	assert.Equal(t, base.Add(10*time.Second), *older.req.Before)
	waitFor(t, r, "loading older", func(s Snapshot) bool { return s.LoadingOlder })

	stale := testutil.ToFloat64(staleDiscarded)
	s = openReady(t, r, g, "bob", 2, incoming(1, 5, "bob", "hello"))
	assert.False(t, s.LoadingOlder)

	older.ok(2, incoming(8, 8, "alice", "old"), incoming(7, 7, "alice", "older"))
	require.Eventually(t, func() bool { return testutil.ToFloat64(staleDiscarded) == stale+1 }, 2*time.Second, 5*time.Millisecond)
	s = r.Snapshot()
	assert.Equal(t, "bob", s.PeerID)
	assert.Equal(t, []int64{1}, ids(s.Messages))
}

func TestStaleInitialPageIsDiscarded(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{})

	_, err := r.Open("alice")
	require.NoError(t, err)
	first := g.nextFetch(t)
	_, err = r.Open("bob")
	require.NoError(t, err)
	second := g.nextFetch(t)

	first.ok(20, incoming(1, 10, "alice", "a"))
	second.ok(20, incoming(2, 20, "bob", "b"))
	s := waitFor(t, r, "bob ready", func(s Snapshot) bool { return ready(s) && s.PeerID == "bob" })
	assert.Equal(t, []int64{2}, ids(s.Messages))
	assert.Equal(t, uint64(2), s.Generation)
}

func TestLoadOlderPrependsAndTracksExhaustion(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{PageSize: 3})
	openReady(t, r, g, "bob", 3, incoming(30, 30, "bob", ""), incoming(20, 20, "bob", ""), incoming(10, 10, "bob", ""))

	require.NoError(t, r.LoadOlder())
	g.nextFetch(t).ok(3, incoming(5, 5, "bob", ""), incoming(1, 1, "bob", ""))
	s := waitFor(t, r, "older merged", func(s Snapshot) bool { return len(s.Messages) == 5 })
	assert.Equal(t, []int64{1, 5, 10, 20, 30}, ids(s.Messages))
	assert.False(t, s.HasMoreOlder)
	assert.False(t, s.LoadingOlder)

	// exhausted: no further request is made
	require.NoError(t, r.LoadOlder())
	require.NoError(t, r.Refresh())
	call := g.nextFetch(t)
	assert.Nil(t, call.req.Before, "only the refresh reaches the gateway")
	call.ok(3, incoming(30, 30, "bob", ""), incoming(20, 20, "bob", ""), incoming(10, 10, "bob", ""))
}

func TestFailedSendIsRetainedUntilRetried(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{})
	openReady(t, r, g, "bob", 20)

	sent, err := r.Send("hi", "")
	require.NoError(t, err)
	g.nextSend(t).reply <- sendResult{err: &gateway.Error{Kind: gateway.ErrNetwork, Op: "send"}}

	s := waitFor(t, r, "failed", func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Status == models.StatusFailed
	})
	assert.ErrorIs(t, s.LastError, gateway.ErrNetwork)
	require.Len(t, s.Pending, 1)
	assert.Equal(t, models.OpFailed, s.Pending[0].State)
	assert.NotEmpty(t, s.Messages[0].Error)

	// a refresh keeps the failed entry
	require.NoError(t, r.Refresh())
	g.nextFetch(t).ok(20, incoming(1, 10, "bob", "a"))
	s = waitFor(t, r, "refreshed", func(s Snapshot) bool { return len(s.Messages) == 2 })
	assert.Equal(t, models.StatusFailed, s.Messages[1].Status)

	require.NoError(t, r.Retry(sent.ClientKey))
	call := g.nextSend(t)
	assert.Equal(t, sent.ClientKey, call.token)
	waitFor(t, r, "pending again", func(s Snapshot) bool {
		return len(s.Messages) == 2 && s.Messages[1].Status == models.StatusPending
	})
	call.reply <- sendResult{msg: outgoing(80, 3000, "bob", "hi")}
	s = waitFor(t, r, "confirmed", func(s Snapshot) bool { return len(s.Pending) == 0 })
	assert.Equal(t, []int64{1, 80}, ids(s.Messages))
}

func TestDiscardRemovesFailedSend(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{})
	openReady(t, r, g, "bob", 20)

	sent, err := r.Send("hi", "")
	require.NoError(t, err)

	// discarding an issued send is refused
	require.NoError(t, r.Discard(sent.ClientKey))
	call := g.nextSend(t)
	call.reply <- sendResult{err: &gateway.Error{Kind: gateway.ErrNetwork}}
	waitFor(t, r, "failed", func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Status == models.StatusFailed
	})

	require.NoError(t, r.Discard(sent.ClientKey))
	s := waitFor(t, r, "discarded", func(s Snapshot) bool { return len(s.Messages) == 0 })
	assert.Empty(t, s.Pending)
	g.mu.Lock()
	assert.Equal(t, []string{sent.ClientKey}, g.forgotten)
	g.mu.Unlock()
}

func TestSendRequiresConversationAndContent(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{})

	_, err := r.Send("hi", "")
	assert.ErrorIs(t, err, ErrNoConversation)

	_, err = r.Open("bob")
	require.NoError(t, err)
	_, err = r.Send("  ", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = r.Send("", "gif-123")
	assert.NoError(t, err)
	g.nextFetch(t).ok(20)
}

func TestPendingSendSurvivesConversationSwitch(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{})
	openReady(t, r, g, "bob", 20)

	sent, err := r.Send("hi", "")
	require.NoError(t, err)
	call := g.nextSend(t)

	s := openReady(t, r, g, "alice", 20)
	assert.Empty(t, s.Messages)

	s = openReady(t, r, g, "bob", 20, incoming(1, 10, "bob", "a"))
	require.Len(t, s.Messages, 2)
	assert.Equal(t, sent.ClientKey, s.Messages[1].ClientKey)

	call.reply <- sendResult{msg: outgoing(9, 2000, "bob", "hi")}
	s = waitFor(t, r, "confirmed", func(s Snapshot) bool { return len(s.Pending) == 0 })
	assert.Equal(t, []int64{1, 9}, ids(s.Messages))
}

func TestMutationBeforeInsertIsReplayed(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{})
	openReady(t, r, g, "bob", 20, incoming(1, 10, "bob", "a"))

	require.NoError(t, r.Publish(models.Event{Type: models.EventMessageEdited, MessageID: 9, Content: "edited"}))
	require.NoError(t, r.Publish(models.Event{Type: models.EventMessageDeleted, MessageID: 10}))
	waitFor(t, r, "buffered", func(s Snapshot) bool { return s.PendingMutations == 2 })

	nine, ten := incoming(9, 90, "bob", "original"), incoming(10, 100, "bob", "gone")
	require.NoError(t, r.Publish(models.Event{Type: models.EventMessageCreated, Message: &nine}))
	require.NoError(t, r.Publish(models.Event{Type: models.EventMessageCreated, Message: &ten}))
	s := waitFor(t, r, "replayed", func(s Snapshot) bool { return s.PendingMutations == 0 })
	assert.Equal(t, []int64{1, 9}, ids(s.Messages))
	assert.Equal(t, "edited", s.Messages[1].Content)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMutationExpires(t *testing.T) {
	g := newFakeGateway()
	clk := &clock{now: base}
	r := start(t, g, Options{MutationTTL: time.Hour}, func(r *Reconciler) { r.now = clk.Now })
	openReady(t, r, g, "bob", 20)

	require.NoError(t, r.Publish(models.Event{Type: models.EventMessageEdited, MessageID: 9, Content: "edited"}))
	waitFor(t, r, "buffered", func(s Snapshot) bool { return s.PendingMutations == 1 })
	clk.Advance(2 * time.Hour)

	nine := incoming(9, 90, "bob", "original")
	require.NoError(t, r.Publish(models.Event{Type: models.EventMessageCreated, Message: &nine}))
	s := waitFor(t, r, "inserted", func(s Snapshot) bool { return len(s.Messages) == 1 })
	assert.Equal(t, "original", s.Messages[0].Content)
	assert.Zero(t, s.PendingMutations)
}

func TestInitialLoadFailureStaysLoading(t *testing.T) {
	g := newFakeGateway()
	var authErrs []error
	var mu sync.Mutex
	r := start(t, g, Options{OnAuthFailure: func(err error) {
		mu.Lock()
		authErrs = append(authErrs, err)
		mu.Unlock()
	}})

	gen, err := r.Open("bob")
	require.NoError(t, err)
	g.nextFetch(t).fail(&gateway.Error{Kind: gateway.ErrNetwork, Op: "fetch_history"})
	s := waitFor(t, r, "error", func(s Snapshot) bool { return s.LastError != nil })
	assert.Equal(t, StateLoading, s.State)

	require.NoError(t, r.Refresh())
	g.nextFetch(t).fail(&gateway.Error{Kind: gateway.ErrAuth, Status: 401})
	s = waitFor(t, r, "auth error", func(s Snapshot) bool { return gateway.IsAuth(s.LastError) })
	assert.Equal(t, StateLoading, s.State)
	mu.Lock()
	assert.Len(t, authErrs, 1)
	mu.Unlock()

	require.NoError(t, r.Refresh())
	g.nextFetch(t).ok(20, incoming(1, 10, "bob", "a"))
	s = waitFor(t, r, "ready", ready)
	assert.Equal(t, gen, s.Generation, "retry stays in the same generation")
	assert.NoError(t, s.LastError)
}

func TestReconnectRefreshesWindow(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{})
	openReady(t, r, g, "bob", 20, incoming(1, 10, "bob", "a"), incoming(2, 20, "bob", "b"), incoming(3, 30, "bob", "c"))

	require.NoError(t, r.Publish(models.Event{Type: models.EventReconnected}))
	// message 2 was deleted and 4 arrived while disconnected
	g.nextFetch(t).ok(20, incoming(4, 40, "bob", "d"), incoming(3, 30, "bob", "c"), incoming(1, 10, "bob", "a"))
	s := waitFor(t, r, "refreshed", func(s Snapshot) bool { return len(s.Messages) == 3 && s.Messages[2].ID == 4 })
	assert.Equal(t, []int64{1, 3, 4}, ids(s.Messages))
}

func TestReconnectAfterLongGapKeepsBufferContiguous(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{PageSize: 3})
	openReady(t, r, g, "bob", 3, incoming(3, 30, "bob", "c"), incoming(2, 20, "bob", "b"), incoming(1, 10, "bob", "a"))

	require.NoError(t, r.Publish(models.Event{Type: models.EventReconnected}))
	// six messages arrived while disconnected; the newest page does not reach 3
	g.nextFetch(t).ok(3, incoming(9, 90, "bob", "i"), incoming(8, 80, "bob", "h"), incoming(7, 70, "bob", "g"))
	s := waitFor(t, r, "refreshed", func(s Snapshot) bool { return len(s.Messages) == 3 && s.Messages[0].ID == 7 })
	assert.True(t, s.HasMoreOlder)
	assert.Equal(t, base.Add(70*time.Second), s.OldestLoaded)

	require.NoError(t, r.LoadOlder())
	call := g.nextFetch(t)
	require.NotNil(t, call.req.Before)
	assert.Equal(t, base.Add(70*time.Second), *call.req.Before)
	call.ok(3, incoming(6, 60, "bob", "f"), incoming(5, 50, "bob", "e"), incoming(4, 40, "bob", "d"))
	s = waitFor(t, r, "older merged", func(s Snapshot) bool { return len(s.Messages) == 6 })
	assert.Equal(t, []int64{4, 5, 6, 7, 8, 9}, ids(s.Messages))
}

func TestPresenceEventsApplyImmediately(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{})
	_, err := r.Open("bob")
	require.NoError(t, err)
	call := g.nextFetch(t)

	require.NoError(t, r.Publish(models.Event{Type: models.EventPresenceChanged, PeerID: "bob", Active: true}))
	require.NoError(t, r.Publish(models.Event{Type: models.EventStatusMessageChanged, PeerID: "bob", StatusMessage: "lunch"}))
	s := waitFor(t, r, "presence", func(s Snapshot) bool { return s.Presence.StatusMessage == "lunch" })
	assert.True(t, s.Presence.Active)
	assert.Equal(t, StateLoading, s.State)
	assert.Zero(t, s.Deferred)
	call.ok(20)
}

func TestEditAndDeleteCommands(t *testing.T) {
	g := newFakeGateway()
	g.deleteFn = func(id int64) (models.PendingOperation, error) {
		return models.PendingOperation{}, &gateway.Error{Kind: gateway.ErrNotFound, Status: 404}
	}
	r := start(t, g, Options{})
	openReady(t, r, g, "bob", 20, outgoing(1, 10, "bob", "a"), outgoing(2, 20, "bob", "b"))
	ctx := context.Background()

	require.NoError(t, r.Edit(ctx, 1, "fixed"))
	s := waitFor(t, r, "edited", func(s Snapshot) bool { return s.Messages[0].Content == "fixed" })
	assert.Len(t, s.Messages, 2)

	require.NoError(t, r.Delete(ctx, 2), "a missing target is not an error")
	s = waitFor(t, r, "deleted", func(s Snapshot) bool { return len(s.Messages) == 1 })
	assert.Equal(t, []int64{1}, ids(s.Messages))

	g.editFn = func(int64, string) (models.PendingOperation, error) {
		return models.PendingOperation{}, &gateway.Error{Kind: gateway.ErrNetwork}
	}
	assert.ErrorIs(t, r.Edit(ctx, 1, "again"), gateway.ErrNetwork)
	assert.ErrorIs(t, r.Edit(ctx, 1, " "), ErrEmptyMessage)
}

func TestMarkReadOnOpen(t *testing.T) {
	g := newFakeGateway()
	r := start(t, g, Options{MarkReadOnOpen: true})
	openReady(t, r, g, "bob", 20)
	openReady(t, r, g, "alice", 20)

	var got [][2]string
	for i := 0; i < 2; i++ {
		select {
		case s := <-g.status:
			got = append(got, s)
		case <-time.After(2 * time.Second):
			t.Fatal("expected chat status update")
		}
	}
	assert.ElementsMatch(t, [][2]string{{"bob", ""}, {"alice", "bob"}}, got)
}

type memCache struct {
	mu    sync.Mutex
	saved map[string][]models.Message
}

func (c *memCache) LoadConversation(peer string) ([]models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saved[peer], nil
}

func (c *memCache) SaveConversation(peer string, msgs []models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved[peer] = msgs
	return nil
}

func TestCachePreviewWhileLoading(t *testing.T) {
	g := newFakeGateway()
	cache := &memCache{saved: map[string][]models.Message{"bob": {incoming(1, 10, "bob", "cached")}}}
	r := start(t, g, Options{Cache: cache})

	_, err := r.Open("bob")
	require.NoError(t, err)
	call := g.nextFetch(t)
	s := waitFor(t, r, "preview", func(s Snapshot) bool { return len(s.Messages) == 1 })
	assert.Equal(t, StateLoading, s.State)

	call.ok(20, incoming(2, 20, "bob", "fresh"), incoming(1, 10, "bob", "cached"))
	waitFor(t, r, "ready", ready)

	cache.mu.Lock()
	defer cache.mu.Unlock()
	assert.Equal(t, []int64{1, 2}, ids(cache.saved["bob"]))
}

func TestIngestRejectsIncompleteItems(t *testing.T) {
	r := New(newFakeGateway(), Options{InboxCapacity: 4})
	assert.Error(t, r.Ingest(Item{Kind: KindHistory}))
	assert.Error(t, r.Ingest(Item{Kind: KindEvent}))
	assert.NoError(t, r.Ingest(Item{Kind: KindRefresh}))
}
