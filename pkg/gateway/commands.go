package gateway

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/valyala/fasthttp"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

// inflight serializes edits and deletes of one message. A second edit that
// arrives while the first is on the wire overwrites latest instead of
// racing a parallel write.
type inflight struct {
	op     *models.PendingOperation
	latest string
	done   chan struct{}
	err    error
}

// BeginSend registers a send and returns the optimistic message for it. It
// does no I/O, so the caller can show the message before the round trip.
func (g *Gateway) BeginSend(peerID, content, attachment string) (models.PendingOperation, models.Message) {
	now := g.now()
	op := &models.PendingOperation{
		Token:         g.newToken(),
		Kind:          models.OpSend,
		PeerID:        peerID,
		Content:       content,
		AttachmentRef: attachment,
		State:         models.OpIssued,
		IssuedAt:      now,
	}
	g.mu.Lock()
	g.pending[op.Token] = op
	g.mu.Unlock()

	msg := models.Message{
		ClientKey:     op.Token,
		SenderID:      g.creds.UserID(),
		ReceiverID:    peerID,
		Content:       content,
		AttachmentRef: attachment,
		Timestamp:     now,
		Status:        models.StatusPending,
	}
	return *op, msg
}

// CompleteSend performs the round trip for a registered send. On success the
// operation is confirmed and the server's message returned with the
// correlation token attached; on failure it is marked failed and kept until
// it is retried or forgotten.
func (g *Gateway) CompleteSend(ctx context.Context, token string) (models.Message, error) {
	g.mu.Lock()
	op, ok := g.pending[token]
	if !ok || op.Kind != models.OpSend {
		g.mu.Unlock()
		return models.Message{}, &Error{Kind: ErrNotFound, Op: "send", Message: "unknown correlation token"}
	}
	op.State = models.OpIssued
	op.Err = ""
	body := models.SendMessageRequest{
		ReceiverID:    op.PeerID,
		Content:       op.Content,
		AttachmentRef: op.AttachmentRef,
		ClientKey:     op.Token,
	}
	g.mu.Unlock()

	var env models.Envelope[models.Message]
	err := g.do(ctx, request{op: "send", method: fasthttp.MethodPost, path: "/messages", body: body}, &env)
	if err == nil && !env.Data.Confirmed() {
		err = &Error{Kind: ErrNetwork, Op: "send", Message: "response without message id"}
	}
	if err != nil {
		g.resolve(token, models.OpFailed, err)
		logger.Warn("send_failed", "token", token, "peer", body.ReceiverID, "kind", KindOf(err), "error", err)
		return models.Message{}, err
	}
	g.resolve(token, models.OpConfirmed, nil)
	msg := env.Data
	msg.ClientKey = token
	msg.Status = models.StatusConfirmed
	return msg, nil
}

// Send is BeginSend followed by CompleteSend, for callers that do not need
// the optimistic entry.
func (g *Gateway) Send(ctx context.Context, peerID, content, attachment string) (models.Message, error) {
	op, _ := g.BeginSend(peerID, content, attachment)
	return g.CompleteSend(ctx, op.Token)
}

// Edit replaces the content of message id. Concurrent edits of the same
// message coalesce: while one is in flight, later calls update the content
// to be written next and wait for the shared outcome.
func (g *Gateway) Edit(ctx context.Context, id int64, content string) (models.PendingOperation, error) {
	g.mu.Lock()
	if st, ok := g.edits[id]; ok && st.op.Kind == models.OpEdit {
		st.latest = content
		st.op.Content = content
		g.mu.Unlock()
		return g.wait(ctx, st)
	}
	prev := g.edits[id]
	st := g.track(models.OpEdit, id, content)
	g.mu.Unlock()

	if err := g.after(ctx, prev, st, id); err != nil {
		return *st.op, err
	}

	for {
		g.mu.Lock()
		content = st.latest
		g.mu.Unlock()

		err := g.do(ctx, request{
			op:     "edit",
			method: fasthttp.MethodPut,
			path:   "/messages/" + strconv.FormatInt(id, 10),
			body:   models.EditMessageRequest{Content: content},
		}, nil)

		g.mu.Lock()
		if err == nil && st.latest != content {
			g.mu.Unlock()
			continue
		}
		g.finish(id, st, err)
		op := *st.op
		g.mu.Unlock()
		return op, err
	}
}

// Delete removes message id. It waits for an in-flight edit of the same
// message before issuing the request.
func (g *Gateway) Delete(ctx context.Context, id int64) (models.PendingOperation, error) {
	g.mu.Lock()
	prev := g.edits[id]
	if prev != nil && prev.op.Kind == models.OpDelete {
		g.mu.Unlock()
		return g.wait(ctx, prev)
	}
	st := g.track(models.OpDelete, id, "")
	g.mu.Unlock()

	if err := g.after(ctx, prev, st, id); err != nil {
		return *st.op, err
	}

	err := g.do(ctx, request{
		op:     "delete",
		method: fasthttp.MethodDelete,
		path:   "/messages/" + strconv.FormatInt(id, 10),
	}, nil)

	g.mu.Lock()
	g.finish(id, st, err)
	op := *st.op
	g.mu.Unlock()
	return op, err
}

// Retry re-arms a failed send so CompleteSend can run again.
func (g *Gateway) Retry(token string) (models.PendingOperation, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	op, ok := g.pending[token]
	if !ok || op.Kind != models.OpSend || op.State != models.OpFailed {
		return models.PendingOperation{}, false
	}
	op.State = models.OpIssued
	op.Err = ""
	return *op, true
}

// Forget drops a send from the registry, used when a failed send is discarded.
func (g *Gateway) Forget(token string) {
	g.mu.Lock()
	delete(g.pending, token)
	g.mu.Unlock()
}

// operation returns the current state of a registered operation.
func (g *Gateway) operation(token string) (models.PendingOperation, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	op, ok := g.pending[token]
	if !ok {
		return models.PendingOperation{}, false
	}
	return *op, true
}

// Pending lists registered operations that are not confirmed, oldest first.
func (g *Gateway) Pending() []models.PendingOperation {
	g.mu.Lock()
	out := make([]models.PendingOperation, 0, len(g.pending))
	for _, op := range g.pending {
		out = append(out, *op)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

// track registers an edit or delete; g.mu must be held.
func (g *Gateway) track(kind models.OpKind, id int64, content string) *inflight {
	op := &models.PendingOperation{
		Token:     g.newToken(),
		Kind:      kind,
		MessageID: id,
		Content:   content,
		State:     models.OpIssued,
		IssuedAt:  g.now(),
	}
	st := &inflight{op: op, latest: content, done: make(chan struct{})}
	g.edits[id] = st
	g.pending[op.Token] = op
	return st
}

// finish resolves an edit or delete; g.mu must be held.
func (g *Gateway) finish(id int64, st *inflight, err error) {
	if g.edits[id] == st {
		delete(g.edits, id)
	}
	delete(g.pending, st.op.Token)
	st.err = err
	if err != nil {
		st.op.State = models.OpFailed
		st.op.Err = err.Error()
		if !errors.Is(err, ErrNotFound) {
			logger.Warn("command_failed", "kind", st.op.Kind, "message_id", id, "error_kind", KindOf(err), "error", err)
		}
	} else {
		st.op.State = models.OpConfirmed
	}
	close(st.done)
}

// after blocks until prev, the earlier operation on the same message, is
// resolved. If ctx ends first, st is failed and the error returned.
func (g *Gateway) after(ctx context.Context, prev, st *inflight, id int64) error {
	if prev == nil {
		return nil
	}
	select {
	case <-prev.done:
		return nil
	case <-ctx.Done():
		err := &Error{Kind: ErrNetwork, Op: string(st.op.Kind), Err: ctx.Err()}
		g.mu.Lock()
		g.finish(id, st, err)
		g.mu.Unlock()
		return err
	}
}

func (g *Gateway) wait(ctx context.Context, st *inflight) (models.PendingOperation, error) {
	select {
	case <-st.done:
		g.mu.Lock()
		op := *st.op
		g.mu.Unlock()
		return op, st.err
	case <-ctx.Done():
		return models.PendingOperation{}, &Error{Kind: ErrNetwork, Op: string(st.op.Kind), Err: ctx.Err()}
	}
}

// resolve settles a send. Confirmed sends leave the registry.
func (g *Gateway) resolve(token string, state models.OpState, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	op, ok := g.pending[token]
	if !ok {
		return
	}
	op.State = state
	if err != nil {
		op.Err = err.Error()
	}
	if state == models.OpConfirmed {
		delete(g.pending, token)
	}
}
