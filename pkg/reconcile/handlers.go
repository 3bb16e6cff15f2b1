package reconcile

import (
	"context"

	"chatsync/pkg/gateway"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

func (r *Reconciler) handle(it Item) {
	switch it.Kind {
	case KindOpen:
		r.handleOpen(it)
	case KindLoadOlder:
		r.handleLoadOlder()
	case KindRefresh:
		r.handleRefresh()
	case KindHistory:
		r.handleHistory(it)
	case KindHistoryFailed:
		r.handleHistoryFailed(it)
	case KindOlder:
		r.handleOlder(it)
	case KindOlderFailed:
		r.handleOlderFailed(it)
	case KindRefreshed:
		r.handleRefreshed(it)
	case KindRefreshFailed:
		r.handleRefreshFailed(it)
	case KindEvent:
		r.handleEvent(*it.Event)
	case KindSendIssued:
		r.handleSendIssued(it)
	case KindSendConfirmed:
		r.accept(*it.Message, it.Token)
	case KindSendFailed:
		r.handleSendFailed(it)
	case KindRetry:
		r.handleRetry(it)
	case KindDiscard:
		r.handleDiscard(it)
	case KindEditApplied:
		r.mutate(mutation{id: it.MessageID, kind: mutationEdit, content: it.Content})
	case KindDeleteApplied:
		r.mutate(mutation{id: it.MessageID, kind: mutationDelete})
	default:
		logger.Warn("reconcile_unknown_item", "kind", it.Kind)
	}
}

func (r *Reconciler) handleOpen(it Item) {
	prev := r.store.PeerID()
	r.saveCache()

	peer := it.PeerID
	r.generation = it.Generation
	r.store.Reset(peer)
	r.state = StateLoading
	r.loadingOlder = false
	r.fetching = false
	r.lastErr = nil
	r.overflowed = false

	for _, e := range r.outbox {
		if e.op.PeerID == peer {
			r.store.InsertPending(peer, e.msg)
		}
	}
	if r.opts.Cache != nil {
		cached, err := r.opts.Cache.LoadConversation(peer)
		if err != nil {
			logger.Warn("reconcile_cache_load_failed", "peer", peer, "error", err)
		} else if len(cached) > 0 {
			// preview only; the fetched page replaces it
			r.store.Load(peer, cached, 0)
		}
	}
	r.presence.MarkRead(peer)
	logger.Info("reconcile_open", "peer", peer, "previous", prev, "generation", r.generation)

	r.fetchInitial()
	if r.opts.MarkReadOnOpen && peer != prev {
		r.spawn(func(ctx context.Context) {
			if err := r.gw.UpdateChatStatus(ctx, peer, prev); err != nil {
				logger.Warn("reconcile_chat_status_failed", "peer", peer, "error", err)
			}
		})
	}
}

func (r *Reconciler) fetchInitial() {
	r.fetching = true
	gen, peer := r.generation, r.store.PeerID()
	r.spawn(func(ctx context.Context) {
		page, err := r.gw.FetchHistory(ctx, models.HistoryRequest{PeerID: peer, Count: r.opts.PageSize, Sort: r.opts.Sort})
		if err != nil {
			r.deliver(ctx, Item{Kind: KindHistoryFailed, Generation: gen, PeerID: peer, Err: err})
			return
		}
		r.deliver(ctx, Item{Kind: KindHistory, Generation: gen, PeerID: peer, Page: &page})
	})
}

func (r *Reconciler) handleLoadOlder() {
	if r.state != StateReady || r.loadingOlder || !r.store.HasMoreOlder() {
		return
	}
	cursor := r.store.OldestLoaded()
	if cursor.IsZero() {
		return
	}
	r.loadingOlder = true
	gen, peer := r.generation, r.store.PeerID()
	r.spawn(func(ctx context.Context) {
		page, err := r.gw.FetchHistory(ctx, models.HistoryRequest{PeerID: peer, Before: &cursor, Count: r.opts.PageSize, Sort: r.opts.Sort})
		if err != nil {
			r.deliver(ctx, Item{Kind: KindOlderFailed, Generation: gen, PeerID: peer, Err: err})
			return
		}
		r.deliver(ctx, Item{Kind: KindOlder, Generation: gen, PeerID: peer, Page: &page})
	})
}

func (r *Reconciler) handleRefresh() {
	switch r.state {
	case StateEmpty:
		return
	case StateLoading:
		if !r.fetching {
			logger.Info("reconcile_retry_initial_load", "peer", r.store.PeerID(), "generation", r.generation)
			r.fetchInitial()
		}
		return
	}
	if r.fetching {
		return
	}
	r.fetching = true
	gen, peer := r.generation, r.store.PeerID()
	r.spawn(func(ctx context.Context) {
		page, err := r.gw.FetchHistory(ctx, models.HistoryRequest{PeerID: peer, Count: r.opts.PageSize, Sort: r.opts.Sort})
		if err != nil {
			r.deliver(ctx, Item{Kind: KindRefreshFailed, Generation: gen, PeerID: peer, Err: err})
			return
		}
		r.deliver(ctx, Item{Kind: KindRefreshed, Generation: gen, PeerID: peer, Page: &page})
	})
}

// stale reports a history response for a generation that is no longer
// current.
func (r *Reconciler) stale(it Item) bool {
	if it.Generation == r.generation && it.PeerID == r.store.PeerID() {
		return false
	}
	staleDiscarded.Inc()
	logger.Debug("reconcile_stale_response", "kind", it.Kind, "peer", it.PeerID,
		"generation", it.Generation, "current", r.generation, "error", gateway.ErrStale)
	return true
}

func (r *Reconciler) handleHistory(it Item) {
	if r.stale(it) || r.state != StateLoading {
		return
	}
	page := it.Page
	r.fetching = false
	r.store.Load(it.PeerID, page.Messages, page.Requested)
	if page.PeerActive != nil {
		r.presence.SetActive(it.PeerID, *page.PeerActive)
	}
	r.state = StateReady
	r.lastErr = nil
	r.replayMutations()

	deferred := r.deferred
	r.deferred = nil
	for _, d := range deferred {
		r.handle(d)
	}
	logger.Debug("reconcile_ready", "peer", it.PeerID, "messages", r.store.Len(),
		"replayed", len(deferred), "has_more_older", r.store.HasMoreOlder())
	r.saveCache()
	if r.overflowed {
		r.overflowed = false
		logger.Info("reconcile_overflow_refresh", "peer", it.PeerID)
		r.handleRefresh()
	}
}

func (r *Reconciler) handleHistoryFailed(it Item) {
	if r.stale(it) || r.state != StateLoading {
		return
	}
	r.fetching = false
	logger.Warn("reconcile_load_failed", "peer", it.PeerID, "kind", gateway.KindOf(it.Err), "error", it.Err)
	r.fail(it.Err)
}

func (r *Reconciler) handleOlder(it Item) {
	if r.stale(it) {
		return
	}
	r.loadingOlder = false
	r.store.PrependOlder(it.PeerID, it.Page.Messages, it.Page.Requested)
	r.replayMutations()
	r.saveCache()
}

func (r *Reconciler) handleOlderFailed(it Item) {
	if r.stale(it) {
		return
	}
	r.loadingOlder = false
	logger.Warn("reconcile_load_older_failed", "peer", it.PeerID, "kind", gateway.KindOf(it.Err), "error", it.Err)
	r.fail(it.Err)
}

func (r *Reconciler) handleRefreshed(it Item) {
	if r.stale(it) {
		return
	}
	r.fetching = false
	page := it.Page
	r.store.Refresh(it.PeerID, page.Messages, page.Requested)
	if page.PeerActive != nil {
		r.presence.SetActive(it.PeerID, *page.PeerActive)
	}
	r.lastErr = nil
	r.replayMutations()
	r.saveCache()
}

func (r *Reconciler) handleRefreshFailed(it Item) {
	if r.stale(it) {
		return
	}
	r.fetching = false
	logger.Warn("reconcile_refresh_failed", "peer", it.PeerID, "kind", gateway.KindOf(it.Err), "error", it.Err)
	r.fail(it.Err)
}

func (r *Reconciler) handleEvent(ev models.Event) {
	switch ev.Type {
	case models.EventMessageCreated:
		if ev.Message != nil {
			r.accept(*ev.Message, ev.Message.ClientKey)
		}
	case models.EventMessageEdited:
		r.mutate(mutation{id: ev.MessageID, kind: mutationEdit, content: ev.Content})
	case models.EventMessageDeleted:
		r.mutate(mutation{id: ev.MessageID, kind: mutationDelete})
	case models.EventReconnected:
		logger.Info("reconcile_reconnect_refresh", "peer", r.store.PeerID())
		r.handleRefresh()
	default:
		r.presence.Apply(ev)
	}
}

// accept merges a confirmed message, from a send response or a push event.
// token is the correlation token when the source carries one.
func (r *Reconciler) accept(m models.Message, token string) {
	if !m.Confirmed() {
		return
	}
	entry := r.matchSend(m, token)
	if entry != nil {
		delete(r.outbox, entry.op.Token)
	}

	peer := m.Peer(r.self)
	if r.state == StateEmpty || peer != r.store.PeerID() {
		logger.Debug("reconcile_message_elsewhere", "message_id", m.ID, "peer", peer)
		return
	}
	dup := r.store.Contains(m.ID)
	if entry != nil && r.store.Confirm(peer, entry.op.Token, m) {
		if dup {
			duplicatesDropped.Inc()
		}
		r.replayFor(m.ID)
		return
	}
	if dup {
		duplicatesDropped.Inc()
		logger.Debug("reconcile_duplicate_delivery", "message_id", m.ID, "error", gateway.ErrDuplicate)
		return
	}
	if r.store.ApplyInsert(peer, m) {
		r.replayFor(m.ID)
	}
}

// matchSend finds the issued send a confirmed message answers. A token is
// authoritative; without one, the oldest issued send with the same payload
// from the current user is chosen.
func (r *Reconciler) matchSend(m models.Message, token string) *outboxEntry {
	if token != "" {
		if e, ok := r.outbox[token]; ok && e.op.State == models.OpIssued {
			return e
		}
		return nil
	}
	if m.SenderID != r.self {
		return nil
	}
	var best *outboxEntry
	for _, e := range r.outbox {
		if e.op.State != models.OpIssued || !e.msg.SameLogical(m) {
			continue
		}
		if best == nil || e.op.IssuedAt.Before(best.op.IssuedAt) {
			best = e
		}
	}
	return best
}

func (r *Reconciler) handleSendIssued(it Item) {
	op, msg := *it.Operation, *it.Message
	r.outbox[op.Token] = &outboxEntry{op: op, msg: msg}
	if r.state != StateEmpty && op.PeerID == r.store.PeerID() {
		r.store.InsertPending(op.PeerID, msg)
	}
	r.complete(op.Token)
}

func (r *Reconciler) complete(token string) {
	r.spawn(func(ctx context.Context) {
		m, err := r.gw.CompleteSend(ctx, token)
		if err != nil {
			r.deliver(ctx, Item{Kind: KindSendFailed, Token: token, Err: err})
			return
		}
		r.deliver(ctx, Item{Kind: KindSendConfirmed, Token: token, Message: &m})
	})
}

func (r *Reconciler) handleSendFailed(it Item) {
	e, ok := r.outbox[it.Token]
	if !ok {
		// already confirmed by a push event
		r.gw.Forget(it.Token)
		return
	}
	reason := it.Err.Error()
	e.op.State = models.OpFailed
	e.op.Err = reason
	e.msg.Status = models.StatusFailed
	e.msg.Error = reason
	r.store.MarkFailed(e.op.PeerID, it.Token, reason)
	logger.Warn("reconcile_send_failed", "peer", e.op.PeerID, "token", it.Token, "kind", gateway.KindOf(it.Err))
	r.fail(it.Err)
}

func (r *Reconciler) handleRetry(it Item) {
	e, ok := r.outbox[it.Token]
	if !ok || e.op.State != models.OpFailed {
		logger.Debug("reconcile_retry_ignored", "token", it.Token)
		return
	}
	if _, ok := r.gw.Retry(it.Token); !ok {
		return
	}
	e.op.State = models.OpIssued
	e.op.Err = ""
	e.op.IssuedAt = r.now()
	e.msg.Status = models.StatusPending
	e.msg.Error = ""
	r.store.MarkPending(e.op.PeerID, it.Token)
	r.complete(it.Token)
}

func (r *Reconciler) handleDiscard(it Item) {
	e, ok := r.outbox[it.Token]
	if !ok || e.op.State != models.OpFailed {
		logger.Debug("reconcile_discard_ignored", "token", it.Token)
		return
	}
	delete(r.outbox, it.Token)
	r.gw.Forget(it.Token)
	r.store.Discard(e.op.PeerID, it.Token)
}

// mutate applies an edit or delete to the active conversation, or holds it
// until the message it targets is inserted.
func (r *Reconciler) mutate(m mutation) {
	if r.state == StateReady && r.store.Contains(m.id) {
		r.apply(m)
		return
	}
	r.pendingMut.put(m)
	logger.Debug("reconcile_mutation_deferred", "message_id", m.id, "buffered", r.pendingMut.len())
}

func (r *Reconciler) apply(m mutation) {
	peer := r.store.PeerID()
	switch m.kind {
	case mutationEdit:
		r.store.ApplyEdit(peer, m.id, m.content)
	case mutationDelete:
		r.store.ApplyDelete(peer, m.id)
	}
}

func (r *Reconciler) replayFor(id int64) {
	if m, ok := r.pendingMut.take(id); ok {
		r.apply(m)
		mutations.WithLabelValues("replayed").Inc()
	}
}

func (r *Reconciler) replayMutations() {
	if r.pendingMut.len() == 0 {
		return
	}
	for _, id := range r.pendingMut.ids() {
		if r.store.Contains(id) {
			r.replayFor(id)
		}
	}
}

func (r *Reconciler) fail(err error) {
	if gateway.Visible(err) {
		r.lastErr = err
	}
	if gateway.IsAuth(err) && r.opts.OnAuthFailure != nil {
		r.opts.OnAuthFailure(err)
	}
}
