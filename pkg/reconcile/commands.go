package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatsync/pkg/gateway"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

var (
	ErrNoConversation = errors.New("no conversation open")
	ErrEmptyMessage   = errors.New("message has no content")
)

// Open switches the active conversation to peerID. The switch is a hard
// reset: a new generation starts and responses for earlier generations are
// discarded when they arrive.
func (r *Reconciler) Open(peerID string) (uint64, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return 0, ErrNoConversation
	}
	gen := r.gen.Add(1)
	if err := r.inbox.Enqueue(Item{Kind: KindOpen, Generation: gen, PeerID: peerID}); err != nil {
		return 0, err
	}
	r.active.Store(peerID)
	return gen, nil
}

// LoadOlder fetches the page before the oldest loaded message. It is a
// no-op unless the conversation is Ready with more history to load.
func (r *Reconciler) LoadOlder() error {
	return r.inbox.Enqueue(Item{Kind: KindLoadOlder})
}

// Refresh re-fetches the newest page. While the initial load has failed it
// retries that load instead.
func (r *Reconciler) Refresh() error {
	return r.inbox.Enqueue(Item{Kind: KindRefresh})
}

// Send shows the message in the active conversation immediately and posts
// it in the background. The returned entry is addressed by its ClientKey
// until the server confirms it.
func (r *Reconciler) Send(content, attachment string) (models.Message, error) {
	peer, _ := r.active.Load().(string)
	if peer == "" {
		return models.Message{}, ErrNoConversation
	}
	if strings.TrimSpace(content) == "" && attachment == "" {
		return models.Message{}, ErrEmptyMessage
	}
	op, msg := r.gw.BeginSend(peer, content, attachment)
	if err := r.inbox.Enqueue(Item{Kind: KindSendIssued, PeerID: peer, Operation: &op, Message: &msg}); err != nil {
		r.gw.Forget(op.Token)
		return models.Message{}, err
	}
	return msg, nil
}

// Edit replaces the content of a confirmed message. A target that no longer
// exists is not an error.
func (r *Reconciler) Edit(ctx context.Context, id int64, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	op, err := r.gw.Edit(ctx, id, content)
	if err != nil {
		return r.commandError("edit", id, err)
	}
	return r.inbox.EnqueueWait(ctx, Item{Kind: KindEditApplied, MessageID: id, Content: op.Content})
}

// Delete removes a confirmed message. A target that no longer exists is not
// an error.
func (r *Reconciler) Delete(ctx context.Context, id int64) error {
	if _, err := r.gw.Delete(ctx, id); err != nil {
		return r.commandError("delete", id, err)
	}
	return r.inbox.EnqueueWait(ctx, Item{Kind: KindDeleteApplied, MessageID: id})
}

// Retry re-issues a failed send with its original correlation token.
func (r *Reconciler) Retry(clientKey string) error {
	return r.inbox.Enqueue(Item{Kind: KindRetry, Token: clientKey})
}

// Discard drops a failed send.
func (r *Reconciler) Discard(clientKey string) error {
	return r.inbox.Enqueue(Item{Kind: KindDiscard, Token: clientKey})
}

// Publish hands a push event to the reconciler without blocking.
func (r *Reconciler) Publish(ev models.Event) error {
	return r.inbox.Enqueue(Item{Kind: KindEvent, Event: &ev})
}

// Ingest enqueues a prepared item without blocking.
func (r *Reconciler) Ingest(it Item) error {
	if !it.valid() {
		return fmt.Errorf("reconcile: incomplete %s item", it.Kind)
	}
	return r.inbox.Enqueue(it)
}

func (r *Reconciler) commandError(op string, id int64, err error) error {
	if gateway.IsNotFound(err) {
		logger.Debug("reconcile_target_missing", "op", op, "message_id", id)
		// drop the local copy too; the server no longer has it
		if op == "delete" {
			_ = r.inbox.Enqueue(Item{Kind: KindDeleteApplied, MessageID: id})
		}
		return nil
	}
	if gateway.IsAuth(err) && r.opts.OnAuthFailure != nil {
		r.opts.OnAuthFailure(err)
	}
	return err
}
