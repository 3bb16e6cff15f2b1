package presence

import (
	"sort"
	"sync"
	"time"

	"chatsync/pkg/models"
)

// Tracker maps peer id to its last known presence. Updates are last write
// wins in delivery order; no history is kept.
type Tracker struct {
	mu    sync.RWMutex
	peers map[string]*models.Presence
	now   func() time.Time
}

func New() *Tracker {
	return &Tracker{peers: make(map[string]*models.Presence), now: time.Now}
}

func (t *Tracker) entry(peerID string) *models.Presence {
	p, ok := t.peers[peerID]
	if !ok {
		p = &models.Presence{PeerID: peerID}
		t.peers[peerID] = p
	}
	p.UpdatedAt = t.now()
	return p
}

// SetActive records the peer's active flag. It reports whether the value changed.
func (t *Tracker) SetActive(peerID string, active bool) bool {
	if peerID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.entry(peerID)
	changed := p.Active != active
	p.Active = active
	return changed
}

// SetStatusMessage records the peer's free-text status.
func (t *Tracker) SetStatusMessage(peerID, status string) bool {
	if peerID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.entry(peerID)
	changed := p.StatusMessage != status
	p.StatusMessage = status
	return changed
}

// SetUnread records the unread count of the conversation with peerID.
func (t *Tracker) SetUnread(peerID string, count int, isRead bool) bool {
	if peerID == "" {
		return false
	}
	if count < 0 {
		count = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.entry(peerID)
	changed := p.Unread != count || p.IsRead != isRead
	p.Unread = count
	p.IsRead = isRead
	return changed
}

// MarkRead clears the unread count, used when a conversation is opened.
func (t *Tracker) MarkRead(peerID string) bool {
	return t.SetUnread(peerID, 0, true)
}

// Seed replaces the known peers with a user list snapshot.
func (t *Tracker) Seed(users []models.User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for _, u := range users {
		if u.UserID == "" {
			continue
		}
		t.peers[u.UserID] = &models.Presence{
			PeerID:        u.UserID,
			Active:        u.IsActive,
			StatusMessage: u.StatusMessage,
			Unread:        u.MessageCount,
			IsRead:        u.IsRead,
			UpdatedAt:     now,
		}
	}
}

// Apply folds a presence-class push event into the tracker. Other event
// types are ignored.
func (t *Tracker) Apply(ev models.Event) bool {
	switch ev.Type {
	case models.EventPresenceChanged:
		return t.SetActive(ev.PeerID, ev.Active)
	case models.EventStatusMessageChanged:
		return t.SetStatusMessage(ev.PeerID, ev.StatusMessage)
	case models.EventUnreadCountChanged:
		return t.SetUnread(ev.PeerID, ev.UnreadCount, ev.IsRead)
	}
	return false
}

// Get returns a copy of the peer's presence.
func (t *Tracker) Get(peerID string) (models.Presence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[peerID]
	if !ok {
		return models.Presence{PeerID: peerID}, false
	}
	return *p, true
}

// All returns every known peer sorted by id.
func (t *Tracker) All() []models.Presence {
	t.mu.RLock()
	out := make([]models.Presence, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// UnreadTotal sums unread counts across peers.
func (t *Tracker) UnreadTotal() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, p := range t.peers {
		n += p.Unread
	}
	return n
}
