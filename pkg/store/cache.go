package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

const defaultMaxPerPeer = 200

var ErrClosed = errors.New("cache closed")

type Options struct {
	// MaxPerPeer bounds the messages kept per conversation; the newest win.
	MaxPerPeer int
	// FS overrides the filesystem, e.g. vfs.NewMem() in tests.
	FS vfs.FS
}

// PeerSummary describes one cached conversation.
type PeerSummary struct {
	PeerID   string    `json:"peerId"`
	Messages int       `json:"messages"`
	Newest   time.Time `json:"newest"`
	SavedAt  time.Time `json:"savedAt"`
}

// Cache is a pebble-backed store of confirmed conversation messages.
// It satisfies reconcile.Cache.
type Cache struct {
	mu   sync.RWMutex
	db   *pebble.DB
	path string
	max  int
	now  func() time.Time
}

func Open(path string, opts Options) (*Cache, error) {
	if opts.MaxPerPeer <= 0 {
		opts.MaxPerPeer = defaultMaxPerPeer
	}
	popts := &pebble.Options{}
	if opts.FS != nil {
		popts.FS = opts.FS
	}
	db, err := pebble.Open(path, popts)
	if err != nil {
		logger.Error("cache_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	logger.Debug("cache_opened", "path", path)
	return &Cache{db: db, path: path, max: opts.MaxPerPeer, now: time.Now}, nil
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// SaveConversation replaces the cached messages of peerID with the newest
// MaxPerPeer confirmed entries of msgs.
func (c *Cache) SaveConversation(peerID string, msgs []models.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return ErrClosed
	}

	keep := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Confirmed() {
			keep = append(keep, m)
		}
	}
	sort.SliceStable(keep, func(i, j int) bool { return keep[i].Less(keep[j]) })
	if len(keep) > c.max {
		keep = keep[len(keep)-c.max:]
	}

	prefix := genMessagePrefix(peerID)
	b := c.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange([]byte(prefix), upperBound(prefix), nil); err != nil {
		return fmt.Errorf("clear cached conversation: %w", err)
	}
	for _, m := range keep {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message %d: %w", m.ID, err)
		}
		if err := b.Set([]byte(genMessageKey(peerID, m.Timestamp, m.ID)), data, nil); err != nil {
			return fmt.Errorf("stage message %d: %w", m.ID, err)
		}
	}
	sum := PeerSummary{PeerID: peerID, Messages: len(keep), SavedAt: c.now().UTC()}
	if len(keep) > 0 {
		sum.Newest = keep[len(keep)-1].Timestamp
	}
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := b.Set([]byte(genPeerKey(peerID)), data, nil); err != nil {
		return fmt.Errorf("stage summary: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("cache_save_failed", "peer", peerID, "error", err)
		return fmt.Errorf("commit cached conversation: %w", err)
	}
	logger.Debug("cache_saved", "peer", peerID, "messages", len(keep))
	return nil
}

// LoadConversation returns the cached messages of peerID in ascending
// order. An unknown peer yields no messages and no error.
func (c *Cache) LoadConversation(peerID string) ([]models.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil, ErrClosed
	}

	prefix := genMessagePrefix(peerID)
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var out []models.Message
	for iter.First(); iter.Valid(); iter.Next() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("cache_bad_entry", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate cached conversation: %w", err)
	}
	return out, nil
}

// Peers lists the cached conversations, most recently saved first.
func (c *Cache) Peers() ([]PeerSummary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil, ErrClosed
	}

	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(peerPrefix),
		UpperBound: upperBound(peerPrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var out []PeerSummary
	for iter.First(); iter.Valid(); iter.Next() {
		var s PeerSummary
		if err := json.Unmarshal(iter.Value(), &s); err != nil {
			logger.Warn("cache_bad_summary", "key", string(iter.Key()), "error", err)
			continue
		}
		if s.PeerID == "" {
			if s.PeerID, err = parsePeerKey(string(iter.Key())); err != nil {
				continue
			}
		}
		out = append(out, s)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate cached peers: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out, nil
}

// Forget drops everything cached for peerID.
func (c *Cache) Forget(peerID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return ErrClosed
	}
	prefix := genMessagePrefix(peerID)
	b := c.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange([]byte(prefix), upperBound(prefix), nil); err != nil {
		return err
	}
	if err := b.Delete([]byte(genPeerKey(peerID)), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}
