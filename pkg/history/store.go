package history

import (
	"sort"
	"time"

	"chatsync/pkg/models"
)

// Store is the ordered message buffer of the active conversation.
//
// Messages are kept ascending by (timestamp, id). Confirmed messages are
// unique by id; optimistic entries have no id and are addressed by their
// client key. Every operation is total: a mismatched peer or an unknown id
// is a silent no-op and the boolean result reports whether anything changed.
//
// Store is not safe for concurrent use; the reconciler is its only writer.
type Store struct {
	peerID       string
	messages     []models.Message
	ids          map[int64]struct{}
	deleted      map[int64]struct{}
	hasMoreOlder bool
}

func New() *Store {
	return &Store{ids: make(map[int64]struct{}), deleted: make(map[int64]struct{})}
}

// Reset empties the buffer and makes peerID the active conversation.
func (s *Store) Reset(peerID string) {
	s.peerID = peerID
	s.messages = nil
	s.ids = make(map[int64]struct{})
	s.deleted = make(map[int64]struct{})
	s.hasMoreOlder = false
}

func (s *Store) PeerID() string { return s.peerID }

func (s *Store) HasMoreOlder() bool { return s.hasMoreOlder }

func (s *Store) Len() int { return len(s.messages) }

// Contains reports whether a confirmed message with id is buffered.
func (s *Store) Contains(id int64) bool {
	_, ok := s.ids[id]
	return ok
}

// Messages returns a copy of the buffer.
func (s *Store) Messages() []models.Message {
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Confirmed returns a copy of the confirmed messages only.
func (s *Store) Confirmed() []models.Message {
	out := make([]models.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.Confirmed() {
			out = append(out, m)
		}
	}
	return out
}

// Get returns the confirmed message with id.
func (s *Store) Get(id int64) (models.Message, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.messages[i], true
	}
	return models.Message{}, false
}

// Pending returns the optimistic entry for clientKey.
func (s *Store) Pending(clientKey string) (models.Message, bool) {
	if i := s.indexOfKey(clientKey); i >= 0 {
		return s.messages[i], true
	}
	return models.Message{}, false
}

// OldestLoaded is the pagination cursor: the timestamp of the oldest
// confirmed message, or the zero time when none is loaded.
func (s *Store) OldestLoaded() time.Time {
	for _, m := range s.messages {
		if m.Confirmed() {
			return m.Timestamp
		}
	}
	return time.Time{}
}

// Load seeds the buffer with a page, replacing every confirmed message.
// Optimistic and failed entries are kept in place.
func (s *Store) Load(peerID string, page []models.Message, requested int) bool {
	if peerID != s.peerID {
		return false
	}
	kept := s.unconfirmed()
	s.messages = nil
	s.ids = make(map[int64]struct{})
	for _, m := range page {
		s.insertConfirmed(m)
	}
	for _, m := range kept {
		s.insertSorted(m)
	}
	s.hasMoreOlder = requested > 0 && len(page) >= requested
	return true
}

// Refresh merges the newest page after a gap. Confirmed messages inside the
// window the page covers are replaced by it, so deletions that happened
// during the gap disappear. Older loaded messages are kept unless the page
// is short, which means nothing older exists; messages newer than the page
// arrived while it was in flight and are kept too.
//
// A full page that overlaps no loaded message means more than a page
// arrived during the gap. The older messages are then dropped so the buffer
// stays contiguous and LoadOlder pages back from the fresh window.
func (s *Store) Refresh(peerID string, page []models.Message, requested int) bool {
	if peerID != s.peerID {
		return false
	}
	full := requested > 0 && len(page) >= requested
	var windowStart, windowEnd time.Time
	empty := true
	for _, m := range page {
		if !m.Confirmed() {
			continue
		}
		if empty || m.Timestamp.Before(windowStart) {
			windowStart = m.Timestamp
		}
		if empty || m.Timestamp.After(windowEnd) {
			windowEnd = m.Timestamp
		}
		empty = false
	}

	gap := full && !empty && !s.overlaps(windowStart, windowEnd)

	next := make([]models.Message, 0, len(s.messages))
	ids := make(map[int64]struct{})
	olderKept := false
	for _, m := range s.messages {
		if !m.Confirmed() {
			next = append(next, m)
			continue
		}
		older := full && !gap && m.Timestamp.Before(windowStart)
		newer := !empty && m.Timestamp.After(windowEnd)
		if older || newer {
			next = append(next, m)
			ids[m.ID] = struct{}{}
		}
		if older {
			olderKept = true
		}
	}
	s.messages = next
	s.ids = ids
	for _, m := range page {
		s.insertConfirmed(m)
	}
	if !olderKept {
		s.hasMoreOlder = full
	}
	return true
}

// overlaps reports whether a buffered confirmed message lies within
// [start, end].
func (s *Store) overlaps(start, end time.Time) bool {
	for _, m := range s.messages {
		if m.Confirmed() && !m.Timestamp.Before(start) && !m.Timestamp.After(end) {
			return true
		}
	}
	return false
}

// PrependOlder merges an older page into the buffer. It is rejected when the
// page belongs to a conversation that is no longer active.
func (s *Store) PrependOlder(peerID string, older []models.Message, requested int) bool {
	if peerID != s.peerID {
		return false
	}
	for _, m := range older {
		s.insertConfirmed(m)
	}
	s.hasMoreOlder = requested > 0 && len(older) >= requested
	return true
}

// ApplyInsert inserts a confirmed message at its ordered position. A message
// whose id is already buffered is ignored.
func (s *Store) ApplyInsert(peerID string, m models.Message) bool {
	if peerID != s.peerID {
		return false
	}
	return s.insertConfirmed(m)
}

// ApplyEdit replaces the content of a confirmed message.
func (s *Store) ApplyEdit(peerID string, id int64, content string) bool {
	if peerID != s.peerID {
		return false
	}
	i := s.indexOf(id)
	if i < 0 || s.messages[i].Content == content {
		return false
	}
	s.messages[i].Content = content
	return true
}

// ApplyDelete removes a confirmed message.
func (s *Store) ApplyDelete(peerID string, id int64) bool {
	if peerID != s.peerID {
		return false
	}
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.removeAt(i)
	delete(s.ids, id)
	s.deleted[id] = struct{}{}
	return true
}

// InsertPending adds an optimistic entry. At most one entry exists per
// client key.
func (s *Store) InsertPending(peerID string, m models.Message) bool {
	if peerID != s.peerID || m.ClientKey == "" || m.Confirmed() {
		return false
	}
	if s.indexOfKey(m.ClientKey) >= 0 {
		return false
	}
	if m.Status == "" {
		m.Status = models.StatusPending
	}
	s.insertSorted(m)
	return true
}

// Confirm promotes the optimistic entry for clientKey to the confirmed
// message. The entry is replaced in place when the server timestamp keeps
// the buffer ordered, otherwise it moves to its ordered position. When the
// confirmed id is already buffered, or was deleted, the optimistic entry is
// dropped instead.
func (s *Store) Confirm(peerID, clientKey string, m models.Message) bool {
	if peerID != s.peerID || !m.Confirmed() {
		return false
	}
	i := s.indexOfKey(clientKey)
	if i < 0 {
		return false
	}
	if _, gone := s.deleted[m.ID]; gone || s.Contains(m.ID) {
		s.removeAt(i)
		return true
	}
	m.ClientKey = clientKey
	m.Status = models.StatusConfirmed
	m.Error = ""
	s.ids[m.ID] = struct{}{}

	inOrder := (i == 0 || s.messages[i-1].Less(m)) &&
		(i == len(s.messages)-1 || m.Less(s.messages[i+1]))
	if inOrder {
		s.messages[i] = m
		return true
	}
	s.removeAt(i)
	s.insertSorted(m)
	return true
}

// MarkFailed flags the optimistic entry for clientKey as failed. The entry
// stays in the buffer until it is retried or discarded.
func (s *Store) MarkFailed(peerID, clientKey, reason string) bool {
	if peerID != s.peerID {
		return false
	}
	i := s.indexOfKey(clientKey)
	if i < 0 {
		return false
	}
	s.messages[i].Status = models.StatusFailed
	s.messages[i].Error = reason
	return true
}

// MarkPending moves a failed entry back to pending for a retry.
func (s *Store) MarkPending(peerID, clientKey string) bool {
	if peerID != s.peerID {
		return false
	}
	i := s.indexOfKey(clientKey)
	if i < 0 || s.messages[i].Status == models.StatusPending {
		return false
	}
	s.messages[i].Status = models.StatusPending
	s.messages[i].Error = ""
	return true
}

// Discard removes an unconfirmed entry.
func (s *Store) Discard(peerID, clientKey string) bool {
	if peerID != s.peerID {
		return false
	}
	i := s.indexOfKey(clientKey)
	if i < 0 {
		return false
	}
	s.removeAt(i)
	return true
}

func (s *Store) insertConfirmed(m models.Message) bool {
	if !m.Confirmed() {
		return false
	}
	if _, ok := s.ids[m.ID]; ok {
		return false
	}
	// deleted messages are never resurrected by a late delivery
	if _, ok := s.deleted[m.ID]; ok {
		return false
	}
	m.Status = models.StatusConfirmed
	s.ids[m.ID] = struct{}{}
	s.insertSorted(m)
	return true
}

// insertSorted places m after every entry that does not sort after it.
func (s *Store) insertSorted(m models.Message) {
	i := sort.Search(len(s.messages), func(i int) bool {
		return m.Less(s.messages[i])
	})
	s.messages = append(s.messages, models.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
}

func (s *Store) removeAt(i int) {
	copy(s.messages[i:], s.messages[i+1:])
	s.messages[len(s.messages)-1] = models.Message{}
	s.messages = s.messages[:len(s.messages)-1]
}

func (s *Store) unconfirmed() []models.Message {
	var out []models.Message
	for _, m := range s.messages {
		if !m.Confirmed() {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) indexOf(id int64) int {
	if _, ok := s.ids[id]; !ok {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) indexOfKey(clientKey string) int {
	if clientKey == "" {
		return -1
	}
	for i := range s.messages {
		if !s.messages[i].Confirmed() && s.messages[i].ClientKey == clientKey {
			return i
		}
	}
	return -1
}
