package reconcile

import (
	"container/list"
	"time"
)

type mutationKind uint8

const (
	mutationEdit mutationKind = iota + 1
	mutationDelete
)

// mutation is an edit or delete that arrived before the message it targets.
type mutation struct {
	id      int64
	kind    mutationKind
	content string
	at      time.Time
}

// mutationBuffer holds the most recent mutations keyed by message id, in
// arrival order. It is bounded by limit and entries expire after ttl.
type mutationBuffer struct {
	limit int
	ttl   time.Duration
	order *list.List
	byID  map[int64]*list.Element
	now   func() time.Time
}

func newMutationBuffer(limit int, ttl time.Duration, now func() time.Time) *mutationBuffer {
	return &mutationBuffer{
		limit: limit,
		ttl:   ttl,
		order: list.New(),
		byID:  make(map[int64]*list.Element),
		now:   now,
	}
}

// put records m. The latest mutation per id wins, except that an edit never
// replaces a pending delete.
func (b *mutationBuffer) put(m mutation) {
	m.at = b.now()
	if el, ok := b.byID[m.id]; ok {
		cur := el.Value.(*mutation)
		if cur.kind == mutationDelete && m.kind == mutationEdit {
			return
		}
		*cur = m
		b.order.MoveToBack(el)
		mutations.WithLabelValues("deferred").Inc()
		return
	}
	b.byID[m.id] = b.order.PushBack(&m)
	mutations.WithLabelValues("deferred").Inc()
	for b.order.Len() > b.limit {
		b.remove(b.order.Front())
		mutations.WithLabelValues("evicted").Inc()
	}
}

// take removes and returns the live mutation for id.
func (b *mutationBuffer) take(id int64) (mutation, bool) {
	el, ok := b.byID[id]
	if !ok {
		return mutation{}, false
	}
	m := *el.Value.(*mutation)
	b.remove(el)
	if b.expired(m) {
		mutations.WithLabelValues("expired").Inc()
		return mutation{}, false
	}
	return m, true
}

// ids lists buffered ids, oldest first.
func (b *mutationBuffer) ids() []int64 {
	out := make([]int64, 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*mutation).id)
	}
	return out
}

// sweep drops expired entries and returns how many were dropped.
func (b *mutationBuffer) sweep() int {
	n := 0
	for el := b.order.Front(); el != nil; {
		m := el.Value.(*mutation)
		if !b.expired(*m) {
			break
		}
		next := el.Next()
		b.remove(el)
		n++
		el = next
	}
	if n > 0 {
		mutations.WithLabelValues("expired").Add(float64(n))
	}
	return n
}

func (b *mutationBuffer) len() int { return b.order.Len() }

func (b *mutationBuffer) expired(m mutation) bool {
	return b.ttl > 0 && b.now().Sub(m.at) > b.ttl
}

func (b *mutationBuffer) remove(el *list.Element) {
	delete(b.byID, el.Value.(*mutation).id)
	b.order.Remove(el)
}
