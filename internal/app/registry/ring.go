package registry

import "github.com/google/uuid"

// ring is a fixed-capacity map that evicts its oldest key on overflow.
type ring[K comparable, V any] struct {
	values map[K]V
	order  []K
	head   int
	size   int
}

func newRing[K comparable, V any](capacity int) *ring[K, V] {
	return &ring[K, V]{
		values: make(map[K]V, capacity),
		order:  make([]K, capacity),
	}
}

// put inserts or updates k and reports whether an old entry was evicted.
func (r *ring[K, V]) put(k K, v V) bool {
	if _, ok := r.values[k]; ok {
		r.values[k] = v
		return false
	}
	evicted := false
	if r.size == len(r.order) {
		delete(r.values, r.order[r.head])
		r.head = (r.head + 1) % len(r.order)
		r.size--
		evicted = true
	}
	r.order[(r.head+r.size)%len(r.order)] = k
	r.size++
	r.values[k] = v
	return evicted
}

// oldest returns the key that the next overflow evicts.
func (r *ring[K, V]) oldest() (K, bool) {
	var zero K
	if r.size == 0 {
		return zero, false
	}
	return r.order[r.head], true
}

func (r *ring[K, V]) get(k K) (V, bool) {
	v, ok := r.values[k]
	return v, ok
}

func (r *ring[K, V]) contains(k K) bool {
	_, ok := r.values[k]
	return ok
}

func (r *ring[K, V]) len() int { return r.size }

// keys returns the live keys oldest first.
func (r *ring[K, V]) keys() []K {
	out := make([]K, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.order[(r.head+i)%len(r.order)])
	}
	return out
}

// biRing is a one-to-one action id <-> ledger tx id map with oldest-first eviction.
type biRing struct {
	forward *ring[uuid.UUID, string]
	reverse map[string]uuid.UUID
}

func newBiRing(capacity int) *biRing {
	return &biRing{
		forward: newRing[uuid.UUID, string](capacity),
		reverse: make(map[string]uuid.UUID, capacity),
	}
}

func (b *biRing) put(id uuid.UUID, tx string) bool {
	if old, ok := b.forward.get(id); ok {
		delete(b.reverse, old)
	} else if b.forward.len() == len(b.forward.order) {
		if oldestID, ok := b.forward.oldest(); ok {
			oldTx, _ := b.forward.get(oldestID)
			delete(b.reverse, oldTx)
		}
	}
	evicted := b.forward.put(id, tx)
	b.reverse[tx] = id
	return evicted
}

func (b *biRing) byAction(id uuid.UUID) (string, bool) { return b.forward.get(id) }

func (b *biRing) byTx(tx string) (uuid.UUID, bool) {
	id, ok := b.reverse[tx]
	return id, ok
}

func (b *biRing) len() int { return b.forward.len() }

// txs returns bound transactions in bind order.
func (b *biRing) txs() []string {
	ids := b.forward.keys()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		tx, _ := b.forward.get(id)
		out = append(out, tx)
	}
	return out
}
