package index

import "sync/atomic"

// hashedBuckets is the fixed bucket count used by the hashed backend,
// matching the table size in original_source/src/core/indexes/hashed.c.
const hashedBuckets = 1024

// Hashed is a chained hash table index keyed by Key.hash() modulo
// hashedBuckets. Iteration order is bucket order then chain order; it
// is stable across calls absent mutation but carries no relationship
// to insertion order.
type Hashed struct {
	buckets [hashedBuckets][]*hashedEntry
	count   int
	ser     uint64
}

type hashedEntry struct {
	key   Key
	value interface{}
}

// NewHashed returns an empty Hashed index.
func NewHashed() *Hashed {
	return &Hashed{}
}

func (h *Hashed) bucketFor(key Key) int {
	return int(key.hash() % hashedBuckets)
}

func (h *Hashed) Insert(key Key, value interface{}) bool {
	b := h.bucketFor(key)
	for _, e := range h.buckets[b] {
		if e.key.Equal(key) {
			e.value = value
			atomic.AddUint64(&h.ser, 1)
			return true
		}
	}
	h.buckets[b] = append(h.buckets[b], &hashedEntry{key: key, value: value})
	h.count++
	atomic.AddUint64(&h.ser, 1)
	return false
}

func (h *Hashed) Find(key Key) (interface{}, bool) {
	b := h.bucketFor(key)
	for _, e := range h.buckets[b] {
		if e.key.Equal(key) {
			return e.value, true
		}
	}
	return nil, false
}

func (h *Hashed) Delete(key Key) bool {
	b := h.bucketFor(key)
	chain := h.buckets[b]
	for i, e := range chain {
		if e.key.Equal(key) {
			h.buckets[b] = append(chain[:i], chain[i+1:]...)
			h.count--
			atomic.AddUint64(&h.ser, 1)
			return true
		}
	}
	return false
}

func (h *Hashed) Truncate() {
	for i := range h.buckets {
		h.buckets[i] = nil
	}
	h.count = 0
	atomic.AddUint64(&h.ser, 1)
}

func (h *Hashed) Len() int { return h.count }

func (h *Hashed) serial() uint64 { return atomic.LoadUint64(&h.ser) }

func (h *Hashed) snapshot() []entry {
	out := make([]entry, 0, h.count)
	for _, chain := range h.buckets {
		for _, e := range chain {
			out = append(out, entry{key: e.key, value: e.value})
		}
	}
	return out
}

func (h *Hashed) Cursor() Cursor {
	return newGenericCursor(h.snapshot, h.serial)
}
