package index

import (
	"sort"
	"sync/atomic"
)

// Tree is an index kept in key order at all times, used where magma's
// C source walks a balanced tree for a range-ordered listing (e.g. a
// folder's messages by arrival order). This implementation keeps a
// sorted slice rather than a balanced tree proper; callers needing
// tree semantics only rely on ordered iteration and O(log n) lookup,
// both of which a sorted slice provides.
type Tree struct {
	entries []*hashedEntry // reuse the (key, value) pair shape
	ser     uint64
}

// NewTree returns an empty Tree index.
func NewTree() *Tree {
	return &Tree{}
}

func (t *Tree) search(key Key) (int, bool) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return !t.entries[i].key.Less(key)
	})
	if i < len(t.entries) && t.entries[i].key.Equal(key) {
		return i, true
	}
	return i, false
}

func (t *Tree) Insert(key Key, value interface{}) bool {
	i, found := t.search(key)
	if found {
		t.entries[i].value = value
		atomic.AddUint64(&t.ser, 1)
		return true
	}
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = &hashedEntry{key: key, value: value}
	atomic.AddUint64(&t.ser, 1)
	return false
}

func (t *Tree) Find(key Key) (interface{}, bool) {
	if i, found := t.search(key); found {
		return t.entries[i].value, true
	}
	return nil, false
}

func (t *Tree) Delete(key Key) bool {
	i, found := t.search(key)
	if !found {
		return false
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	atomic.AddUint64(&t.ser, 1)
	return true
}

func (t *Tree) Truncate() {
	t.entries = nil
	atomic.AddUint64(&t.ser, 1)
}

func (t *Tree) Len() int { return len(t.entries) }

func (t *Tree) serial() uint64 { return atomic.LoadUint64(&t.ser) }

func (t *Tree) snapshot() []entry {
	out := make([]entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = entry{key: e.key, value: e.value}
	}
	return out
}

func (t *Tree) Cursor() Cursor {
	return newGenericCursor(t.snapshot, t.serial)
}
