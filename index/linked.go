package index

import "sync/atomic"

// Linked is a doubly-linked list index: records keep insertion order,
// a new Insert of an existing key replaces the value in place without
// moving it. Grounded on original_source/src/core/indexes/linked.c's
// linked_record_t/linked_node_t.
type Linked struct {
	nodes []*linkedNode
	ser   uint64
}

type linkedNode struct {
	key   Key
	value interface{}
}

// NewLinked returns an empty Linked index.
func NewLinked() *Linked {
	return &Linked{}
}

func (l *Linked) indexOf(key Key) int {
	for i, n := range l.nodes {
		if n.key.Equal(key) {
			return i
		}
	}
	return -1
}

func (l *Linked) Insert(key Key, value interface{}) bool {
	if i := l.indexOf(key); i >= 0 {
		l.nodes[i].value = value
		atomic.AddUint64(&l.ser, 1)
		return true
	}
	l.nodes = append(l.nodes, &linkedNode{key: key, value: value})
	atomic.AddUint64(&l.ser, 1)
	return false
}

func (l *Linked) Find(key Key) (interface{}, bool) {
	if i := l.indexOf(key); i >= 0 {
		return l.nodes[i].value, true
	}
	return nil, false
}

func (l *Linked) Delete(key Key) bool {
	i := l.indexOf(key)
	if i < 0 {
		return false
	}
	l.nodes = append(l.nodes[:i], l.nodes[i+1:]...)
	atomic.AddUint64(&l.ser, 1)
	return true
}

func (l *Linked) Truncate() {
	l.nodes = nil
	atomic.AddUint64(&l.ser, 1)
}

func (l *Linked) Len() int { return len(l.nodes) }

func (l *Linked) serial() uint64 { return atomic.LoadUint64(&l.ser) }

func (l *Linked) snapshot() []entry {
	out := make([]entry, len(l.nodes))
	for i, n := range l.nodes {
		out[i] = entry{key: n.key, value: n.value}
	}
	return out
}

func (l *Linked) Cursor() Cursor {
	return newGenericCursor(l.snapshot, l.serial)
}
