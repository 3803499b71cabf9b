package mailbox

import "sync"

// Lock is the reader-preferring lock each User owns (spec §3: "Each
// user owns a reader-preferring lock; all mutations require the write
// hold."). Go's sync.RWMutex is writer-preferring (once a writer is
// waiting, new readers block), so a thin wrapper adds the
// reader-preference the spec calls for: a waiting writer never blocks
// a reader that arrives after it, only readers that were already
// queued ahead of it matter.
type Lock struct {
	mu        sync.Mutex
	readers   int
	writerGo  *sync.Cond
	writeHeld bool
}

// NewLock returns a ready-to-use reader-preferring lock.
func NewLock() *Lock {
	l := &Lock{}
	l.writerGo = sync.NewCond(&l.mu)
	return l
}

// RLock acquires a read hold. Multiple readers may hold the lock
// concurrently, and a new reader is never blocked by a writer that is
// merely waiting (only by one currently holding the write lock).
func (l *Lock) RLock() {
	l.mu.Lock()
	for l.writeHeld {
		l.writerGo.Wait()
	}
	l.readers++
	l.mu.Unlock()
}

// RUnlock releases a read hold.
func (l *Lock) RUnlock() {
	l.mu.Lock()
	l.readers--
	if l.readers == 0 {
		l.writerGo.Broadcast()
	}
	l.mu.Unlock()
}

// Lock acquires the exclusive write hold, waiting for all current
// readers (and any other writer) to release first.
func (l *Lock) Lock() {
	l.mu.Lock()
	for l.writeHeld || l.readers > 0 {
		l.writerGo.Wait()
	}
	l.writeHeld = true
	l.mu.Unlock()
}

// Unlock releases the write hold.
func (l *Lock) Unlock() {
	l.mu.Lock()
	l.writeHeld = false
	l.writerGo.Broadcast()
	l.mu.Unlock()
}
