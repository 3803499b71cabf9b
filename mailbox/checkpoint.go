package mailbox

import "context"

// SerialSource is the subset of cache.Cache's API mailbox needs to
// compare a session's checkpoint against the authoritative serial
// (spec §3's "Serial numbers" and §4.4's cache contract). Defined here
// rather than imported directly so this package does not depend on
// cache's Redis transport.
type SerialSource interface {
	SerialGet(ctx context.Context, class string, userNum int64) (uint64, error)
	SerialIncrement(ctx context.Context, class string, userNum int64) (uint64, error)
}

// Checkpoints tracks one protocol session's last-observed serial per
// object class, used to decide whether the session's in-memory
// snapshot of folders/messages/contacts is still current.
type Checkpoints struct {
	values map[Class]uint64
}

// NewCheckpoints returns a Checkpoints with every class starting at 0,
// i.e. "never observed", which forces an initial refetch.
func NewCheckpoints() *Checkpoints {
	return &Checkpoints{values: make(map[Class]uint64)}
}

// Stale reports whether the session's checkpoint for class is behind
// the cache's current serial value. Per spec §3: equal means cached
// state is authoritative, unequal (the cache value is always >= the
// checkpoint since serials are monotonic) means the session must
// refetch.
func (c *Checkpoints) Stale(current, checkpoint uint64) bool {
	return current != checkpoint
}

// Observe records that the session has just refreshed its view of
// class as of serial value current.
func (c *Checkpoints) Observe(class Class, current uint64) {
	c.values[class] = current
}

// Get returns the session's last-observed serial for class.
func (c *Checkpoints) Get(class Class) uint64 {
	return c.values[class]
}
