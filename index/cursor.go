package index

// entry is one (key, value) pair as exposed by a backend's ordered
// snapshot function.
type entry struct {
	key   Key
	value interface{}
}

// genericCursor implements the mutation-aware traversal policy shared
// by all three backends. Each call to Next that observes the parent
// index's serial has changed takes a fresh ordered snapshot (via
// source) and resynchronizes position by the key last returned, rather
// than by raw index, so that:
//
//   - an insertion ahead of the cursor does not cause the cursor to
//     skip the record it was about to return;
//   - a deletion of the record at or behind the cursor's last position
//     resumes at the record that followed the deleted one, which may
//     therefore be visited twice (once before the deletion was observed,
//     once after) but never more than twice, and is never skipped.
//
// This satisfies the cursor invariant in spec §4.8 and §8: visit each
// element at most twice under a single deletion, at least once absent
// mutation.
type genericCursor struct {
	source    func() []entry
	getSerial func() uint64

	started      bool
	syncedSerial uint64

	prevEntries []entry
	pos         int // index into prevEntries of the last record returned; -1 before first Next

	haveLast bool
	lastKey  Key
	cur      entry
}

func newGenericCursor(source func() []entry, getSerial func() uint64) *genericCursor {
	return &genericCursor{source: source, getSerial: getSerial, pos: -1}
}

func (c *genericCursor) Next() bool {
	serial := c.getSerial()
	if !c.started || serial != c.syncedSerial {
		c.resync(serial)
	}

	next := c.pos + 1
	if next >= len(c.prevEntries) {
		return false
	}
	c.cur = c.prevEntries[next]
	c.pos = next
	c.haveLast = true
	c.lastKey = c.cur.key
	return true
}

func (c *genericCursor) resync(serial uint64) {
	newEntries := c.source()

	switch {
	case !c.started:
		c.pos = -1
	case c.haveLast:
		if idx := indexOfKey(newEntries, c.lastKey); idx >= 0 {
			c.pos = idx
		} else {
			c.pos = c.resumeAfterDeletion(newEntries)
		}
	default:
		c.pos = -1
	}

	c.prevEntries = newEntries
	c.syncedSerial = serial
	c.started = true
}

// resumeAfterDeletion is called when the last-visited key is gone from
// the new snapshot. It walks backward through the previous snapshot
// looking for the nearest still-present key, so the next Next() call
// resumes just after it -- i.e. at the record that followed the
// deleted one, without skipping anything ahead of the cursor.
func (c *genericCursor) resumeAfterDeletion(newEntries []entry) int {
	for i := c.pos; i >= 0; i-- {
		if i >= len(c.prevEntries) {
			continue
		}
		if idx := indexOfKey(newEntries, c.prevEntries[i].key); idx >= 0 {
			return idx
		}
	}
	return -1
}

func indexOfKey(entries []entry, key Key) int {
	for i, e := range entries {
		if e.key.Equal(key) {
			return i
		}
	}
	return -1
}

func (c *genericCursor) Key() Key            { return c.cur.key }
func (c *genericCursor) Value() interface{}  { return c.cur.value }
func (c *genericCursor) Reset() {
	c.started = false
	c.pos = -1
	c.haveLast = false
	c.prevEntries = nil
}
func (c *genericCursor) Close() {
	c.prevEntries = nil
}
