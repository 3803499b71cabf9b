package index

// Index is the common contract implemented by Linked, Hashed, and Tree.
// Methods mirror the C source's alloc/insert/find/delete/truncate/free
// function-pointer table (spec §4.8 and Design Notes item c).
type Index interface {
	// Insert adds a record under key. It replaces any existing record
	// with an equal key and reports whether a replacement occurred.
	Insert(key Key, value interface{}) (replaced bool)

	// Find returns the value stored under key, if any.
	Find(key Key) (value interface{}, ok bool)

	// Delete removes the record under key, reporting whether it existed.
	Delete(key Key) (existed bool)

	// Truncate removes every record.
	Truncate()

	// Len reports the number of records currently stored.
	Len() int

	// Cursor returns a new cursor positioned before the first record.
	Cursor() Cursor

	// serial is incremented on every mutation; cursors compare against
	// it to detect a concurrent structural change.
	serial() uint64
}

// Cursor iterates over an Index's records. A Cursor tolerates mutation
// of its parent Index between calls to Next: per spec §4.8, it visits
// each element at most twice under a single deletion, and at least once
// absent mutation. Cursor is not safe for concurrent use; callers
// synchronize externally (the index's owner already holds the
// appropriate lock per spec §5).
type Cursor interface {
	// Next advances the cursor and reports whether a record is available.
	Next() bool

	// Key returns the key of the current record. Valid only after a
	// call to Next that returned true.
	Key() Key

	// Value returns the value of the current record. Valid only after a
	// call to Next that returned true.
	Value() interface{}

	// Reset repositions the cursor before the first record.
	Reset()

	// Close releases any resources held by the cursor.
	Close()
}
