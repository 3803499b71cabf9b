// Package index implements the three uniform collection backends used
// throughout magma (linked, hashed, tree) behind one contract, plus a
// cursor that tolerates mutation of the underlying collection between
// calls to Next (spec §4.8).
//
// Grounded on original_source/src/core/indexes/{linked,hashed}.c: the C
// source dispatches through function-pointer tables keyed by backend;
// here that's an interface with three implementations, and the cursor
// is a small sum type over the backends' own cursor state.
package index

import "fmt"

// Key is magma's "multi-type" record key: either an integer or a
// string. Per spec Design Notes (c), cross-type equality exists only
// between string-like representations of the same value; an Int64Key
// and a StringKey are never equal to each other even if their textual
// forms coincide.
type Key struct {
	isString bool
	i        int64
	s        string
}

// Int64Key constructs an integer-valued key.
func Int64Key(v int64) Key { return Key{i: v} }

// StringKey constructs a string-valued key.
func StringKey(v string) Key { return Key{isString: true, s: v} }

// Int64 returns the key's integer value and whether it is integer-typed.
func (k Key) Int64() (int64, bool) {
	if k.isString {
		return 0, false
	}
	return k.i, true
}

// String returns the key's string value and whether it is string-typed.
func (k Key) String() (string, bool) {
	if !k.isString {
		return "", false
	}
	return k.s, true
}

// Equal reports whether two keys are equal. Values of different types
// are never equal, except that two string-like keys compare by value
// (spec Design Notes item c): this package has only Int64Key and
// StringKey, so in practice that means same-type comparison only, but
// the rule is stated explicitly here for callers who wrap Key with
// their own string-like variants.
func (k Key) Equal(other Key) bool {
	if k.isString != other.isString {
		return false
	}
	if k.isString {
		return k.s == other.s
	}
	return k.i == other.i
}

// Less orders keys of the same type; keys of different types order
// integers before strings, a total but otherwise arbitrary order (the
// tree backend only needs *a* total order, not a meaningful one across
// types).
func (k Key) Less(other Key) bool {
	if k.isString != other.isString {
		return !k.isString
	}
	if k.isString {
		return k.s < other.s
	}
	return k.i < other.i
}

func (k Key) GoString() string {
	if k.isString {
		return fmt.Sprintf("index.StringKey(%q)", k.s)
	}
	return fmt.Sprintf("index.Int64Key(%d)", k.i)
}

// fletcher32 hashes bytes for use as a hashed-index bucket selector, as
// described for the hashed backend in spec §4.8.
func fletcher32(data []byte) uint32 {
	var sum1, sum2 uint32 = 0xffff, 0xffff
	i := 0
	for i < len(data) {
		var word uint32
		word = uint32(data[i])
		if i+1 < len(data) {
			word |= uint32(data[i+1]) << 8
		}
		sum1 = (sum1 + word) % 0xffff
		sum2 = (sum2 + sum1) % 0xffff
		i += 2
	}
	return sum2<<16 | sum1
}

func (k Key) hash() uint32 {
	if k.isString {
		return fletcher32([]byte(k.s))
	}
	var b [8]byte
	u := uint64(k.i)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
	return fletcher32(b[:])
}
