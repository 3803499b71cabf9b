package index

import "testing"

func backends() map[string]func() Index {
	return map[string]func() Index{
		"linked": func() Index { return NewLinked() },
		"hashed": func() Index { return NewHashed() },
		"tree":   func() Index { return NewTree() },
	}
}

func TestInsertFindDelete(t *testing.T) {
	for name, make := range backends() {
		t.Run(name, func(t *testing.T) {
			idx := make()
			if replaced := idx.Insert(Int64Key(1), "a"); replaced {
				t.Fatalf("first insert reported replace")
			}
			if replaced := idx.Insert(Int64Key(1), "b"); !replaced {
				t.Fatalf("second insert of same key did not report replace")
			}
			v, ok := idx.Find(Int64Key(1))
			if !ok || v != "b" {
				t.Fatalf("Find returned %v, %v want b, true", v, ok)
			}
			if idx.Len() != 1 {
				t.Fatalf("Len() = %d, want 1", idx.Len())
			}
			if !idx.Delete(Int64Key(1)) {
				t.Fatalf("Delete reported not found")
			}
			if idx.Delete(Int64Key(1)) {
				t.Fatalf("second Delete reported found")
			}
			if idx.Len() != 0 {
				t.Fatalf("Len() = %d after delete, want 0", idx.Len())
			}
		})
	}
}

func TestStringAndIntKeysNeverEqual(t *testing.T) {
	for name, make := range backends() {
		t.Run(name, func(t *testing.T) {
			idx := make()
			idx.Insert(Int64Key(7), "int-seven")
			idx.Insert(StringKey("7"), "string-seven")
			if idx.Len() != 2 {
				t.Fatalf("Len() = %d, want 2 (int and string keys must not collide)", idx.Len())
			}
			v, _ := idx.Find(Int64Key(7))
			if v != "int-seven" {
				t.Fatalf("Find(Int64Key(7)) = %v", v)
			}
			v, _ = idx.Find(StringKey("7"))
			if v != "string-seven" {
				t.Fatalf("Find(StringKey(7)) = %v", v)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	for name, make := range backends() {
		t.Run(name, func(t *testing.T) {
			idx := make()
			for i := int64(0); i < 10; i++ {
				idx.Insert(Int64Key(i), i)
			}
			idx.Truncate()
			if idx.Len() != 0 {
				t.Fatalf("Len() = %d after Truncate, want 0", idx.Len())
			}
			if _, ok := idx.Find(Int64Key(0)); ok {
				t.Fatalf("Find succeeded after Truncate")
			}
		})
	}
}

func TestCursorVisitsAllAbsentMutation(t *testing.T) {
	for name, make := range backends() {
		t.Run(name, func(t *testing.T) {
			idx := make()
			want := map[int64]bool{}
			for i := int64(0); i < 20; i++ {
				idx.Insert(Int64Key(i), i)
				want[i] = true
			}
			c := idx.Cursor()
			defer c.Close()
			got := map[int64]int{}
			for c.Next() {
				n, _ := c.Key().Int64()
				got[n]++
			}
			if len(got) != len(want) {
				t.Fatalf("visited %d distinct keys, want %d", len(got), len(want))
			}
			for k, n := range got {
				if n != 1 {
					t.Fatalf("key %d visited %d times, want exactly 1", k, n)
				}
			}
		})
	}
}

func TestCursorToleratesDeletionAtMostTwice(t *testing.T) {
	for name, make := range backends() {
		t.Run(name, func(t *testing.T) {
			idx := make()
			for i := int64(0); i < 10; i++ {
				idx.Insert(Int64Key(i), i)
			}
			c := idx.Cursor()
			defer c.Close()

			visits := map[int64]int{}
			deleted := false
			for c.Next() {
				n, _ := c.Key().Int64()
				visits[n]++
				if !deleted && visits[n] >= 1 && len(visits) == 3 {
					// delete a key we've already passed, partway through iteration
					idx.Delete(Int64Key(0))
					deleted = true
				}
			}
			for k, n := range visits {
				if n > 2 {
					t.Fatalf("backend %s: key %d visited %d times, want at most 2", name, k, n)
				}
			}
			if _, ok := visits[0]; !ok {
				t.Fatalf("backend %s: deleted key 0 was never visited at all", name)
			}
		})
	}
}

func TestCursorToleratesInsertionDuringIteration(t *testing.T) {
	for name, make := range backends() {
		t.Run(name, func(t *testing.T) {
			idx := make()
			for i := int64(0); i < 5; i++ {
				idx.Insert(Int64Key(i), i)
			}
			c := idx.Cursor()
			defer c.Close()

			inserted := false
			count := 0
			for c.Next() {
				count++
				if !inserted {
					idx.Insert(Int64Key(100), "late")
					inserted = true
				}
			}
			if count < 5 {
				t.Fatalf("backend %s: visited only %d of at least 5 original records", name, count)
			}
		})
	}
}

func TestCursorReset(t *testing.T) {
	idx := NewLinked()
	idx.Insert(Int64Key(1), "a")
	idx.Insert(Int64Key(2), "b")
	c := idx.Cursor()
	defer c.Close()

	n := 0
	for c.Next() {
		n++
	}
	if n != 2 {
		t.Fatalf("first pass visited %d, want 2", n)
	}
	c.Reset()
	n = 0
	for c.Next() {
		n++
	}
	if n != 2 {
		t.Fatalf("second pass after Reset visited %d, want 2", n)
	}
}

func TestTreeOrdering(t *testing.T) {
	tr := NewTree()
	tr.Insert(Int64Key(5), nil)
	tr.Insert(Int64Key(1), nil)
	tr.Insert(Int64Key(3), nil)
	c := tr.Cursor()
	defer c.Close()
	var order []int64
	for c.Next() {
		n, _ := c.Key().Int64()
		order = append(order, n)
	}
	want := []int64{1, 3, 5}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}
