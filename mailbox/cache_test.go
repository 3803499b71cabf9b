package mailbox

import "testing"

func testLoader(calls *int) Loader {
	return func(name string) (*User, error) {
		*calls++
		return &User{Name: name, Messages: make(map[MessageNum]*Message)}, nil
	}
}

func TestCacheLazyLoadOnce(t *testing.T) {
	calls := 0
	c := NewCache(testLoader(&calls))

	u1, _, err := c.Acquire(ProtoIMAP, "alice")
	if err != nil {
		t.Fatal(err)
	}
	u2, _, err := c.Acquire(ProtoPOP, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u1 != u2 {
		t.Fatal("Acquire returned different User pointers for the same name")
	}
	if calls != 1 {
		t.Fatalf("Loader called %d times, want 1", calls)
	}
}

func TestCachePrunesAtZeroRefs(t *testing.T) {
	calls := 0
	c := NewCache(testLoader(&calls))

	c.Acquire(ProtoIMAP, "bob")
	c.Acquire(ProtoPOP, "bob")
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}

	c.Release(ProtoIMAP, "bob")
	if c.Len() != 1 {
		t.Fatal("cache pruned user while a reference was still held")
	}

	c.Release(ProtoPOP, "bob")
	if c.Len() != 0 {
		t.Fatal("cache did not prune user once all references released")
	}

	c.Acquire(ProtoIMAP, "bob")
	if calls != 2 {
		t.Fatalf("Loader called %d times after re-acquire, want 2", calls)
	}
}
