package tank

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	tanks := []string{
		filepath.Join(dir, "tank.1.db"),
		filepath.Join(dir, "tank.2.db"),
	}
	s, err := Open(1, tanks, filepath.Join(dir, "system.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	data := []byte("the quick brown fox jumps over the lazy dog")
	key, err := s.Store(42, data, FlagCompressZLIB)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Load = %q, want %q", got, data)
	}
}

func TestStoreUncompressed(t *testing.T) {
	s := openTestStore(t)
	data := []byte("uncompressed body")
	key, err := s.Store(1, data, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Load = %q, want %q", got, data)
	}
}

func TestCycleRoundRobin(t *testing.T) {
	s := openTestStore(t)
	seen := map[uint64]bool{}
	for i := 0; i < len(s.tanks)*2; i++ {
		seen[s.Cycle()] = true
	}
	if len(seen) != len(s.tanks) {
		t.Fatalf("cycled through %d tanks, want %d", len(seen), len(s.tanks))
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	key, err := s.Store(1, []byte("gone soon"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(key); err != ErrNotFound {
		t.Fatalf("Load after Delete = %v, want ErrNotFound", err)
	}
}

func TestLoadMissingObject(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(Key{Host: 1, Tank: 0, User: 1, Obj: 999})
	if err != ErrNotFound {
		t.Fatalf("Load = %v, want ErrNotFound", err)
	}
}

func TestOpenRequiresAtLeastOneTank(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(1, nil, filepath.Join(dir, "system.db"))
	if err == nil {
		t.Fatal("expected error opening a store with no tanks")
	}
}

func TestKeyString(t *testing.T) {
	k := Key{Host: 1, Tank: 2, User: 3, Obj: 4}
	want := "object.1.2.3.4"
	if got := k.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
