package engine

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"magma.email/cache"
	"magma.email/mailbox"
	"magma.email/storage/tank"
)

func openTestStore(t *testing.T) *tank.Store {
	t.Helper()
	dir := t.TempDir()
	tanks := []string{filepath.Join(dir, "tank.1.db")}
	s, err := tank.Open(1, tanks, filepath.Join(dir, "system.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	return cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestLoadRoundTrip(t *testing.T) {
	e := New(openTestStore(t), testCache(t), nil)
	data := []byte("hello mailbox")
	key, err := e.Store(context.Background(), 1, data, tank.FlagCompressZLIB)
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.Load(context.Background(), key, 1, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Load = %q, want %q", got, data)
	}
}

func TestLoadMissingHidesRowAndBumpsSerial(t *testing.T) {
	c := testCache(t)
	e := New(openTestStore(t), c, nil)

	before, err := c.SerialGet(context.Background(), cache.ClassMessages, 9)
	if err != nil {
		t.Fatal(err)
	}

	var hidden mailbox.MessageNum
	hideCalls := 0
	hide := func(ctx context.Context, userNum mailbox.UserNum, messageNum mailbox.MessageNum) error {
		hideCalls++
		hidden = messageNum
		return nil
	}

	missingKey := tank.Key{Host: 1, Tank: 0, User: 9, Obj: 999}
	_, err = e.Load(context.Background(), missingKey, 9, 42, hide)
	if err == nil {
		t.Fatal("expected an error loading a nonexistent object")
	}
	if hideCalls != 1 {
		t.Fatalf("hide called %d times, want 1", hideCalls)
	}
	if hidden != 42 {
		t.Fatalf("hide called with messageNum %d, want 42", hidden)
	}

	after, err := c.SerialGet(context.Background(), cache.ClassMessages, 9)
	if err != nil {
		t.Fatal(err)
	}
	if after != before+1 {
		t.Fatalf("MESSAGES serial = %d, want %d", after, before+1)
	}

	counters := e.Counters()
	if counters.MissingFile != 1 {
		t.Fatalf("MissingFile counter = %d, want 1", counters.MissingFile)
	}
}
