package greylist

import (
	"context"
	"testing"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

func mkdb(t *testing.T) *sqlitex.Pool {
	t.Helper()
	flags := sqlite.SQLITE_OPEN_READWRITE | sqlite.SQLITE_OPEN_CREATE | sqlite.SQLITE_OPEN_SHAREDCACHE | sqlite.SQLITE_OPEN_URI
	dbpool, err := sqlitex.Open("file::memory:?mode=memory&cache=shared", flags, 8)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dbpool.Close() })
	return dbpool
}

func TestFirstSightingDefers(t *testing.T) {
	s, err := Open(mkdb(t), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	allow, err := s.Check(context.Background(), "10.0.0.1", "a@example.com", "b@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if allow {
		t.Fatal("first sighting of a tuple should be deferred")
	}
}

func TestRetryWithinWindowStillDefers(t *testing.T) {
	s, err := Open(mkdb(t), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := s.Check(ctx, "10.0.0.1", "a@example.com", "b@example.com"); err != nil {
		t.Fatal(err)
	}
	allow, err := s.Check(ctx, "10.0.0.1", "a@example.com", "b@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if allow {
		t.Fatal("retry inside the greylist window should still defer")
	}
}

func TestRetryAfterWindowAllows(t *testing.T) {
	s, err := Open(mkdb(t), 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := s.Check(ctx, "10.0.0.1", "a@example.com", "b@example.com"); err != nil {
		t.Fatal(err)
	}
	allow, err := s.Check(ctx, "10.0.0.1", "a@example.com", "b@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !allow {
		t.Fatal("retry after the window elapsed (window=0) should allow")
	}
}

func TestDistinctRecipientsAreDistinctTuples(t *testing.T) {
	s, err := Open(mkdb(t), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := s.Check(ctx, "10.0.0.1", "a@example.com", "b@example.com"); err != nil {
		t.Fatal(err)
	}
	// A different recipient from the same sender/IP is a different
	// tuple and must defer on its own first sighting. This is the
	// behavior the teacher's bound-to-the-wrong-placeholder bug broke:
	// with "to" never actually bound, this second call would have hit
	// the same row as the first and been allowed immediately.
	allow, err := s.Check(ctx, "10.0.0.1", "a@example.com", "c@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if allow {
		t.Fatal("first sighting of (ip, from, different-to) must defer independently")
	}
}
