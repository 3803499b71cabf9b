// Package greylist implements the pipeline.Greylist check with a
// SQLite-backed (remote address, from, to) tuple store: a tuple seen
// for the first time is deferred, and allowed through once it has
// been retried after the configured window has elapsed.
//
// Grounded on smtp/smtpserver/greylist/greylist.go for the overall
// shape (a DB interface of Get/Put keyed by the same tuple) and
// spilldb/greylistdb/greylistdb.go for the SQLite schema and
// ON CONFLICT upsert pattern, adapted to actually implement the
// allow/defer decision the teacher's version left as a TODO, and
// fixing a bug in the teacher's bind parameters: both Get and Put
// bound the "to" address to the "$from"/"$fromAddr" placeholder
// instead of a distinct one, so every lookup and upsert silently
// ignored the recipient and kept only (RemoteAddr, FromAddr).
package greylist

import (
	"context"
	"fmt"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS Greylist (
	RemoteAddr TEXT NOT NULL,
	FromAddr   TEXT NOT NULL,
	ToAddr     TEXT NOT NULL,
	FirstSeen  INTEGER NOT NULL,
	LastSeen   INTEGER NOT NULL,

	PRIMARY KEY (RemoteAddr, FromAddr, ToAddr)
);
`

// Store is a pipeline.Greylist backed by a SQLite database.
type Store struct {
	dbpool *sqlitex.Pool
	window time.Duration
}

// Open creates the Greylist table if needed and returns a Store that
// defers any tuple not seen before, and allows it through once
// `window` has elapsed since it was first seen.
func Open(dbpool *sqlitex.Pool, window time.Duration) (*Store, error) {
	conn := dbpool.Get(nil)
	defer dbpool.Put(conn)
	if err := sqlitex.ExecScript(conn, schema); err != nil {
		return nil, fmt.Errorf("greylist.Open: %w", err)
	}
	return &Store{dbpool: dbpool, window: window}, nil
}

// Check implements pipeline.Greylist: it records the tuple's first
// sighting if new, and reports whether enough time has passed since
// then for the message to be allowed through.
func (s *Store) Check(ctx context.Context, remoteAddr, from, to string) (bool, error) {
	conn := s.dbpool.Get(ctx)
	if conn == nil {
		return false, context.Canceled
	}
	defer s.dbpool.Put(conn)

	now := time.Now()
	firstSeen, existed, err := lookup(conn, remoteAddr, from, to)
	if err != nil {
		return false, err
	}
	if !existed {
		firstSeen = now
	}
	if err := upsert(conn, remoteAddr, from, to, firstSeen, now); err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	return now.Sub(firstSeen) >= s.window, nil
}

func lookup(conn *sqlite.Conn, remoteAddr, from, to string) (firstSeen time.Time, existed bool, err error) {
	stmt := conn.Prep(`SELECT FirstSeen FROM Greylist WHERE RemoteAddr = $remoteAddr AND FromAddr = $fromAddr AND ToAddr = $toAddr;`)
	stmt.SetText("$remoteAddr", remoteAddr)
	stmt.SetText("$fromAddr", from)
	stmt.SetText("$toAddr", to)
	has, err := stmt.Step()
	if err != nil {
		stmt.Reset()
		return time.Time{}, false, err
	}
	if has {
		firstSeen = time.Unix(stmt.GetInt64("FirstSeen"), 0)
	}
	stmt.Reset()
	return firstSeen, has, nil
}

func upsert(conn *sqlite.Conn, remoteAddr, from, to string, firstSeen, now time.Time) error {
	stmt := conn.Prep(`INSERT INTO Greylist (
			RemoteAddr, FromAddr, ToAddr, FirstSeen, LastSeen
		) VALUES (
			$remoteAddr, $fromAddr, $toAddr, $firstSeen, $lastSeen
		) ON CONFLICT (RemoteAddr, FromAddr, ToAddr)
		DO UPDATE SET LastSeen = $lastSeen;`)
	stmt.SetText("$remoteAddr", remoteAddr)
	stmt.SetText("$fromAddr", from)
	stmt.SetText("$toAddr", to)
	stmt.SetInt64("$firstSeen", firstSeen.Unix())
	stmt.SetInt64("$lastSeen", now.Unix())
	_, err := stmt.Step()
	return err
}
