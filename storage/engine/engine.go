// Package engine wires storage/tank's content-addressed blob store to
// the per-user mailbox index and distributed cache, implementing spec
// §4.3's failure semantics: a load that turns up a missing, corrupt,
// or mismatched object hides the owning index row and bumps the
// MESSAGES serial so live sessions re-read, rather than ever handing
// a caller partial or garbled content.
//
// Grounded on original_source/src/providers/storage/tank.c's
// tank_load error paths (magic/version/length mismatch -> corrupt,
// not-found -> missing) translated to this module's Go error values
// from storage/tank, and on spilldb/db/db.go's counters-on-the-server
// idiom (Logf-based, process-wide) for how a failure gets recorded
// without aborting the caller's request.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"magma.email/cache"
	"magma.email/mailbox"
	"magma.email/storage/tank"
)

// Counters are the process-wide failure tallies spec §4.3 requires
// ("per-function errors are counted into process-wide counters").
type Counters struct {
	MissingFile        uint64
	CorruptHeader      uint64
	CompressionFailure uint64
	DatabaseFailure    uint64
}

// HideRow marks a message's index row hidden so it no longer appears
// in folder listings or FETCH responses; the caller supplies this
// since the relational index lives outside storage/engine (in mdb).
type HideRow func(ctx context.Context, userNum mailbox.UserNum, messageNum mailbox.MessageNum) error

// Engine pairs a tank.Store with the cache used to invalidate
// sessions holding a stale view of a folder once a row is hidden.
type Engine struct {
	Tank  *tank.Store
	Cache *cache.Cache
	Logf  func(format string, v ...interface{})

	missingFile        atomic.Uint64
	corruptHeader      atomic.Uint64
	compressionFailure atomic.Uint64
	databaseFailure    atomic.Uint64
}

// New returns an Engine over the given tank store and cache client.
func New(store *tank.Store, c *cache.Cache, logf func(string, ...interface{})) *Engine {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Engine{Tank: store, Cache: c, Logf: logf}
}

// Counters snapshots the process-wide failure tallies.
func (e *Engine) Counters() Counters {
	return Counters{
		MissingFile:        e.missingFile.Load(),
		CorruptHeader:      e.corruptHeader.Load(),
		CompressionFailure: e.compressionFailure.Load(),
		DatabaseFailure:    e.databaseFailure.Load(),
	}
}

// Store writes data to the underlying tank, per spec §4.3's two-phase
// store protocol (already implemented by storage/tank.Store.Store).
func (e *Engine) Store(ctx context.Context, userNum uint64, data []byte, flags tank.Flags) (tank.Key, error) {
	key, err := e.Tank.Store(userNum, data, flags)
	if err != nil {
		e.databaseFailure.Add(1)
		return tank.Key{}, fmt.Errorf("engine: store: %w", err)
	}
	return key, nil
}

// Load fetches and validates a stored object. On any integrity
// failure (missing file, corrupt header, bad checksum) it hides the
// owning index row, bumps the user's MESSAGES serial so other
// sessions notice, increments the matching counter, logs, and returns
// an error -- it never returns partial or garbled content, matching
// spec §4.3's failure semantics verbatim.
func (e *Engine) Load(ctx context.Context, key tank.Key, userNum mailbox.UserNum, messageNum mailbox.MessageNum, hide HideRow) ([]byte, error) {
	data, err := e.Tank.Load(key)
	if err == nil {
		return data, nil
	}

	switch {
	case errors.Is(err, tank.ErrNotFound):
		e.missingFile.Add(1)
		e.Logf("engine: missing object %s for user %d message %d: %v", key, userNum, messageNum, err)
	case errors.Is(err, tank.ErrLengthMismatch), errors.Is(err, tank.ErrBadChecksum):
		e.corruptHeader.Add(1)
		e.Logf("engine: corrupt object %s for user %d message %d: %v", key, userNum, messageNum, err)
	case errors.Is(err, tank.ErrDecompress):
		e.compressionFailure.Add(1)
		e.Logf("engine: decompress failure for object %s, user %d message %d: %v", key, userNum, messageNum, err)
	default:
		e.databaseFailure.Add(1)
		return nil, fmt.Errorf("engine: load %s: %w", key, err)
	}

	if hide != nil {
		if hideErr := hide(ctx, userNum, messageNum); hideErr != nil {
			e.Logf("engine: hide row for user %d message %d: %v", userNum, messageNum, hideErr)
		}
	}
	if e.Cache != nil {
		if _, incErr := e.Cache.SerialIncrement(ctx, cache.ClassMessages, int64(userNum)); incErr != nil {
			e.Logf("engine: bump MESSAGES serial for user %d: %v", userNum, incErr)
		}
	}
	return nil, fmt.Errorf("engine: object %s unreadable: %w", key, err)
}

// Delete removes a stored object from its tank.
func (e *Engine) Delete(key tank.Key) error {
	if err := e.Tank.Delete(key); err != nil {
		e.databaseFailure.Add(1)
		return fmt.Errorf("engine: delete %s: %w", key, err)
	}
	return nil
}
