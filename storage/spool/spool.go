// Package spool manages magma's temporary-file working area: a base
// directory with "data" and "scan" subdirectories used while a message
// is in flight, before it is committed to the content-addressed tank
// storage in storage/tank.
//
// Grounded on original_source/src/core/host/spool.c: that file tracks a
// base/data/scan directory layout, rate-limits its own error logging to
// once an hour, and creates temp files with O_EXCL|O_CREAT followed by
// an immediate unlink so the data never outlives the file descriptor.
// Here the per-file lifecycle is delegated to crawshaw.io/iox.Filer,
// which the teacher already uses everywhere a spooled temp file is
// needed (spilldb/processor, spilldb/deliverer, imap/imapserver); this
// package adds the magma-specific directory layout, startup cleanup
// walk, and rate-limited error counters on top of it.
package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"crawshaw.io/iox"
)

// Dir identifies one of the three spool subdirectories.
type Dir int

const (
	DirBase Dir = iota
	DirData
	DirScan
)

func (d Dir) folder() string {
	switch d {
	case DirData:
		return "data"
	case DirScan:
		return "scan"
	default:
		return ""
	}
}

// Spool is a magma temp-file working area rooted at a base directory.
type Spool struct {
	Filer *iox.Filer

	base string
	logf func(format string, v ...interface{})

	mu             sync.Mutex
	filesCleaned   uint64
	errors         uint64
	lastCheckFail  time.Time
	lastCreateFail time.Time
}

// Open validates (creating if necessary) the base/data/scan directory
// tree rooted at base, purges any leftover files from a previous
// unclean shutdown, and returns a ready-to-use Spool. If base is empty,
// the spool falls back to a directory under os.TempDir, matching
// spool_path's /tmp/magma fallback when magma.spool isn't configured.
func Open(base string, filer *iox.Filer, logf func(format string, v ...interface{})) (*Spool, error) {
	if base == "" {
		base = filepath.Join(os.TempDir(), "magma")
	}
	if filer == nil {
		filer = iox.NewFiler(0)
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	s := &Spool{Filer: filer, base: base, logf: logf}

	for _, d := range []Dir{DirBase, DirData, DirScan} {
		if err := s.check(d); err != nil {
			return nil, fmt.Errorf("spool: %w", err)
		}
	}
	if _, err := s.Cleanup(); err != nil {
		return nil, fmt.Errorf("spool: cleanup: %w", err)
	}
	s.Filer.SetTempdir(s.Path(DirData))
	return s, nil
}

// Path returns the absolute path of the named spool subdirectory.
func (s *Spool) Path(d Dir) string {
	if d == DirBase {
		return s.base
	}
	return filepath.Join(s.base, d.folder())
}

func (s *Spool) check(d Dir) error {
	path := s.Path(d)
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return nil
	}
	if err := os.MkdirAll(path, 0770); err != nil {
		s.recordError(&s.lastCheckFail, "unable to access or create spool directory %q: %v", path, err)
		return err
	}
	return nil
}

// Cleanup walks the base directory and unlinks every regular file left
// behind, returning the count removed. It is safe to call at startup
// (after an unclean shutdown) and is also invoked by Open.
func (s *Spool) Cleanup() (int, error) {
	before := s.cleanedCount()
	err := filepath.Walk(s.base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil {
			s.recordError(nil, "unable to unlink stale spool file %q: %v", path, rmErr)
			return nil
		}
		s.mu.Lock()
		s.filesCleaned++
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(s.cleanedCount() - before), nil
}

func (s *Spool) cleanedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filesCleaned
}

// Errors reports the total number of spool errors encountered.
func (s *Spool) Errors() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors
}

func (s *Spool) recordError(lastFail *time.Time, format string, args ...interface{}) {
	s.mu.Lock()
	s.errors++
	shouldLog := lastFail == nil
	if lastFail != nil {
		if time.Since(*lastFail) > time.Hour {
			*lastFail = time.Now()
			shouldLog = true
		}
	}
	s.mu.Unlock()
	if shouldLog {
		s.logf(format, args...)
	}
}

// MakeTemp returns a new spooled buffer backed by the Filer: small
// writes stay in memory, and the Filer itself creates (and unlinks,
// per spool_mktemp's create-then-unlink idiom) a backing file under
// the spool's data directory once maxMemSize is exceeded.
func (s *Spool) MakeTemp(maxMemSize int64) *iox.BufferFile {
	return s.Filer.BufferFile(maxMemSize)
}
