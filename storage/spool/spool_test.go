package spool

import (
	"os"
	"path/filepath"
	"testing"

	"crawshaw.io/iox"
)

func TestOpenCreatesLayout(t *testing.T) {
	dir, err := os.MkdirTemp("", "spool-test-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	base := filepath.Join(dir, "spool")
	s, err := Open(base, iox.NewFiler(0), nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range []Dir{DirBase, DirData, DirScan} {
		fi, err := os.Stat(s.Path(d))
		if err != nil || !fi.IsDir() {
			t.Fatalf("spool dir %v missing: %v", d, err)
		}
	}
}

func TestCleanupRemovesStaleFiles(t *testing.T) {
	dir, err := os.MkdirTemp("", "spool-test-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	base := filepath.Join(dir, "spool")
	s, err := Open(base, iox.NewFiler(0), nil)
	if err != nil {
		t.Fatal(err)
	}

	stale := filepath.Join(s.Path(DirData), "leftover")
	if err := os.WriteFile(stale, []byte("x"), 0660); err != nil {
		t.Fatal(err)
	}

	n, err := s.Cleanup()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("Cleanup removed %d files, want 1", n)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale file still present: %v", err)
	}
}

func TestMakeTemp(t *testing.T) {
	dir, err := os.MkdirTemp("", "spool-test-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s, err := Open(filepath.Join(dir, "spool"), iox.NewFiler(0), nil)
	if err != nil {
		t.Fatal(err)
	}
	bf := s.MakeTemp(0)
	defer bf.Close()
	if _, err := bf.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
}
