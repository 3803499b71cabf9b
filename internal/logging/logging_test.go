package logging

import "testing"

func TestNewDefaultsLevel(t *testing.T) {
	l, err := New(Config{Level: "bogus"})
	if err != nil {
		t.Fatal(err)
	}
	l.Logf("hello %s", "world")
	if err := l.Sync(); err != nil {
		// stderr sync commonly fails under test harnesses; only fail on
		// unexpected errors, not the usual "invalid argument" on a tty-less fd.
		t.Logf("sync: %v", err)
	}
}

func TestWhereAndWithAttachFields(t *testing.T) {
	l := Noop()
	child := l.Where("pipeline").With("recipient", "a@example.com")
	child.Info("checked")
	child.Warn("slow check", "duration_ms", 42)
	child.Error("check failed", nil)
}

func TestNoopDiscardsSilently(t *testing.T) {
	l := Noop()
	l.Logf("anything %d", 1)
	l.Printf("anything\n")
}
