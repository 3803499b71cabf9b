package stats

import "testing"

func TestIncrAndGet(t *testing.T) {
	r := New()
	if got := r.Incr(SMTPConnectionsTotal, 1); got != 1 {
		t.Fatalf("Incr = %d, want 1", got)
	}
	r.Incr(SMTPConnectionsTotal, 2)
	if got := r.Get(SMTPConnectionsTotal); got != 3 {
		t.Fatalf("Get = %d, want 3", got)
	}
}

func TestIncrUnknownNameRegisters(t *testing.T) {
	r := New()
	r.Incr("custom.counter", 5)
	if got := r.Get("custom.counter"); got != 5 {
		t.Fatalf("Get = %d, want 5", got)
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	r := New()
	r.Set(AuthFailures, 4)
	snap := r.Snapshot()
	r.Incr(AuthFailures, 1)
	if snap[AuthFailures] != 4 {
		t.Fatalf("snapshot mutated after further Incr: %d", snap[AuthFailures])
	}
	if r.Get(AuthFailures) != 5 {
		t.Fatalf("Get after Incr = %d, want 5", r.Get(AuthFailures))
	}
}

func TestSumErrors(t *testing.T) {
	r := New()
	r.Set("errors.smtp", 2)
	r.Set("provider.dkim.errors", 3)
	r.Set(MessagesReceived, 100) // should not count
	if got := r.SumErrors(); got != 5 {
		t.Fatalf("SumErrors = %d, want 5", got)
	}
}
