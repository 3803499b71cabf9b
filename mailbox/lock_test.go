package mailbox

import (
	"sync"
	"testing"
	"time"
)

func TestLockExclusivity(t *testing.T) {
	l := NewLock()
	l.Lock()
	done := make(chan struct{})
	go func() {
		l.Lock()
		close(done)
		l.Unlock()
	}()

	select {
	case <-done:
		t.Fatal("second Lock succeeded while first writer held the lock")
	case <-time.After(20 * time.Millisecond):
	}
	l.Unlock()
	<-done
}

func TestLockConcurrentReaders(t *testing.T) {
	l := NewLock()
	var wg sync.WaitGroup
	var mu sync.Mutex
	concurrent := 0
	maxConcurrent := 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.RLock()
			mu.Lock()
			concurrent++
			if concurrent > maxConcurrent {
				maxConcurrent = concurrent
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			concurrent--
			mu.Unlock()
			l.RUnlock()
		}()
	}
	wg.Wait()
	if maxConcurrent < 2 {
		t.Fatalf("max concurrent readers = %d, want >= 2", maxConcurrent)
	}
}

func TestLockWriterWaitsForReaders(t *testing.T) {
	l := NewLock()
	l.RLock()
	writerDone := make(chan struct{})
	go func() {
		l.Lock()
		close(writerDone)
		l.Unlock()
	}()

	select {
	case <-writerDone:
		t.Fatal("writer acquired lock while a reader held it")
	case <-time.After(20 * time.Millisecond):
	}
	l.RUnlock()
	<-writerDone
}
