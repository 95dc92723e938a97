package syncutil_test

import (
	"sync"
	"testing"
	"time"

	"github.com/zenvoice/sipcore/internal/syncutil"
)

func TestKeyMutex_Serializes(t *testing.T) {
	t.Parallel()

	var km syncutil.KeyMutex[string]

	unlock := km.Lock("a")

	acquired := make(chan struct{})
	go func() {
		unlock := km.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while the first is held")
	case <-time.After(50 * time.Millisecond):
	}

	// A different key is independent.
	unlockB := km.Lock("b")
	unlockB()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock not acquired after unlock")
	}
}

func TestKeyMutex_ReleasesEntries(t *testing.T) {
	t.Parallel()

	var km syncutil.KeyMutex[int]

	unlock := km.Lock(1)
	if got, want := km.Size(), 1; got != want {
		t.Fatalf("km.Size() = %d, want %d", got, want)
	}
	unlock()
	if got, want := km.Size(), 0; got != want {
		t.Fatalf("km.Size() after unlock = %d, want %d", got, want)
	}

	// Locking many distinct keys leaves nothing behind once released.
	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(i)
			unlock()
		}()
	}
	wg.Wait()
	if got, want := km.Size(), 0; got != want {
		t.Fatalf("km.Size() after churn = %d, want %d", got, want)
	}
}

func TestKeyMutex_WaiterKeepsEntryAlive(t *testing.T) {
	t.Parallel()

	var km syncutil.KeyMutex[string]

	unlock := km.Lock("a")

	released := make(chan struct{})
	go func() {
		unlock := km.Lock("a")
		unlock()
		close(released)
	}()

	// The waiter pins the key, so the holder's unlock hands the same
	// mutex over instead of dropping the entry.
	time.Sleep(50 * time.Millisecond)
	if got, want := km.Size(), 1; got != want {
		t.Fatalf("km.Size() = %d, want %d", got, want)
	}
	unlock()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the mutex")
	}
	if got, want := km.Size(), 0; got != want {
		t.Fatalf("km.Size() = %d, want %d", got, want)
	}
}
