package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestContextShardedMutex_MutualExclusion(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "254712345678")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d", n, atomic.LoadInt64(&counter))
	}
}

func TestContextShardedMutex_ContextCancelled(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "blocked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := m.LockContext(ctx, "blocked"); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestContextShardedMutex_UnlockAllowsNext(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "relay")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second goroutine acquired lock before first released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second goroutine did not acquire lock after first released")
	}
}

func TestLockKeys_DuplicateKeys(t *testing.T) {
	m := NewContextShardedMutex()

	// The same key twice must not self-deadlock.
	unlock, err := m.LockKeys(context.Background(), []string{"a", "b", "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unlock()

	unlock, err = m.LockKeys(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("keys not released: %v", err)
	}
	unlock()
}

func TestLockKeys_OverlappingSetsDoNotDeadlock(t *testing.T) {
	m := NewContextShardedMutex()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sets := [][]string{
		{"acct-1", "acct-2", "acct-3"},
		{"acct-3", "acct-2", "acct-1"},
		{"acct-2", "acct-4"},
	}

	var wg sync.WaitGroup
	var held int64
	for i := 0; i < 60; i++ {
		keys := sets[i%len(sets)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.LockKeys(ctx, keys)
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			atomic.AddInt64(&held, 1)
			unlock()
		}()
	}
	wg.Wait()

	if held != 60 {
		t.Fatalf("expected 60 acquisitions, got %d", held)
	}
}

func TestLockKeys_ReleasesOnCancel(t *testing.T) {
	m := NewContextShardedMutex()

	blocker, err := m.LockContext(context.Background(), "busy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := m.LockKeys(ctx, []string{"free", "busy"}); err == nil {
		t.Fatal("expected context error")
	}
	blocker()

	// "free" must have been released by the failed LockKeys.
	unlock, err := m.LockContext(context.Background(), "free")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unlock()
}
