package redislock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryLockerMutualExclusion(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	var mu sync.Mutex
	inCritical := 0
	maxInCritical := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(ctx, "g1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			defer release()

			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxInCritical != 1 {
		t.Fatalf("critical section overlap: max holders=%d", maxInCritical)
	}
}

func TestMemoryLockerKeysAreIndependent(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	release1, err := l.Lock(ctx, "g1")
	if err != nil {
		t.Fatalf("lock g1: %v", err)
	}
	defer release1()

	// A different key must not block behind g1.
	done := make(chan struct{})
	go func() {
		release2, err := l.Lock(ctx, "g2")
		if err == nil {
			release2()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("lock on unrelated key blocked")
	}
}

func TestMemoryLockerContextCancel(t *testing.T) {
	l := NewMemoryLocker()

	release, err := l.Lock(context.Background(), "g1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "g1"); err == nil {
		t.Fatalf("second lock must fail once the context expires")
	}

	release()

	// The key is free again after release.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	release2, err := l.Lock(ctx2, "g1")
	if err != nil {
		t.Fatalf("relock after release: %v", err)
	}
	release2()
}

func TestMemoryLockerReleaseIdempotent(t *testing.T) {
	l := NewMemoryLocker()

	release, err := l.Lock(context.Background(), "g1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	release()
	release() // second call must be a no-op, not an unlock of a free lock

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	again, err := l.Lock(ctx, "g1")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()
}
