package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLatchSignalsOnce(t *testing.T) {
	l := NewLatch()
	if l.Signaled() {
		t.Fatal("new latch should be pending")
	}
	if !l.Signal() {
		t.Fatal("first Signal should fire")
	}
	if l.Signal() {
		t.Fatal("second Signal should be a no-op")
	}
	if !l.Signaled() {
		t.Fatal("latch should be signaled")
	}
	select {
	case <-l.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestLatchConcurrentSignal(t *testing.T) {
	l := NewLatch()
	var fired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Signal() {
				fired.Add(1)
			}
		}()
	}
	wg.Wait()
	if fired.Load() != 1 {
		t.Fatalf("latch fired %d times, want 1", fired.Load())
	}
}

func TestLatchWait(t *testing.T) {
	l := NewLatch()
	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Signal()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("Wait returned %v", err)
	}
}

func TestLatchWaitHonorsContext(t *testing.T) {
	l := NewLatch()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait returned %v, want deadline exceeded", err)
	}
}
