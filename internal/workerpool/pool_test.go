package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsTask(t *testing.T) {
	p := New(2)
	defer p.Stop()

	err := p.Submit(func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestSubmitBoundsConcurrency(t *testing.T) {
	p := New(2)
	defer p.Stop()

	var running int32
	var maxSeen int32
	block := make(chan struct{})

	for i := 0; i < 5; i++ {
		go func() {
			_ = p.Submit(func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&maxSeen)
					if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
						break
					}
				}
				<-block
				atomic.AddInt32(&running, -1)
				return nil
			})
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(block)
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&maxSeen); got > 2 {
		t.Fatalf("expected at most 2 concurrent tasks, saw %d", got)
	}
}

func TestStopCancelsPendingWork(t *testing.T) {
	p := New(1)
	done := p.SubmitAsync(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	p.Stop()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected context error after Stop")
		}
	case <-time.After(time.Second):
		t.Fatal("task did not observe Stop")
	}
}
