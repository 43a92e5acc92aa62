package timevote

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkPool_RunsJobAndReturnsResult(t *testing.T) {
	p := newWorkPool(2)
	errBoom := errors.New("boom")

	out := p.submit(context.Background(), func() error { return nil })
	if err := <-out; err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	out2 := p.submit(context.Background(), func() error { return errBoom })
	if err := <-out2; !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
}

func TestWorkPool_BoundsConcurrency(t *testing.T) {
	p := newWorkPool(2)
	var running int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := p.submit(context.Background(), func() error {
				n := atomic.AddInt32(&running, 1)
				for {
					cur := atomic.LoadInt32(&maxSeen)
					if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
			<-out
		}()
	}
	wg.Wait()

	if maxSeen > 2 {
		t.Errorf("observed %d concurrent jobs, pool size is 2", maxSeen)
	}
}

func TestWorkPool_CancelledContextBeforeSlotFree(t *testing.T) {
	p := newWorkPool(1)
	block := make(chan struct{})
	done := p.submit(context.Background(), func() error {
		<-block
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := p.submit(ctx, func() error { return nil })
	if err := <-out; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(block)
	<-done
}
