package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolLimitsConcurrency(t *testing.T) {
	p := New(2)
	var concurrent int32
	var maxConcurrent int32

	work := func(ctx context.Context) error {
		cur := atomic.AddInt32(&concurrent, 1)
		defer atomic.AddInt32(&concurrent, -1)
		for {
			if curMax := atomic.LoadInt32(&maxConcurrent); cur > curMax {
				atomic.StoreInt32(&maxConcurrent, cur)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
				return nil
			}
		}
	}

	errCh1 := p.Go(context.Background(), work)
	errCh2 := p.Go(context.Background(), work)
	errCh3 := p.Go(context.Background(), work)

	<-errCh1
	<-errCh2
	<-errCh3
	p.Wait()

	if maxConcurrent > 2 {
		t.Fatalf("expected max concurrency <= 2, got %d", maxConcurrent)
	}
}

func TestPoolGiveUpWhileQueued(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	busy := p.Go(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	errCh := p.Go(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err := <-errCh; err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if ran {
		t.Fatal("queued work ran after its context ended")
	}
	if p.InUse() != 1 || p.Size() != 1 {
		t.Fatalf("in use %d of %d", p.InUse(), p.Size())
	}

	close(release)
	<-busy
	p.Wait()
	if p.InUse() != 0 {
		t.Fatalf("slot not returned")
	}
}
