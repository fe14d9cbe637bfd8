package pool

import (
	"context"
	"sync"
)

// Pool limits how many runs execute at once.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem: make(chan struct{}, size),
	}
}

// Go runs fn once a slot is free. If ctx ends while queued, fn never runs and the
// channel yields ctx.Err().
func (p *Pool) Go(ctx context.Context, fn func(context.Context) error) <-chan error {
	errCh := make(chan error, 1)
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		errCh <- ctx.Err()
		close(errCh)
		return errCh
	}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		errCh <- fn(ctx)
		close(errCh)
	}()
	return errCh
}

// InUse reports how many slots are taken.
func (p *Pool) InUse() int { return len(p.sem) }

func (p *Pool) Size() int { return cap(p.sem) }

// Wait blocks until all started work completes.
func (p *Pool) Wait() {
	p.wg.Wait()
}
