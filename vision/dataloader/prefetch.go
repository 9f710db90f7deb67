package dataloader

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Prefetcher loads the batches of one epoch on a background goroutine so
// decoding overlaps with training. At most Depth batches wait in the queue;
// a SetImageSize on the loader applies to batches not yet queued.
type Prefetcher struct {
	loader *DataLoader
	depth  int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	batches chan prefetched
	wg      sync.WaitGroup
}

type prefetched struct {
	batch *Batch
	err   error
}

// NewPrefetcher wraps loader. Depth below 1 is treated as 1.
func NewPrefetcher(loader *DataLoader, depth int) *Prefetcher {
	if depth <= 0 {
		depth = 1
	}
	return &Prefetcher{loader: loader, depth: depth}
}

func (p *Prefetcher) Loader() *DataLoader { return p.loader }

// Start rewinds the loader and begins loading an epoch.
func (p *Prefetcher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("prefetcher is already running")
	}
	p.loader.Reset()
	ctx, p.cancel = context.WithCancel(ctx)
	p.batches = make(chan prefetched, p.depth)
	p.running = true
	p.wg.Add(1)
	go p.worker(ctx, p.batches)
	return nil
}

func (p *Prefetcher) worker(ctx context.Context, out chan<- prefetched) {
	defer p.wg.Done()
	defer close(out)
	for {
		batch, err := p.loader.NextBatch(ctx)
		if batch == nil && err == nil {
			return
		}
		select {
		case out <- prefetched{batch, err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Next blocks for the next batch. It returns nil, nil once the epoch is
// exhausted.
func (p *Prefetcher) Next(ctx context.Context) (*Batch, error) {
	p.mu.Lock()
	batches := p.batches
	p.mu.Unlock()
	if batches == nil {
		return nil, errors.New("prefetcher has not been started")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case r, ok := <-batches:
		if !ok {
			return nil, nil
		}
		return r.batch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop cancels loading, discards queued batches and waits for the worker.
// It is a no-op when not running.
func (p *Prefetcher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.cancel()
	for range p.batches {
	}
	p.wg.Wait()
	p.running = false
}
