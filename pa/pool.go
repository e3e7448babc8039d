package pa

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/houzhh15/pkd-trust/logging"
)

// DefaultPoolSize is the number of concurrent runs when none is configured.
const DefaultPoolSize = 8

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("verification pool closed")

// Verifier runs one verification. Orchestrator implements it.
type Verifier interface {
	Verify(ctx context.Context, req *Request) (*PassportData, error)
}

// Outcome is delivered once per submitted request.
type Outcome struct {
	Data *PassportData
	Err  error
}

// Pool bounds the number of concurrent verifications. Each run is
// independent; callers waiting for a slot respect their context.
type Pool struct {
	verifier Verifier
	sem      *semaphore.Weighted
	size     int
	logger   logging.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPool creates a pool of size slots. size <= 0 selects DefaultPoolSize.
func NewPool(v Verifier, size int, logger logging.Logger) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{
		verifier: v,
		sem:      semaphore.NewWeighted(int64(size)),
		size:     size,
		logger:   logging.OrNop(logger),
		closed:   make(chan struct{}),
	}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return p.size }

// Verify waits for a slot and runs req on the calling goroutine. The slot is
// held while the run waits on directory lookups.
func (p *Pool) Verify(ctx context.Context, req *Request) (*PassportData, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	inFlight.Inc()
	defer inFlight.Dec()
	return p.verifier.Verify(ctx, req)
}

// Submit runs req asynchronously. The returned channel receives exactly one
// Outcome and is then closed.
func (p *Pool) Submit(ctx context.Context, req *Request) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		pd, err := p.Verify(ctx, req)
		out <- Outcome{Data: pd, Err: err}
	}()
	return out
}

// VerifyBatch runs every request through the pool and returns results in
// request order. The first start-up error cancels the rest.
func (p *Pool) VerifyBatch(ctx context.Context, reqs []*Request) ([]*PassportData, error) {
	results := make([]*PassportData, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			pd, err := p.Verify(gctx, req)
			if err != nil {
				return err
			}
			results[i] = pd
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.Warn("Batch verification aborted", "size", len(reqs), "error", err)
		return results, err
	}
	return results, nil
}

// Close rejects new work. Running verifications finish normally.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}
