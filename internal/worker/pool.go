package worker

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/time/rate"
)

// Handler runs one probe job. Implementations own error handling; the pool
// just drains the channel.
type Handler func(ctx context.Context, job Job)

// Pool fans probe jobs out across a fixed set of workers. An optional global
// rate limit caps how many probes the whole pool starts per second,
// regardless of worker count.
type Pool struct {
	jobs        <-chan Job
	handler     Handler
	workerCount int
	limiter     *rate.Limiter
}

type PoolOption func(*Pool)

func WithWorkerCount(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workerCount = n
		}
	}
}

// WithRateLimit caps probe starts at r per second with the given burst.
func WithRateLimit(r float64, burst int) PoolOption {
	return func(p *Pool) {
		if r > 0 && burst > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

func NewPool(jobs <-chan Job, handler Handler, opts ...PoolOption) *Pool {
	p := &Pool{
		jobs:        jobs,
		handler:     handler,
		workerCount: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

func (p *Pool) Start(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	for i := 0; i < p.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx)
		}()
	}
	return &wg
}

func (p *Pool) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return
				}
			}
			p.handler(ctx, job)
		}
	}
}
