package server

import (
	"sync"

	"go.uber.org/zap"
)

// WorkerFunc processes one packet's context. Returning an error only
// logs; it never tears down the pool.
type WorkerFunc func(*context) error

// workerPool is a bounded goroutine pool implementing the dispatcher's
// worker-thread fan-out from spec.md §4.6: a fixed number of goroutines
// drain a buffered work queue, each pinned for the lifetime of the pool
// rather than spawned per packet. Serve is the cross-thread handoff
// point the listener uses to steer a packet into a worker; it never
// blocks, returning false when the queue is full so the caller can
// retry or shed load.
type workerPool struct {
	WorkerFunc      WorkerFunc
	MaxWorkersCount int
	Logger          *zap.Logger

	work    chan *context
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

const workerPoolQueueSize = 256

// Start spins up MaxWorkersCount goroutines. Safe to call repeatedly;
// only the first call after a Stop takes effect.
func (p *workerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.work = make(chan *context, workerPoolQueueSize)
	p.stop = make(chan struct{})
	n := p.MaxWorkersCount
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.loop()
	}
}

func (p *workerPool) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case ctx := <-p.work:
			if ctx == nil {
				continue
			}
			if err := p.WorkerFunc(ctx); err != nil && p.Logger != nil {
				p.Logger.Warn("worker failed", zap.Error(err))
			}
			putContext(ctx)
		}
	}
}

// Serve hands ctx to a free worker, returning false if the queue is
// saturated (the caller is expected to back off and retry).
func (p *workerPool) Serve(ctx *context) bool {
	select {
	case p.work <- ctx:
		return true
	default:
		return false
	}
}

// Stop drains no further work and waits for in-flight handlers to
// return, so it is safe to close the underlying connections afterwards.
func (p *workerPool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.stop)
	p.mu.Unlock()
	p.wg.Wait()
}
