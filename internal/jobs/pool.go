package jobs

import (
	"context"
	"sync"

	"squash/internal/logging"
)

// Pool runs every dispatched task on its own goroutine inside the current
// process. There is no concurrency limit and no queueing: a task starts as
// soon as it is dispatched.
//
// Tasks run under a base context that is never cancelled by the request
// that created them, so a client disconnecting does not abort compression.
type Pool struct {
	base    context.Context
	handler Handler
	logger  logging.Logger
	wg      sync.WaitGroup
}

// NewPool constructs a Pool that runs tasks with h.
func NewPool(h Handler, logger logging.Logger) *Pool {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Pool{
		base:    context.Background(),
		handler: h,
		logger:  logger,
	}
}

// PoolFactory adapts NewPool to a DispatcherFactory. The created pool is
// also stored in *out so callers can Wait on it at shutdown.
func PoolFactory(logger logging.Logger, out **Pool) DispatcherFactory {
	return func(h Handler) Dispatcher {
		p := NewPool(h, logger)
		if out != nil {
			*out = p
		}
		return p
	}
}

// Dispatch starts t in the background. The request context is not
// propagated to the task.
func (p *Pool) Dispatch(_ context.Context, t Task) error {
	p.wg.Add(1)
	go p.run(t)
	return nil
}

func (p *Pool) run(t Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("compression task crashed", "job_id", t.JobID, "panic", r)
		}
	}()

	p.handler(p.base, t)
}

// Wait blocks until every dispatched task has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
