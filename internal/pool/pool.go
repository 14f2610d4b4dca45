// Package pool provides a fixed-size worker pool over an unbounded FIFO
// job queue. Jobs are self-contained closures that perform their own I/O
// and report back to the controller by posting a message; the pool itself
// is agnostic to job semantics.
package pool

import (
	"sync"
)

// Job is a self-contained unit of work. It must recover from its own
// failures and translate them into messages; a panic escaping a job would
// take down its worker.
type Job func()

// Pool runs jobs on a fixed number of persistent workers pulling from a
// shared FIFO queue. Queue depth is unbounded; backpressure is the
// caller's responsibility.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Job
	stopped bool
	wg      sync.WaitGroup
}

// New spawns maxWorkers persistent workers. maxWorkers below 1 is clamped
// to 1.
func New(maxWorkers int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(maxWorkers)
	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}
	return p
}

// Execute enqueues a job. Jobs submitted after Stop are dropped.
func (p *Pool) Execute(job Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.queue = append(p.queue, job)
	p.cond.Signal()
}

// Stop tells the workers to exit once their current job finishes and
// blocks until they have. Unclaimed queued jobs are abandoned.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		job()
	}
}
