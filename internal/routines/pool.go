// Package routines provides a bounded pool of worker goroutines.
package routines

import "sync"

// Pool runs queued functions concurrently in a fixed number of goroutines.
type Pool struct {
	queue     chan func()
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPool starts a pool with the given number of workers.
// If workers is 0, one worker is started.
func NewPool(workers uint) *Pool {
	if workers == 0 {
		workers = 1
	}

	p := Pool{queue: make(chan func(), workers)}

	p.wg.Add(int(workers))
	for range workers {
		go p.worker()
	}

	return &p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for fn := range p.queue {
		fn()
	}
}

// Queue schedules fn for execution.
// It blocks while all workers are busy and the queue is full.
// Calling Queue after Wait panics.
func (p *Pool) Queue(fn func()) {
	p.queue <- fn
}

// Wait waits until all queued functions finished and terminates the
// workers.
func (p *Pool) Wait() {
	p.closeOnce.Do(func() { close(p.queue) })
	p.wg.Wait()
}
