// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objstore

import (
	"sync"

	"github.com/asch/glblk/internal/glfs"
)

// Proxy runs asynchronous file operations on a fixed set of workers.
// Foreground jobs (read, write, flush) are always taken before background
// ones (discard, zerofill) so that space management does not slow the data
// path down.
type Proxy struct {
	workers int

	foreground chan func()
	background chan func()

	mut     sync.RWMutex
	stopped bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewProxy returns a running proxy with workers goroutines and room for
// depth queued jobs of each priority.
func NewProxy(workers, depth int) *Proxy {
	p := &Proxy{
		workers:    workers,
		foreground: make(chan func(), depth),
		background: make(chan func(), depth),
		quit:       make(chan struct{}),
	}

	p.wg.Add(workers)
	for i := 0; i < p.workers; i++ {
		go p.worker()
	}

	return p
}

// Submit queues job. It never blocks: a full queue fails with EAGAIN and
// a stopped proxy with ESHUTDOWN.
func (p *Proxy) Submit(job func(), prio bool) error {
	p.mut.RLock()
	defer p.mut.RUnlock()

	if p.stopped {
		return glfs.ESHUTDOWN
	}

	c := p.background
	if prio {
		c = p.foreground
	}

	select {
	case c <- job:
		return nil
	default:
		return glfs.EAGAIN
	}
}

// Stop refuses new jobs, runs the queued ones and waits for the workers.
func (p *Proxy) Stop() {
	p.mut.Lock()
	if p.stopped {
		p.mut.Unlock()
		return
	}
	p.stopped = true
	close(p.quit)
	p.mut.Unlock()

	p.wg.Wait()
}

// receive prefers foreground jobs. It returns nil once the proxy is stopped
// and both queues are empty.
func (p *Proxy) receive() func() {
	select {
	case job := <-p.foreground:
		return job
	default:
	}

	select {
	case job := <-p.foreground:
		return job
	case job := <-p.background:
		return job
	case <-p.quit:
	}

	select {
	case job := <-p.foreground:
		return job
	case job := <-p.background:
		return job
	default:
		return nil
	}
}

func (p *Proxy) worker() {
	defer p.wg.Done()

	for job := p.receive(); job != nil; job = p.receive() {
		job()
	}
}
