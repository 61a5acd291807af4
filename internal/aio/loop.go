// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package aio provides the cooperative side of asynchronous I/O: a loop
// goroutine which runs bottom halves, and coroutines which park the issuing
// goroutine until the loop resumes them.
//
// Completion callbacks of the client library arrive on foreign goroutines.
// They must not resume a waiting coroutine themselves. Instead they hand a
// bottom half to the loop with Schedule and the loop performs the resumption
// on its own goroutine.
package aio

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Scheduler runs functions on the goroutine which owns the cooperative
// scheduler. Schedule is safe to call from any goroutine and never blocks on
// the scheduler.
type Scheduler interface {
	Schedule(fn func())
}

// Loop is a Scheduler backed by a single goroutine running Run.
type Loop struct {
	log zerolog.Logger

	// Pending bottom halves in submission order. Producers only append,
	// the loop goroutine swaps the whole slice out.
	mut   sync.Mutex
	queue []func()

	// Wakes the loop. One slot is enough since the loop drains the whole
	// queue on every wakeup.
	notify chan struct{}

	running atomic.Bool
	ran     atomic.Int64
}

// NewLoop returns a loop which is ready to be run.
func NewLoop(l zerolog.Logger) *Loop {
	return &Loop{
		log:    l.With().Str("component", "aio").Logger(),
		notify: make(chan struct{}, 1),
	}
}

// Schedule queues fn to run on the loop goroutine.
func (l *Loop) Schedule(fn func()) {
	l.mut.Lock()
	l.queue = append(l.queue, fn)
	l.mut.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Run executes scheduled bottom halves until ctx is canceled. Only one Run
// may be active at a time. Bottom halves still queued when ctx is canceled
// are run before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CAS(false, true) {
		return errAlreadyRunning
	}
	defer l.running.Store(false)

	l.log.Debug().Msg("loop started")
	defer l.log.Debug().Int64("bottom_halves", l.ran.Load()).Msg("loop stopped")

	for {
		select {
		case <-l.notify:
			l.runPending()
		case <-ctx.Done():
			l.runPending()
			return nil
		}
	}
}

// Pending returns the number of queued bottom halves.
func (l *Loop) Pending() int {
	l.mut.Lock()
	defer l.mut.Unlock()

	return len(l.queue)
}

func (l *Loop) runPending() {
	for {
		l.mut.Lock()
		batch := l.queue
		l.queue = nil
		l.mut.Unlock()

		if len(batch) == 0 {
			return
		}

		for _, fn := range batch {
			fn()
			l.ran.Inc()
		}
	}
}

type loopError string

func (e loopError) Error() string { return string(e) }

const errAlreadyRunning = loopError("aio: loop is already running")
