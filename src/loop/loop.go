// Package loop runs every connection and sync callback as a discrete,
// non-overlapping turn on one goroutine.
package loop

import (
	"sync"

	"github.com/rs/zerolog"
)

// Loop is a FIFO task runner. Post never blocks, so a turn may post
// follow-up work to its own loop.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
	logger zerolog.Logger
}

// New creates a Loop. Call Run in a goroutine.
func New(logger zerolog.Logger) *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		logger: logger.With().Str("component", "loop").Logger(),
	}
}

// Run processes posted tasks until Stop is called.
func (l *Loop) Run() {
	defer close(l.exited)
	for {
		select {
		case <-l.wake:
			l.drain()
		case <-l.done:
			return
		}
	}
}

// Stop halts the loop. Tasks still queued are discarded.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()
	close(l.done)
}

// Post queues fn for execution. Returns false once the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits until it has run. Must not be called from a
// loop turn. Returns false if the loop stopped before fn ran.
func (l *Loop) Do(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.exited:
		return false
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if l.stopped || len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.run(fn)
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("task panicked")
		}
	}()
	fn()
}
