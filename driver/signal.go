package driver

import (
	"context"
	"sync"
)

// NotBlocked is an already completed signal, returned by operators and
// buffers that can make progress immediately.
var NotBlocked = completedSignal()

// Signal is a single-assignment readiness notification. It completes at most
// once; listeners registered before completion run on the completing
// goroutine, listeners registered after it run immediately on the caller.
// Listeners must not block.
type Signal struct {
	mtx       sync.Mutex
	done      chan struct{}
	completed bool
	listeners []func()
}

func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

func completedSignal() *Signal {
	s := NewSignal()
	s.Complete()
	return s
}

// Done returns a channel closed on completion.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

func (s *Signal) IsDone() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.completed
}

func (s *Signal) AddListener(fn func()) {
	s.mtx.Lock()
	if !s.completed {
		s.listeners = append(s.listeners, fn)
		s.mtx.Unlock()
		return
	}
	s.mtx.Unlock()
	fn()
}

// Complete marks the signal done and runs pending listeners. Calling it more
// than once is a no-op.
func (s *Signal) Complete() {
	s.mtx.Lock()
	if s.completed {
		s.mtx.Unlock()
		return
	}
	s.completed = true
	close(s.done)
	listeners := s.listeners
	s.listeners = nil
	s.mtx.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Wait blocks until the signal completes or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// AnyOf returns a signal that completes as soon as one of signals completes.
// With no signals it returns NotBlocked.
func AnyOf(signals ...*Signal) *Signal {
	switch len(signals) {
	case 0:
		return NotBlocked
	case 1:
		return signals[0]
	}

	first := NewSignal()
	for _, s := range signals {
		s.AddListener(first.Complete)
	}
	return first
}
