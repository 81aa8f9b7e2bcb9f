package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/polarsignals/exchange/driver"
)

// SourceHandler fills a buffer on the consuming node with the pages fetched
// from remote sinks, and hands them to the sources created from it.
//
// The handler is reference counted: its creator holds the initial reference,
// every source holds one until it finishes and every AddRemoteSink holds one
// until all of its fetchers completed. Once the count drops to zero the
// handler completes with the first failure, if any.
type SourceHandler struct {
	buffer   *Buffer
	executor driver.Executor
	logger   log.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	refs               atomic.Int32
	outstandingSources atomic.Int32
	outstandingSinks   atomic.Int32

	mtx       sync.Mutex
	failure   error
	completed bool
	listeners []func(error)
}

func NewSourceHandler(maxBufferSize int, executor driver.Executor, logger log.Logger, opts ...HandlerOption) *SourceHandler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	o := newHandlerOptions(opts)
	h := &SourceHandler{
		buffer:   NewBuffer(maxBufferSize, o.breaker),
		executor: executor,
		logger:   logger,
	}
	h.ctx, h.cancel = context.WithCancelCause(context.Background())
	h.refs.Store(1)
	return h
}

// Context is cancelled once the handler completed.
func (h *SourceHandler) Context() context.Context {
	return h.ctx
}

func (h *SourceHandler) RefCount() int {
	return int(h.refs.Load())
}

func (h *SourceHandler) IncRef() {
	if h.refs.Inc() <= 1 {
		panic("exchange source handler already completed")
	}
}

// DecRef drops a reference. The decrement that reaches zero drops queued
// pages and completes the handler.
func (h *SourceHandler) DecRef() {
	n := h.refs.Dec()
	switch {
	case n == 0:
		h.buffer.Finish(true)
		err := h.Failure()
		if err != nil {
			h.cancel(err)
		} else {
			h.cancel(context.Canceled)
		}
		h.complete(err)
	case n < 0:
		panic("exchange source handler reference count dropped below zero")
	}
}

func (h *SourceHandler) complete(err error) {
	h.mtx.Lock()
	if h.completed {
		h.mtx.Unlock()
		return
	}
	h.completed = true
	listeners := h.listeners
	h.listeners = nil
	h.mtx.Unlock()

	for _, fn := range listeners {
		fn(err)
	}
}

// AddCompletionListener registers fn to run with the handler's failure, nil
// on success, once the last reference was dropped.
func (h *SourceHandler) AddCompletionListener(fn func(error)) {
	h.mtx.Lock()
	if !h.completed {
		h.listeners = append(h.listeners, fn)
		h.mtx.Unlock()
		return
	}
	err := h.failure
	h.mtx.Unlock()
	fn(err)
}

// Failure returns the first failure of a fetcher, joined with the later
// ones.
func (h *SourceHandler) Failure() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.failure
}

func (h *SourceHandler) failed() bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.failure != nil
}

func (h *SourceHandler) onFailure(err error) {
	h.mtx.Lock()
	if h.failure == nil {
		h.failure = err
	} else if !errors.Is(h.failure, err) {
		h.failure = errors.Join(h.failure, err)
	}
	h.mtx.Unlock()

	// Readers blocked on the buffer wake up and observe the failure.
	h.buffer.Finish(true)
}

// BufferSize returns the number of queued pages.
func (h *SourceHandler) BufferSize() int {
	return h.buffer.Size()
}

func (h *SourceHandler) bufferBytes() int64 {
	return h.buffer.Bytes()
}

// CreateExchangeSource returns a new source reading from this handler. Once
// every source created here finished, no more pages are fetched.
func (h *SourceHandler) CreateExchangeSource() *ExchangeSource {
	h.IncRef()
	h.outstandingSources.Inc()
	return &ExchangeSource{handler: h}
}

func (h *SourceHandler) onSourceFinished() {
	if h.outstandingSources.Dec() == 0 {
		h.buffer.Finish(true)
	}
	h.DecRef()
}

// AddRemoteSink starts instances fetchers draining sink concurrently.
func (h *SourceHandler) AddRemoteSink(sink RemoteSink, instances int) {
	if instances < 1 {
		panic(fmt.Sprintf("remote sink needs at least one fetcher, got %d", instances))
	}
	h.IncRef()
	h.outstandingSinks.Add(int32(instances))

	remaining := atomic.NewInt32(int32(instances))
	for i := 0; i < instances; i++ {
		f := &fetcher{
			handler: h,
			sink:    sink,
			onDone: func() {
				if h.outstandingSinks.Dec() == 0 {
					h.buffer.Finish(false)
				}
				if remaining.Dec() == 0 {
					h.DecRef()
				}
			},
		}
		h.executor.Execute(f.fetchPage)
	}
}

const (
	loopRunning int32 = iota
	loopExiting
	loopExited
)

// fetcher repeatedly fetches pages from one remote sink into the buffer.
// Responses delivered synchronously continue the loop on the same goroutine
// instead of recursing.
type fetcher struct {
	handler  *SourceHandler
	sink     RemoteSink
	finished atomic.Bool
	onDone   func()
}

// loopControl hands the fetch loop over between the goroutine running it and
// the goroutine completing a fetch.
type loopControl struct {
	f      *fetcher
	status atomic.Int32
}

func (c *loopControl) isRunning() bool { return c.status.Load() == loopRunning }

func (c *loopControl) exiting() { c.status.Store(loopExiting) }

// exited ends the loop unless a response resumed it in the meantime, in
// which case a new loop starts on this goroutine.
func (c *loopControl) exited() {
	if !c.status.CompareAndSwap(loopExiting, loopExited) {
		c.f.fetchPage()
	}
}

// tryResume continues the loop that is still running, or starts a new one
// when it already exited.
func (c *loopControl) tryResume() {
	if !c.status.CompareAndSwap(loopExiting, loopRunning) {
		c.f.fetchPage()
	}
}

func (f *fetcher) fetchPage() {
	ctl := &loopControl{f: f}
	for ctl.isRunning() {
		ctl.exiting()
		h := f.handler
		// Tell the remote sink to stop when the sources need no more pages or
		// another fetcher failed.
		toFinish := h.buffer.NoMoreInputs() || h.failed()
		f.sink.FetchPageAsync(toFinish, func(resp *Response, err error) {
			if err != nil {
				f.onSinkFailed(err)
				return
			}
			if p := resp.TakePage(); p != nil {
				if err := h.buffer.AddPage(p); err != nil && !errors.Is(err, ErrBufferFinished) {
					f.onSinkFailed(err)
					return
				}
			}
			if resp.Finished() {
				f.onSinkComplete()
				return
			}
			writable := h.buffer.WaitForWriting()
			if writable.IsDone() {
				ctl.tryResume()
				return
			}
			writable.AddListener(func() {
				h.executor.Execute(f.fetchPage)
			})
		})
	}
	ctl.exited()
}

func (f *fetcher) onSinkFailed(err error) {
	level.Debug(f.handler.logger).Log("msg", "fetching exchange page failed", "err", err)
	f.handler.onFailure(err)
	f.onSinkComplete()
}

func (f *fetcher) onSinkComplete() {
	if f.finished.CompareAndSwap(false, true) {
		f.onDone()
	}
}

// ExchangeSource reads pages from a SourceHandler.
type ExchangeSource struct {
	handler  *SourceHandler
	finished atomic.Bool
}

// PollPage returns the next page, nil when none is queued, or the failure of
// the exchange.
func (s *ExchangeSource) PollPage() (arrow.Record, error) {
	if err := s.handler.Failure(); err != nil {
		return nil, err
	}
	return s.handler.buffer.PollPage(), nil
}

// IsFinished reports whether every page was read. A failed exchange is never
// finished; its failure is returned by PollPage.
func (s *ExchangeSource) IsFinished() bool {
	return !s.handler.failed() && s.handler.buffer.IsFinished()
}

func (s *ExchangeSource) WaitForReading() *driver.Signal {
	return s.handler.buffer.WaitForReading()
}

func (s *ExchangeSource) BufferSize() int {
	return s.handler.buffer.Size()
}

// Finish is idempotent.
func (s *ExchangeSource) Finish() {
	if s.finished.CompareAndSwap(false, true) {
		s.handler.onSourceFinished()
	}
}
