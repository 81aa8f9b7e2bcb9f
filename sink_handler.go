package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/atomic"

	"github.com/polarsignals/exchange/driver"
	"github.com/polarsignals/exchange/page"
)

type handlerOptions struct {
	breaker *page.Breaker
	now     func() time.Time
}

// HandlerOption configures a SinkHandler or a SourceHandler.
type HandlerOption func(*handlerOptions)

// WithBreaker accounts the pages queued in the handler's buffer against b.
func WithBreaker(b *page.Breaker) HandlerOption {
	return func(o *handlerOptions) {
		o.breaker = b
	}
}

// WithHandlerClock sets the clock used for the last updated timestamp.
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(o *handlerOptions) {
		o.now = now
	}
}

func newHandlerOptions(opts []HandlerOption) handlerOptions {
	o := handlerOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SinkHandler holds the pages produced for one exchange on the producing node
// and serves them to fetch requests in FIFO order.
type SinkHandler struct {
	buffer *Buffer
	now    func() time.Time

	outstandingSinks atomic.Int32

	mtx         sync.Mutex
	held        []*heldRequest
	waiting     bool
	lastUpdated time.Time
	failure     error
	completed   bool
	listeners   []func(error)
}

type heldRequest struct {
	listener ResponseListener
	stop     func() bool
}

func NewSinkHandler(maxBufferSize int, opts ...HandlerOption) *SinkHandler {
	o := newHandlerOptions(opts)
	h := &SinkHandler{
		buffer: NewBuffer(maxBufferSize, o.breaker),
		now:    o.now,
	}
	h.lastUpdated = h.now()
	h.buffer.AddCompletionListener(func() { h.complete(nil) })
	return h
}

// FetchPageAsync answers with the next page once one is available or the
// buffer finished. With sourcesFinished the consumer needs no more pages:
// queued pages are dropped and the listener is told the exchange finished.
// A held request is failed with the cause of ctx when ctx is done first.
func (h *SinkHandler) FetchPageAsync(ctx context.Context, sourcesFinished bool, listener ResponseListener) {
	if sourcesFinished {
		h.buffer.Finish(true)
		h.touch()
		listener(NewResponse(nil, true), nil)
		h.notifyListeners()
		return
	}

	if ctx.Err() != nil {
		listener(nil, context.Cause(ctx))
		return
	}

	h.mtx.Lock()
	if h.failure != nil {
		err := h.failure
		h.mtx.Unlock()
		listener(nil, err)
		return
	}
	req := &heldRequest{listener: listener}
	h.held = append(h.held, req)
	h.lastUpdated = h.now()
	req.stop = context.AfterFunc(ctx, func() {
		if h.removeHeld(req) {
			listener(nil, context.Cause(ctx))
		}
	})
	h.mtx.Unlock()

	h.notifyListeners()
}

func (h *SinkHandler) removeHeld(req *heldRequest) bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for i, r := range h.held {
		if r == req {
			h.held = append(h.held[:i], h.held[i+1:]...)
			return true
		}
	}
	return false
}

// notifyListeners serves held requests while there is something to answer
// with. A served response is finished if the buffer finished after its page
// was polled, so the last page carries the finished flag.
func (h *SinkHandler) notifyListeners() {
	for {
		h.mtx.Lock()
		if len(h.held) == 0 {
			h.mtx.Unlock()
			return
		}

		p, fire := h.buffer.pollPage()
		finished := h.buffer.IsFinished()
		if p == nil && !finished {
			readable := h.buffer.WaitForReading()
			register := !h.waiting
			h.waiting = true
			h.mtx.Unlock()

			fire.fire()
			if register {
				readable.AddListener(func() {
					h.mtx.Lock()
					h.waiting = false
					h.mtx.Unlock()
					h.notifyListeners()
				})
			}
			return
		}

		req := h.held[0]
		h.held[0] = nil
		h.held = h.held[1:]
		req.stop()
		h.lastUpdated = h.now()
		h.mtx.Unlock()

		fire.fire()
		req.listener(NewResponse(p, finished), nil)
	}
}

// CreateExchangeSink returns a new sink writing into this handler. The
// buffer finishes once every sink created here finished.
func (h *SinkHandler) CreateExchangeSink() *ExchangeSink {
	h.outstandingSinks.Inc()
	return &ExchangeSink{handler: h}
}

func (h *SinkHandler) onSinkFinished() {
	if h.outstandingSinks.Dec() == 0 {
		h.buffer.Finish(false)
		h.notifyListeners()
	}
	h.touch()
}

func (h *SinkHandler) touch() {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.lastUpdated = h.now()
}

// Fail fails held and future requests with err, drops queued pages and
// completes the handler with err.
func (h *SinkHandler) Fail(err error) {
	h.mtx.Lock()
	if h.failure == nil {
		h.failure = err
	}
	held := h.held
	h.held = nil
	h.mtx.Unlock()

	for _, req := range held {
		req.stop()
		req.listener(nil, err)
	}
	h.complete(err)
	h.buffer.Finish(true)
}

func (h *SinkHandler) complete(err error) {
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

// AddCompletionListener registers fn to run once the handler completed:
// finished and drained, or failed. It runs immediately when that already
// happened.
func (h *SinkHandler) AddCompletionListener(fn func(error)) {
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

func (h *SinkHandler) Failure() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.failure
}

// HasData reports whether pages are queued.
func (h *SinkHandler) HasData() bool {
	return h.buffer.Size() > 0
}

// HasListeners reports whether fetch requests are held.
func (h *SinkHandler) HasListeners() bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.held) > 0
}

// LastUpdated returns when the handler last saw a fetch or a sink change.
func (h *SinkHandler) LastUpdated() time.Time {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.lastUpdated
}

func (h *SinkHandler) IsFinished() bool {
	return h.buffer.IsFinished()
}

// BufferSize returns the number of queued pages.
func (h *SinkHandler) BufferSize() int {
	return h.buffer.Size()
}

func (h *SinkHandler) bufferBytes() int64 {
	return h.buffer.Bytes()
}

// ExchangeSink writes pages into a SinkHandler.
type ExchangeSink struct {
	handler  *SinkHandler
	finished atomic.Bool
}

// AddPage takes ownership of p. A page added after the consumer terminated
// the exchange early is dropped.
func (s *ExchangeSink) AddPage(p arrow.Record) error {
	if s.finished.Load() {
		p.Release()
		return ErrSinkFinished
	}
	if err := s.handler.buffer.AddPage(p); err != nil {
		if errors.Is(err, ErrBufferFinished) {
			return nil
		}
		return err
	}
	return nil
}

// Finish is idempotent.
func (s *ExchangeSink) Finish() {
	if s.finished.CompareAndSwap(false, true) {
		s.handler.onSinkFinished()
	}
}

// IsFinished reports whether this sink finished or the exchange needs no
// more pages.
func (s *ExchangeSink) IsFinished() bool {
	return s.finished.Load() || s.handler.buffer.IsFinished()
}

func (s *ExchangeSink) WaitForWriting() *driver.Signal {
	return s.handler.buffer.WaitForWriting()
}
