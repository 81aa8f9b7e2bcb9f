// Package exchange streams pages between the stages of a distributed query
// plan. Producers write into a SinkHandler through ExchangeSinks; consumers on
// the same or another node fetch those pages into a SourceHandler and read
// them through ExchangeSources. Buffers on both sides are bounded, so a slow
// consumer slows its producers down across the network hop.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/polarsignals/exchange/driver"
	"github.com/polarsignals/exchange/page"
	"github.com/polarsignals/exchange/tasks"
	"github.com/polarsignals/exchange/transport"
)

const (
	DefaultSinkInactiveInterval    = 5 * time.Minute
	DefaultClosedExchangeRetention = 10 * time.Minute
	closedExchangeCacheSize        = 16384
)

// Service is the registry of the exchanges of one node. It serves page
// fetches of the sink handlers it knows to other nodes.
type Service struct {
	logger  log.Logger
	reg     prometheus.Registerer
	tracer  trace.Tracer
	now     func() time.Time
	mem     memory.Allocator
	breaker *page.Breaker
	// decoded bounds the pages decoded from fetch responses when a memory
	// limit is set.
	decoded *page.LimitAllocator

	sinkInactiveInterval time.Duration
	closedRetention      time.Duration

	mtx     sync.Mutex
	sinks   map[string]*sinkEntry
	sources map[string]*sourceEntry
	closed  *expirable.LRU[string, closedExchange]
	tasks   *tasks.Manager
	stopped bool

	metrics *serviceMetrics

	done   chan struct{}
	reaper sync.WaitGroup
}

type sinkEntry struct {
	handler *SinkHandler
	created time.Time
}

type sourceEntry struct {
	handler *SourceHandler
}

// closedExchange remembers how an exchange ended; err is nil when it
// completed normally.
type closedExchange struct {
	err error
}

type Option func(*Service) error

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) error {
		s.tracer = tracer
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		s.now = now
		return nil
	}
}

// WithSinkInactiveInterval sets how long a sink handler may go without fetch
// requests before it is failed and removed. Zero disables the reaper
// goroutine; ReapInactiveSinks can still be called.
func WithSinkInactiveInterval(d time.Duration) Option {
	return func(s *Service) error {
		if d < 0 {
			return fmt.Errorf("sink inactive interval must not be negative, got %s", d)
		}
		s.sinkInactiveInterval = d
		return nil
	}
}

// WithTaskManager sets the manager that served fetches are registered with as
// children of the requesting task. By default RegisterTransportHandler creates
// one named after the transport's node.
func WithTaskManager(m *tasks.Manager) Option {
	return func(s *Service) error {
		s.tasks = m
		return nil
	}
}

// WithMemoryLimit bounds the bytes queued in all buffers of the service, and
// separately the bytes of the pages decoded from fetch responses.
func WithMemoryLimit(bytes int64) Option {
	return func(s *Service) error {
		s.breaker = page.NewBreaker(bytes)
		return nil
	}
}

// WithAllocator sets the allocator for pages decoded from fetch responses.
func WithAllocator(mem memory.Allocator) Option {
	return func(s *Service) error {
		s.mem = mem
		return nil
	}
}

// WithClosedExchangeRetention sets how long closed exchange ids are
// remembered.
func WithClosedExchangeRetention(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return fmt.Errorf("closed exchange retention must be positive, got %s", d)
		}
		s.closedRetention = d
		return nil
	}
}

func New(
	logger log.Logger,
	reg prometheus.Registerer,
	options ...Option,
) (*Service, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Service{
		logger:               logger,
		reg:                  newReusableRegistry(reg),
		tracer:               noop.NewTracerProvider().Tracer(""),
		now:                  time.Now,
		mem:                  memory.DefaultAllocator,
		sinkInactiveInterval: DefaultSinkInactiveInterval,
		closedRetention:      DefaultClosedExchangeRetention,
		sinks:                map[string]*sinkEntry{},
		sources:              map[string]*sourceEntry{},
		done:                 make(chan struct{}),
	}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	if s.breaker != nil && s.breaker.Limit() > 0 {
		s.decoded = page.NewLimitAllocator(s.breaker.Limit(), s.mem)
	}
	s.closed = expirable.NewLRU[string, closedExchange](closedExchangeCacheSize, nil, s.closedRetention)
	s.metrics = newServiceMetrics(s.reg)
	s.reg.MustRegister(&collector{s: s})

	if s.sinkInactiveInterval > 0 {
		s.reaper.Add(1)
		go s.runReaper()
	}

	return s, nil
}

func sinkKey(id string) string   { return "sink/" + id }
func sourceKey(id string) string { return "source/" + id }

func (s *Service) handlerOptions() []HandlerOption {
	return []HandlerOption{WithBreaker(s.breaker), WithHandlerClock(s.now)}
}

// CreateSinkHandler registers a sink handler for id buffering up to
// maxBufferSize pages.
func (s *Service) CreateSinkHandler(id string, maxBufferSize int) (*SinkHandler, error) {
	s.mtx.Lock()
	if err := s.checkRegistrable(id, s.sinks[id] != nil, sinkKey(id)); err != nil {
		s.mtx.Unlock()
		return nil, err
	}
	h := NewSinkHandler(maxBufferSize, s.handlerOptions()...)
	s.sinks[id] = &sinkEntry{handler: h, created: h.LastUpdated()}
	s.mtx.Unlock()

	h.AddCompletionListener(func(err error) {
		s.onSinkCompleted(id, h, err)
	})
	level.Debug(s.logger).Log("msg", "created exchange sink handler", "exchange", id, "buffer_size", maxBufferSize)
	return h, nil
}

// CreateSourceHandler registers a source handler for id. The handler is
// removed once its last reference is dropped.
func (s *Service) CreateSourceHandler(id string, maxBufferSize int, executor driver.Executor) (*SourceHandler, error) {
	s.mtx.Lock()
	if err := s.checkRegistrable(id, s.sources[id] != nil, sourceKey(id)); err != nil {
		s.mtx.Unlock()
		return nil, err
	}
	h := NewSourceHandler(maxBufferSize, executor, log.With(s.logger, "exchange", id), s.handlerOptions()...)
	s.sources[id] = &sourceEntry{handler: h}
	s.mtx.Unlock()

	h.AddCompletionListener(func(err error) {
		s.onSourceCompleted(id, h, err)
	})
	level.Debug(s.logger).Log("msg", "created exchange source handler", "exchange", id, "buffer_size", maxBufferSize)
	return h, nil
}

func (s *Service) checkRegistrable(id string, registered bool, key string) error {
	if s.stopped {
		return ErrServiceClosed
	}
	if registered {
		return fmt.Errorf("%w: %s", ErrExchangeExists, id)
	}
	if s.closed.Contains(key) {
		return fmt.Errorf("%w: %s", ErrExchangeClosed, id)
	}
	return nil
}

func (s *Service) onSinkCompleted(id string, h *SinkHandler, err error) {
	s.mtx.Lock()
	if e, ok := s.sinks[id]; ok && e.handler == h {
		delete(s.sinks, id)
	}
	s.closed.Add(sinkKey(id), closedExchange{err: err})
	s.mtx.Unlock()

	s.metrics.completed(sideSink, err)
	if err != nil {
		level.Debug(s.logger).Log("msg", "exchange sink handler failed", "exchange", id, "err", err)
		return
	}
	level.Debug(s.logger).Log("msg", "exchange sink handler completed", "exchange", id)
}

func (s *Service) onSourceCompleted(id string, h *SourceHandler, err error) {
	s.mtx.Lock()
	if e, ok := s.sources[id]; ok && e.handler == h {
		delete(s.sources, id)
	}
	s.closed.Add(sourceKey(id), closedExchange{err: err})
	s.mtx.Unlock()

	s.metrics.completed(sideSource, err)
	if err != nil {
		level.Debug(s.logger).Log("msg", "exchange source handler failed", "exchange", id, "err", err)
		return
	}
	level.Debug(s.logger).Log("msg", "exchange source handler completed", "exchange", id)
}

// SinkHandler returns the registered sink handler of id.
func (s *Service) SinkHandler(id string) (*SinkHandler, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	e, ok := s.sinks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, id)
	}
	return e.handler, nil
}

// SourceHandler returns the registered source handler of id.
func (s *Service) SourceHandler(id string) (*SourceHandler, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	e, ok := s.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, id)
	}
	return e.handler, nil
}

// FinishSinkHandler removes the sink handler of id. With a non nil err the
// handler is failed and fetches are answered with err from then on;
// otherwise fetches are answered as finished.
func (s *Service) FinishSinkHandler(id string, err error) {
	s.mtx.Lock()
	e, ok := s.sinks[id]
	s.mtx.Unlock()
	if !ok {
		return
	}

	if err != nil {
		e.handler.Fail(err)
		return
	}
	// Queued pages are no longer fetchable once the id is closed.
	e.handler.buffer.Finish(true)
}

// State of an exchange id on this node.
type State int

const (
	StateUnknown State = iota
	// StateRegistered exchanges exist but saw no page or fetch yet.
	StateRegistered
	StateActive
	// StateDraining exchanges accept no more pages and are emptying their
	// buffer.
	StateDraining
	StateClosed
)

func (st State) String() string {
	switch st {
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// State reports the state of the exchange id, looking at the sink handler
// first.
func (s *Service) State(id string) State {
	s.mtx.Lock()
	sink, sinkOK := s.sinks[id]
	source, sourceOK := s.sources[id]
	closed := s.closed.Contains(sinkKey(id)) || s.closed.Contains(sourceKey(id))
	s.mtx.Unlock()

	switch {
	case sinkOK:
		h := sink.handler
		switch {
		case h.buffer.NoMoreInputs():
			return StateDraining
		case h.LastUpdated().After(sink.created) || h.HasData() || h.HasListeners():
			return StateActive
		}
		return StateRegistered
	case sourceOK:
		h := source.handler
		switch {
		case h.buffer.NoMoreInputs():
			return StateDraining
		case h.RefCount() > 1:
			return StateActive
		}
		return StateRegistered
	case closed:
		return StateClosed
	}
	return StateUnknown
}

// RegisterTransportHandler serves the page fetches of other nodes on t, and
// the cancellation of those fetches by their parent task.
func (s *Service) RegisterTransportHandler(t transport.Transport) {
	s.mtx.Lock()
	if s.tasks == nil {
		s.tasks = tasks.NewManager(t.LocalNode().ID)
	}
	s.mtx.Unlock()

	t.RegisterHandler(ExchangeActionName, s.handleFetch)
	t.RegisterHandler(CancelChildrenActionName, s.handleCancelChildren)
}

// Tasks returns the manager of the fetches served by this node, nil before
// RegisterTransportHandler without WithTaskManager.
func (s *Service) Tasks() *tasks.Manager {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.tasks
}

// decodeAllocator is the allocator of pages decoded from fetch responses.
func (s *Service) decodeAllocator() memory.Allocator {
	if s.decoded != nil {
		return s.decoded
	}
	return s.mem
}

func (s *Service) handleFetch(ctx context.Context, req *transport.Request, ch transport.Channel) {
	fetch, err := UnmarshalFetchRequest(req.Payload)
	if err != nil {
		_ = ch.SendError(err)
		return
	}

	ctx, span := s.tracer.Start(ctx, "exchange/serve-fetch", trace.WithAttributes(
		attribute.String("exchange.id", fetch.ExchangeID),
		attribute.Bool("exchange.sources_finished", fetch.SourcesFinished),
		attribute.String("exchange.requester", req.Sender.ID),
	))

	s.mtx.Lock()
	e, ok := s.sinks[fetch.ExchangeID]
	closed, wasClosed := s.closed.Get(sinkKey(fetch.ExchangeID))
	manager := s.tasks
	s.mtx.Unlock()

	if !ok {
		defer span.End()
		switch {
		case wasClosed && closed.err != nil:
			s.sendError(span, ch, closed.err)
		case wasClosed:
			s.sendResponse(span, ch, NewResponse(nil, true))
		default:
			s.sendError(span, ch, fmt.Errorf("%w: %s", ErrUnknownExchange, fetch.ExchangeID))
		}
		return
	}

	// The fetch is a child of the requesting task, so that cancelling the
	// task's children on this node fails it.
	task := manager.Register(ctx, "exchange/fetch", req.ParentTask)
	span.SetAttributes(attribute.String("exchange.task", task.ID().String()))
	e.handler.FetchPageAsync(task.Context(), fetch.SourcesFinished, func(resp *Response, err error) {
		defer span.End()
		defer manager.Unregister(task)
		if err != nil {
			s.sendError(span, ch, err)
			return
		}
		s.sendResponse(span, ch, resp)
	})
}

func (s *Service) handleCancelChildren(_ context.Context, req *transport.Request, ch transport.Channel) {
	cancel, err := UnmarshalCancelChildrenRequest(req.Payload)
	if err != nil {
		_ = ch.SendError(err)
		return
	}
	n := s.Tasks().CancelChildren(cancel.Parent, cancel.Reason)
	level.Debug(s.logger).Log("msg", "cancelled exchange fetches", "parent", cancel.Parent, "cancelled", n, "requester", req.Sender.ID, "reason", cancel.Reason)
	_ = ch.SendResponse(marshalCancelledCount(n))
}

// CancelRemoteChildren cancels the fetches node serves on behalf of parent
// and returns how many it cancelled. Their requesters fail with an error
// wrapping tasks.ErrTaskCancelled.
func CancelRemoteChildren(ctx context.Context, t transport.Transport, node transport.Node, parent tasks.ID, reason string) (int, error) {
	payload, err := t.SendRequest(ctx, node, CancelChildrenActionName, CancelChildrenRequest{
		Parent: parent,
		Reason: reason,
	}.Marshal())
	if err != nil {
		return 0, fmt.Errorf("cancel children of task %s on node %s: %w", parent, node, err)
	}
	return unmarshalCancelledCount(payload)
}

// sendResponse releases the page of resp whether or not sending succeeds.
func (s *Service) sendResponse(span trace.Span, ch transport.Channel, resp *Response) {
	defer resp.Release()

	data, err := MarshalResponse(resp, s.mem)
	if err != nil {
		s.sendError(span, ch, err)
		return
	}
	if err := ch.SendResponse(data); err != nil {
		// The page is lost; the requester must fail instead of waiting for it.
		level.Debug(s.logger).Log("msg", "failed to send exchange response", "err", err)
		s.sendError(span, ch, fmt.Errorf("send exchange response: %w", err))
		return
	}
	if resp.Page() != nil {
		s.metrics.pagesServed.Inc()
		s.metrics.bytesServed.Add(float64(len(data)))
	}
}

func (s *Service) sendError(span trace.Span, ch transport.Channel, err error) {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	if sendErr := ch.SendError(err); sendErr != nil {
		level.Debug(s.logger).Log("msg", "failed to send exchange error", "err", err, "send_err", sendErr)
	}
}

// NewRemoteSink returns a RemoteSink fetching the pages of exchange id from
// node over t. Fetches run under the context of task, so cancelling the task
// fails them, and the task is named as their parent on the remote node. A nil
// task runs fetches without a parent; they are only cancelled by a failure.
func (s *Service) NewRemoteSink(task *tasks.Task, id string, t transport.Transport, node transport.Node) RemoteSink {
	ctx := context.Background()
	if task != nil {
		ctx = task.Context()
	}
	return &transportRemoteSink{
		s:    s,
		ctx:  ctx,
		id:   id,
		t:    t,
		node: node,
	}
}

type transportRemoteSink struct {
	s    *Service
	ctx  context.Context
	id   string
	t    transport.Transport
	node transport.Node
}

func (r *transportRemoteSink) FetchPageAsync(allSourcesFinished bool, listener ResponseListener) {
	go r.fetch(allSourcesFinished, listener)
}

func (r *transportRemoteSink) fetch(allSourcesFinished bool, listener ResponseListener) {
	ctx, span := r.s.tracer.Start(r.ctx, "exchange/fetch", trace.WithAttributes(
		attribute.String("exchange.id", r.id),
		attribute.String("exchange.node", r.node.String()),
		attribute.Bool("exchange.sources_finished", allSourcesFinished),
	))
	defer span.End()

	payload, err := r.t.SendRequest(ctx, r.node, ExchangeActionName, FetchRequest{
		ExchangeID:      r.id,
		SourcesFinished: allSourcesFinished,
	}.Marshal())
	if err != nil {
		r.fail(span, listener, err)
		return
	}

	resp, err := UnmarshalResponse(payload, r.s.decodeAllocator())
	if err != nil {
		r.fail(span, listener, err)
		return
	}
	if resp.Page() != nil {
		r.s.metrics.pagesFetched.Inc()
		r.s.metrics.bytesFetched.Add(float64(len(payload)))
	}
	listener(resp, nil)
}

func (r *transportRemoteSink) fail(span trace.Span, listener ResponseListener, err error) {
	err = fmt.Errorf("fetch page of exchange %s from node %s: %w", r.id, r.node, err)
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	listener(nil, err)
}

// NewLocalRemoteSink returns a RemoteSink fetching from a sink handler of this
// node without a transport.
func NewLocalRemoteSink(ctx context.Context, h *SinkHandler) RemoteSink {
	return RemoteSinkFunc(func(allSourcesFinished bool, listener ResponseListener) {
		h.FetchPageAsync(ctx, allSourcesFinished, listener)
	})
}

func (s *Service) runReaper() {
	defer s.reaper.Done()

	interval := s.sinkInactiveInterval / 2
	if interval < time.Second {
		interval = s.sinkInactiveInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.ReapInactiveSinks()
		}
	}
}

// ReapInactiveSinks fails and removes the sink handlers without held fetch
// requests whose last activity is older than the inactive interval. It
// returns how many were reaped.
func (s *Service) ReapInactiveSinks() int {
	if s.sinkInactiveInterval <= 0 {
		return 0
	}
	now := s.now()

	type inactive struct {
		id   string
		h    *SinkHandler
		idle time.Duration
	}
	var reap []inactive
	s.mtx.Lock()
	for id, e := range s.sinks {
		idle := now.Sub(e.handler.LastUpdated())
		if !e.handler.HasListeners() && idle >= s.sinkInactiveInterval {
			reap = append(reap, inactive{id: id, h: e.handler, idle: idle})
		}
	}
	s.mtx.Unlock()

	for _, r := range reap {
		level.Info(s.logger).Log("msg", "reaping inactive exchange sink", "exchange", r.id, "idle", r.idle, "buffered", humanize.IBytes(uint64(r.h.bufferBytes())))
		r.h.Fail(fmt.Errorf("%w: no fetch for %s", ErrSinkInactive, r.idle.Round(time.Millisecond)))
	}
	return len(reap)
}

// Close stops the reaper and fails every sink handler. Source handlers are
// owned by their references and complete on their own.
func (s *Service) Close() error {
	s.mtx.Lock()
	if s.stopped {
		s.mtx.Unlock()
		return nil
	}
	s.stopped = true
	handlers := make([]*SinkHandler, 0, len(s.sinks))
	for _, e := range s.sinks {
		handlers = append(handlers, e.handler)
	}
	s.mtx.Unlock()

	close(s.done)
	s.reaper.Wait()

	for _, h := range handlers {
		h.Fail(ErrServiceClosed)
	}
	return nil
}

// Breaker returns the memory breaker shared by the buffers of the service,
// nil without a memory limit.
func (s *Service) Breaker() *page.Breaker {
	return s.breaker
}
