package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/polarsignals/exchange/driver"
	"github.com/polarsignals/exchange/internal/pages"
	"github.com/polarsignals/exchange/tasks"
	"github.com/polarsignals/exchange/transport"
)

// seqNoGenerator emits pages of increasing sequence numbers drawn from a
// counter shared by all generators.
type seqNoGenerator struct {
	mem      memory.Allocator
	next     *atomic.Int64
	max      int64
	finished bool
}

func (g *seqNoGenerator) GetOutput() (arrow.Record, error) {
	if g.finished {
		return nil, nil
	}
	n := rand.IntN(10) + 1
	vals := make([]int64, 0, n)
	for len(vals) < n {
		v := g.next.Inc()
		if v > g.max {
			g.finished = true
			break
		}
		vals = append(vals, v)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return pages.SeqNos(g.mem, vals...), nil
}

func (g *seqNoGenerator) Finish()                   { g.finished = true }
func (g *seqNoGenerator) IsFinished() bool          { return g.finished }
func (g *seqNoGenerator) IsBlocked() *driver.Signal { return driver.NotBlocked }
func (g *seqNoGenerator) Close()                    {}

// receivedSeqNos counts the sequence numbers seen by all collectors. With a
// positive limit collectors stop once that many distinct numbers arrived.
type receivedSeqNos struct {
	mtx   sync.Mutex
	seen  map[int64]int
	limit int
}

func newReceivedSeqNos(limit int) *receivedSeqNos {
	return &receivedSeqNos{seen: map[int64]int{}, limit: limit}
}

func (r *receivedSeqNos) add(vals []int64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, v := range vals {
		r.seen[v]++
	}
}

func (r *receivedSeqNos) done() bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.limit > 0 && len(r.seen) >= r.limit
}

type seqNoCollector struct {
	received *receivedSeqNos
	finished bool
}

func (c *seqNoCollector) NeedsInput() bool { return !c.IsFinished() }

func (c *seqNoCollector) AddInput(p arrow.Record) error {
	defer p.Release()
	c.received.add(pages.Int64s(p))
	return nil
}

func (c *seqNoCollector) Finish()                   { c.finished = true }
func (c *seqNoCollector) IsFinished() bool          { return c.finished || c.received.done() }
func (c *seqNoCollector) IsBlocked() *driver.Signal { return driver.NotBlocked }
func (c *seqNoCollector) Close()                    {}

// runConcurrentTest runs generator drivers writing into exchange sinks and
// collector drivers reading from exchange sources. Collectors stop after
// maxOutputSeqNo distinct numbers when that is below maxInputSeqNo.
func runConcurrentTest(
	t *testing.T,
	mem memory.Allocator,
	maxInputSeqNo, maxOutputSeqNo int,
	exchangeSource func() *ExchangeSource,
	exchangeSink func() *ExchangeSink,
) (*receivedSeqNos, error) {
	t.Helper()

	next := atomic.NewInt64(0)
	limit := 0
	if maxOutputSeqNo < maxInputSeqNo {
		limit = maxOutputSeqNo
	}
	received := newReceivedSeqNos(limit)

	var drivers []*driver.Driver
	numSinks, numSources := rand.IntN(4)+1, rand.IntN(4)+1
	for i := 0; i < numSinks; i++ {
		drivers = append(drivers, driver.New(
			fmt.Sprintf("sink-%d", i),
			&seqNoGenerator{mem: mem, next: next, max: int64(maxInputSeqNo)},
			nil,
			NewSinkOperator(exchangeSink(), nil),
		))
	}
	for i := 0; i < numSources; i++ {
		drivers = append(drivers, driver.New(
			fmt.Sprintf("source-%d", i),
			NewSourceOperator(exchangeSource()),
			nil,
			&seqNoCollector{received: received},
		))
	}

	executor, err := driver.NewPoolExecutor(8, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, executor.Close(5*time.Second)) }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return received, driver.RunToCompletion(ctx, executor, drivers, rand.IntN(100)+1)
}

func requireReceived(t *testing.T, received *receivedSeqNos, maxInputSeqNo, maxOutputSeqNo int) {
	t.Helper()
	received.mtx.Lock()
	defer received.mtx.Unlock()

	for v, n := range received.seen {
		require.Equal(t, 1, n, "sequence number %d received %d times", v, n)
		require.True(t, v >= 1 && v <= int64(maxInputSeqNo), "unexpected sequence number %d", v)
	}
	if maxOutputSeqNo >= maxInputSeqNo {
		require.Len(t, received.seen, maxInputSeqNo)
	} else {
		require.GreaterOrEqual(t, len(received.seen), maxOutputSeqNo)
	}
}

func randomSeqNos() (int, int) {
	maxInputSeqNo := rand.IntN(1000) + 1
	if rand.IntN(2) == 0 {
		return maxInputSeqNo, maxInputSeqNo
	}
	return maxInputSeqNo, rand.IntN(maxInputSeqNo) + 1
}

func TestConcurrentWithHandlers(t *testing.T) {
	for i := 0; i < 10; i++ {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
			defer mem.AssertSize(t, 0)

			sinkHandler := NewSinkHandler(rand.IntN(5) + 1)
			sourceHandler := NewSourceHandler(rand.IntN(5)+1, driver.GoExecutor, nil)
			sourceHandler.AddRemoteSink(NewLocalRemoteSink(context.Background(), sinkHandler), rand.IntN(3)+1)

			maxInputSeqNo, maxOutputSeqNo := randomSeqNos()
			received, err := runConcurrentTest(t, mem, maxInputSeqNo, maxOutputSeqNo,
				sourceHandler.CreateExchangeSource, sinkHandler.CreateExchangeSink)
			require.NoError(t, err)
			requireReceived(t, received, maxInputSeqNo, maxOutputSeqNo)

			require.Eventually(t, func() bool { return sourceHandler.RefCount() == 1 }, 10*time.Second, time.Millisecond)
			sourceHandler.DecRef()
			require.Eventually(t, sinkHandler.IsFinished, 10*time.Second, time.Millisecond)
		})
	}
}

type cluster struct {
	network       *transport.Network
	producer      *transport.LocalTransport
	consumer      *transport.LocalTransport
	producerSvc   *Service
	consumerSvc   *Service
	consumerTasks *tasks.Manager
	exchangeID    string
}

func newCluster(t *testing.T, mem memory.Allocator, opts ...Option) *cluster {
	t.Helper()
	c := &cluster{
		network:       transport.NewNetwork(),
		consumerTasks: tasks.NewManager("consumer"),
		exchangeID:    ulid.Make().String(),
	}
	c.producer = c.network.NewTransport("producer")
	c.consumer = c.network.NewTransport("consumer")

	var err error
	c.producerSvc, err = New(nil, nil, append([]Option{WithAllocator(mem)}, opts...)...)
	require.NoError(t, err)
	c.consumerSvc, err = New(nil, nil, append([]Option{WithAllocator(mem)}, opts...)...)
	require.NoError(t, err)
	c.producerSvc.RegisterTransportHandler(c.producer)
	c.consumerSvc.RegisterTransportHandler(c.consumer)
	return c
}

func (c *cluster) remoteSink(task *tasks.Task) RemoteSink {
	return c.consumerSvc.NewRemoteSink(task, c.exchangeID, c.consumer, c.producer.LocalNode())
}

func (c *cluster) close(t *testing.T) {
	require.NoError(t, c.producerSvc.Close())
	require.NoError(t, c.consumerSvc.Close())
	require.NoError(t, c.producer.Close())
	require.NoError(t, c.consumer.Close())
}

func TestConcurrentOverTransport(t *testing.T) {
	for i := 0; i < 5; i++ {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
			defer mem.AssertSize(t, 0)

			c := newCluster(t, mem)
			defer c.close(t)

			sinkHandler, err := c.producerSvc.CreateSinkHandler(c.exchangeID, rand.IntN(5)+1)
			require.NoError(t, err)
			sourceHandler, err := c.consumerSvc.CreateSourceHandler(c.exchangeID, rand.IntN(5)+1, driver.GoExecutor)
			require.NoError(t, err)

			task := c.consumerTasks.Register(context.Background(), "query", tasks.Empty)
			defer c.consumerTasks.Unregister(task)
			sourceHandler.AddRemoteSink(c.remoteSink(task), rand.IntN(3)+1)

			maxInputSeqNo, maxOutputSeqNo := randomSeqNos()
			received, err := runConcurrentTest(t, mem, maxInputSeqNo, maxOutputSeqNo,
				sourceHandler.CreateExchangeSource, sinkHandler.CreateExchangeSink)
			require.NoError(t, err)
			requireReceived(t, received, maxInputSeqNo, maxOutputSeqNo)

			require.Eventually(t, func() bool { return sourceHandler.RefCount() == 1 }, 10*time.Second, time.Millisecond)
			sourceHandler.DecRef()
			require.Eventually(t, func() bool {
				return c.producerSvc.State(c.exchangeID) == StateClosed && c.consumerSvc.State(c.exchangeID) == StateClosed
			}, 10*time.Second, time.Millisecond)

			require.Eventually(t, func() bool {
				served := testutil.ToFloat64(c.producerSvc.metrics.pagesServed)
				return served > 0 && served == testutil.ToFloat64(c.consumerSvc.metrics.pagesFetched)
			}, 10*time.Second, time.Millisecond)
		})
	}
}

var errPageTooLarge = errors.New("page is too large")

// failingChannel fails to send every response after the first n, leaving the
// channel unanswered.
type failingChannel struct {
	transport.Channel
	sent *atomic.Int32
	n    int32
}

func (c *failingChannel) SendResponse(payload []byte) error {
	if c.sent.Inc() > c.n {
		return errPageTooLarge
	}
	return c.Channel.SendResponse(payload)
}

func TestFailToRespondPage(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	c := newCluster(t, mem)
	defer c.close(t)

	sent := atomic.NewInt32(0)
	c.producer.AddRequestHandlingBehavior(ExchangeActionName, func(next transport.Handler) transport.Handler {
		return func(ctx context.Context, req *transport.Request, ch transport.Channel) {
			next(ctx, req, &failingChannel{Channel: ch, sent: sent, n: 3})
		}
	})

	sinkHandler, err := c.producerSvc.CreateSinkHandler(c.exchangeID, 2)
	require.NoError(t, err)
	sourceHandler, err := c.consumerSvc.CreateSourceHandler(c.exchangeID, 2, driver.GoExecutor)
	require.NoError(t, err)

	task := c.consumerTasks.Register(context.Background(), "query", tasks.Empty)
	defer c.consumerTasks.Unregister(task)
	sourceHandler.AddRemoteSink(c.remoteSink(task), 1)

	completed := make(chan error, 1)
	sourceHandler.AddCompletionListener(func(err error) { completed <- err })

	_, err = runConcurrentTest(t, mem, 1000, 1000, sourceHandler.CreateExchangeSource, sinkHandler.CreateExchangeSink)
	require.ErrorIs(t, err, errPageTooLarge)
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "producer", remote.Node)

	// The consumer gave up; the coordinator fails the producing side.
	c.producerSvc.FinishSinkHandler(c.exchangeID, err)

	require.Eventually(t, func() bool { return sourceHandler.RefCount() == 1 }, 10*time.Second, time.Millisecond)
	sourceHandler.DecRef()
	require.ErrorIs(t, <-completed, errPageTooLarge)
	require.Eventually(t, func() bool {
		return c.producerSvc.State(c.exchangeID) == StateClosed
	}, 10*time.Second, time.Millisecond)
}

func TestTaskCancellationFailsHeldFetch(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	c := newCluster(t, mem)
	defer c.close(t)

	sinkHandler, err := c.producerSvc.CreateSinkHandler(c.exchangeID, 2)
	require.NoError(t, err)
	sink := sinkHandler.CreateExchangeSink()

	sourceHandler, err := c.consumerSvc.CreateSourceHandler(c.exchangeID, 2, driver.GoExecutor)
	require.NoError(t, err)
	task := c.consumerTasks.Register(context.Background(), "query", tasks.Empty)
	defer c.consumerTasks.Unregister(task)
	sourceHandler.AddRemoteSink(c.remoteSink(task), 1)

	// Nothing to fetch: the request is held on the producer.
	require.Eventually(t, sinkHandler.HasListeners, 5*time.Second, time.Millisecond)
	require.Equal(t, StateActive, c.producerSvc.State(c.exchangeID))

	require.NoError(t, c.consumerTasks.Cancel(task.ID(), "query killed"))
	require.Eventually(t, func() bool { return sourceHandler.Failure() != nil }, 5*time.Second, time.Millisecond)
	require.ErrorIs(t, sourceHandler.Failure(), tasks.ErrTaskCancelled)
	require.Eventually(t, func() bool { return !sinkHandler.HasListeners() }, 5*time.Second, time.Millisecond)

	sink.Finish()
	require.Eventually(t, func() bool { return sourceHandler.RefCount() == 1 }, 5*time.Second, time.Millisecond)
	sourceHandler.DecRef()
}

func TestSendFailureFailsRequester(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	c := newCluster(t, mem)
	defer c.close(t)

	sent := atomic.NewInt32(0)
	c.producer.AddRequestHandlingBehavior(ExchangeActionName, func(next transport.Handler) transport.Handler {
		return func(ctx context.Context, req *transport.Request, ch transport.Channel) {
			next(ctx, req, &failingChannel{Channel: ch, sent: sent})
		}
	})

	sinkHandler, err := c.producerSvc.CreateSinkHandler(c.exchangeID, 2)
	require.NoError(t, err)
	require.NoError(t, sinkHandler.CreateExchangeSink().AddPage(pages.SeqNos(mem, 1, 2, 3)))

	sourceHandler, err := c.consumerSvc.CreateSourceHandler(c.exchangeID, 2, driver.GoExecutor)
	require.NoError(t, err)
	task := c.consumerTasks.Register(context.Background(), "query", tasks.Empty)
	defer c.consumerTasks.Unregister(task)
	sourceHandler.AddRemoteSink(c.remoteSink(task), 1)

	require.Eventually(t, func() bool { return sourceHandler.Failure() != nil }, 5*time.Second, time.Millisecond)
	err = sourceHandler.Failure()
	require.ErrorIs(t, err, errPageTooLarge)
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "producer", remote.Node)
	require.NoError(t, task.Context().Err())
	require.Equal(t, 0.0, testutil.ToFloat64(c.producerSvc.metrics.pagesServed))

	c.producerSvc.FinishSinkHandler(c.exchangeID, err)
	require.Eventually(t, func() bool { return sourceHandler.RefCount() == 1 }, 5*time.Second, time.Millisecond)
	sourceHandler.DecRef()
}

func TestCancelRemoteChildren(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	c := newCluster(t, mem)
	defer c.close(t)

	sinkHandler, err := c.producerSvc.CreateSinkHandler(c.exchangeID, 2)
	require.NoError(t, err)
	sink := sinkHandler.CreateExchangeSink()

	sourceHandler, err := c.consumerSvc.CreateSourceHandler(c.exchangeID, 2, driver.GoExecutor)
	require.NoError(t, err)
	task := c.consumerTasks.Register(context.Background(), "query", tasks.Empty)
	defer c.consumerTasks.Unregister(task)
	sourceHandler.AddRemoteSink(c.remoteSink(task), 1)

	require.Eventually(t, sinkHandler.HasListeners, 5*time.Second, time.Millisecond)
	served := c.producerSvc.Tasks()
	require.Equal(t, 1, served.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	other := tasks.ID{Node: "consumer", Seq: 1000}
	n, err := CancelRemoteChildren(ctx, c.consumer, c.producer.LocalNode(), other, "unrelated")
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.True(t, sinkHandler.HasListeners())

	n, err = CancelRemoteChildren(ctx, c.consumer, c.producer.LocalNode(), task.ID(), "query killed")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool { return sourceHandler.Failure() != nil }, 5*time.Second, time.Millisecond)
	require.ErrorIs(t, sourceHandler.Failure(), tasks.ErrTaskCancelled)
	var remote *transport.RemoteError
	require.ErrorAs(t, sourceHandler.Failure(), &remote)
	require.Equal(t, "producer", remote.Node)
	// Only the served fetch was cancelled, not the requesting task.
	require.NoError(t, task.Context().Err())
	require.Eventually(t, func() bool { return served.Len() == 0 }, 5*time.Second, time.Millisecond)

	sink.Finish()
	require.Eventually(t, func() bool { return sourceHandler.RefCount() == 1 }, 5*time.Second, time.Millisecond)
	sourceHandler.DecRef()
}

func TestRemoteSinkWithoutTask(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	c := newCluster(t, mem)
	defer c.close(t)

	sinkHandler, err := c.producerSvc.CreateSinkHandler(c.exchangeID, 2)
	require.NoError(t, err)
	sourceHandler, err := c.consumerSvc.CreateSourceHandler(c.exchangeID, 2, driver.GoExecutor)
	require.NoError(t, err)
	sourceHandler.AddRemoteSink(c.remoteSink(nil), 2)

	received, err := runConcurrentTest(t, mem, 100, 100, sourceHandler.CreateExchangeSource, sinkHandler.CreateExchangeSink)
	require.NoError(t, err)
	requireReceived(t, received, 100, 100)

	require.Eventually(t, func() bool { return sourceHandler.RefCount() == 1 }, 10*time.Second, time.Millisecond)
	sourceHandler.DecRef()
	require.Eventually(t, func() bool { return c.producerSvc.Tasks().Len() == 0 }, 10*time.Second, time.Millisecond)
}
