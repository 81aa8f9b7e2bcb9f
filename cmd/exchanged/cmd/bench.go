package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"

	"github.com/polarsignals/exchange"
	"github.com/polarsignals/exchange/driver"
	"github.com/polarsignals/exchange/internal/pages"
	"github.com/polarsignals/exchange/page"
	"github.com/polarsignals/exchange/tasks"
	"github.com/polarsignals/exchange/transport"
)

type benchFlags struct {
	pages      int
	rows       int
	bufferSize int
	fetchers   int
	producers  int
	consumers  int
	poolSize   int
}

var bench benchFlags

var benchCmd = &cobra.Command{
	Use:     "bench",
	Example: "exchanged bench --pages 10000 --rows 8192",
	Short:   "stream pages between two loopback gRPC nodes and report throughput",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(logLevel)
		if err != nil {
			return err
		}
		return runBench(cmd.Context(), logger, bench)
	},
}

func init() {
	benchCmd.Flags().IntVar(&bench.pages, "pages", 10000, "number of pages to stream")
	benchCmd.Flags().IntVar(&bench.rows, "rows", 1024, "positions per page")
	benchCmd.Flags().IntVar(&bench.bufferSize, "buffer-size", 8, "exchange buffer capacity in pages, on both sides")
	benchCmd.Flags().IntVar(&bench.fetchers, "fetchers", 2, "concurrent fetchers of the remote sink")
	benchCmd.Flags().IntVar(&bench.producers, "producers", 2, "producing drivers")
	benchCmd.Flags().IntVar(&bench.consumers, "consumers", 2, "consuming drivers")
	benchCmd.Flags().IntVar(&bench.poolSize, "pool-size", 16, "executor pool size")
}

// constantGenerator emits pages of constant values until the shared budget of
// pages is used up.
type constantGenerator struct {
	mem      memory.Allocator
	left     *atomic.Int64
	rows     int
	finished bool
}

func (g *constantGenerator) GetOutput() (arrow.Record, error) {
	if g.finished {
		return nil, nil
	}
	n := g.left.Dec()
	if n < 0 {
		g.finished = true
		return nil, nil
	}
	return pages.Constant(g.mem, n, g.rows), nil
}

func (g *constantGenerator) Finish()                   { g.finished = true }
func (g *constantGenerator) IsFinished() bool          { return g.finished }
func (g *constantGenerator) IsBlocked() *driver.Signal { return driver.NotBlocked }
func (g *constantGenerator) Close()                    {}

// pageCounter discards pages, counting them.
type pageCounter struct {
	pages    *atomic.Int64
	bytes    *atomic.Int64
	finished bool
}

func (c *pageCounter) NeedsInput() bool { return !c.finished }

func (c *pageCounter) AddInput(p arrow.Record) error {
	defer p.Release()
	c.pages.Inc()
	c.bytes.Add(page.Size(p))
	return nil
}

func (c *pageCounter) Finish()                   { c.finished = true }
func (c *pageCounter) IsFinished() bool          { return c.finished }
func (c *pageCounter) IsBlocked() *driver.Signal { return driver.NotBlocked }
func (c *pageCounter) Close()                    {}

func newLoopbackNode(logger log.Logger) (*transport.GRPCTransport, *exchange.Service, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	id := uuid.NewString()
	t, err := transport.NewGRPCTransport(id, lis, transport.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	svc, err := exchange.New(log.With(logger, "node", id), nil, exchange.WithSinkInactiveInterval(0))
	if err != nil {
		t.Close()
		return nil, nil, err
	}
	svc.RegisterTransportHandler(t)
	return t, svc, nil
}

func runBench(ctx context.Context, logger log.Logger, f benchFlags) error {
	producerT, producerSvc, err := newLoopbackNode(logger)
	if err != nil {
		return err
	}
	defer closeNode(logger, producerSvc, producerT)

	consumerT, consumerSvc, err := newLoopbackNode(logger)
	if err != nil {
		return err
	}
	defer closeNode(logger, consumerSvc, consumerT)

	producer, err := transport.Connect(ctx, consumerT, producerT.LocalNode(), transport.DefaultConnectConfig)
	if err != nil {
		return err
	}

	executor, err := driver.NewPoolExecutor(f.poolSize, logger)
	if err != nil {
		return err
	}
	defer executor.Close(5 * time.Second)

	exchangeID := ulid.Make().String()
	sinkHandler, err := producerSvc.CreateSinkHandler(exchangeID, f.bufferSize)
	if err != nil {
		return err
	}
	sourceHandler, err := consumerSvc.CreateSourceHandler(exchangeID, f.bufferSize, executor)
	if err != nil {
		return err
	}
	defer sourceHandler.DecRef()

	taskManager := tasks.NewManager(consumerT.LocalNode().ID)
	task := taskManager.Register(ctx, "bench", tasks.Empty)
	defer taskManager.Unregister(task)
	sourceHandler.AddRemoteSink(consumerSvc.NewRemoteSink(task, exchangeID, consumerT, producer), f.fetchers)

	left := atomic.NewInt64(int64(f.pages))
	received, receivedBytes := atomic.NewInt64(0), atomic.NewInt64(0)
	var drivers []*driver.Driver
	for i := 0; i < f.producers; i++ {
		drivers = append(drivers, driver.New(
			"producer-"+strconv.Itoa(i),
			&constantGenerator{mem: memory.DefaultAllocator, left: left, rows: f.rows},
			nil,
			exchange.NewSinkOperator(sinkHandler.CreateExchangeSink(), nil),
		))
	}
	for i := 0; i < f.consumers; i++ {
		drivers = append(drivers, driver.New(
			"consumer-"+strconv.Itoa(i),
			exchange.NewSourceOperator(sourceHandler.CreateExchangeSource()),
			nil,
			&pageCounter{pages: received, bytes: receivedBytes},
		))
	}

	level.Info(logger).Log("msg", "streaming pages", "exchange", exchangeID, "pages", f.pages, "rows", f.rows)
	start := time.Now()
	if err := driver.RunToCompletion(task.Context(), executor, drivers, driver.DefaultMaxIterations); err != nil {
		return err
	}
	elapsed := time.Since(start)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Pages", "Rows", "Bytes", "Duration", "Pages/s", "Throughput"})
	table.Append([]string{
		humanize.Comma(received.Load()),
		humanize.Comma(received.Load() * int64(f.rows)),
		humanize.IBytes(uint64(receivedBytes.Load())),
		elapsed.Round(time.Millisecond).String(),
		humanize.CommafWithDigits(float64(received.Load())/elapsed.Seconds(), 1),
		fmt.Sprintf("%s/s", humanize.IBytes(uint64(float64(receivedBytes.Load())/elapsed.Seconds()))),
	})
	table.Render()
	return nil
}
