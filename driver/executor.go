package driver

import (
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/panjf2000/ants/v2"
)

// Executor runs continuations: driver slices, fetch loops and listeners. Tasks
// are never dropped and Execute never blocks on a busy executor.
type Executor interface {
	Execute(task func())
}

type ExecutorFunc func(task func())

func (f ExecutorFunc) Execute(task func()) { f(task) }

// GoExecutor runs every task on a new goroutine.
var GoExecutor Executor = ExecutorFunc(func(task func()) { go task() })

// PoolExecutor bounds the number of goroutines running tasks with an ants
// pool. When the pool is saturated or released, tasks run on a dedicated
// goroutine.
type PoolExecutor struct {
	pool   *ants.Pool
	logger log.Logger
}

func NewPoolExecutor(size int, logger log.Logger) (*PoolExecutor, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	e := &PoolExecutor{logger: logger}
	pool, err := ants.NewPool(
		size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v any) {
			level.Error(e.logger).Log("msg", "executor task panicked", "panic", v)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("new ants pool: %w", err)
	}
	e.pool = pool

	return e, nil
}

func (e *PoolExecutor) Execute(task func()) {
	if err := e.pool.Submit(task); err != nil {
		go task()
	}
}

// Running returns the number of busy pool workers.
func (e *PoolExecutor) Running() int {
	return e.pool.Running()
}

// Close releases the pool and waits up to timeout for its workers to exit.
func (e *PoolExecutor) Close(timeout time.Duration) error {
	return e.pool.ReleaseTimeout(timeout)
}
