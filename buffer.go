package exchange

import (
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/polarsignals/exchange/driver"
	"github.com/polarsignals/exchange/page"
)

// Buffer is a bounded FIFO of pages between the writers and the readers of
// one side of an exchange. Capacity is counted in pages; AddPage never blocks
// and writers are expected to wait on WaitForWriting instead.
type Buffer struct {
	maxSize int
	breaker *page.Breaker

	mtx          sync.Mutex
	queue        []queuedPage
	bytes        int64
	noMoreInputs bool
	notEmpty     *driver.Signal
	notFull      *driver.Signal
	completed    bool
	listeners    []func()
}

type queuedPage struct {
	p    arrow.Record
	size int64
}

// NewBuffer returns a buffer holding up to maxSize pages before it reports
// not writable. When breaker is not nil, every queued page reserves its size
// until it is polled.
func NewBuffer(maxSize int, breaker *page.Breaker) *Buffer {
	if maxSize < 1 {
		panic(fmt.Sprintf("exchange buffer size must be at least one page, got %d", maxSize))
	}
	return &Buffer{
		maxSize:  maxSize,
		breaker:  breaker,
		notEmpty: driver.NewSignal(),
		notFull:  driver.NotBlocked,
	}
}

// signals collects readiness notifications to fire once locks are released.
type signals []func()

func (s signals) fire() {
	for _, fn := range s {
		fn()
	}
}

// AddPage enqueues p and takes ownership of it, also on failure.
func (b *Buffer) AddPage(p arrow.Record) error {
	size := page.Size(p)

	b.mtx.Lock()
	if b.noMoreInputs {
		b.mtx.Unlock()
		p.Release()
		return ErrBufferFinished
	}
	if b.breaker != nil {
		if err := b.breaker.Reserve(size); err != nil {
			b.mtx.Unlock()
			p.Release()
			return fmt.Errorf("add page to exchange buffer: %w", err)
		}
	}

	var fire signals
	b.queue = append(b.queue, queuedPage{p: p, size: size})
	b.bytes += size
	if len(b.queue) == 1 {
		fire = append(fire, b.notEmpty.Complete)
	}
	if len(b.queue) == b.maxSize {
		b.notFull = driver.NewSignal()
	}
	b.mtx.Unlock()

	fire.fire()
	return nil
}

// PollPage returns the oldest page or nil. Ownership moves to the caller.
func (b *Buffer) PollPage() arrow.Record {
	p, fire := b.pollPage()
	fire.fire()
	return p
}

func (b *Buffer) pollPage() (arrow.Record, signals) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if len(b.queue) == 0 {
		return nil, nil
	}

	var fire signals
	qp := b.queue[0]
	b.queue[0] = queuedPage{}
	b.queue = b.queue[1:]
	b.bytes -= qp.size
	if b.breaker != nil {
		b.breaker.Release(qp.size)
	}

	if len(b.queue) == b.maxSize-1 {
		fire = append(fire, b.notFull.Complete)
	}
	if len(b.queue) == 0 {
		if !b.noMoreInputs {
			b.notEmpty = driver.NewSignal()
		}
		fire = append(fire, b.completeIfDrained()...)
	}
	return qp.p, fire
}

// Finish marks the buffer as having no more inputs. With drainPages the
// queued pages are released; the readers asked for no more. Finish is
// idempotent.
func (b *Buffer) Finish(drainPages bool) {
	b.finish(drainPages).fire()
}

func (b *Buffer) finish(drainPages bool) signals {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	var fire signals
	if !b.noMoreInputs {
		b.noMoreInputs = true
		fire = append(fire, b.notEmpty.Complete, b.notFull.Complete)
	}
	if drainPages {
		b.drainLocked()
	}
	return append(fire, b.completeIfDrained()...)
}

func (b *Buffer) drainLocked() {
	for i, qp := range b.queue {
		qp.p.Release()
		if b.breaker != nil {
			b.breaker.Release(qp.size)
		}
		b.queue[i] = queuedPage{}
	}
	b.queue = nil
	b.bytes = 0
}

func (b *Buffer) completeIfDrained() signals {
	if b.completed || !b.noMoreInputs || len(b.queue) > 0 {
		return nil
	}
	b.completed = true
	listeners := b.listeners
	b.listeners = nil
	return listeners
}

// IsFinished reports whether no more inputs will be added and every page was
// polled or drained.
func (b *Buffer) IsFinished() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.noMoreInputs && len(b.queue) == 0
}

func (b *Buffer) NoMoreInputs() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.noMoreInputs
}

// Size returns the number of queued pages.
func (b *Buffer) Size() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.queue)
}

// Bytes returns the estimated size of the queued pages.
func (b *Buffer) Bytes() int64 {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.bytes
}

// WaitForWriting returns a signal that completes once the buffer has room or
// is finished.
func (b *Buffer) WaitForWriting() *driver.Signal {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.notFull
}

// WaitForReading returns a signal that completes once a page is queued or
// the buffer is finished.
func (b *Buffer) WaitForReading() *driver.Signal {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.notEmpty
}

// AddCompletionListener registers fn to run once the buffer is finished and
// empty. It runs immediately when that already happened.
func (b *Buffer) AddCompletionListener(fn func()) {
	b.mtx.Lock()
	if !b.completed {
		b.listeners = append(b.listeners, fn)
		b.mtx.Unlock()
		return
	}
	b.mtx.Unlock()
	fn()
}
