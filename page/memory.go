package page

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"
)

// PanicMemoryLimit prefixes the message of a LimitError. The Arrow IPC
// reader reports allocation panics as plain errors carrying that message.
const PanicMemoryLimit = "memory limit exceeded"

// ErrCircuitBreaking is returned when accepting a page would exceed the
// memory budget of the node.
var ErrCircuitBreaking = errors.New("circuit breaking: page memory limit exceeded")

// LimitError is the panic value of a LimitAllocator asked for more than its
// limit allows.
type LimitError struct {
	Requested int64
	Allocated int64
	Limit     int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s requested with %s of %s allocated",
		PanicMemoryLimit,
		humanize.IBytes(uint64(e.Requested)),
		humanize.IBytes(uint64(e.Allocated)),
		humanize.IBytes(uint64(e.Limit)),
	)
}

func (e *LimitError) Unwrap() error { return ErrCircuitBreaking }

var _ memory.Allocator = (*LimitAllocator)(nil)

// LimitAllocator bounds the bytes live in the buffers it allocated. Pages
// received from other nodes are decoded with it, so a node cannot be made to
// hold more remote pages than its memory limit. An allocation over the limit
// panics with a *LimitError, which Decode returns as an error. A limit of
// zero or less disables the bound.
type LimitAllocator struct {
	limit     int64
	allocated atomic.Int64
	mem       memory.Allocator
}

func NewLimitAllocator(limit int64, mem memory.Allocator) *LimitAllocator {
	return &LimitAllocator{limit: limit, mem: mem}
}

// reserve accounts n bytes. Concurrent reservations never push the total
// over the limit, not even transiently.
func (a *LimitAllocator) reserve(n int64) {
	for {
		cur := a.allocated.Load()
		if n > 0 && a.limit > 0 && cur+n > a.limit {
			panic(&LimitError{Requested: n, Allocated: cur, Limit: a.limit})
		}
		if a.allocated.CompareAndSwap(cur, cur+n) {
			return
		}
	}
}

func (a *LimitAllocator) Allocate(size int) []byte {
	a.reserve(int64(size))
	return a.mem.Allocate(size)
}

func (a *LimitAllocator) Reallocate(size int, b []byte) []byte {
	a.reserve(int64(size - len(b)))
	return a.mem.Reallocate(size, b)
}

func (a *LimitAllocator) Free(b []byte) {
	a.allocated.Add(-int64(len(b)))
	a.mem.Free(b)
}

// Allocated returns the bytes currently allocated.
func (a *LimitAllocator) Allocated() int64 {
	return a.allocated.Load()
}

func (a *LimitAllocator) Limit() int64 {
	return a.limit
}

// Breaker accounts the bytes of pages held in exchange buffers against a
// shared limit. A zero or negative limit disables the check.
type Breaker struct {
	limit int64
	used  atomic.Int64
}

func NewBreaker(limit int64) *Breaker {
	return &Breaker{limit: limit}
}

// Reserve accounts n bytes or fails with ErrCircuitBreaking, leaving the
// accounted total unchanged.
func (b *Breaker) Reserve(n int64) error {
	used := b.used.Add(n)
	if b.limit > 0 && used > b.limit {
		b.used.Add(-n)
		return fmt.Errorf("page of %s would use %s of %s: %w",
			humanize.IBytes(uint64(n)),
			humanize.IBytes(uint64(used)),
			humanize.IBytes(uint64(b.limit)),
			ErrCircuitBreaking,
		)
	}
	return nil
}

func (b *Breaker) Release(n int64) {
	b.used.Add(-n)
}

func (b *Breaker) Used() int64 {
	return b.used.Load()
}

func (b *Breaker) Limit() int64 {
	return b.limit
}
