// Package driver runs chains of operators cooperatively. A Driver moves pages
// from a source operator through intermediate operators into a sink operator
// one page at a time, and yields whenever no operator can make progress
// instead of blocking a goroutine.
package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/polarsignals/exchange/recovery"
)

const DefaultMaxIterations = 10_000

type Driver struct {
	description string
	active      []operator
	closeOnce   sync.Once
}

func New(description string, source SourceOperator, intermediate []Operator, sink SinkOperator) *Driver {
	ops := make([]operator, 0, len(intermediate)+2)
	ops = append(ops, sourceAdapter{source})
	for _, op := range intermediate {
		ops = append(ops, op)
	}
	ops = append(ops, sinkAdapter{sink})

	return &Driver{
		description: description,
		active:      ops,
	}
}

func (d *Driver) Description() string {
	return d.description
}

func (d *Driver) String() string {
	return "Driver(" + d.description + ")"
}

// IsFinished reports whether every operator of the chain finished and was
// closed.
func (d *Driver) IsFinished() bool {
	return len(d.active) == 0
}

// Run executes at most maxIterations loop iterations. It returns a signal
// that is not done when the driver cannot make progress until it completes.
// Run must not be called concurrently.
func (d *Driver) Run(ctx context.Context, maxIterations int) (*Signal, error) {
	for i := 0; !d.IsFinished(); {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("driver %s cancelled: %w", d.description, context.Cause(ctx))
		}

		blocked, err := d.runSingleLoopIteration()
		if err != nil {
			return nil, err
		}
		if !blocked.IsDone() {
			return blocked, nil
		}

		i++
		if i >= maxIterations {
			break
		}
	}
	return NotBlocked, nil
}

func (d *Driver) runSingleLoopIteration() (*Signal, error) {
	movedPage := false
	for i := 0; i < len(d.active)-1; i++ {
		op, next := d.active[i], d.active[i+1]

		// skip blocked operator
		if !op.IsBlocked().IsDone() {
			continue
		}

		if !op.IsFinished() && next.NeedsInput() {
			p, err := op.GetOutput()
			if err != nil {
				return nil, err
			}
			if p != nil {
				if p.NumRows() == 0 {
					p.Release()
				} else {
					if err := next.AddInput(p); err != nil {
						return nil, err
					}
					movedPage = true
				}
			}
		}

		if op.IsFinished() {
			next.Finish()
		}
	}

	for i := len(d.active) - 1; i >= 0; i-- {
		if !d.active[i].IsFinished() {
			continue
		}
		// Close this operator and everything feeding it, then finish the new
		// head of the chain.
		for _, op := range d.active[:i+1] {
			op.Close()
		}
		d.active = d.active[i+1:]
		if len(d.active) > 0 {
			d.active[0].Finish()
		}
		break
	}

	if !movedPage {
		var blocked []*Signal
		for _, op := range d.active {
			if s := op.IsBlocked(); !s.IsDone() {
				blocked = append(blocked, s)
			}
		}
		if len(blocked) > 0 {
			return AnyOf(blocked...), nil
		}
	}
	return NotBlocked, nil
}

// Close closes every operator that is still active.
func (d *Driver) Close() {
	d.closeOnce.Do(func() {
		for _, op := range d.active {
			op.Close()
		}
		d.active = nil
	})
}

// Start runs the driver on executor in slices of maxIterations. Between
// slices a blocked driver does not occupy a goroutine; it is resubmitted when
// its blocking signal completes or ctx is done. done is called exactly once.
func Start(ctx context.Context, executor Executor, d *Driver, maxIterations int, done func(error)) {
	schedule(ctx, executor, d, maxIterations, done)
}

func schedule(ctx context.Context, executor Executor, d *Driver, maxIterations int, done func(error)) {
	executor.Execute(func() {
		blocked := NotBlocked
		err := recovery.Do(func() (err error) {
			if d.IsFinished() {
				return nil
			}
			blocked, err = d.Run(ctx, maxIterations)
			return err
		})()
		if err != nil {
			d.Close()
			done(err)
			return
		}
		if d.IsFinished() {
			done(nil)
			return
		}
		if blocked.IsDone() {
			schedule(ctx, executor, d, maxIterations, done)
			return
		}

		var once sync.Once
		resume := func() {
			once.Do(func() {
				schedule(ctx, executor, d, maxIterations, done)
			})
		}
		stop := context.AfterFunc(ctx, resume)
		blocked.AddListener(func() {
			stop()
			resume()
		})
	})
}
