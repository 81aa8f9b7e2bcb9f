package driver

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// RunToCompletion starts every driver on executor and waits for all of them.
// The first failure cancels the remaining drivers and is returned; the
// failures they report because of that cancellation are discarded.
func RunToCompletion(ctx context.Context, executor Executor, drivers []*Driver, maxIterations int) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, d := range drivers {
		result := make(chan error, 1)
		Start(ctx, executor, d, maxIterations, func(err error) {
			result <- err
		})

		g.Go(func() error {
			if err := <-result; err != nil {
				return fmt.Errorf("%s: %w", d, err)
			}
			return nil
		})
	}

	return g.Wait()
}
