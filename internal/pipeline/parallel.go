package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// forEachChunk calls fn for consecutive [lo, hi) ranges of n items on at most workers goroutines.
// Callers write results by index, which keeps output order independent of scheduling.
func forEachChunk(ctx context.Context, n, chunkSize, workers int, fn func(lo, hi int) error) error {
	if n == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = n
	}
	if workers <= 1 || n <= chunkSize {
		for lo := 0; lo < n; lo += chunkSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(lo, min(lo+chunkSize, n)); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for lo := 0; lo < n; lo += chunkSize {
		lo, hi := lo, min(lo+chunkSize, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(lo, hi)
		})
	}
	return g.Wait()
}
