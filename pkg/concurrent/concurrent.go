package concurrent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ParallelMap applies mapFn to every element of in with at most workers
// goroutines, preserving order. The first error cancels the context passed to
// the remaining calls and is returned.
func ParallelMap[T any, R any](ctx context.Context, in []T, workers int, mapFn func(context.Context, T) (R, error)) ([]R, error) {
	out := make([]R, len(in))
	group, groupCtx := errgroup.WithContext(ctx)
	if workers > 0 {
		group.SetLimit(workers)
	}

	for idx, val := range in {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			result, err := mapFn(groupCtx, val)
			if err != nil {
				return err
			}
			out[idx] = result
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
