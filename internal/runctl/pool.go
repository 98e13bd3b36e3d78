package runctl

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkerPoolSize is the default bounded concurrency for the
// per-message normalize+clean fan-out: both steps are CPU-bound and
// stateless, so a small fixed pool is adequate.
const DefaultWorkerPoolSize = 4

// NormalizeFunc processes one message, producing whatever per-message
// result the caller needs (a digestmodel.NormalizedMessage in production,
// a stub in tests).
type NormalizeFunc[T any] func(ctx context.Context, index int) (T, error)

// RunNormalizePool fans work items 0..n-1 out over a bounded worker pool
// using golang.org/x/sync/errgroup for a single cancellation scope: any
// worker's error cancels the group's context and RunNormalizePool returns
// that first error.
func RunNormalizePool[T any](ctx context.Context, n int, poolSize int, fn NormalizeFunc[T]) ([]T, error) {
	if poolSize <= 0 {
		poolSize = DefaultWorkerPoolSize
	}
	out := make([]T, n)
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, poolSize)

	for i := 0; i < n; i++ {
		i := i
		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			return out, g.Wait()
		}
		g.Go(func() error {
			defer func() { <-sem }()
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			v, err := fn(gctx, i)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}
