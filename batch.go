package flowpipe

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// RunAll runs p once for each payload, with at most limit runs in flight. A
// limit of zero or less means no limit. Each run is sequential and
// independent of the others; results are returned in payload order.
//
// The first failure cancels the context of the runs still in progress and is
// returned.
func RunAll[T any](ctx context.Context, p *Pipeline[T], payloads []T, limit int) ([]T, error) {
	g, groupCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	results := make([]T, len(payloads))
	for i, payload := range payloads {
		g.Go(func() error {
			out, err := p.Run(groupCtx, payload)
			if err != nil {
				return fmt.Errorf("payload %d: %w", i, err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
