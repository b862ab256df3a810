package database

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ConcurrentMapFuncWithError runs f over inputs with bounded concurrency and
// returns outputs in input order. concurrency 0 disables parallelism;
// negative means unbounded. The first error cancels the remaining work.
func ConcurrentMapFuncWithError[Tin any, Tout any](ctx context.Context, inputs []Tin, concurrency int, f func(context.Context, Tin) (Tout, error)) ([]Tout, error) {
	eg, ctx := errgroup.WithContext(ctx)
	if concurrency == 0 {
		eg.SetLimit(1)
	} else if concurrency > 0 {
		eg.SetLimit(concurrency)
	}

	outputs := make([]Tout, len(inputs))
	for i := range inputs {
		eg.Go(func() error {
			out, err := f(ctx, inputs[i])
			if err != nil {
				return err
			}
			outputs[i] = out
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}
