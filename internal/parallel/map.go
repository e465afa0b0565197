package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

// Result is one mapped element. Index is the position of the input element
// in the input sequence.
type Result[D any] struct {
	Index int
	Value D
	Err   error
}

// Map runs mapFunc over the input with at most limit calls in flight. The
// results are yielded in completion order as an iterator. Map is context
// aware, a canceled context ends the processing.
//
//	for res := range parallel.NewMap(ctx, 4, f).Iter(slices.Values(input)) {}
type Map[E, D any] struct {
	ctx     context.Context
	limit   int
	mapFunc func(context.Context, E) (D, error)
}

func NewMap[E, D any](ctx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	return &Map[E, D]{
		ctx:     ctx,
		limit:   max(limit, 1),
		mapFunc: mapFunc,
	}
}

func (m *Map[E, D]) Iter(seq iter.Seq[E]) iter.Seq[Result[D]] {
	return func(yield func(Result[D]) bool) {
		ctx, cancel := context.WithCancel(m.ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		// +1 for the feeder
		g.SetLimit(m.limit + 1)
		mapped := make(chan Result[D], m.limit)

		g.Go(func() error {
			idx := 0
			for entry := range seq {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				i := idx
				idx++
				g.Go(func() error {
					d, err := m.mapFunc(gctx, entry)
					select {
					case <-gctx.Done():
						return gctx.Err()
					case mapped <- Result[D]{Index: i, Value: d, Err: err}:
					}
					return nil
				})
			}
			return nil
		})

		go func() {
			_ = g.Wait()
			close(mapped)
		}()

		for r := range mapped {
			if m.ctx.Err() != nil {
				break
			}
			if !yield(r) {
				break
			}
		}
		cancel()
		// drain so the workers can exit
		for range mapped {
		}
	}
}
