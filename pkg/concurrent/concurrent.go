package concurrent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Band is a half-open index range [Start, End).
type Band struct {
	Start int
	End   int
}

// Len returns the number of indices in the band.
func (b Band) Len() int { return b.End - b.Start }

// Split divides [0, total) into at most parts contiguous bands of nearly equal
// length. Empty bands are never returned.
func Split(total, parts int) []Band {
	if total <= 0 {
		return nil
	}
	if parts <= 0 {
		parts = 1
	}
	if parts > total {
		parts = total
	}
	bands := make([]Band, 0, parts)
	size, rem := total/parts, total%parts
	start := 0
	for i := 0; i < parts; i++ {
		end := start + size
		if i < rem {
			end++
		}
		bands = append(bands, Band{Start: start, End: end})
		start = end
	}
	return bands
}

// ForEachBand runs action once per band, with at most workers goroutines in
// flight. It waits for all of them and returns the first error. The context
// passed to action is cancelled as soon as one action fails.
func ForEachBand(ctx context.Context, bands []Band, workers int, action func(ctx context.Context, idx int, band Band) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for idx, band := range bands {
		g.Go(func() error {
			return action(gctx, idx, band)
		})
	}
	return g.Wait()
}
