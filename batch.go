package graphann

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// InsertBatch inserts vectors in parallel and returns their global IDs
// in input order. With multiple segments each segment gets one
// sequential writer and positions are routed round-robin; with a single
// segment the inserts run concurrently against the shared graph.
//
// On error the returned slice still holds the IDs of the vectors that
// made it in; failed positions hold NoID.
func (x *Index) InsertBatch(ctx context.Context, vectors [][]float32) ([]uint32, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, ErrClosed
	}

	ids := make([]uint32, len(vectors))
	for i := range ids {
		ids[i] = NoID
	}
	if len(vectors) == 0 {
		return ids, nil
	}

	n := len(x.segments)
	if n == 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for pos := range vectors {
			pos := pos
			g.Go(func() error {
				local, err := x.segments[0].Insert(gctx, vectors[pos])
				if err != nil {
					return err
				}
				gid := x.globalID(0, local)
				ids[pos] = gid
				x.encodeNode(0, local, gid)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return ids, err
		}
		return ids, nil
	}

	// Keep routing continuous with single inserts so IDs stay dense.
	start := int(x.nextSeg.Add(uint64(len(vectors)))-uint64(len(vectors))) % n

	errs := make([]error, n)
	var wg sync.WaitGroup
	for s := 0; s < n; s++ {
		s := s
		wg.Add(1)
		x.pool.Submit(func() {
			defer wg.Done()
			for pos := range vectors {
				if (start+pos)%n != s {
					continue
				}
				local, err := x.segments[s].Insert(ctx, vectors[pos])
				if err != nil {
					errs[s] = err
					return
				}
				gid := x.globalID(s, local)
				ids[pos] = gid
				x.encodeNode(s, local, gid)
			}
		})
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return ids, err
		}
	}
	return ids, nil
}
