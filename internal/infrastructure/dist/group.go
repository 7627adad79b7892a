package dist

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/StOnEGiggity/ViLCo/internal/domain/continual"
)

type collectiveOp string

const (
	opBarrier   collectiveOp = "barrier"
	opAllReduce collectiveOp = "all_reduce"
)

// round is one collective in flight.
type round struct {
	op      collectiveOp
	contrib [][]float64
	arrived int
	done    chan struct{}
	result  []float64
	err     error
}

// Group is an in-process world whose ranks are goroutines.
type Group struct {
	size int
	mu   sync.Mutex
	cur  *round
}

// NewGroup creates a world of size ranks.
func NewGroup(size int) *Group {
	return &Group{size: size}
}

// Member returns the coordinator of one rank.
func (g *Group) Member(rank int) Coordinator {
	return &member{group: g, rank: rank}
}

// Launch runs fn once per rank in its own goroutine and waits for all of
// them. The first error cancels the context passed to the other ranks.
func Launch(ctx context.Context, size int, fn func(ctx context.Context, c Coordinator) error) error {
	g := NewGroup(size)
	eg, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < size; rank++ {
		c := g.Member(rank)
		eg.Go(func() error {
			defer c.Close()
			if err := fn(ctx, c); err != nil {
				return fmt.Errorf("rank %d: %w", c.Rank(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

func (g *Group) collect(ctx context.Context, rank int, op collectiveOp, v []float64) error {
	g.mu.Lock()
	if g.cur == nil {
		g.cur = &round{op: op, contrib: make([][]float64, g.size), done: make(chan struct{})}
	}
	r := g.cur
	if r.op != op {
		r.err = fmt.Errorf("%w: rank %d issued %s during %s", continual.ErrCollectiveMismatch, rank, op, r.op)
	}
	r.contrib[rank] = append([]float64(nil), v...)
	r.arrived++
	if r.arrived == g.size {
		if r.err == nil {
			r.result, r.err = sumInRankOrder(r.contrib)
		}
		g.cur = nil
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	copy(v, r.result)
	return nil
}

// sumInRankOrder adds contributions rank by rank so every rank sees
// bit-identical results.
func sumInRankOrder(contrib [][]float64) ([]float64, error) {
	n := len(contrib[0])
	out := make([]float64, n)
	for rank, c := range contrib {
		if len(c) != n {
			return nil, fmt.Errorf("%w: rank %d sent %d values, rank 0 sent %d",
				continual.ErrCollectiveMismatch, rank, len(c), n)
		}
		for i, x := range c {
			out[i] += x
		}
	}
	return out, nil
}

type member struct {
	group *Group
	rank  int
}

func (m *member) Rank() int      { return m.rank }
func (m *member) WorldSize() int { return m.group.size }
func (m *member) IsLeader() bool { return m.rank == 0 }
func (m *member) Close() error   { return nil }

func (m *member) Barrier(ctx context.Context) error {
	return m.group.collect(ctx, m.rank, opBarrier, nil)
}

func (m *member) AllReduceSum(ctx context.Context, v []float64) error {
	return m.group.collect(ctx, m.rank, opAllReduce, v)
}
