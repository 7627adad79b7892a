package dist

import (
	"context"
	"fmt"

	"github.com/StOnEGiggity/ViLCo/internal/domain/continual"
)

// DDP averages gradients across ranks before each optimizer step.
type DDP struct {
	coord Coordinator

	// FindUnusedParameters tolerates parameters that received no gradient
	// on some rank; their missing contribution counts as zero. Without it
	// such a parameter is an error.
	FindUnusedParameters bool
}

// NewDDP wraps a coordinator.
func NewDDP(coord Coordinator, findUnused bool) *DDP {
	return &DDP{coord: coord, FindUnusedParameters: findUnused}
}

// Coordinator returns the wrapped coordinator.
func (d *DDP) Coordinator() Coordinator {
	return d.coord
}

// Sync all-reduces gradients and per-parameter usage flags in one
// collective, then divides by the world size. A parameter reached on no
// rank keeps HasGrad false.
func (d *DDP) Sync(ctx context.Context, params []*continual.Param) error {
	world := d.coord.WorldSize()

	size := 0
	for _, p := range params {
		size += 1 + len(p.Value)
	}
	buf := make([]float64, 0, size)
	for _, p := range params {
		if p.HasGrad {
			buf = append(buf, 1)
			buf = append(buf, p.Grad...)
		} else {
			buf = append(buf, 0)
			buf = append(buf, make([]float64, len(p.Value))...)
		}
	}

	if world > 1 {
		if err := d.coord.AllReduceSum(ctx, buf); err != nil {
			return fmt.Errorf("gradient all-reduce: %w", err)
		}
	}

	off := 0
	inv := 1 / float64(world)
	for _, p := range params {
		used := int(buf[off] + 0.5)
		off++
		if used < world && !d.FindUnusedParameters {
			return fmt.Errorf("%w: %s (reached on %d of %d ranks)", continual.ErrUnusedParameter, p.Name, used, world)
		}
		if len(p.Grad) != len(p.Value) {
			p.Grad = make([]float64, len(p.Value))
		}
		for i := range p.Grad {
			p.Grad[i] = buf[off+i] * inv
		}
		p.HasGrad = used > 0
		off += len(p.Value)
	}
	return nil
}
