package grounding

import "math"

// TemporalIoU returns the intersection over union of two 1-D spans. The
// bounds of each span may be given in either order.
func TemporalIoU(predStart, predEnd, gtStart, gtEnd float64) float64 {
	ps, pe := math.Min(predStart, predEnd), math.Max(predStart, predEnd)
	gs, ge := math.Min(gtStart, gtEnd), math.Max(gtStart, gtEnd)

	inter := math.Min(pe, ge) - math.Max(ps, gs)
	if inter <= 0 {
		return 0
	}
	union := math.Max(pe, ge) - math.Min(ps, gs)
	if union <= 0 {
		return 0
	}
	return inter / union
}
