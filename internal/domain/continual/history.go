package continual

import "fmt"

// History is the per-task validation IoU history of a run.
//
// Rows[j][i] is the IoU on validation task i measured by the final validation
// after training task j, so Rows[j] has j+1 entries and Rows[i][i] is the IoU
// of task i right after it was learned.
type History struct {
	Rows [][]float64 `json:"rows"`
}

// Len returns the number of recorded final validations.
func (h *History) Len() int {
	if h == nil {
		return 0
	}
	return len(h.Rows)
}

// Record stores the per-task IoUs measured after task `after`. Re-recording
// an existing row replaces it; skipping rows is an error.
func (h *History) Record(after int, perTask []float64) error {
	if len(perTask) != after+1 {
		return fmt.Errorf("history row %d: want %d task values, got %d", after, after+1, len(perTask))
	}
	if after > len(h.Rows) {
		return fmt.Errorf("history row %d: rows 0..%d missing", after, after-1)
	}
	row := make([]float64, len(perTask))
	copy(row, perTask)
	if after == len(h.Rows) {
		h.Rows = append(h.Rows, row)
		return nil
	}
	h.Rows[after] = row
	return nil
}

// Immediate returns the IoU of a task measured right after it was learned.
func (h *History) Immediate(task int) (float64, bool) {
	if h == nil || task < 0 || task >= len(h.Rows) {
		return 0, false
	}
	return h.Rows[task][task], true
}

// BWF returns the backward-transfer factor after task `after`: the mean over
// earlier tasks i of Rows[after][i] - Rows[i][i]. It is undefined for the
// first task.
func (h *History) BWF(after int) (float64, bool) {
	if h == nil || after <= 0 || after >= len(h.Rows) {
		return 0, false
	}
	var sum float64
	for i := 0; i < after; i++ {
		sum += h.Rows[after][i] - h.Rows[i][i]
	}
	return sum / float64(after), true
}

// Clone returns a deep copy.
func (h *History) Clone() *History {
	if h == nil {
		return &History{}
	}
	out := &History{Rows: make([][]float64, len(h.Rows))}
	for i, row := range h.Rows {
		out.Rows[i] = append([]float64(nil), row...)
	}
	return out
}
