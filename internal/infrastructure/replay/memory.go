// Package replay provides the bounded exemplar memory replayed alongside
// later tasks.
package replay

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/StOnEGiggity/ViLCo/internal/domain/continual"
	"github.com/StOnEGiggity/ViLCo/internal/shared"
)

// DefaultDivisor is the default replay-density factor: each task keeps
// capacity/13 exemplars until more than 13 tasks have been seen.
const DefaultDivisor = 13

// Options configures a Memory.
type Options struct {
	// Capacity bounds the total number of stored exemplars.
	Capacity continual.MemorySize `json:"capacity"`

	// Divisor sets the per-task allotment to capacity/max(Divisor, tasks
	// seen). 0 divides by the number of tasks seen.
	Divisor int `json:"divisor"`

	// Seed makes exemplar selection identical on every rank.
	Seed int64 `json:"seed"`
}

// Stats describes the memory content.
type Stats struct {
	Tasks    int    `json:"tasks"`
	Samples  int    `json:"samples"`
	Capacity string `json:"capacity"`
}

// Memory stores exemplars per task. Once a task is consolidated its
// exemplars can only shrink; total size never exceeds a finite capacity.
type Memory struct {
	mu           sync.RWMutex
	opts         Options
	tasks        map[int][]continual.Sample
	consolidated []int
}

// New creates an empty memory.
func New(opts Options) (*Memory, error) {
	if opts.Divisor < 0 {
		return nil, fmt.Errorf("replay divisor %d must be >= 0", opts.Divisor)
	}
	if !opts.Capacity.All && opts.Capacity.N < 0 {
		return nil, fmt.Errorf("replay capacity %d must be >= 0", opts.Capacity.N)
	}
	return &Memory{opts: opts, tasks: make(map[int][]continual.Sample)}, nil
}

// Capacity returns the configured capacity.
func (m *Memory) Capacity() continual.MemorySize {
	return m.opts.Capacity
}

// Budget returns the per-task allotment once tasksSeen tasks are stored.
func (m *Memory) Budget(tasksSeen int) continual.Budget {
	if m.opts.Capacity.All {
		return continual.Budget{All: true}
	}
	d := m.opts.Divisor
	if tasksSeen > d {
		d = tasksSeen
	}
	if d < 1 {
		d = 1
	}
	return continual.Budget{N: m.opts.Capacity.N / d}
}

// Consolidate selects up to budget exemplars of a finished task and stores
// them. Selection is a permutation seeded by the memory seed and the task
// index. A task that was already consolidated is left untouched. After
// adding, every stored task is trimmed to the current allotment.
func (m *Memory) Consolidate(task int, data continual.TaskData, budget continual.Budget) (int, error) {
	if budget.N < 0 {
		return 0, fmt.Errorf("replay budget %d must be >= 0", budget.N)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.Capacity.IsZero() {
		return 0, nil
	}
	if _, ok := m.tasks[task]; ok {
		return 0, nil
	}

	n := len(data.Samples)
	take := n
	if !budget.All && budget.N < take {
		take = budget.N
	}
	perm := rand.New(rand.NewSource(selectionSeed(m.opts.Seed, task))).Perm(n)
	picked := make([]continual.Sample, take)
	for i := 0; i < take; i++ {
		picked[i] = data.Samples[perm[i]]
	}

	m.tasks[task] = picked
	m.consolidated = append(m.consolidated, task)
	m.trimLocked()
	return len(m.tasks[task]), nil
}

func selectionSeed(seed int64, task int) int64 {
	return seed*1_000_003 + int64(task)
}

// trimLocked cuts every task to the allotment for the tasks currently held.
func (m *Memory) trimLocked() {
	if m.opts.Capacity.All {
		return
	}
	allot := m.Budget(len(m.tasks)).N
	for task, samples := range m.tasks {
		if len(samples) > allot {
			m.tasks[task] = samples[:allot]
		}
	}
}

// Samples returns all exemplars ordered by task.
func (m *Memory) Samples() []continual.Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []continual.Sample
	for _, task := range shared.SortedIntKeys(m.tasks) {
		out = append(out, m.tasks[task]...)
	}
	return out
}

// Len returns the total number of stored exemplars.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.tasks {
		n += len(s)
	}
	return n
}

// Consolidated reports whether a task has been consolidated.
func (m *Memory) Consolidated(task int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tasks[task]
	return ok
}

// Stats returns a summary of the memory content.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	tasks := len(m.consolidated)
	m.mu.RUnlock()
	return Stats{
		Tasks:    tasks,
		Samples:  m.Len(),
		Capacity: m.opts.Capacity.String(),
	}
}

// Snapshot returns a copy of the memory content for checkpointing.
func (m *Memory) Snapshot() *continual.ReplaySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return &continual.ReplaySnapshot{
		Capacity:     m.opts.Capacity,
		Divisor:      m.opts.Divisor,
		Tasks:        shared.CloneSliceMap(m.tasks),
		Consolidated: shared.CloneSlice(m.consolidated),
	}
}

// Restore replaces the memory content with a snapshot. The configured
// capacity wins over the snapshot's; content is trimmed to fit it.
func (m *Memory) Restore(snap *continual.ReplaySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap == nil {
		m.tasks = make(map[int][]continual.Sample)
		m.consolidated = nil
		return
	}
	m.tasks = shared.CloneSliceMap(snap.Tasks)
	if m.tasks == nil {
		m.tasks = make(map[int][]continual.Sample)
	}
	m.consolidated = shared.CloneSlice(snap.Consolidated)
	if m.opts.Capacity.IsZero() {
		m.tasks = make(map[int][]continual.Sample)
		m.consolidated = nil
		return
	}
	m.trimLocked()
}
