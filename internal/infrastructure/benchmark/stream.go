package benchmark

import (
	"fmt"
	"math/rand"

	"github.com/StOnEGiggity/ViLCo/internal/domain/continual"
)

// ReplaySource supplies exemplars mixed into every task loader.
type ReplaySource interface {
	Samples() []continual.Sample
}

// StreamOptions configures a Stream.
type StreamOptions struct {
	// BatchSize is the global batch size.
	BatchSize int

	// Shuffle shuffles samples within each epoch.
	Shuffle bool

	// ShuffleTaskOrder permutes the task order with Seed.
	ShuffleTaskOrder bool

	// Order, when set, fixes the task order explicitly. It takes precedence
	// over ShuffleTaskOrder and lets a validation stream follow the order
	// of its training stream.
	Order []int

	Seed      int64
	Rank      int
	WorldSize int
	DropLast  bool
}

// Step is one task of the stream.
type Step struct {
	// Data is the raw task data.
	Data continual.TaskData

	// Loader iterates over the task samples plus the replay exemplars.
	Loader *Loader

	// NextQueries is the number of samples in the following task, 0 at the end.
	NextQueries int
}

// Stream walks the tasks of one benchmark split in order.
type Stream struct {
	split  [][]continual.Sample
	order  []int
	opts   StreamOptions
	memory ReplaySource
	pos    int
}

// NewStream creates a stream over a split.
func NewStream(split [][]continual.Sample, opts StreamOptions) (*Stream, error) {
	if opts.WorldSize == 0 {
		opts.WorldSize = 1
	}
	order, err := taskOrder(len(split), opts)
	if err != nil {
		return nil, err
	}
	return &Stream{split: split, order: order, opts: opts}, nil
}

func taskOrder(n int, opts StreamOptions) ([]int, error) {
	if opts.Order != nil {
		if len(opts.Order) != n {
			return nil, fmt.Errorf("stream: order has %d tasks, split has %d", len(opts.Order), n)
		}
		seen := make([]bool, n)
		for _, t := range opts.Order {
			if t < 0 || t >= n || seen[t] {
				return nil, fmt.Errorf("stream: order %v is not a permutation", opts.Order)
			}
			seen[t] = true
		}
		return append([]int(nil), opts.Order...), nil
	}
	if opts.ShuffleTaskOrder {
		return rand.New(rand.NewSource(opts.Seed)).Perm(n), nil
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order, nil
}

// NumTasks returns the number of tasks.
func (s *Stream) NumTasks() int {
	return len(s.order)
}

// Order returns the benchmark task index at each stream position.
func (s *Stream) Order() []int {
	return append([]int(nil), s.order...)
}

// SetMemory sets the replay source used by subsequent loaders.
func (s *Stream) SetMemory(src ReplaySource) {
	s.memory = src
}

// Seek positions the stream so that the next call to Next yields task j.
func (s *Stream) Seek(j int) error {
	if j < 0 || j > len(s.order) {
		return fmt.Errorf("stream: seek to task %d of %d", j, len(s.order))
	}
	s.pos = j
	return nil
}

// Pos returns the index of the task Next will yield.
func (s *Stream) Pos() int {
	return s.pos
}

// Task returns the raw data of the task at stream position i.
func (s *Stream) Task(i int) continual.TaskData {
	return continual.TaskData{Index: i, Source: s.order[i], Samples: s.split[s.order[i]]}
}

// Next returns the next task with a loader over its samples and the
// current replay exemplars.
func (s *Stream) Next() (Step, bool, error) {
	if s.pos >= len(s.order) {
		return Step{}, false, nil
	}
	data := s.Task(s.pos)
	loader, err := s.NewLoader(data)
	if err != nil {
		return Step{}, false, err
	}
	step := Step{Data: data, Loader: loader}
	if s.pos+1 < len(s.order) {
		step.NextQueries = len(s.split[s.order[s.pos+1]])
	}
	s.pos++
	return step, true, nil
}

// NewLoader builds a loader over a task's samples plus the replay exemplars.
func (s *Stream) NewLoader(data continual.TaskData) (*Loader, error) {
	samples := data.Samples
	if s.memory != nil {
		if mem := s.memory.Samples(); len(mem) > 0 {
			samples = make([]continual.Sample, 0, len(data.Samples)+len(mem))
			samples = append(samples, data.Samples...)
			samples = append(samples, mem...)
		}
	}
	return NewLoader(samples, LoaderOptions{
		BatchSize: s.opts.BatchSize,
		Shuffle:   s.opts.Shuffle,
		Seed:      s.opts.Seed,
		Rank:      s.opts.Rank,
		WorldSize: s.opts.WorldSize,
		DropLast:  s.opts.DropLast,
	})
}
