package benchmark

import (
	"fmt"
	"math/rand"

	"github.com/StOnEGiggity/ViLCo/internal/domain/continual"
)

// DistributedSampler assigns sample positions to one rank. Every rank
// builds the same permutation for an epoch, pads it to a multiple of the
// world size and takes every WorldSize-th position starting at its rank.
type DistributedSampler struct {
	n         int
	rank      int
	worldSize int
	shuffle   bool
	seed      int64
	epoch     int
}

// NewDistributedSampler creates a sampler over n samples.
func NewDistributedSampler(n, rank, worldSize int, shuffle bool, seed int64) (*DistributedSampler, error) {
	if worldSize < 1 {
		return nil, fmt.Errorf("sampler: world size %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("sampler: rank %d outside world of %d", rank, worldSize)
	}
	return &DistributedSampler{n: n, rank: rank, worldSize: worldSize, shuffle: shuffle, seed: seed}, nil
}

// SetEpoch changes the permutation used by Indices.
func (s *DistributedSampler) SetEpoch(epoch int) {
	s.epoch = epoch
}

// NumSamples returns how many positions each rank receives.
func (s *DistributedSampler) NumSamples() int {
	if s.n == 0 {
		return 0
	}
	return (s.n + s.worldSize - 1) / s.worldSize
}

// Indices returns this rank's sample indices for the current epoch.
func (s *DistributedSampler) Indices() []int {
	if s.n == 0 {
		return nil
	}
	var order []int
	if s.shuffle {
		order = rand.New(rand.NewSource(s.seed + int64(s.epoch))).Perm(s.n)
	} else {
		order = make([]int, s.n)
		for i := range order {
			order[i] = i
		}
	}

	total := s.NumSamples() * s.worldSize
	for i := 0; len(order) < total; i++ {
		order = append(order, order[i%s.n])
	}

	out := make([]int, 0, s.NumSamples())
	for i := s.rank; i < total; i += s.worldSize {
		out = append(out, order[i])
	}
	return out
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// BatchSize is the global batch size across all ranks.
	BatchSize int
	Shuffle   bool
	Seed      int64
	Rank      int
	WorldSize int
	DropLast  bool
}

// Loader yields the rank-local batches of one task.
type Loader struct {
	samples   []continual.Sample
	sampler   *DistributedSampler
	batchSize int
	dropLast  bool
}

// NewLoader builds a loader. The global batch size must be divisible by the
// world size; each rank receives BatchSize/WorldSize samples per batch.
func NewLoader(samples []continual.Sample, opts LoaderOptions) (*Loader, error) {
	if opts.WorldSize == 0 {
		opts.WorldSize = 1
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size %d", opts.BatchSize)
	}
	if opts.BatchSize%opts.WorldSize != 0 {
		return nil, fmt.Errorf("loader: batch size %d not divisible by world size %d", opts.BatchSize, opts.WorldSize)
	}
	sampler, err := NewDistributedSampler(len(samples), opts.Rank, opts.WorldSize, opts.Shuffle, opts.Seed)
	if err != nil {
		return nil, err
	}
	return &Loader{
		samples:   samples,
		sampler:   sampler,
		batchSize: opts.BatchSize / opts.WorldSize,
		dropLast:  opts.DropLast,
	}, nil
}

// SetEpoch reseeds the sampler for the given epoch.
func (l *Loader) SetEpoch(epoch int) {
	l.sampler.SetEpoch(epoch)
}

// Len returns the number of batches per epoch on this rank.
func (l *Loader) Len() int {
	n := l.sampler.NumSamples()
	if l.dropLast {
		return n / l.batchSize
	}
	return (n + l.batchSize - 1) / l.batchSize
}

// NumSamples returns the number of samples the loader iterates over
// across all ranks, before padding.
func (l *Loader) NumSamples() int {
	return len(l.samples)
}

// BatchSize returns the rank-local batch size.
func (l *Loader) BatchSize() int {
	return l.batchSize
}

// Batches materializes this rank's batches for the current epoch.
func (l *Loader) Batches() []continual.Batch {
	idx := l.sampler.Indices()
	out := make([]continual.Batch, 0, l.Len())
	for start := 0; start < len(idx); start += l.batchSize {
		end := start + l.batchSize
		if end > len(idx) {
			if l.dropLast {
				break
			}
			end = len(idx)
		}
		b := make(continual.Batch, 0, end-start)
		for _, i := range idx[start:end] {
			b = append(b, l.samples[i])
		}
		out = append(out, b)
	}
	return out
}

// ShardEval returns the validation samples owned by a rank. Shards are
// disjoint and unpadded so each sample is scored exactly once.
func ShardEval(samples []continual.Sample, rank, worldSize int) []continual.Sample {
	if worldSize <= 1 {
		return samples
	}
	out := make([]continual.Sample, 0, len(samples)/worldSize+1)
	for i := rank; i < len(samples); i += worldSize {
		out = append(out, samples[i])
	}
	return out
}
