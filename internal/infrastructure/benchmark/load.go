// Package benchmark loads task-partitioned benchmarks and turns them into a
// stream of per-task data loaders.
package benchmark

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/StOnEGiggity/ViLCo/internal/domain/continual"
)

// Split keys of the benchmark document.
const (
	SplitTrain = "train"
	SplitVal   = "val"
)

// Load reads a benchmark file. Files ending in .zst are decompressed.
// Any structural problem is reported as continual.ErrMalformedBenchmark.
func Load(path string) (*continual.Benchmark, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open benchmark: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", continual.ErrMalformedBenchmark, path, err)
		}
		defer dec.Close()
		r = dec
	}
	return Decode(r)
}

// Decode reads a benchmark document from r and validates it.
func Decode(r io.Reader) (*continual.Benchmark, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", continual.ErrMalformedBenchmark, err)
	}

	b := &continual.Benchmark{}
	for _, split := range []struct {
		key string
		dst *[][]continual.Sample
	}{{SplitTrain, &b.Train}, {SplitVal, &b.Val}} {
		msg, ok := raw[split.key]
		if !ok {
			return nil, fmt.Errorf("%w: missing %q split", continual.ErrMalformedBenchmark, split.key)
		}
		if err := json.Unmarshal(msg, split.dst); err != nil {
			return nil, fmt.Errorf("%w: split %q: %v", continual.ErrMalformedBenchmark, split.key, err)
		}
	}

	if err := Validate(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks that both splits hold the same non-zero number of tasks,
// that no task is empty and that every sample has the same feature width.
// Missing sample IDs are filled in.
func Validate(b *continual.Benchmark) error {
	if len(b.Train) == 0 {
		return fmt.Errorf("%w: no training tasks", continual.ErrMalformedBenchmark)
	}
	if len(b.Val) != len(b.Train) {
		return fmt.Errorf("%w: %d training tasks but %d validation tasks",
			continual.ErrMalformedBenchmark, len(b.Train), len(b.Val))
	}

	dim := -1
	check := func(split string, tasks [][]continual.Sample) error {
		for t, task := range tasks {
			if len(task) == 0 {
				return fmt.Errorf("%w: %s task %d is empty", continual.ErrMalformedBenchmark, split, t)
			}
			for i := range task {
				s := &task[i]
				if s.ID == "" {
					s.ID = fmt.Sprintf("%s/%d/%d", split, t, i)
				}
				if len(s.Features) == 0 {
					return fmt.Errorf("%w: sample %s has no features", continual.ErrMalformedBenchmark, s.ID)
				}
				if dim == -1 {
					dim = len(s.Features)
				} else if len(s.Features) != dim {
					return fmt.Errorf("%w: sample %s has %d features, want %d",
						continual.ErrMalformedBenchmark, s.ID, len(s.Features), dim)
				}
			}
		}
		return nil
	}
	if err := check(SplitTrain, b.Train); err != nil {
		return err
	}
	return check(SplitVal, b.Val)
}

// FeatureDim returns the feature width of a validated benchmark.
func FeatureDim(b *continual.Benchmark) int {
	return len(b.Train[0][0].Features)
}

// Save writes a benchmark document, compressing it when path ends in .zst.
func Save(path string, b *continual.Benchmark) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create benchmark: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	var w io.Writer = f
	if strings.HasSuffix(path, ".zst") {
		enc, err := zstd.NewWriter(f)
		if err != nil {
			return fmt.Errorf("benchmark encoder: %w", err)
		}
		defer func() {
			if cerr := enc.Close(); err == nil {
				err = cerr
			}
		}()
		w = enc
	}
	return json.NewEncoder(w).Encode(b)
}
