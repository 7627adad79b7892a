// Package continual provides domain types for query-incremental training of
// video-language grounding models.
package continual

// Sample is one natural-language query paired with a video clip.
type Sample struct {
	// ID uniquely identifies the sample inside the benchmark.
	ID string `json:"id"`

	// ClipUID identifies the source clip.
	ClipUID string `json:"clipUid,omitempty"`

	// Query is the natural-language query text.
	Query string `json:"query,omitempty"`

	// Features is the precomputed clip/query embedding fed to the model.
	Features []float64 `json:"features"`

	// Start and End are the normalized [0,1] temporal span of the response.
	// Only meaningful when Present is true.
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// Present reports whether the queried object appears in the clip.
	Present bool `json:"present"`
}

// Batch is an ordered group of samples processed in one step.
type Batch []Sample

// TaskData is the raw data of one task. Immutable once materialized.
type TaskData struct {
	// Index is the position of the task in the stream (after any reordering).
	Index int `json:"index"`

	// Source is the index of the task in the benchmark file.
	Source int `json:"source"`

	// Samples are the task's samples.
	Samples []Sample `json:"samples"`
}

// Len returns the number of samples in the task.
func (t TaskData) Len() int {
	return len(t.Samples)
}

// Benchmark is the task-partitioned benchmark document.
type Benchmark struct {
	Train [][]Sample `json:"train"`
	Val   [][]Sample `json:"val"`
}

// NumTasks returns the number of training tasks.
func (b *Benchmark) NumTasks() int {
	return len(b.Train)
}
