package continual

import (
	"fmt"
	"strings"
	"time"
)

// Checkpoint kinds.
const (
	// CheckpointLast is rewritten after every epoch and at task boundaries.
	CheckpointLast = "cpt_last"

	bestIoUPrefix  = "cpt_best_iou_task_"
	bestProbPrefix = "cpt_best_prob_task_"
)

// BestIoUName returns the checkpoint name of the best-IoU model of a task.
func BestIoUName(task int) string {
	return fmt.Sprintf("%s%02d", bestIoUPrefix, task)
}

// BestProbName returns the checkpoint name of the best-probability model of a task.
func BestProbName(task int) string {
	return fmt.Sprintf("%s%02d", bestProbPrefix, task)
}

// IsBestCheckpoint reports whether name is a best-IoU or best-probability
// checkpoint of some task.
func IsBestCheckpoint(name string) bool {
	return strings.HasPrefix(name, bestIoUPrefix) || strings.HasPrefix(name, bestProbPrefix)
}

// Checkpoint is a snapshot of the training state.
//
// Every field is optional: a loader restores only what is present, so
// partial records such as best-probability checkpoints (which carry no task
// index and no regularization state) remain usable.
type Checkpoint struct {
	// RunID identifies the run that wrote the checkpoint.
	RunID string `json:"runId,omitempty"`

	// Epoch is the next epoch to run within CurrentTask.
	Epoch *int `json:"epoch,omitempty"`

	// CurrentTask is the task the epoch counter refers to.
	CurrentTask *int `json:"currentTask,omitempty"`

	// StateDict holds the model parameter values by name.
	StateDict map[string][]float64 `json:"stateDict,omitempty"`

	Optimizer      *OptimizerState      `json:"optimizer,omitempty"`
	Scheduler      *SchedulerState      `json:"scheduler,omitempty"`
	Scaler         *ScalerState         `json:"scaler,omitempty"`
	Regularization *RegularizationState `json:"regParams,omitempty"`
	Memory         *ReplaySnapshot      `json:"memory,omitempty"`
	History        *History             `json:"history,omitempty"`

	BestIoU  *float64 `json:"bestIou,omitempty"`
	BestProb *float64 `json:"bestProb,omitempty"`

	// SavedAt is when the checkpoint was written.
	SavedAt time.Time `json:"savedAt"`
}

// TaskMetrics is the metrics record of one finished task.
type TaskMetrics struct {
	Task      int      `json:"task"`
	BestIoU   float64  `json:"bestIou"`
	BestProb  float64  `json:"bestProb"`
	FinalIoU  float64  `json:"finalIou"`
	FinalProb float64  `json:"finalProb"`
	BWF       *float64 `json:"bwf,omitempty"`
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 {
	return &v
}
