package pipeline

import (
	"time"

	"github.com/rakunlabs/relay/internal/routing"
)

// StageExecution is one stage's contribution to an Execution Record (§3).
type StageExecution struct {
	Stage    routing.StageTag
	Phase    string // "forward" | "back"
	Input    any
	Output   any
	Duration time.Duration
	Status   string // "ok" | "failed"
	Err      error
}

// ExecutionRecord is the per-request structured trace (§3). It is
// exclusively owned by the executing task until handed to the
// observability sink on completion — never mutated concurrently.
type ExecutionRecord struct {
	RequestID       string
	PipelineID      string
	StartTime       time.Time
	StageExecutions []StageExecution
	TotalTime       time.Duration
	Status          string // "ok" | "failed" | "cancelled"
	Err             error
}

// AddStage appends a stage execution entry.
func (r *ExecutionRecord) AddStage(se StageExecution) {
	r.StageExecutions = append(r.StageExecutions, se)
}
