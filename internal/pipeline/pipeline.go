package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rakunlabs/relay/internal/routing"
)

// Status is a Pipeline's lifecycle state (§3).
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRuntime      Status = "runtime"
	StatusQuarantined  Status = "quarantined"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// Pipeline holds four Stage Modules, its Config, and a lifecycle
// status (§3). It owns no mutable per-request state. The status field
// is the only thing that changes after assembly, and it is guarded by
// a mutex since quarantine/resume race with executePipeline reads.
type Pipeline struct {
	Config routing.PipelineConfig
	Stages [4]Stage // transformer, protocol, server-compatibility, server — in that order

	mu             sync.RWMutex
	status         Status
	quarantineNote string
}

// NewPipeline constructs a Pipeline in the initializing state. Callers
// (PipelineAssembler) transition it to runtime once all stages start.
func NewPipeline(cfg routing.PipelineConfig, stages [4]Stage) *Pipeline {
	return &Pipeline{Config: cfg, Stages: stages, status: StatusInitializing}
}

// Status returns the pipeline's current lifecycle state.
func (p *Pipeline) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// setStatus transitions the pipeline's state under lock.
func (p *Pipeline) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// MarkRuntime transitions the pipeline to runtime once PipelineAssembler
// has started all four of its stages successfully (§4.3 step 2).
func (p *Pipeline) MarkRuntime() {
	p.setStatus(StatusRuntime)
}

// MarkError transitions the pipeline to error, recording the first
// failing stage's diagnostic as the quarantine note for inspection.
func (p *Pipeline) MarkError(reason string) {
	p.mu.Lock()
	p.status = StatusError
	p.quarantineNote = reason
	p.mu.Unlock()
}

// MarkStopped transitions the pipeline to stopped.
func (p *Pipeline) MarkStopped() {
	p.setStatus(StatusStopped)
}

// Quarantine transitions the pipeline out of service; in-flight
// requests already past the rejection check are unaffected (§4.4: "a
// request whose Pipeline is mid-quarantine is rejected ... before any
// stage runs" — quarantine only gates new entries, it does not cancel
// running ones).
func (p *Pipeline) Quarantine(reason string) {
	p.mu.Lock()
	p.status = StatusQuarantined
	p.quarantineNote = reason
	p.mu.Unlock()
}

// Resume transitions a quarantined pipeline back to runtime.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	p.status = StatusRuntime
	p.quarantineNote = ""
	p.mu.Unlock()
}

// QuarantineReason returns the reason supplied to the most recent
// Quarantine call, if the pipeline is currently quarantined.
func (p *Pipeline) QuarantineReason() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.quarantineNote
}

// Health aggregates per-stage health into one boolean.
func (p *Pipeline) Health(ctx context.Context) bool {
	if p.Status() != StatusRuntime {
		return false
	}
	for _, s := range p.Stages {
		if !s.Health(ctx) {
			return false
		}
	}
	return true
}

// execStage runs one stage method, timing it and recording the result
// into rec. phase is "forward" or "back".
func execStage(ctx context.Context, rec *ExecutionRecord, stage Stage, phase string, input any, call func(context.Context, any) (any, error)) (any, error) {
	start := time.Now()
	output, err := call(ctx, input)
	se := StageExecution{
		Stage:    stage.Tag(),
		Phase:    phase,
		Input:    input,
		Output:   output,
		Duration: time.Since(start),
		Status:   "ok",
	}
	if err != nil {
		se.Status = "failed"
		se.Err = err
	}
	rec.AddStage(se)
	return output, err
}
