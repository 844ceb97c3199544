// Package pipeline implements the runtime four-stage bidirectional
// processing engine (§3, §4.4): Stage Modules, Pipelines, the
// PipelineManager, and the per-request Execution Record.
package pipeline

import (
	"context"

	"github.com/rakunlabs/relay/internal/routing"
)

// Stage is the single capability every stage module implements (§9:
// "replace deep inheritance with a single Stage capability"). A Stage
// is configured exactly once at assembly time and is immutable and
// concurrency-safe thereafter.
type Stage interface {
	// Tag identifies which of the four fixed slots this stage fills.
	Tag() routing.StageTag

	// Forward processes a request payload moving toward the upstream
	// provider. The concrete payload type varies per stage boundary;
	// stages agree on shape by convention (documented per stage
	// package), not by a shared Go type, mirroring the teacher's
	// map[string]any-based NodeResult data passing.
	Forward(ctx context.Context, input any) (any, error)

	// Back processes a response payload moving toward the caller.
	Back(ctx context.Context, input any) (any, error)

	// Health reports whether the stage is currently able to serve
	// requests (e.g. a credential-backed stage can report false while
	// its credential is invalid).
	Health(ctx context.Context) bool

	// Stop releases any resources the stage acquired in its start hook.
	Stop(ctx context.Context) error
}

// Starter is implemented by stages that need to warm up background
// resources after construction (§4.3 step 2). Not all stages need it;
// PipelineAssembler type-asserts for it.
type Starter interface {
	Start(ctx context.Context) error
}
