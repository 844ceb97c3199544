// Package assemble implements the Module Registry and PipelineAssembler
// (§4.3): a process-wide, populate-once-at-startup mapping from
// (stageTag, variantTag) to stage factories, and the logic that turns
// Pipeline Configs into running Pipelines by calling into it.
//
// This mirrors the teacher's global nodeFactories registry
// (internal/service/workflow/node.go: RegisterNodeType/GetNodeFactory)
// generalized to a two-part key, since stage variants (e.g.
// server-compatibility's "lmstudio"/"qwen"/"openai-generic") need a
// second axis the teacher's single-string node type didn't.
package assemble

import (
	"fmt"

	"github.com/rakunlabs/relay/internal/pipeline"
	"github.com/rakunlabs/relay/internal/routing"
)

// StageFactory builds one Stage Module from its Layer Config. This is
// the only point configuration flows into a stage (§4.3 step 1); the
// returned Stage must be immutable thereafter.
type StageFactory func(layer routing.LayerConfig) (pipeline.Stage, error)

// key identifies one registry slot.
type key struct {
	tag     routing.StageTag
	variant string
}

// Registry is the process-wide (stageTag, variantTag) -> StageFactory
// mapping. Populated once at startup (cmd/relay calls Register for each
// stage factory explicitly), read-only thereafter —
// exactly the teacher's registry discipline (§5: "The Module Registry is
// populated once at startup and read-only thereafter").
type Registry struct {
	factories map[key]StageFactory
}

// NewRegistry creates an empty registry. Call Register for every
// (tag, variant) the deployment needs before compiling any pipeline.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[key]StageFactory)}
}

// Register adds a factory for (tag, variant). variant is "" for stages
// that have no sub-variants (transformer, protocol, server); the
// server-compatibility stage uses it for compatProfile ("lmstudio",
// "qwen", "iflow", "openai-generic").
func (r *Registry) Register(tag routing.StageTag, variant string, factory StageFactory) {
	r.factories[key{tag: tag, variant: variant}] = factory
}

// Lookup returns the factory registered for (tag, variant). Absence is
// an assembly error (§4.3), reported by the caller.
func (r *Registry) Lookup(tag routing.StageTag, variant string) (StageFactory, bool) {
	f, ok := r.factories[key{tag: tag, variant: variant}]
	return f, ok
}

// RegisteredVariants returns every variant registered for tag, for
// diagnostics (e.g. listing supported compat profiles).
func (r *Registry) RegisteredVariants(tag routing.StageTag) []string {
	var variants []string
	for k := range r.factories {
		if k.tag == tag {
			variants = append(variants, k.variant)
		}
	}
	return variants
}

func (k key) String() string {
	if k.variant == "" {
		return string(k.tag)
	}
	return fmt.Sprintf("%s/%s", k.tag, k.variant)
}
