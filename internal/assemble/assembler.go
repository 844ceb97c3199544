package assemble

import (
	"context"
	"log/slog"
	"time"

	"github.com/rakunlabs/relay/internal/pipeline"
	"github.com/rakunlabs/relay/internal/relerr"
	"github.com/rakunlabs/relay/internal/routing"
)

const component = "pipeline-assembler"

// Stats summarizes one Assemble run (§4.3).
type Stats struct {
	TotalPipelines     int
	AssembledPipelines int
	FailedPipelines    int
	AssemblyTimeMs     int64
}

// FailedPipeline records why one Pipeline Config failed to assemble.
type FailedPipeline struct {
	PipelineID string
	Err        error
}

// Result is the PipelineAssembler's output (§4.3): assembly is
// all-or-nothing per pipeline, but partial across the fleet.
type Result struct {
	Pipelines []*pipeline.Pipeline
	Stats     Stats
	Errors    []FailedPipeline
}

// Assembler instantiates Pipeline Configs into live Pipelines.
type Assembler struct {
	registry *Registry
}

// NewAssembler builds an Assembler against a populated Registry.
func NewAssembler(registry *Registry) *Assembler {
	return &Assembler{registry: registry}
}

// Assemble realises every config into a Pipeline and registers
// successful ones with mgr under their pipelineId (§4.3 step 3).
// Individual failures are recorded but do not abort the batch.
func (a *Assembler) Assemble(ctx context.Context, configs []routing.PipelineConfig, mgr *pipeline.Manager) (*Result, error) {
	start := time.Now()
	result := &Result{Stats: Stats{TotalPipelines: len(configs)}}

	for _, cfg := range configs {
		p, err := a.build(ctx, cfg)
		if err != nil {
			result.Stats.FailedPipelines++
			result.Errors = append(result.Errors, FailedPipeline{PipelineID: cfg.PipelineID, Err: err})
			slog.Error("pipeline assembly failed", "component", component, "pipelineId", cfg.PipelineID, "error", err)
			continue
		}

		result.Stats.AssembledPipelines++
		result.Pipelines = append(result.Pipelines, p)
		mgr.AddPipeline(p)
	}

	result.Stats.AssemblyTimeMs = time.Since(start).Milliseconds()
	return result, nil
}

// build realises a single Pipeline Config: resolves all four stage
// factories, builds the stages, starts them, and sets the pipeline's
// status to runtime iff all four start hooks succeed (§4.3 steps 1-2).
func (a *Assembler) build(ctx context.Context, cfg routing.PipelineConfig) (*pipeline.Pipeline, error) {
	var stages [4]pipeline.Stage

	for i, layer := range cfg.Layers {
		if layer.Tag == "" {
			return nil, relerr.Newf(relerr.KindAssemblyError, component, "pipeline %q: layer %d has an empty stage tag", cfg.PipelineID, i)
		}

		variant := variantFor(layer)
		factory, ok := a.registry.Lookup(layer.Tag, variant)
		if !ok {
			return nil, relerr.Newf(relerr.KindAssemblyError, component, "pipeline %q: no factory registered for %s", cfg.PipelineID, key{tag: layer.Tag, variant: variant})
		}

		stage, err := factory(layer)
		if err != nil {
			return nil, relerr.Newf(relerr.KindAssemblyError, component, "pipeline %q: build stage %s: %s", cfg.PipelineID, layer.Tag, err)
		}
		stages[i] = stage
	}

	p := pipeline.NewPipeline(cfg, stages)

	for _, stage := range stages {
		if starter, ok := stage.(pipeline.Starter); ok {
			if err := starter.Start(ctx); err != nil {
				return nil, relerr.Newf(relerr.KindAssemblyError, component, "pipeline %q: start stage %s: %s", cfg.PipelineID, stage.Tag(), err)
			}
		}
	}

	p.MarkRuntime()
	return p, nil
}

// variantFor derives the registry variant key for a layer. Only the
// server-compatibility stage has sub-variants (the compatProfile);
// every other stage registers under the empty variant.
func variantFor(layer routing.LayerConfig) string {
	if layer.Tag != routing.StageCompat {
		return ""
	}
	profile, _ := layer.Fields["profile"].(string)
	return profile
}
