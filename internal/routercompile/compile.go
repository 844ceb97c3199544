// Package routercompile implements the RouterCompiler (spec §4.2): it
// expands a normalized routing.Table into the flat list of
// routing.PipelineConfig recipes the assembler turns into running
// pipelines. One PipelineConfig is emitted per route.
package routercompile

import (
	"fmt"

	"github.com/rakunlabs/relay/internal/relerr"
	"github.com/rakunlabs/relay/internal/routing"
)

const component = "router-compiler"

// Result is the RouterCompiler's output: the pipeline recipes plus any
// non-fatal warnings worth surfacing to the operator (§4.2).
type Result struct {
	Pipelines []routing.PipelineConfig
	Warnings  []string
}

// Compile derives one PipelineConfig per route in table. pipelineID is
// deterministic ("<route>@<provider>/<model>") so repeated compiles of
// an unchanged table produce identical IDs.
func Compile(table *routing.Table) (*Result, error) {
	if table == nil {
		return nil, relerr.New(relerr.KindRouterConfigError, component, "routing table is nil", nil)
	}
	if len(table.Routes) == 0 {
		return nil, relerr.New(relerr.KindRouterConfigError, component, "routing table has no routes", nil)
	}

	result := &Result{}
	seenIDs := make(map[string]struct{}, len(table.Routes))

	for _, route := range table.Routes {
		provider, ok := table.ProviderByName(route.ProviderName)
		if !ok {
			return nil, relerr.Newf(relerr.KindRouterConfigError, component, "route %q references unknown provider %q", route.Name, route.ProviderName)
		}

		model, ok := provider.ModelByName(route.ModelName)
		if !ok {
			return nil, relerr.Newf(relerr.KindRouterConfigError, component, "route %q references unknown model %q on provider %q", route.Name, route.ModelName, provider.Name)
		}

		pipelineID := fmt.Sprintf("%s@%s/%s", route.Name, provider.Name, model.Name)
		if _, dup := seenIDs[pipelineID]; dup {
			return nil, relerr.Newf(relerr.KindRouterConfigError, component, "duplicate pipeline id %q", pipelineID)
		}
		seenIDs[pipelineID] = struct{}{}

		layers, err := buildLayers(provider, model)
		if err != nil {
			return nil, err
		}

		result.Pipelines = append(result.Pipelines, routing.PipelineConfig{
			PipelineID:    pipelineID,
			RouteID:       route.Name,
			Provider:      provider.Name,
			Model:         model.Name,
			Endpoint:      provider.BaseURL,
			CredentialRef: provider.CredentialRef,
			MaxTokens:     model.MaxTokens,
			Layers:        layers,
		})
	}

	referenced := make(map[string]struct{}, len(table.Routes))
	for _, route := range table.Routes {
		referenced[route.ProviderName] = struct{}{}
	}
	unreachable := 0
	for _, p := range table.Providers {
		if _, ok := referenced[p.Name]; !ok {
			unreachable++
		}
	}
	if unreachable > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%d configured provider(s) are not reachable by any route", unreachable))
	}

	return result, nil
}

// buildLayers derives the four fixed stage configs for one pipeline, in
// the canonical transformer/protocol/server-compatibility/server order
// (§3). The shapes here are the contract stage packages decode against
// when PipelineAssembler builds the running stage chain.
func buildLayers(provider *routing.Provider, model routing.Model) ([4]routing.LayerConfig, error) {
	var layers [4]routing.LayerConfig

	for i, tag := range routing.Ordered {
		if tag == "" {
			return layers, relerr.Newf(relerr.KindRouterConfigError, component, "empty stage tag at position %d for provider %q", i, provider.Name)
		}

		switch tag {
		case routing.StageTransformer:
			layers[i] = routing.LayerConfig{
				Tag: tag,
				Fields: map[string]any{
					"targetFormat":     "anthropic",
					"defaultMaxTokens": model.MaxTokens,
				},
			}
		case routing.StageProtocol:
			layers[i] = routing.LayerConfig{
				Tag: tag,
				Fields: map[string]any{
					"credentialRef": provider.CredentialRef,
				},
			}
		case routing.StageCompat:
			layers[i] = routing.LayerConfig{
				Tag: tag,
				Fields: map[string]any{
					"profile":       provider.CompatProfile,
					"credentialRef": provider.CredentialRef,
				},
			}
		case routing.StageServer:
			layers[i] = routing.LayerConfig{
				Tag: tag,
				Fields: map[string]any{
					"endpoint":      provider.BaseURL,
					"credentialRef": provider.CredentialRef,
					"extraHeaders":  provider.ExtraHeaders,
				},
			}
		default:
			return layers, relerr.Newf(relerr.KindRouterConfigError, component, "unrecognized stage tag %q", tag)
		}
	}

	return layers, nil
}
