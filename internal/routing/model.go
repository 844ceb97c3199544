// Package routing holds the data model compiled from configuration: the
// normalized RoutingTable (ConfigCompiler's output) and the flat
// PipelineConfig list (RouterCompiler's output). Types here are plain
// data — no behavior beyond by-name lookups — so they can be passed
// freely between the compile stages and the assembler.
package routing

import "time"

// StageTag identifies one of the four fixed stage slots in a pipeline.
// The order transformer -> protocol -> server-compatibility -> server is
// the order RouterCompiler emits layers in (see Ordered);
// PipelineAssembler rejects layers with an empty tag.
type StageTag string

const (
	StageTransformer StageTag = "transformer"
	StageProtocol    StageTag = "protocol"
	StageCompat      StageTag = "server-compatibility"
	StageServer      StageTag = "server"
)

// Ordered is the canonical stage order every pipeline must follow.
var Ordered = []StageTag{StageTransformer, StageProtocol, StageCompat, StageServer}

// Model describes a single model a provider serves.
type Model struct {
	Name      string
	MaxTokens int
}

// Provider is a logical upstream (§3).
type Provider struct {
	Name          string
	BaseURL       string
	Models        []Model // insertion order preserved
	CredentialRef string
	CompatProfile string // "openai-generic", "lmstudio", "qwen", "iflow", ...
	ExtraHeaders  map[string]string
}

// ModelByName looks up a model by name, preserving the "does this model
// exist" check RouterCompiler needs without requiring a map rebuild.
func (p *Provider) ModelByName(name string) (Model, bool) {
	for _, m := range p.Models {
		if m.Name == name {
			return m, true
		}
	}
	return Model{}, false
}

// Route is a named routing decision (§3): default, longContext,
// background, think, webSearch, or any operator-defined name.
type Route struct {
	Name         string
	ProviderName string
	ModelName    string
}

// ServerSettings is the listener configuration carried through from the
// config document (§6); the HTTP ingress collaborator owns binding it.
type ServerSettings struct {
	Port  string
	Host  string
	Debug bool
}

// Metadata records provenance of a compiled RoutingTable (§4.1).
type Metadata struct {
	SourceFormat   string
	ProcessingTime time.Duration
	ConfigPath     string
}

// Table is the ConfigCompiler's output: a normalized, immutable view of
// the configuration document (§3). Providers and Routes preserve
// document insertion order.
type Table struct {
	Providers []Provider
	Routes    []Route
	Server    ServerSettings
	Metadata  Metadata
}

// ProviderByName returns the provider with the given name, if present.
func (t *Table) ProviderByName(name string) (*Provider, bool) {
	for i := range t.Providers {
		if t.Providers[i].Name == name {
			return &t.Providers[i], true
		}
	}
	return nil, false
}

// RouteByName returns the route with the given name, if present.
func (t *Table) RouteByName(name string) (*Route, bool) {
	for i := range t.Routes {
		if t.Routes[i].Name == name {
			return &t.Routes[i], true
		}
	}
	return nil, false
}

// LayerConfig is one of the four per-pipeline stage configurations (§3).
// Fields is a loosely-typed bag because each stage tag uses a distinct
// shape; stage packages decode the Fields they understand at assembly
// time (PipelineAssembler.build is the only point config flows in, per
// §4.3).
type LayerConfig struct {
	Tag    StageTag
	Fields map[string]any
}

// PipelineConfig is the fully-resolved recipe for one request path (§3).
type PipelineConfig struct {
	PipelineID    string
	RouteID       string
	Provider      string
	Model         string
	Endpoint      string
	CredentialRef string
	MaxTokens     int
	Layers        [4]LayerConfig // always transformer, protocol, compat, server in that order
}
