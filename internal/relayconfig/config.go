// Package relayconfig loads the raw routing configuration document (§6)
// off disk. It does not validate cross-references or derive defaults —
// that is ConfigCompiler's job (internal/configcompile). This package
// only owns "get bytes off disk/env into a typed Document", the way the
// teacher's internal/config.Load owns loading its own Config struct.
package relayconfig

import (
	"context"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/rakunlabs/alan"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
)

// ProviderDoc is one entry of the document's Providers list (§6).
type ProviderDoc struct {
	Name          string            `cfg:"name" json:"name"`
	APIBaseURL    string            `cfg:"api_base_url" json:"api_base_url"`
	APIKey        string            `cfg:"api_key" log:"-" json:"api_key"`
	CredentialRef string            `cfg:"credential_ref" json:"credential_ref"`
	Models        []ModelDoc        `cfg:"models" json:"models"`
	ServerCompat  *ServerCompatDoc  `cfg:"server_compatibility" json:"server_compatibility"`
	ExtraHeaders  map[string]string `cfg:"extra_headers" json:"extra_headers"`
}

// ModelDoc is either a bare model name or a {name, maxTokens} object;
// UnmarshalYAML handles both shapes (§6: "models: [ {name, maxTokens}
// | name ]").
type ModelDoc struct {
	Name      string `json:"name"`
	MaxTokens int    `json:"maxTokens"`
}

// UnmarshalYAML accepts either a scalar model name or a mapping with
// name/maxTokens fields, matching the document's "models" list shape.
func (m *ModelDoc) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&m.Name)
	}

	type alias ModelDoc
	aux := (*alias)(m)
	return node.Decode(aux)
}

// ServerCompatDoc selects and configures the per-provider quirks stage (§4.7).
type ServerCompatDoc struct {
	Use     string         `cfg:"use" json:"use"`
	Options map[string]any `cfg:"options" json:"options"`
}

// ServerDoc is the listener configuration block (§6).
type ServerDoc struct {
	Port  string `cfg:"port" default:"8080" json:"port"`
	Host  string `cfg:"host" json:"host"`
	Debug bool   `cfg:"debug" json:"debug"`
}

// Document is the top-level shape of the configuration file (§6).
// Unknown fields are preserved but ignored, per spec — chu's mapstructure
// based decoding does this by default (it only binds struct fields it
// recognizes).
type Document struct {
	Version  string            `cfg:"version" json:"version"`
	Server   ServerDoc         `cfg:"server" json:"server"`
	Provider []ProviderDoc     `cfg:"Providers" json:"Providers"`
	Router   map[string]string `cfg:"router" json:"router"`

	// Cluster enables peer broadcast of credential invalidations across
	// relay instances sharing a routing configuration (§9). Nil (the
	// common case) disables clustering entirely.
	Cluster *alan.Config `cfg:"cluster" json:"cluster"`

	LogLevel string `cfg:"log_level,no_prefix" default:"info"`
}

// Load reads the routing configuration document from path, applying
// RELAY_-prefixed environment overrides, exactly as the teacher's
// config.Load wires chu + loaderenv.
func Load(ctx context.Context, path string) (*Document, error) {
	var doc Document
	if err := chu.Load(ctx, path, &doc, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("RELAY_")))); err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}

	if err := logi.SetLogLevel(doc.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", doc.LogLevel, err)
	}

	slog.Info("loaded routing configuration", "config", chu.MarshalMap(doc))

	return &doc, nil
}
