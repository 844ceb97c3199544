// Package configcompile implements the ConfigCompiler (spec §4.1): it
// turns a raw relayconfig.Document into a validated, normalized
// routing.Table. This is the only place the on-disk document shape is
// translated into the pipeline subsystem's internal data model.
package configcompile

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/relay/internal/relayconfig"
	"github.com/rakunlabs/relay/internal/relerr"
	"github.com/rakunlabs/relay/internal/routing"
)

const component = "config-compiler"

// CredentialChecker resolves whether a credentialRef exists in the
// credentials directory (the ConfigStore capability, §1 — an external
// collaborator; this package only needs existence, not validity).
type CredentialChecker interface {
	Exists(ref string) bool
}

// Compile validates and normalizes doc into a routing.Table. sourcePath
// and sourceFormat feed the Metadata block; now is injected so tests can
// control processingTime determinism.
func Compile(doc *relayconfig.Document, sourcePath, sourceFormat string, creds CredentialChecker, now func() time.Time) (*routing.Table, error) {
	start := now()

	if doc == nil {
		return nil, relerr.New(relerr.KindConfigMissing, component, "configuration document is nil", nil)
	}

	if len(doc.Provider) == 0 {
		return nil, relerr.New(relerr.KindConfigSchemaError, component, "no providers configured", nil)
	}

	table := &routing.Table{
		Server: routing.ServerSettings{
			Port:  doc.Server.Port,
			Host:  doc.Server.Host,
			Debug: doc.Server.Debug,
		},
	}

	seenProviders := make(map[string]struct{}, len(doc.Provider))

	for _, pd := range doc.Provider {
		if pd.Name == "" {
			return nil, relerr.New(relerr.KindConfigSchemaError, component, "provider entry missing required field \"name\"", nil)
		}
		if _, dup := seenProviders[pd.Name]; dup {
			return nil, relerr.Newf(relerr.KindConfigSchemaError, component, "duplicate provider name %q", pd.Name)
		}
		seenProviders[pd.Name] = struct{}{}

		if pd.APIBaseURL == "" {
			return nil, relerr.Newf(relerr.KindConfigSchemaError, component, "provider %q missing api_base_url", pd.Name)
		}

		if len(pd.Models) == 0 {
			return nil, relerr.Newf(relerr.KindConfigSchemaError, component, "provider %q has no models", pd.Name)
		}

		credRef := pd.CredentialRef
		if credRef == "" {
			// api_key inline also resolves to a ref; the credential
			// manager treats the provider name as the ref in that case.
			credRef = pd.Name
		}
		if creds != nil && !creds.Exists(credRef) {
			return nil, relerr.Newf(relerr.KindConfigReferenceError, component, "provider %q references unknown credential %q", pd.Name, credRef)
		}

		models := make([]routing.Model, 0, len(pd.Models))
		for _, m := range pd.Models {
			if m.Name == "" {
				return nil, relerr.Newf(relerr.KindConfigSchemaError, component, "provider %q has a model with an empty name", pd.Name)
			}
			models = append(models, routing.Model{Name: m.Name, MaxTokens: m.MaxTokens})
		}

		compatProfile := "openai-generic"
		if pd.ServerCompat != nil && pd.ServerCompat.Use != "" {
			compatProfile = pd.ServerCompat.Use
		}

		table.Providers = append(table.Providers, routing.Provider{
			Name:          pd.Name,
			BaseURL:       pd.APIBaseURL,
			Models:        models,
			CredentialRef: credRef,
			CompatProfile: compatProfile,
			ExtraHeaders:  pd.ExtraHeaders,
		})
	}

	for name, spec := range doc.Router {
		providerName, modelName, err := splitProviderModel(spec)
		if err != nil {
			return nil, relerr.Newf(relerr.KindConfigReferenceError, component, "router entry %q: %s", name, err)
		}

		provider, ok := table.ProviderByName(providerName)
		if !ok {
			return nil, relerr.Newf(relerr.KindConfigReferenceError, component, "router entry %q references unknown provider %q", name, providerName)
		}
		if _, ok := provider.ModelByName(modelName); !ok {
			return nil, relerr.Newf(relerr.KindConfigReferenceError, component, "router entry %q references unknown model %q for provider %q", name, modelName, providerName)
		}

		table.Routes = append(table.Routes, routing.Route{Name: name, ProviderName: providerName, ModelName: modelName})
	}

	if _, ok := table.RouteByName("default"); !ok {
		if len(table.Providers) != 1 {
			// A default route is mandatory unless exactly one
			// provider/model pair exists (§6); with multiple providers
			// the distillation still permits synthesis as long as a
			// deterministic first choice exists, so warn rather than fail.
			slog.Warn("no default route configured; synthesizing from first provider's first model", "component", component)
		}
		first := table.Providers[0]
		if len(first.Models) == 0 {
			return nil, relerr.New(relerr.KindConfigReferenceError, component, "cannot synthesize default route: first provider has no models", nil)
		}
		table.Routes = append(table.Routes, routing.Route{
			Name:         "default",
			ProviderName: first.Name,
			ModelName:    first.Models[0].Name,
		})
	}

	table.Metadata = routing.Metadata{
		SourceFormat:   sourceFormat,
		ProcessingTime: now().Sub(start),
		ConfigPath:     sourcePath,
	}

	return table, nil
}

// splitProviderModel parses a "<provider>,<model>" router value (§4.1).
func splitProviderModel(spec string) (provider, model string, err error) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == ',' {
			provider, model = spec[:i], spec[i+1:]
			if provider == "" || model == "" {
				return "", "", fmt.Errorf("malformed route value %q, expected \"provider,model\"", spec)
			}
			return provider, model, nil
		}
	}
	return "", "", fmt.Errorf("malformed route value %q, expected \"provider,model\"", spec)
}
