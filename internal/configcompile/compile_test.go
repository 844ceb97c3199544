package configcompile

import (
	"testing"
	"time"

	"github.com/rakunlabs/relay/internal/relayconfig"
)

type fakeCreds struct{ known map[string]bool }

func (f fakeCreds) Exists(ref string) bool { return f.known[ref] }

func fixedNow() time.Time { return time.Unix(0, 0) }

func doc() *relayconfig.Document {
	return &relayconfig.Document{
		Version: "4.0",
		Server:  relayconfig.ServerDoc{Port: "8787", Host: "127.0.0.1"},
		Provider: []relayconfig.ProviderDoc{
			{
				Name:          "openai",
				APIBaseURL:    "https://api.openai.com/v1/chat/completions",
				CredentialRef: "openai",
				Models:        []relayconfig.ModelDoc{{Name: "gpt-4o", MaxTokens: 4096}},
			},
		},
		Router: map[string]string{
			"default": "openai,gpt-4o",
		},
	}
}

func TestCompile_Basic(t *testing.T) {
	table, err := Compile(doc(), "config.yaml", "yaml", fakeCreds{known: map[string]bool{"openai": true}}, fixedNow)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if len(table.Providers) != 1 {
		t.Fatalf("expected 1 provider, got %d", len(table.Providers))
	}
	if table.Providers[0].CompatProfile != "openai-generic" {
		t.Errorf("expected default compat profile openai-generic, got %q", table.Providers[0].CompatProfile)
	}
	route, ok := table.RouteByName("default")
	if !ok {
		t.Fatal("expected default route")
	}
	if route.ProviderName != "openai" || route.ModelName != "gpt-4o" {
		t.Errorf("unexpected default route: %+v", route)
	}
}

func TestCompile_SynthesizesMissingDefault(t *testing.T) {
	d := doc()
	delete(d.Router, "default")
	d.Router["background"] = "openai,gpt-4o"

	table, err := Compile(d, "config.yaml", "yaml", fakeCreds{known: map[string]bool{"openai": true}}, fixedNow)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if _, ok := table.RouteByName("default"); !ok {
		t.Fatal("expected synthesized default route")
	}
}

func TestCompile_UnknownCredentialRef(t *testing.T) {
	_, err := Compile(doc(), "config.yaml", "yaml", fakeCreds{}, fixedNow)
	if err == nil {
		t.Fatal("expected error for unknown credential ref")
	}
}

func TestCompile_RouterReferencesUnknownProvider(t *testing.T) {
	d := doc()
	d.Router["default"] = "nope,gpt-4o"

	_, err := Compile(d, "config.yaml", "yaml", fakeCreds{known: map[string]bool{"openai": true}}, fixedNow)
	if err == nil {
		t.Fatal("expected error for unknown provider reference")
	}
}

func TestCompile_RouterReferencesUnknownModel(t *testing.T) {
	d := doc()
	d.Router["default"] = "openai,nope"

	_, err := Compile(d, "config.yaml", "yaml", fakeCreds{known: map[string]bool{"openai": true}}, fixedNow)
	if err == nil {
		t.Fatal("expected error for unknown model reference")
	}
}

func TestCompile_DuplicateProviderName(t *testing.T) {
	d := doc()
	d.Provider = append(d.Provider, d.Provider[0])

	_, err := Compile(d, "config.yaml", "yaml", fakeCreds{known: map[string]bool{"openai": true}}, fixedNow)
	if err == nil {
		t.Fatal("expected error for duplicate provider name")
	}
}

func TestCompile_NoProviders(t *testing.T) {
	d := &relayconfig.Document{}
	_, err := Compile(d, "config.yaml", "yaml", fakeCreds{}, fixedNow)
	if err == nil {
		t.Fatal("expected error for empty provider list")
	}
}
