// Package compat implements the Server-Compatibility stage (§4.7):
// provider-specific deviations that cannot be expressed generically in
// Protocol. This is intentionally the only place quirks live —
// Transformer and Protocol stay provider-agnostic.
package compat

import (
	"context"

	"github.com/rakunlabs/relay/internal/credential"
	"github.com/rakunlabs/relay/internal/pipeline"
	"github.com/rakunlabs/relay/internal/relerr"
	"github.com/rakunlabs/relay/internal/routing"
	"github.com/rakunlabs/relay/internal/stage/protocol"
)

const component = "server-compatibility"

// Profiles this stage knows how to adapt for (§4.7 + resolved Open
// Question on iflow, see DESIGN.md).
const (
	ProfileOpenAIGeneric = "openai-generic"
	ProfileLMStudio      = "lmstudio"
	ProfileQwen          = "qwen"
	ProfileIFlow         = "iflow"

	// lmStudioSentinel is the literal credential value that signals "no
	// auth needed" for a local LM Studio instance (§4.7).
	lmStudioSentinel = "lm-studio"
)

const (
	lmStudioMaxTemperature = 2.0
	lmStudioMaxTokens      = 32768
	qwenTopP               = 0.9
)

// Config is the decoded form of the compat LayerConfig's Fields.
type Config struct {
	Profile       string
	CredentialRef string
}

// Stage implements pipeline.Stage for the server-compatibility tag,
// applying one named profile's adjustments on Forward. Back is a
// pass-through: every deviation compat introduces is confined to the
// outbound request, so nothing needs undoing on the response path.
type Stage struct {
	cfg  Config
	cred credential.Reader
}

// NewFactory closes over the process-wide credential Reader, mirroring
// protocol.NewFactory — qwen's Authorization rewrite needs live
// material the same way Protocol's initial header does.
func NewFactory(reader credential.Reader) func(routing.LayerConfig) (pipeline.Stage, error) {
	return func(layer routing.LayerConfig) (pipeline.Stage, error) {
		return New(layer, reader)
	}
}

// New builds a compat Stage from its layer fields.
func New(layer routing.LayerConfig, reader credential.Reader) (pipeline.Stage, error) {
	cfg := Config{}
	if v, ok := layer.Fields["profile"].(string); ok {
		cfg.Profile = v
	}
	if v, ok := layer.Fields["credentialRef"].(string); ok {
		cfg.CredentialRef = v
	}
	if cfg.Profile == "" {
		cfg.Profile = ProfileOpenAIGeneric
	}
	return &Stage{cfg: cfg, cred: reader}, nil
}

func (s *Stage) Tag() routing.StageTag { return routing.StageCompat }

func (s *Stage) Health(ctx context.Context) bool { return true }

func (s *Stage) Stop(ctx context.Context) error { return nil }

// Forward applies the configured profile's adjustments to the
// envelope built by Protocol.
func (s *Stage) Forward(ctx context.Context, input any) (any, error) {
	env, ok := input.(*protocol.Envelope)
	if !ok {
		return nil, relerr.Newf(relerr.KindCompatibilityError, component, "forward: expected *protocol.Envelope, got %T", input)
	}

	switch s.cfg.Profile {
	case ProfileLMStudio:
		s.applyLMStudio(env)
	case ProfileQwen:
		if err := s.applyQwen(env); err != nil {
			return nil, err
		}
	case ProfileIFlow:
		applyIFlow(env)
	case ProfileOpenAIGeneric:
		// no-op (§4.7).
	default:
		return nil, relerr.Newf(relerr.KindCompatibilityError, component, "unknown compat profile %q", s.cfg.Profile)
	}

	return env, nil
}

// applyLMStudio clamps temperature/max_tokens to what a local LM
// Studio server accepts and strips Authorization for the well-known
// no-auth sentinel (§4.7).
func (s *Stage) applyLMStudio(env *protocol.Envelope) {
	if env.Request.Temperature != nil && *env.Request.Temperature > lmStudioMaxTemperature {
		clamped := lmStudioMaxTemperature
		env.Request.Temperature = &clamped
	}
	if env.Request.MaxTokens != nil && *env.Request.MaxTokens > lmStudioMaxTokens {
		clamped := lmStudioMaxTokens
		env.Request.MaxTokens = &clamped
	}

	if s.cfg.CredentialRef == lmStudioSentinel {
		env.Headers.Del("Authorization")
		return
	}
	if s.cred != nil {
		if material, ok := s.cred.Material(s.cfg.CredentialRef); ok && material == lmStudioSentinel {
			env.Headers.Del("Authorization")
		}
	}
}

// applyQwen forces top_p, adds DashScope's async header, and rewrites
// Authorization from the live credential material (§4.7).
func (s *Stage) applyQwen(env *protocol.Envelope) error {
	topP := qwenTopP
	env.Request.TopP = &topP
	env.Headers.Set("X-DashScope-Async", "enable")

	if s.cred == nil {
		return nil
	}
	material, ok := s.cred.Material(s.cfg.CredentialRef)
	if !ok {
		return relerr.Newf(relerr.KindAuthError, component, "no live material for credential %q", s.cfg.CredentialRef)
	}
	env.Headers.Set("Authorization", "Bearer "+material)
	return nil
}

// applyIFlow strips stream_options: iFlow's OpenAI-compatible endpoint
// rejects unknown top-level fields (resolved Open Question, see
// DESIGN.md — otherwise behaves like openai-generic).
func applyIFlow(env *protocol.Envelope) {
	env.Request.StreamOptions = nil
}

// Back passes the response through untouched; compat only ever
// adjusts the outbound request.
func (s *Stage) Back(ctx context.Context, input any) (any, error) {
	return input, nil
}
