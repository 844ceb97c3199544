// Package protocol implements the Protocol stage (§4.6): it wraps the
// OpenAI-shaped payload with transport-envelope fields (path,
// headers, stream echo) and validates the OpenAI-shaped payload coming
// back from the Server stage before Transformer converts it to
// Anthropic shape. No business logic lives here — provider-specific
// deviations belong to the Server-Compatibility stage.
//
// Back-path ordering note (resolved Open Question, see DESIGN.md): the
// pipeline's back path runs reverse([transformer, protocol, compat,
// server]) = [server, compat, protocol, transformer], so Transformer
// is the last stage to touch a response and is the one that actually
// produces the Anthropic shape the caller sees. Protocol's Back
// therefore validates the OpenAI response contract, the shape it's
// adjacent to on the wire side, not an Anthropic one.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rakunlabs/relay/internal/credential"
	"github.com/rakunlabs/relay/internal/pipeline"
	"github.com/rakunlabs/relay/internal/relerr"
	"github.com/rakunlabs/relay/internal/routing"
	"github.com/rakunlabs/relay/internal/wire"
)

const component = "protocol"

// UserAgent is the fixed User-Agent header value (§4.6).
const UserAgent = "relay/1.0"

// Envelope is the Protocol stage's forward output: an OpenAI request
// plus the transport metadata the Server stage needs to dispatch it.
type Envelope struct {
	Request  *wire.OpenAIRequest
	Endpoint string
	Path     string // "/chat/completions"
	Headers  http.Header
	Stream   bool
}

// Config is the decoded form of the protocol LayerConfig's Fields.
type Config struct {
	CredentialRef string
}

// Stage implements pipeline.Stage for the protocol tag.
type Stage struct {
	cfg  Config
	cred credential.Reader
}

// NewFactory closes over the process-wide credential Reader and
// returns an assemble.StageFactory, so every protocol Stage built from
// a routing table can resolve its pipeline's live bearer material
// without Protocol holding a reference to the whole CredentialManager
// (§5: minimal capability surface per stage).
func NewFactory(reader credential.Reader) func(routing.LayerConfig) (pipeline.Stage, error) {
	return func(layer routing.LayerConfig) (pipeline.Stage, error) {
		return New(layer, reader)
	}
}

// New builds a protocol Stage from its layer fields and a credential
// reader. reader may be nil in tests that never exercise Authorization.
func New(layer routing.LayerConfig, reader credential.Reader) (pipeline.Stage, error) {
	cfg := Config{}
	if v, ok := layer.Fields["credentialRef"].(string); ok {
		cfg.CredentialRef = v
	}
	return &Stage{cfg: cfg, cred: reader}, nil
}

func (s *Stage) Tag() routing.StageTag { return routing.StageProtocol }

func (s *Stage) Health(ctx context.Context) bool { return true }

func (s *Stage) Stop(ctx context.Context) error { return nil }

// Forward wraps the OpenAI request with envelope metadata: the
// /chat/completions path, {Content-Type, Authorization, User-Agent}
// headers, and a stream echo (§4.6). Envelope.Endpoint is left empty;
// the Server stage dispatches to the endpoint in its own layer config.
// Authorization carries the credentialRef's live material,
// resolved through the injected Reader; Server-Compatibility may still
// rewrite or strip it for provider quirks (§4.7).
func (s *Stage) Forward(ctx context.Context, input any) (any, error) {
	req, ok := input.(*wire.OpenAIRequest)
	if !ok {
		return nil, relerr.Newf(relerr.KindProtocolError, component, "forward: expected *wire.OpenAIRequest, got %T", input)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("User-Agent", UserAgent)

	if s.cfg.CredentialRef != "" && s.cred != nil {
		material, ok := s.cred.Material(s.cfg.CredentialRef)
		if !ok {
			return nil, relerr.Newf(relerr.KindAuthError, component, "no live material for credential %q", s.cfg.CredentialRef)
		}
		headers.Set("Authorization", "Bearer "+material)
	}

	return &Envelope{
		Request: req,
		Path:    "/chat/completions",
		Headers: headers,
		Stream:  req.Stream,
	}, nil
}

// Back validates that the response handed back by Server/Compat is a
// well-formed OpenAI chat completion (object; at least one choice) so
// Transformer's Back never has to defend against a malformed upstream
// shape on top of doing the real conversion work.
//
// On the streaming back-path (§4.8) the input is instead the raw JSON
// text of one upstream SSE "data:" line — Protocol owns the wire-level
// decode since it is the stage that knows the upstream shape is
// OpenAI's; it hands a decoded *wire.OpenAIStreamChunk onward rather
// than the bulk-response contract above, which a partial chunk (e.g.
// usage-only, or mid-stream with no choices yet) would fail.
func (s *Stage) Back(ctx context.Context, input any) (any, error) {
	if raw, ok := input.(string); ok {
		var chunk wire.OpenAIStreamChunk
		if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
			return nil, relerr.Newf(relerr.KindValidationError, component, "invalid stream chunk: %s", err)
		}
		return &chunk, nil
	}

	resp, ok := input.(*wire.OpenAIResponse)
	if !ok {
		return nil, relerr.Newf(relerr.KindValidationError, component, "back: expected *wire.OpenAIResponse, got %T", input)
	}
	if err := validateOpenAIResponse(resp); err != nil {
		return nil, relerr.Newf(relerr.KindValidationError, component, "invalid OpenAI response: %s", err)
	}
	return resp, nil
}

func validateOpenAIResponse(resp *wire.OpenAIResponse) error {
	if resp == nil {
		return fmt.Errorf("nil response")
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("response has no choices")
	}
	return nil
}
