// Package server implements the Server stage (§4.8): the only stage
// that performs network I/O. It dispatches the envelope built by
// Protocol/Compat via the Transport capability, retrying on 5xx and
// transport-level errors with exponential backoff, and reports an
// AuthError on 401/403 so CredentialManager can refresh without the
// caller ever seeing a raw HTTP failure for a stale token.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"time"

	"github.com/rakunlabs/relay/internal/credential"
	"github.com/rakunlabs/relay/internal/pipeline"
	"github.com/rakunlabs/relay/internal/relerr"
	"github.com/rakunlabs/relay/internal/routing"
	"github.com/rakunlabs/relay/internal/stage/protocol"
	"github.com/rakunlabs/relay/internal/transport"
	"github.com/rakunlabs/relay/internal/wire"
)

const component = "server"

// Backoff parameters (§4.8): base 200ms, factor 2, capped at 5s, full
// jitter. No backoff library exists anywhere in the corpus (see
// DESIGN.md), so this is hand-rolled.
const (
	backoffBase   = 200 * time.Millisecond
	backoffCap    = 5 * time.Second
	backoffFactor = 2
)

// Dispatcher is the subset of transport.Client the Server stage needs;
// narrowed so tests can fake the wire without a real HTTP server.
type Dispatcher interface {
	Do(ctx context.Context, method, path string, headers http.Header, body []byte) (*transport.Response, error)
}

// StreamDispatcher is the streaming counterpart of Dispatcher; only
// *transport.Client backs it today. Forward type-asserts for it so a
// Dispatcher fake that doesn't implement it (most tests don't need to)
// still satisfies the interface for non-streaming calls.
type StreamDispatcher interface {
	DoStream(ctx context.Context, method, path string, headers http.Header, body []byte) (<-chan transport.StreamEvent, int, http.Header, error)
}

// clientAdapter satisfies Dispatcher and StreamDispatcher on top of a
// *transport.Client, whose Do/DoStream signatures take an io.Reader
// rather than a byte slice.
type clientAdapter struct{ c *transport.Client }

func (a clientAdapter) Do(ctx context.Context, method, path string, headers http.Header, body []byte) (*transport.Response, error) {
	return a.c.Do(ctx, method, path, headers, bytes.NewReader(body))
}

func (a clientAdapter) DoStream(ctx context.Context, method, path string, headers http.Header, body []byte) (<-chan transport.StreamEvent, int, http.Header, error) {
	return a.c.DoStream(ctx, method, path, headers, bytes.NewReader(body))
}

// Config is the decoded form of the server LayerConfig's Fields.
type Config struct {
	Endpoint      string
	CredentialRef string
	ExtraHeaders  map[string]string
	MaxRetries    int
}

// Stage implements pipeline.Stage for the server tag.
type Stage struct {
	cfg    Config
	client Dispatcher
	cred   credential.Reader
}

// NewFactory closes over the Transport capability and credential
// Reader, mirroring protocol.NewFactory/compat.NewFactory — Server
// needs the Reader to refresh Authorization on its retry loop when a
// credential rotates mid-backoff.
func NewFactory(reader credential.Reader) func(routing.LayerConfig) (pipeline.Stage, error) {
	return func(layer routing.LayerConfig) (pipeline.Stage, error) {
		return New(layer, reader)
	}
}

// New builds a server Stage from its layer fields, constructing its
// own Transport client against the configured endpoint.
func New(layer routing.LayerConfig, reader credential.Reader) (pipeline.Stage, error) {
	cfg := Config{MaxRetries: 3}
	if v, ok := layer.Fields["endpoint"].(string); ok {
		cfg.Endpoint = v
	}
	if v, ok := layer.Fields["credentialRef"].(string); ok {
		cfg.CredentialRef = v
	}
	if v, ok := layer.Fields["extraHeaders"].(map[string]string); ok {
		cfg.ExtraHeaders = v
	}
	if v, ok := layer.Fields["maxRetries"].(int); ok && v > 0 {
		cfg.MaxRetries = v
	}
	if cfg.Endpoint == "" {
		return nil, relerr.New(relerr.KindRouterConfigError, component, "server layer missing endpoint", nil)
	}

	c, err := transport.New(cfg.Endpoint)
	if err != nil {
		return nil, relerr.New(relerr.KindTransportError, component, err.Error(), nil)
	}

	return &Stage{cfg: cfg, client: clientAdapter{c}, cred: reader}, nil
}

func (s *Stage) Tag() routing.StageTag { return routing.StageServer }

func (s *Stage) Health(ctx context.Context) bool { return true }

func (s *Stage) Stop(ctx context.Context) error { return nil }

// Forward dispatches the envelope, retrying on 5xx/transport errors
// with capped exponential backoff and full jitter (§4.8). Returns the
// parsed OpenAI response on 2xx.
func (s *Stage) Forward(ctx context.Context, input any) (any, error) {
	env, ok := input.(*protocol.Envelope)
	if !ok {
		return nil, relerr.Newf(relerr.KindTransportError, component, "forward: expected *protocol.Envelope, got %T", input)
	}

	body, err := json.Marshal(env.Request)
	if err != nil {
		return nil, relerr.Newf(relerr.KindTransportError, component, "marshal request: %s", err)
	}

	headers := env.Headers.Clone()
	for k, v := range s.cfg.ExtraHeaders {
		headers.Set(k, v)
	}

	if env.Stream {
		return s.forwardStream(ctx, env, headers, body)
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, relerr.New(relerr.KindCancelledError, component, "request cancelled", nil)
		}

		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
			// a mid-retry credential refresh may have landed; pick up
			// the freshest material before the next attempt (§5).
			if material, ok := s.liveMaterial(); ok {
				headers.Set("Authorization", "Bearer "+material)
			}
		}

		resp, err := s.client.Do(ctx, http.MethodPost, env.Path, headers, body)
		if err != nil {
			lastErr = relerr.Newf(relerr.KindTransportError, component, "dispatch failed: %s", err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, relerr.New(relerr.KindAuthError, component, transport.DecodeError(resp.Body), map[string]any{
				"credentialRef": s.cfg.CredentialRef,
			})
		case resp.StatusCode >= 500:
			lastErr = relerr.Newf(relerr.KindTransportError, component, "upstream returned %d: %s", resp.StatusCode, transport.DecodeError(resp.Body))
			continue
		case resp.StatusCode >= 400:
			return nil, relerr.Newf(relerr.KindValidationError, component, "upstream returned %d: %s", resp.StatusCode, transport.DecodeError(resp.Body))
		}

		var out wire.OpenAIResponse
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			return nil, relerr.Newf(relerr.KindTransportError, component, "parse response: %s", err)
		}
		return &out, nil
	}

	return nil, lastErr
}

// forwardStream dispatches a streaming request, retrying the initial
// connection the same way Forward retries a non-streaming one — once
// the upstream starts streaming there is no well-formed way to retry
// mid-body, so only the connect/handshake errors DoStream reports
// before the channel is handed back are retriable (§4.8).
func (s *Stage) forwardStream(ctx context.Context, env *protocol.Envelope, headers http.Header, body []byte) (any, error) {
	sd, ok := s.client.(StreamDispatcher)
	if !ok {
		return nil, relerr.New(relerr.KindTransportError, component, "server transport does not support streaming", nil)
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, relerr.New(relerr.KindCancelledError, component, "request cancelled", nil)
		}

		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
			if material, ok := s.liveMaterial(); ok {
				headers.Set("Authorization", "Bearer "+material)
			}
		}

		events, status, _, err := sd.DoStream(ctx, http.MethodPost, env.Path, headers, body)
		if err == nil {
			return &pipeline.StreamHandle{Events: events}, nil
		}

		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return nil, relerr.New(relerr.KindAuthError, component, err.Error(), map[string]any{
				"credentialRef": s.cfg.CredentialRef,
			})
		case status >= 500 || status == 0:
			lastErr = relerr.Newf(relerr.KindTransportError, component, "stream dispatch failed: %s", err)
		case status >= 400:
			return nil, relerr.Newf(relerr.KindValidationError, component, "upstream returned %d: %s", status, err)
		default:
			lastErr = relerr.Newf(relerr.KindTransportError, component, "stream dispatch failed: %s", err)
		}
	}

	return nil, lastErr
}

// Back is a pass-through: Forward already produced the final parsed
// response, Server has nothing further to do on the way back.
func (s *Stage) Back(ctx context.Context, input any) (any, error) {
	return input, nil
}

func (s *Stage) liveMaterial() (string, bool) {
	if s.cred == nil || s.cfg.CredentialRef == "" {
		return "", false
	}
	return s.cred.Material(s.cfg.CredentialRef)
}

// sleepBackoff waits base*factor^(attempt-1), capped, with full
// jitter: a uniform random duration in [0, computed].
func sleepBackoff(ctx context.Context, attempt int) error {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
		if d > backoffCap {
			d = backoffCap
			break
		}
	}

	jittered := time.Duration(rand.Int63n(int64(d) + 1))

	timer := time.NewTimer(jittered)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return relerr.New(relerr.KindCancelledError, component, "request cancelled during backoff", nil)
	}
}
