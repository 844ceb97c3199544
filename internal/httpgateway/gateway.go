// Package httpgateway is the thin HTTP ingress collaborator (§6): an
// ada-based listener exposing POST /v1/messages, decoding an Anthropic
// Messages request, resolving it to a pipeline, and handing it to
// PipelineManager.ExecutePipeline. It carries no business logic of its
// own — every decision beyond "which pipeline" belongs to the core.
package httpgateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/relay/internal/pipeline"
	"github.com/rakunlabs/relay/internal/relerr"
	"github.com/rakunlabs/relay/internal/wire"
)

const component = "httpgateway"

// routeHintHeader lets a caller pin a named route directly, bypassing
// selectRoute(features) (§6: "routeHint is an optional route name").
const routeHintHeader = "X-Relay-Route"

// Gateway wires the PipelineManager to the HTTP boundary.
type Gateway struct {
	manager *pipeline.Manager
	server  *ada.Server
	host    string
}

// New builds the ada server and registers routes (§6). basePath may be
// empty; addr is host:port passed to ada's StartWithContext; service
// names this process for the Server response header and telemetry.
func New(mgr *pipeline.Manager, basePath, addr, service string) *Gateway {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	g := &Gateway{manager: mgr, server: mux, host: addr}

	group := mux.Group(basePath)
	group.POST("/v1/messages", g.Messages)
	group.GET("/v1/health", g.Health)

	return g
}

// Messages handles POST /v1/messages (§6). It is the HTTP realisation
// of handleRequest(parsedRequest, routeHint?) → response.
func (g *Gateway) Messages(w http.ResponseWriter, r *http.Request) {
	var req wire.AnthropicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// a malformed client body is answered with 400, not the 502
		// writeError maps ValidationError to for upstream contract failures.
		e := relerr.Newf(relerr.KindValidationError, component, "invalid request body: %v", err)
		httpResponseJSON(w, wire.AnthropicError{
			Type:  "error",
			Error: wire.AnthropicErrorInner{Type: anthropicErrorType(relerr.KindValidationError), Message: e.Error()},
		}, http.StatusBadRequest)
		return
	}

	pipelineID, err := g.resolvePipeline(&req, r)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Stream {
		g.messagesStream(w, r, pipelineID, &req)
		return
	}

	resp, err := g.manager.ExecutePipeline(r.Context(), pipelineID, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	anthResp, ok := resp.(*wire.AnthropicResponse)
	if !ok {
		writeError(w, relerr.Newf(relerr.KindProtocolError, component, "pipeline %q returned unexpected response type %T", pipelineID, resp))
		return
	}

	httpResponseJSON(w, anthResp, http.StatusOK)
}

// messagesStream handles the stream=true path (§4.8): it opens
// PipelineManager's streaming execution and relays each translated
// Anthropic SSE event to the client as it arrives, grounded on the
// teacher's handleStreamingChat (http.Flusher, the same SSE response
// headers, one flush per event). Unlike the teacher's gateway, the
// events it forwards are already Anthropic-shaped — produced by the
// pipeline's back-path, not assembled here.
func (g *Gateway) messagesStream(w http.ResponseWriter, r *http.Request, pipelineID string, req *wire.AnthropicRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, relerr.New(relerr.KindTransportError, component, "streaming not supported by this server", nil))
		return
	}

	results, err := g.manager.ExecutePipelineStream(r.Context(), pipelineID, req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for res := range results {
		if res.Err != nil {
			writeSSEError(w, flusher, res.Err)
			return
		}
		writeSSEEvent(w, flusher, res.Payload)
	}
}

// resolvePipeline applies routeHint when present, otherwise derives
// RouteFeatures from the parsed request and calls SelectRoute (§6).
func (g *Gateway) resolvePipeline(req *wire.AnthropicRequest, r *http.Request) (string, error) {
	if hint := r.Header.Get(routeHintHeader); hint != "" {
		if id, ok := g.manager.PipelineByRoute(hint); ok {
			return id, nil
		}
		return "", relerr.Newf(relerr.KindPipelineNotFound, component, "no pipeline registered for route %q", hint)
	}

	features := detectFeatures(req, r)
	id, ok := g.manager.SelectRoute(features)
	if !ok {
		return "", relerr.New(relerr.KindPipelineNotFound, component, "no pipeline available to route this request", nil)
	}
	return id, nil
}

// Health handles GET /v1/health (§4.4: healthCheck aggregates per-pipeline health).
func (g *Gateway) Health(w http.ResponseWriter, r *http.Request) {
	report := g.manager.HealthCheck(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	httpResponseJSON(w, map[string]any{
		"healthy":   report.Healthy,
		"pipelines": report.Pipelines,
	}, status)
}

// Start runs the listener until ctx is cancelled, the same blocking
// contract as the teacher's Server.Start.
func (g *Gateway) Start(ctx context.Context) error {
	slog.Info("httpgateway listening", "component", component, "addr", g.host)
	return g.server.StartWithContext(ctx, g.host)
}
