package pipeline

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/relay/internal/relerr"
)

const component = "pipeline-manager"

// Observer receives completed Execution Records (§3: "passed to the
// observability sink on completion"). The concrete sink
// (internal/observability) implements this.
type Observer interface {
	Emit(rec *ExecutionRecord)
}

// AuthNotifier receives out-of-band notification when a Server stage
// reports an AuthError (§4.4). CredentialManager implements this; the
// dependency runs one way — PipelineManager publishes, nothing here
// depends back on CredentialManager's internals (§9).
type AuthNotifier interface {
	NotifyAuthError(credentialRef string)
}

// Manager owns the pipeline set and dispatches requests to them (§4.4).
// Safe for concurrent use: many request tasks call executePipeline
// concurrently, while SelfCheck/admin calls quarantine/resume/addPipeline.
type Manager struct {
	mu           sync.RWMutex
	pipelines    map[string]*Pipeline
	observer     Observer
	authNotifier AuthNotifier

	// deadline is the default total per-request timeout (§5, default 60s).
	deadline time.Duration

	entropy *ulid.MonotonicEntropy
	entMu   sync.Mutex
}

// NewManager constructs an empty PipelineManager.
func NewManager(observer Observer, deadline time.Duration) *Manager {
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	return &Manager{
		pipelines: make(map[string]*Pipeline),
		observer:  observer,
		deadline:  deadline,
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// SetAuthNotifier wires the CredentialManager hook. Optional; nil-safe.
func (m *Manager) SetAuthNotifier(n AuthNotifier) {
	m.mu.Lock()
	m.authNotifier = n
	m.mu.Unlock()
}

// AddPipeline registers p under its Config.PipelineID, replacing any
// existing pipeline with the same id.
func (m *Manager) AddPipeline(p *Pipeline) {
	m.mu.Lock()
	m.pipelines[p.Config.PipelineID] = p
	m.mu.Unlock()
}

// RemovePipeline unregisters a pipeline; it does not stop its stages —
// callers that want a clean shutdown should call Stop() stages first.
func (m *Manager) RemovePipeline(id string) {
	m.mu.Lock()
	delete(m.pipelines, id)
	m.mu.Unlock()
}

// Get returns the pipeline registered under id, if any.
func (m *Manager) Get(id string) (*Pipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[id]
	return p, ok
}

// Quarantine marks a pipeline out-of-service for new requests (called
// by SelfCheck/CredentialManager on credential invalidation, §4.9).
func (m *Manager) Quarantine(id, reason string) error {
	p, ok := m.Get(id)
	if !ok {
		return relerr.Newf(relerr.KindPipelineNotFound, component, "pipeline %q not found", id)
	}
	p.Quarantine(reason)
	return nil
}

// Resume clears a pipeline's quarantine.
func (m *Manager) Resume(id string) error {
	p, ok := m.Get(id)
	if !ok {
		return relerr.Newf(relerr.KindPipelineNotFound, component, "pipeline %q not found", id)
	}
	p.Resume()
	return nil
}

// HealthReport is the result of HealthCheck.
type HealthReport struct {
	Pipelines map[string]bool
	Healthy   bool
}

// HealthCheck returns per-pipeline health plus an aggregate (§4.4).
func (m *Manager) HealthCheck(ctx context.Context) HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := HealthReport{Pipelines: make(map[string]bool, len(m.pipelines)), Healthy: true}
	for id, p := range m.pipelines {
		ok := p.Health(ctx)
		report.Pipelines[id] = ok
		if !ok {
			report.Healthy = false
		}
	}
	return report
}

// RouteFeatures summarizes the request properties SelectRoute matches
// against named routes (§6: "selectRoute(features) helper"). The HTTP
// collaborator derives these from the parsed Anthropic request; the
// detection heuristic itself lives at that boundary, not here —
// PipelineManager only knows how to match already-derived features
// against the routes its pipelines were compiled for.
type RouteFeatures struct {
	LongContext bool
	WebSearch   bool
	Think       bool
	Background  bool
}

// routeNamePriority is the fixed precedence SelectRoute applies when
// more than one feature matches (§3 names the five routes; the spec
// leaves tie-break order unspecified — resolved here as
// webSearch > longContext > think > background > default, the most
// specific capability first).
var routeNamePriority = []struct {
	name string
	has  func(RouteFeatures) bool
}{
	{"webSearch", func(f RouteFeatures) bool { return f.WebSearch }},
	{"longContext", func(f RouteFeatures) bool { return f.LongContext }},
	{"think", func(f RouteFeatures) bool { return f.Think }},
	{"background", func(f RouteFeatures) bool { return f.Background }},
}

// SelectRoute picks a pipeline id for the given features, falling back
// to the "default" route, and finally to the sole registered pipeline
// when there is exactly one (mirroring ConfigCompiler's default-route
// synthesis, §4.1).
func (m *Manager) SelectRoute(f RouteFeatures) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, candidate := range routeNamePriority {
		if !candidate.has(f) {
			continue
		}
		if id, ok := m.pipelineByRouteLocked(candidate.name); ok {
			return id, true
		}
	}

	if id, ok := m.pipelineByRouteLocked("default"); ok {
		return id, true
	}

	if len(m.pipelines) == 1 {
		for id := range m.pipelines {
			return id, true
		}
	}

	return "", false
}

// PipelineByRoute looks up a pipeline id by its compiled route name
// (§6: the routeHint path, used when the HTTP collaborator is given an
// explicit route rather than having to call SelectRoute).
func (m *Manager) PipelineByRoute(routeName string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pipelineByRouteLocked(routeName)
}

func (m *Manager) pipelineByRouteLocked(routeName string) (string, bool) {
	for id, p := range m.pipelines {
		if p.Config.RouteID == routeName {
			return id, true
		}
	}
	return "", false
}

// newRequestID produces a sortable, inspectable request id, the same
// idiom as the teacher's generateChatID (ulid.Make), but using a
// monotonic entropy source so concurrent calls never collide.
func (m *Manager) newRequestID() string {
	m.entMu.Lock()
	defer m.entMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String()
}

// ExecutePipeline is the authoritative runtime entry (§4.4). It runs
// request through the pipeline's four stages forward, then the
// response back through all four in reverse, and emits the resulting
// Execution Record regardless of outcome.
func (m *Manager) ExecutePipeline(ctx context.Context, id string, request any) (any, error) {
	p, ok := m.Get(id)
	if !ok {
		return nil, relerr.Newf(relerr.KindPipelineNotFound, component, "pipeline %q not found", id)
	}

	if p.Status() != StatusRuntime {
		return nil, relerr.Newf(relerr.KindPipelineUnavailable, component, "pipeline %q is %s", id, p.Status())
	}

	ctx, cancel := context.WithTimeout(ctx, m.deadline)
	defer cancel()

	rec := &ExecutionRecord{
		RequestID:  m.newRequestID(),
		PipelineID: id,
		StartTime:  time.Now(),
	}

	response, err := m.run(ctx, p, rec, request)

	rec.TotalTime = time.Since(rec.StartTime)
	if err != nil {
		rec.Status = "failed"
		rec.Err = err
		if ctx.Err() != nil {
			rec.Status = "cancelled"
		}
		m.notifyAuthError(p, err)
	} else {
		rec.Status = "ok"
	}
	if m.observer != nil {
		m.observer.Emit(rec)
	}

	return response, err
}

// notifyAuthError delivers the out-of-band CredentialManager
// notification when err is an AuthError (§4.4).
func (m *Manager) notifyAuthError(p *Pipeline, err error) {
	re, ok := err.(*relerr.Error)
	if !ok || re.KindVal != relerr.KindAuthError {
		return
	}
	m.mu.RLock()
	notifier := m.authNotifier
	m.mu.RUnlock()
	if notifier != nil {
		notifier.NotifyAuthError(p.Config.CredentialRef)
	}
}

// StreamResult is one item off an ExecutePipelineStream channel: either
// a caller-ready payload (an Anthropic SSE event, in the production
// wiring) or a terminal error. The channel closes after an Err is sent
// or the upstream stream completes normally.
type StreamResult struct {
	Payload any
	Err     error
}

// ExecutePipelineStream is ExecutePipeline's streaming counterpart
// (§4.8). It runs the forward path exactly like ExecutePipeline, but
// expects the Server stage to hand back a *StreamHandle instead of a
// parsed response; it then drains that handle, running each raw event
// back through Compat's and Protocol's Back in reverse order and
// Transformer's StreamTranslator, independently per event, so
// responses preserve upstream event order end-to-end (§5). The
// Execution Record is emitted once, when the stream finishes.
func (m *Manager) ExecutePipelineStream(ctx context.Context, id string, request any) (<-chan StreamResult, error) {
	p, ok := m.Get(id)
	if !ok {
		return nil, relerr.Newf(relerr.KindPipelineNotFound, component, "pipeline %q not found", id)
	}
	if p.Status() != StatusRuntime {
		return nil, relerr.Newf(relerr.KindPipelineUnavailable, component, "pipeline %q is %s", id, p.Status())
	}

	rec := &ExecutionRecord{
		RequestID:  m.newRequestID(),
		PipelineID: id,
		StartTime:  time.Now(),
	}

	cur := request
	for _, stage := range p.Stages {
		out, err := execStage(ctx, rec, stage, "forward", cur, stage.Forward)
		if err != nil {
			m.finishRecord(rec, "failed", err)
			m.notifyAuthError(p, err)
			return nil, err
		}
		cur = out
	}

	handle, ok := cur.(*StreamHandle)
	if !ok {
		err := relerr.Newf(relerr.KindTransportError, component, "pipeline %q did not return a stream handle", id)
		m.finishRecord(rec, "failed", err)
		return nil, err
	}

	var translator StreamTranslator
	if f, ok := p.Stages[0].(StreamTranslatorFactory); ok {
		translator = f.NewStreamBack()
	}

	out := make(chan StreamResult, 64)
	go m.pumpStream(ctx, p, rec, handle, translator, out)
	return out, nil
}

// pumpStream drains handle.Events, running each one back through
// Compat/Protocol (stage indices 2 and 1 — Server, index 3, already
// produced the event; Transformer, index 0, is handled separately by
// translator since it alone carries cross-chunk state) before handing
// the translated payload(s) to out.
func (m *Manager) pumpStream(ctx context.Context, p *Pipeline, rec *ExecutionRecord, handle *StreamHandle, translator StreamTranslator, out chan<- StreamResult) {
	defer close(out)

	status := "ok"
	var recErr error

drain:
	for ev := range handle.Events {
		if err := ctx.Err(); err != nil {
			status, recErr = "cancelled", relerr.New(relerr.KindCancelledError, component, "request cancelled", nil)
			out <- StreamResult{Err: recErr}
			break drain
		}
		if ev.Err != nil {
			status, recErr = "failed", relerr.Newf(relerr.KindTransportError, component, "stream event: %s", ev.Err)
			out <- StreamResult{Err: recErr}
			break drain
		}

		cur := any(ev.Data)
		var err error
		for i := len(p.Stages) - 2; i >= 1; i-- {
			cur, err = p.Stages[i].Back(ctx, cur)
			if err != nil {
				break
			}
		}
		if err != nil {
			status, recErr = "failed", err
			out <- StreamResult{Err: err}
			break drain
		}

		if translator == nil {
			out <- StreamResult{Payload: cur}
			continue
		}
		events, err := translator.Back(ctx, cur)
		if err != nil {
			status, recErr = "failed", err
			out <- StreamResult{Err: err}
			break drain
		}
		for _, e := range events {
			out <- StreamResult{Payload: e}
		}
	}

	if recErr == nil && translator != nil {
		if final, err := translator.Back(ctx, nil); err == nil {
			for _, e := range final {
				out <- StreamResult{Payload: e}
			}
		}
	}

	m.finishRecord(rec, status, recErr)
	m.notifyAuthError(p, recErr)
}

// finishRecord stamps rec's terminal fields and emits it, shared by
// ExecutePipeline's synchronous path and ExecutePipelineStream's
// goroutine.
func (m *Manager) finishRecord(rec *ExecutionRecord, status string, err error) {
	rec.TotalTime = time.Since(rec.StartTime)
	rec.Status = status
	rec.Err = err
	if m.observer != nil {
		m.observer.Emit(rec)
	}
}

func (m *Manager) run(ctx context.Context, p *Pipeline, rec *ExecutionRecord, request any) (any, error) {
	cur := request
	for _, stage := range p.Stages {
		if err := ctx.Err(); err != nil {
			return nil, relerr.New(relerr.KindCancelledError, component, "request cancelled", nil)
		}
		out, err := execStage(ctx, rec, stage, "forward", cur, stage.Forward)
		if err != nil {
			return nil, err
		}
		cur = out
	}

	response := cur
	for i := len(p.Stages) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, relerr.New(relerr.KindCancelledError, component, "request cancelled", nil)
		}
		stage := p.Stages[i]
		out, err := execStage(ctx, rec, stage, "back", response, stage.Back)
		if err != nil {
			return nil, err
		}
		response = out
	}

	return response, nil
}
