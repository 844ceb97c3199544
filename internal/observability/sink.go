// Package observability implements the debug-artifact sink (§6/§OBS):
// one JSON file per request under
// <debugDir>/port-<port>/<sessionId>/requests/req_<id>.json, with
// redaction (§7) applied only at artifact-write time — the in-flight
// ExecutionRecord handed around the pipeline runtime is never touched.
package observability

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rakunlabs/relay/internal/pipeline"
)

const component = "observability"

// Sink implements pipeline.Observer, writing a redacted Execution
// Record artifact per request.
type Sink struct {
	dir string // <debugDir>/port-<port>/<sessionId>/requests
}

// NewSink builds a Sink rooted at <debugDir>/port-<port>/<sessionId>/requests,
// creating the directory tree if it doesn't exist.
func NewSink(debugDir string, port int, sessionID string) (*Sink, error) {
	dir := filepath.Join(debugDir, fmt.Sprintf("port-%d", port), sessionID, "requests")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create debug artifact dir: %w", err)
	}
	return &Sink{dir: dir}, nil
}

// artifact is the on-disk shape of one Execution Record.
type artifact struct {
	RequestID       string           `json:"requestId"`
	PipelineID      string           `json:"pipelineId"`
	StartTime       time.Time        `json:"startTime"`
	TotalTimeMs     int64            `json:"totalTimeMs"`
	Status          string           `json:"status"`
	Error           string           `json:"error,omitempty"`
	StageExecutions []stageArtifact  `json:"stageExecutions"`
}

type stageArtifact struct {
	Stage      string `json:"stage"`
	Phase      string `json:"phase"`
	Input      any    `json:"input,omitempty"`
	Output     any    `json:"output,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// Emit implements pipeline.Observer. Write failures are logged, never
// propagated — an observability outage must not fail a request that
// already completed (§OBS: debug artifacts are a side channel).
func (s *Sink) Emit(rec *pipeline.ExecutionRecord) {
	data, err := s.render(rec)
	if err != nil {
		slog.Error("failed to render execution record", "component", component, "requestId", rec.RequestID, "error", err)
		return
	}

	path := filepath.Join(s.dir, "req_"+rec.RequestID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		slog.Error("failed to write execution record artifact", "component", component, "path", path, "error", err)
	}
}

// render builds the redacted JSON artifact for rec. Redaction walks
// the generic decoded form of each stage's input/output rather than
// reflecting over concrete wire types, so it needs no knowledge of
// which stage produced which struct (§7 Design Note).
func (s *Sink) render(rec *pipeline.ExecutionRecord) ([]byte, error) {
	a := artifact{
		RequestID:   rec.RequestID,
		PipelineID:  rec.PipelineID,
		StartTime:   rec.StartTime,
		TotalTimeMs: rec.TotalTime.Milliseconds(),
		Status:      rec.Status,
	}
	if rec.Err != nil {
		a.Error = redactString(rec.Err.Error())
	}

	for _, se := range rec.StageExecutions {
		sa := stageArtifact{
			Stage:      string(se.Stage),
			Phase:      se.Phase,
			DurationMs: se.Duration.Milliseconds(),
			Status:     se.Status,
		}
		if se.Err != nil {
			sa.Error = redactString(se.Err.Error())
		}
		if se.Input != nil {
			v, err := redactAny(se.Input)
			if err != nil {
				return nil, err
			}
			sa.Input = v
		}
		if se.Output != nil {
			v, err := redactAny(se.Output)
			if err != nil {
				return nil, err
			}
			sa.Output = v
		}
		a.StageExecutions = append(a.StageExecutions, sa)
	}

	return json.MarshalIndent(a, "", "  ")
}

// redactAny round-trips v through JSON into a generic map/slice/scalar
// form, then applies redactValue over it — the same pattern set
// regardless of the concrete wire type supplied by each stage.
func redactAny(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for redaction: %w", err)
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("decode for redaction: %w", err)
	}

	return redactValue("", generic), nil
}
