package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/rakunlabs/relay/internal/pipeline"
	"github.com/rakunlabs/relay/internal/routing"
	"github.com/rakunlabs/relay/internal/stage/protocol"
	"github.com/rakunlabs/relay/internal/transport"
	"github.com/rakunlabs/relay/internal/wire"
)

type fakeDispatcher struct {
	responses []fakeResponse
	calls     int
	headers   []http.Header
}

type fakeResponse struct {
	status int
	body   any
	err    error
}

func (f *fakeDispatcher) Do(ctx context.Context, method, path string, headers http.Header, body []byte) (*transport.Response, error) {
	r := f.responses[f.calls]
	f.headers = append(f.headers, headers.Clone())
	f.calls++
	if r.err != nil {
		return nil, r.err
	}
	data, _ := json.Marshal(r.body)
	return &transport.Response{StatusCode: r.status, Body: data}, nil
}

type fakeReader struct{ material map[string]string }

func (f fakeReader) Material(ref string) (string, bool) {
	m, ok := f.material[ref]
	return m, ok
}

func newStage(t *testing.T, d *fakeDispatcher, reader interface {
	Material(string) (string, bool)
}) *Stage {
	t.Helper()
	s := &Stage{cfg: Config{MaxRetries: 2, CredentialRef: "openai"}, client: d}
	if reader != nil {
		s.cred = reader
	}
	return s
}

func TestForward_SuccessOnFirstAttempt(t *testing.T) {
	d := &fakeDispatcher{responses: []fakeResponse{
		{status: http.StatusOK, body: wire.OpenAIResponse{ID: "chatcmpl-1", Choices: []wire.OpenAIResponseChoice{{Index: 0}}}},
	}}
	s := newStage(t, d, nil)

	env := &protocol.Envelope{Request: &wire.OpenAIRequest{Model: "gpt-4o"}, Headers: http.Header{}, Path: "/chat/completions"}
	out, err := s.Forward(context.Background(), env)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if out.(*wire.OpenAIResponse).ID != "chatcmpl-1" {
		t.Errorf("unexpected response id")
	}
	if d.calls != 1 {
		t.Errorf("calls = %d, want 1", d.calls)
	}
}

func TestForward_RetriesOn5xxThenSucceeds(t *testing.T) {
	d := &fakeDispatcher{responses: []fakeResponse{
		{status: http.StatusInternalServerError, body: map[string]any{"error": map[string]any{"message": "boom"}}},
		{status: http.StatusOK, body: wire.OpenAIResponse{ID: "chatcmpl-2", Choices: []wire.OpenAIResponseChoice{{Index: 0}}}},
	}}
	s := newStage(t, d, nil)

	env := &protocol.Envelope{Request: &wire.OpenAIRequest{Model: "gpt-4o"}, Headers: http.Header{}, Path: "/chat/completions"}
	out, err := s.Forward(context.Background(), env)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if out.(*wire.OpenAIResponse).ID != "chatcmpl-2" {
		t.Errorf("unexpected response id")
	}
	if d.calls != 2 {
		t.Errorf("calls = %d, want 2", d.calls)
	}
}

func TestForward_NonRetriable4xxFailsImmediately(t *testing.T) {
	d := &fakeDispatcher{responses: []fakeResponse{
		{status: http.StatusBadRequest, body: map[string]any{"error": map[string]any{"message": "bad request"}}},
	}}
	s := newStage(t, d, nil)

	env := &protocol.Envelope{Request: &wire.OpenAIRequest{Model: "gpt-4o"}, Headers: http.Header{}, Path: "/chat/completions"}
	if _, err := s.Forward(context.Background(), env); err == nil {
		t.Fatal("expected error for 4xx")
	}
	if d.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", d.calls)
	}
}

func TestForward_401EmitsAuthError(t *testing.T) {
	d := &fakeDispatcher{responses: []fakeResponse{
		{status: http.StatusUnauthorized, body: map[string]any{"error": map[string]any{"message": "invalid key"}}},
	}}
	s := newStage(t, d, nil)

	env := &protocol.Envelope{Request: &wire.OpenAIRequest{Model: "gpt-4o"}, Headers: http.Header{}, Path: "/chat/completions"}
	_, err := s.Forward(context.Background(), env)
	if err == nil {
		t.Fatal("expected AuthError for 401")
	}
	if d.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 401)", d.calls)
	}
}

func TestForward_ExhaustsRetriesOnPersistent5xx(t *testing.T) {
	d := &fakeDispatcher{responses: []fakeResponse{
		{status: http.StatusServiceUnavailable, body: map[string]any{}},
		{status: http.StatusServiceUnavailable, body: map[string]any{}},
		{status: http.StatusServiceUnavailable, body: map[string]any{}},
	}}
	s := newStage(t, d, nil)

	env := &protocol.Envelope{Request: &wire.OpenAIRequest{Model: "gpt-4o"}, Headers: http.Header{}, Path: "/chat/completions"}
	if _, err := s.Forward(context.Background(), env); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if d.calls != 3 {
		t.Errorf("calls = %d, want 3 (maxRetries=2 -> 3 attempts)", d.calls)
	}
}

func TestForward_RefreshesAuthorizationBeforeRetry(t *testing.T) {
	d := &fakeDispatcher{responses: []fakeResponse{
		{status: http.StatusInternalServerError, body: map[string]any{}},
		{status: http.StatusOK, body: wire.OpenAIResponse{ID: "chatcmpl-3", Choices: []wire.OpenAIResponseChoice{{Index: 0}}}},
	}}
	reader := fakeReader{material: map[string]string{"openai": "rotated-token"}}
	s := newStage(t, d, reader)

	env := &protocol.Envelope{Request: &wire.OpenAIRequest{Model: "gpt-4o"}, Headers: http.Header{"Authorization": {"Bearer stale"}}, Path: "/chat/completions"}
	if _, err := s.Forward(context.Background(), env); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got := d.headers[1].Get("Authorization"); got != "Bearer rotated-token" {
		t.Errorf("retry Authorization = %q, want Bearer rotated-token", got)
	}
}

var errStreamConnectFailed = errFixed("provider returned status 503")

type errFixed string

func (e errFixed) Error() string { return string(e) }

type fakeStreamDispatcher struct {
	fakeDispatcher
	events chan transport.StreamEvent
	status int
	err    error
	calls  int
}

func (f *fakeStreamDispatcher) DoStream(ctx context.Context, method, path string, headers http.Header, body []byte) (<-chan transport.StreamEvent, int, http.Header, error) {
	f.calls++
	if f.err != nil {
		return nil, f.status, nil, f.err
	}
	return f.events, http.StatusOK, nil, nil
}

func TestForward_StreamReturnsStreamHandle(t *testing.T) {
	events := make(chan transport.StreamEvent, 1)
	events <- transport.StreamEvent{Data: `{"id":"c1"}`}
	close(events)

	d := &fakeStreamDispatcher{events: events}
	s := &Stage{cfg: Config{MaxRetries: 2, CredentialRef: "openai"}, client: d}

	env := &protocol.Envelope{Request: &wire.OpenAIRequest{Model: "gpt-4o", Stream: true}, Headers: http.Header{}, Path: "/chat/completions", Stream: true}
	out, err := s.Forward(context.Background(), env)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	handle, ok := out.(*pipeline.StreamHandle)
	if !ok {
		t.Fatalf("expected *pipeline.StreamHandle, got %T", out)
	}

	var got []transport.StreamEvent
	for ev := range handle.Events {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Data != `{"id":"c1"}` {
		t.Errorf("unexpected events: %+v", got)
	}
	if d.calls != 1 {
		t.Errorf("calls = %d, want 1", d.calls)
	}
}

func TestForward_StreamRetriesOnInitial5xx(t *testing.T) {
	d := &fakeStreamDispatcher{status: http.StatusServiceUnavailable, err: errStreamConnectFailed}
	s := &Stage{cfg: Config{MaxRetries: 1, CredentialRef: "openai"}, client: d}

	env := &protocol.Envelope{Request: &wire.OpenAIRequest{Model: "gpt-4o", Stream: true}, Headers: http.Header{}, Path: "/chat/completions", Stream: true}
	if _, err := s.Forward(context.Background(), env); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if d.calls != 2 {
		t.Errorf("calls = %d, want 2 (maxRetries=1 -> 2 attempts)", d.calls)
	}
}

func TestForward_StreamNonStreamingDispatcherErrors(t *testing.T) {
	d := &fakeDispatcher{}
	s := &Stage{cfg: Config{MaxRetries: 1}, client: d}

	env := &protocol.Envelope{Request: &wire.OpenAIRequest{Model: "gpt-4o", Stream: true}, Headers: http.Header{}, Path: "/chat/completions", Stream: true}
	if _, err := s.Forward(context.Background(), env); err == nil {
		t.Fatal("expected error when the transport doesn't support streaming")
	}
}

func TestBack_PassesThrough(t *testing.T) {
	s := &Stage{}
	resp := &wire.OpenAIResponse{ID: "x"}
	out, err := s.Back(context.Background(), resp)
	if err != nil {
		t.Fatalf("Back: %v", err)
	}
	if out.(*wire.OpenAIResponse) != resp {
		t.Error("expected pass-through")
	}
}

func TestNew_MissingEndpointErrors(t *testing.T) {
	if _, err := New(routing.LayerConfig{Fields: map[string]any{}}, nil); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}
