package transformer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rakunlabs/relay/internal/routing"
	"github.com/rakunlabs/relay/internal/wire"
)

func newStage(t *testing.T) *Stage {
	t.Helper()
	s, err := New(routing.LayerConfig{Tag: routing.StageTransformer, Fields: map[string]any{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s.(*Stage)
}

func strPtr(s string) *string { return &s }

// S1 — system + user, no tools, non-streaming.
func TestForward_S1_SystemAndUser(t *testing.T) {
	s := newStage(t)
	temp := 0.7

	req := &wire.AnthropicRequest{
		Model:       "claude-3-opus-20240229",
		System:      "You are a helpful assistant.",
		Messages:    []wire.AnthropicMessage{{Role: "user", Content: "Hello, how are you?"}},
		MaxTokens:   1000,
		Temperature: &temp,
	}

	out, err := s.Forward(context.Background(), req)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	got := out.(*wire.OpenAIRequest)

	if got.Model != "claude-3-opus-20240229" {
		t.Errorf("model: got %q", got.Model)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != "system" || *got.Messages[0].Content != "You are a helpful assistant." {
		t.Errorf("unexpected system message: %+v", got.Messages[0])
	}
	if got.Messages[1].Role != "user" || *got.Messages[1].Content != "Hello, how are you?" {
		t.Errorf("unexpected user message: %+v", got.Messages[1])
	}
	if got.MaxTokens == nil || *got.MaxTokens != 1000 {
		t.Errorf("max_tokens: got %v", got.MaxTokens)
	}
	if got.Temperature == nil || *got.Temperature != 0.7 {
		t.Errorf("temperature: got %v", got.Temperature)
	}
	if got.Stream {
		t.Error("expected stream=false")
	}
}

// S2 — tool definition conversion.
func TestForward_S2_ToolDefinition(t *testing.T) {
	s := newStage(t)

	req := &wire.AnthropicRequest{
		Model:    "claude-3-opus-20240229",
		Messages: []wire.AnthropicMessage{{Role: "user", Content: "weather?"}},
		Tools: []wire.AnthropicTool{
			{
				Name:        "get_weather",
				Description: "Get the current weather for a location",
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"location": map[string]any{"type": "string"}},
					"required":   []any{"location"},
				},
			},
		},
	}

	out, err := s.Forward(context.Background(), req)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	got := out.(*wire.OpenAIRequest)

	if len(got.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(got.Tools))
	}
	tool := got.Tools[0]
	if tool.Type != "function" || tool.Function.Name != "get_weather" {
		t.Errorf("unexpected tool: %+v", tool)
	}
	if tool.Function.Description != "Get the current weather for a location" {
		t.Errorf("unexpected description: %q", tool.Function.Description)
	}
}

// S3 — tool_use in assistant turn.
func TestForward_S3_ToolUse(t *testing.T) {
	s := newStage(t)

	req := &wire.AnthropicRequest{
		Model: "claude-3-opus-20240229",
		Messages: []wire.AnthropicMessage{
			{
				Role: "assistant",
				Content: []wire.AnthropicContentBlock{
					{
						Type:  "tool_use",
						ID:    "toolu_01A09q90qw90lq91781qw9lq",
						Name:  "get_weather",
						Input: map[string]any{"location": "San Francisco, CA"},
					},
				},
			},
		},
	}

	out, err := s.Forward(context.Background(), req)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	got := out.(*wire.OpenAIRequest)

	if len(got.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got.Messages))
	}
	msg := got.Messages[0]
	if msg.Content != nil {
		t.Errorf("expected nil content, got %q", *msg.Content)
	}
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(msg.ToolCalls))
	}
	tc := msg.ToolCalls[0]
	if tc.ID != "toolu_01A09q90qw90lq91781qw9lq" || tc.Type != "function" || tc.Function.Name != "get_weather" {
		t.Errorf("unexpected tool call: %+v", tc)
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if args["location"] != "San Francisco, CA" {
		t.Errorf("unexpected arguments: %v", args)
	}
}

// S4 — tool_result lowering.
func TestForward_S4_ToolResult(t *testing.T) {
	s := newStage(t)

	req := &wire.AnthropicRequest{
		Model: "claude-3-opus-20240229",
		Messages: []wire.AnthropicMessage{
			{
				Role: "user",
				Content: []wire.AnthropicContentBlock{
					{
						Type:      "tool_result",
						ToolUseID: "toolu_01A09q90qw90lq91781qw9lq",
						Content:   "The weather in San Francisco is sunny with a temperature of 72°F.",
					},
				},
			},
		},
	}

	out, err := s.Forward(context.Background(), req)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	got := out.(*wire.OpenAIRequest)

	if len(got.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got.Messages))
	}
	msg := got.Messages[0]
	want := "[Tool Result for toolu_01A09q90qw90lq91781qw9lq]: The weather in San Francisco is sunny with a temperature of 72°F."
	if msg.Role != "user" || msg.Content == nil || *msg.Content != want {
		t.Errorf("unexpected message: role=%q content=%v", msg.Role, msg.Content)
	}
}

func TestForward_MissingToolNameDropped(t *testing.T) {
	s := newStage(t)

	req := &wire.AnthropicRequest{
		Model:    "claude-3-opus-20240229",
		Messages: []wire.AnthropicMessage{{Role: "user", Content: "hi"}},
		Tools:    []wire.AnthropicTool{{Description: "no name"}},
	}

	out, err := s.Forward(context.Background(), req)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	got := out.(*wire.OpenAIRequest)
	if len(got.Tools) != 0 {
		t.Errorf("expected nameless tool to be dropped, got %+v", got.Tools)
	}
}

func TestForward_InvalidContentShapeErrors(t *testing.T) {
	s := newStage(t)

	req := &wire.AnthropicRequest{
		Model:    "claude-3-opus-20240229",
		Messages: []wire.AnthropicMessage{{Role: "user", Content: 42}},
	}

	if _, err := s.Forward(context.Background(), req); err == nil {
		t.Fatal("expected TransformError for unsupported content shape")
	}
}

func TestBack_TextAndToolUse(t *testing.T) {
	s := newStage(t)

	resp := &wire.OpenAIResponse{
		ID:    "chatcmpl-1",
		Model: "gpt-4o",
		Choices: []wire.OpenAIResponseChoice{
			{
				FinishReason: "tool_calls",
				Message: wire.OpenAIChoiceMsg{
					Role:    "assistant",
					Content: strPtr("Let me check that."),
					ToolCalls: []wire.OpenAIToolCall{
						{ID: "call_1", Type: "function", Function: wire.OpenAIFunctionCall{Name: "get_weather", Arguments: `{"location":"SF"}`}},
					},
				},
			},
		},
		Usage: wire.OpenAIUsage{PromptTokens: 10, CompletionTokens: 5},
	}

	out, err := s.Back(context.Background(), resp)
	if err != nil {
		t.Fatalf("Back: %v", err)
	}
	got := out.(*wire.AnthropicResponse)

	if got.StopReason != "tool_use" {
		t.Errorf("expected stop_reason tool_use, got %q", got.StopReason)
	}
	if len(got.Content) != 2 {
		t.Fatalf("expected 2 content blocks, got %d", len(got.Content))
	}
	if got.Content[0].Type != "text" || got.Content[0].Text != "Let me check that." {
		t.Errorf("unexpected first block: %+v", got.Content[0])
	}
	if got.Content[1].Type != "tool_use" || got.Content[1].Name != "get_weather" {
		t.Errorf("unexpected second block: %+v", got.Content[1])
	}
	if got.Usage.InputTokens != 10 || got.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", got.Usage)
	}
}

func TestBack_MalformedArgumentsFallsBackToEmptyInput(t *testing.T) {
	s := newStage(t)

	resp := &wire.OpenAIResponse{
		Choices: []wire.OpenAIResponseChoice{
			{
				FinishReason: "tool_calls",
				Message: wire.OpenAIChoiceMsg{
					ToolCalls: []wire.OpenAIToolCall{
						{ID: "call_1", Type: "function", Function: wire.OpenAIFunctionCall{Name: "f", Arguments: "not json"}},
					},
				},
			},
		},
	}

	out, err := s.Back(context.Background(), resp)
	if err != nil {
		t.Fatalf("Back: %v", err)
	}
	got := out.(*wire.AnthropicResponse)
	if len(got.Content) != 1 || len(got.Content[0].Input) != 0 {
		t.Errorf("expected empty input map on malformed arguments, got %+v", got.Content)
	}
}

func TestMapFinishReason(t *testing.T) {
	cases := map[string]string{
		"stop":           "end_turn",
		"length":         "max_tokens",
		"tool_calls":     "tool_use",
		"content_filter": "stop_sequence",
	}
	for in, want := range cases {
		if got := mapFinishReason(in); got != want {
			t.Errorf("mapFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func intPtr(i int) *int { return &i }

func TestStreamBack_TextDeltasThenFinish(t *testing.T) {
	s := newStage(t)
	tr := s.NewStreamBack()

	first, err := tr.Back(context.Background(), &wire.OpenAIStreamChunk{
		ID:    "chatcmpl-1",
		Model: "gpt-4o",
		Choices: []wire.OpenAIStreamChunkChoice{{
			Delta: wire.OpenAIStreamDelta{Role: "assistant"},
		}},
	})
	if err != nil {
		t.Fatalf("Back: %v", err)
	}
	if len(first) != 1 || first[0].(*wire.AnthropicStreamEvent).Type != "message_start" {
		t.Fatalf("expected a single message_start event, got %+v", first)
	}

	second, err := tr.Back(context.Background(), &wire.OpenAIStreamChunk{
		Choices: []wire.OpenAIStreamChunkChoice{{
			Delta: wire.OpenAIStreamDelta{Content: "Hello"},
		}},
	})
	if err != nil {
		t.Fatalf("Back: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("expected content_block_start + content_block_delta, got %+v", second)
	}
	if second[0].(*wire.AnthropicStreamEvent).Type != "content_block_start" {
		t.Errorf("event 0 type = %q, want content_block_start", second[0].(*wire.AnthropicStreamEvent).Type)
	}
	if second[1].(*wire.AnthropicStreamEvent).Delta.Text != "Hello" {
		t.Errorf("unexpected delta text: %+v", second[1])
	}

	finish := "stop"
	third, err := tr.Back(context.Background(), &wire.OpenAIStreamChunk{
		Choices: []wire.OpenAIStreamChunkChoice{{
			Delta:        wire.OpenAIStreamDelta{},
			FinishReason: &finish,
		}},
		Usage: &wire.OpenAIUsage{CompletionTokens: 12},
	})
	if err != nil {
		t.Fatalf("Back: %v", err)
	}
	if len(third) != 2 {
		t.Fatalf("expected content_block_stop + message_delta, got %+v", third)
	}
	if third[0].(*wire.AnthropicStreamEvent).Type != "content_block_stop" {
		t.Errorf("event 0 type = %q, want content_block_stop", third[0].(*wire.AnthropicStreamEvent).Type)
	}
	md := third[1].(*wire.AnthropicStreamEvent)
	if md.Type != "message_delta" || md.Delta.StopReason != "end_turn" || md.Usage.OutputTokens != 12 {
		t.Errorf("unexpected message_delta event: %+v", md)
	}

	final, err := tr.Back(context.Background(), nil)
	if err != nil {
		t.Fatalf("Back(nil): %v", err)
	}
	if len(final) != 1 || final[0].(*wire.AnthropicStreamEvent).Type != "message_stop" {
		t.Fatalf("expected a single message_stop event, got %+v", final)
	}
}

func TestStreamBack_ToolCallDeltasOpenDistinctBlocks(t *testing.T) {
	s := newStage(t)
	tr := s.NewStreamBack()

	if _, err := tr.Back(context.Background(), &wire.OpenAIStreamChunk{ID: "c1", Model: "gpt-4o"}); err != nil {
		t.Fatalf("Back: %v", err)
	}

	events, err := tr.Back(context.Background(), &wire.OpenAIStreamChunk{
		Choices: []wire.OpenAIStreamChunkChoice{{
			Delta: wire.OpenAIStreamDelta{
				ToolCalls: []wire.OpenAIToolCall{{
					Index:    intPtr(0),
					ID:       "call_1",
					Function: wire.OpenAIFunctionCall{Name: "get_weather", Arguments: `{"city":`},
				}},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Back: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected content_block_start + content_block_delta, got %+v", events)
	}
	start := events[0].(*wire.AnthropicStreamEvent)
	if start.Type != "content_block_start" || start.ContentBlock.Type != "tool_use" || start.ContentBlock.Name != "get_weather" {
		t.Errorf("unexpected content_block_start: %+v", start)
	}
	delta := events[1].(*wire.AnthropicStreamEvent)
	if delta.Delta.Type != "input_json_delta" || delta.Delta.PartialJSON != `{"city":` {
		t.Errorf("unexpected content_block_delta: %+v", delta)
	}

	more, err := tr.Back(context.Background(), &wire.OpenAIStreamChunk{
		Choices: []wire.OpenAIStreamChunkChoice{{
			Delta: wire.OpenAIStreamDelta{
				ToolCalls: []wire.OpenAIToolCall{{
					Index:    intPtr(0),
					Function: wire.OpenAIFunctionCall{Arguments: `"paris"}`},
				}},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Back: %v", err)
	}
	if len(more) != 1 {
		t.Fatalf("expected a single fragment delta for the same block, got %+v", more)
	}
	if *more[0].(*wire.AnthropicStreamEvent).Index != *delta.Index {
		t.Errorf("expected fragment to reuse block index %d, got %d", *delta.Index, *more[0].(*wire.AnthropicStreamEvent).Index)
	}
}
