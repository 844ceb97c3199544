// Package transformer implements the Transformer stage (§4.5):
// lossless structural translation between the Anthropic Messages
// schema and the OpenAI Chat Completions schema, including tool
// definitions and tool-use/tool-result turns.
//
// Grounded on internal/server/translate.go's translation functions
// (translateOpenAIMessages, translateOpenAIToAnthropic,
// translateOpenAITools, buildOpenAIResponse), generalized into an
// explicit bidirectional Stage and made strict: any shape the teacher
// handled permissively here returns a TransformError instead (§9: zero
// silent fallback is adopted uniformly, per the resolved Open Question).
package transformer

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rakunlabs/relay/internal/pipeline"
	"github.com/rakunlabs/relay/internal/relerr"
	"github.com/rakunlabs/relay/internal/routing"
	"github.com/rakunlabs/relay/internal/wire"
)

const component = "transformer"

// Config is the decoded form of the transformer LayerConfig's Fields
// (§4.2 layer config derivation).
type Config struct {
	PreserveToolCalls bool
	MapSystemMessage  bool
	DefaultMaxTokens  int
}

// Stage implements pipeline.Stage for the transformer tag.
type Stage struct {
	cfg Config
}

// New builds a transformer Stage from its layer fields.
func New(layer routing.LayerConfig) (pipeline.Stage, error) {
	cfg := Config{PreserveToolCalls: true, MapSystemMessage: true}
	if v, ok := layer.Fields["defaultMaxTokens"].(int); ok {
		cfg.DefaultMaxTokens = v
	}
	return &Stage{cfg: cfg}, nil
}

func (s *Stage) Tag() routing.StageTag { return routing.StageTransformer }

func (s *Stage) Health(ctx context.Context) bool { return true }

func (s *Stage) Stop(ctx context.Context) error { return nil }

// Forward converts an Anthropic request into an OpenAI request (§4.5
// field-mapping table).
func (s *Stage) Forward(ctx context.Context, input any) (any, error) {
	req, ok := input.(*wire.AnthropicRequest)
	if !ok {
		return nil, relerr.Newf(relerr.KindTransformError, component, "forward: expected *wire.AnthropicRequest, got %T", input)
	}

	out := &wire.OpenAIRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		Stream:      req.Stream,
	}

	if req.Stream {
		out.StreamOptions = map[string]any{"include_usage": true}
	}

	if len(req.StopSequences) > 0 {
		out.Stop = req.StopSequences
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = s.cfg.DefaultMaxTokens
	}
	if maxTokens > 0 {
		out.MaxTokens = &maxTokens
	}

	if s.cfg.MapSystemMessage {
		if sysText := systemText(req.System); sysText != "" {
			out.Messages = append(out.Messages, wire.OpenAIMessage{Role: "system", Content: &sysText})
		}
	}

	for _, msg := range req.Messages {
		converted, err := lowerMessage(msg)
		if err != nil {
			return nil, relerr.Newf(relerr.KindTransformError, component, "message role %q: %s", msg.Role, err)
		}
		out.Messages = append(out.Messages, converted...)
	}

	if len(req.Tools) > 0 {
		for _, t := range req.Tools {
			if t.Name == "" {
				// tools missing name are dropped with a warning (§4.5).
				slog.Warn("dropping tool definition without a name", "component", component)
				continue
			}
			out.Tools = append(out.Tools, wire.OpenAITool{
				Type: "function",
				Function: wire.OpenAIFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.InputSchema,
				},
			})
		}
	}

	if req.ToolChoice != nil {
		out.ToolChoice = lowerToolChoice(req.ToolChoice)
	}

	if err := validateOpenAIRequest(out); err != nil {
		return nil, relerr.Newf(relerr.KindTransformError, component, "produced invalid OpenAI request: %s", err)
	}

	return out, nil
}

// Back converts an OpenAI response into an Anthropic response (§4.5
// response lowering).
func (s *Stage) Back(ctx context.Context, input any) (any, error) {
	resp, ok := input.(*wire.OpenAIResponse)
	if !ok {
		return nil, relerr.Newf(relerr.KindTransformError, component, "back: expected *wire.OpenAIResponse, got %T", input)
	}
	if len(resp.Choices) == 0 {
		return nil, relerr.New(relerr.KindTransformError, component, "OpenAI response has no choices", nil)
	}

	choice := resp.Choices[0]
	out := &wire.AnthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
		Usage: wire.AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		StopReason: mapFinishReason(choice.FinishReason),
	}

	if choice.Message.Content != nil && *choice.Message.Content != "" {
		out.Content = append(out.Content, wire.AnthropicContentBlock{Type: "text", Text: *choice.Message.Content})
	}

	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				// on parse failure, input={} and a warning (§4.5) — the
				// warning is logged; the response itself still succeeds.
				slog.Warn("tool call arguments are not valid JSON; using empty input", "component", component, "toolCallId", tc.ID, "error", err)
				args = map[string]any{}
			}
		}
		out.Content = append(out.Content, wire.AnthropicContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: args,
		})
	}

	return out, nil
}

// NewStreamBack implements pipeline.StreamTranslatorFactory. Transformer
// is the only stage that needs cross-chunk state on the streaming
// back-path (§4.8): it alone sequences the message_start/
// content_block_*/message_stop framing that a single OpenAI delta
// doesn't carry, grounded on internal/service/llm/antropic/antropic.go's
// ChatStream scanner — built there to parse that same event sequence,
// adapted here to produce it.
func (s *Stage) NewStreamBack() pipeline.StreamTranslator {
	return &streamBack{}
}

// toolCallFrame tracks one in-progress tool_use content block while its
// argument fragments are still arriving.
type toolCallFrame struct {
	blockIndex int
	id         string
}

// streamBack holds one request's Anthropic SSE framing state. Not
// concurrency-safe; PipelineManager drains one request's events
// sequentially, so it doesn't need to be.
type streamBack struct {
	started      bool
	messageID    string
	model        string
	nextBlock    int
	textOpen     bool
	textBlock    int
	toolFrames   map[int]*toolCallFrame
	inputTokens  int
	outputTokens int
}

// Back converts one OpenAI stream chunk into zero or more outbound
// Anthropic SSE events (§4.8). A nil input signals the upstream stream
// closed, which closes any still-open content block and emits the
// terminal message_stop.
func (t *streamBack) Back(ctx context.Context, input any) ([]any, error) {
	if input == nil {
		return t.closeBlocksAndStop(), nil
	}

	chunk, ok := input.(*wire.OpenAIStreamChunk)
	if !ok {
		return nil, relerr.Newf(relerr.KindTransformError, component, "stream back: expected *wire.OpenAIStreamChunk, got %T", input)
	}

	var events []any
	if !t.started {
		t.started = true
		t.messageID = chunk.ID
		t.model = chunk.Model
		t.toolFrames = make(map[int]*toolCallFrame)
		events = append(events, &wire.AnthropicStreamEvent{
			Type: "message_start",
			Message: &wire.AnthropicStreamMessage{
				ID:      t.messageID,
				Type:    "message",
				Role:    "assistant",
				Model:   t.model,
				Content: []wire.AnthropicContentBlock{},
			},
		})
	}

	if chunk.Usage != nil {
		t.inputTokens = chunk.Usage.PromptTokens
		t.outputTokens = chunk.Usage.CompletionTokens
	}

	for _, choice := range chunk.Choices {
		events = append(events, t.applyDelta(choice.Delta)...)
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			events = append(events, t.closeOpenBlocks()...)
			reason := mapFinishReason(*choice.FinishReason)
			events = append(events, &wire.AnthropicStreamEvent{
				Type: "message_delta",
				Delta: &wire.AnthropicStreamDelta{
					StopReason: reason,
				},
				Usage: &wire.AnthropicUsage{OutputTokens: t.outputTokens},
			})
		}
	}

	return events, nil
}

// applyDelta appends the SSE events for one choice's delta: a text
// block is opened on first content and fed with content_block_delta
// events; each distinct tool-call index opens its own tool_use block,
// fed with input_json_delta fragments as they arrive. Per the resolved
// Open Question on tool-call streaming aggregation (see DESIGN.md),
// argument fragments are forwarded as-is rather than buffered and
// re-chunked.
func (t *streamBack) applyDelta(delta wire.OpenAIStreamDelta) []any {
	var events []any

	if delta.Content != "" {
		if !t.textOpen {
			t.textOpen = true
			t.textBlock = t.nextBlock
			t.nextBlock++
			idx := t.textBlock
			events = append(events, &wire.AnthropicStreamEvent{
				Type:         "content_block_start",
				Index:        &idx,
				ContentBlock: &wire.AnthropicContentBlock{Type: "text", Text: ""},
			})
		}
		idx := t.textBlock
		events = append(events, &wire.AnthropicStreamEvent{
			Type:  "content_block_delta",
			Index: &idx,
			Delta: &wire.AnthropicStreamDelta{Type: "text_delta", Text: delta.Content},
		})
	}

	for _, tc := range delta.ToolCalls {
		key := 0
		if tc.Index != nil {
			key = *tc.Index
		}
		frame, ok := t.toolFrames[key]
		if !ok {
			idx := t.nextBlock
			t.nextBlock++
			frame = &toolCallFrame{blockIndex: idx, id: tc.ID}
			t.toolFrames[key] = frame
			events = append(events, &wire.AnthropicStreamEvent{
				Type:  "content_block_start",
				Index: &idx,
				ContentBlock: &wire.AnthropicContentBlock{
					Type: "tool_use",
					ID:   tc.ID,
					Name: tc.Function.Name,
				},
			})
		}
		if tc.Function.Arguments != "" {
			idx := frame.blockIndex
			events = append(events, &wire.AnthropicStreamEvent{
				Type:  "content_block_delta",
				Index: &idx,
				Delta: &wire.AnthropicStreamDelta{Type: "input_json_delta", PartialJSON: tc.Function.Arguments},
			})
		}
	}

	return events
}

// closeOpenBlocks emits content_block_stop for every block still open,
// leaving t ready for a subsequent choice in the same chunk (there
// never is one in practice, but nothing here assumes otherwise).
func (t *streamBack) closeOpenBlocks() []any {
	var events []any
	if t.textOpen {
		idx := t.textBlock
		events = append(events, &wire.AnthropicStreamEvent{Type: "content_block_stop", Index: &idx})
		t.textOpen = false
	}
	for key, frame := range t.toolFrames {
		idx := frame.blockIndex
		events = append(events, &wire.AnthropicStreamEvent{Type: "content_block_stop", Index: &idx})
		delete(t.toolFrames, key)
	}
	return events
}

// closeBlocksAndStop is the upstream-closed terminal case: close
// anything still open (a finish_reason-less stream ending abruptly)
// then emit message_stop.
func (t *streamBack) closeBlocksAndStop() []any {
	events := t.closeOpenBlocks()
	return append(events, &wire.AnthropicStreamEvent{Type: "message_stop"})
}

// systemText concatenates a string-or-parts system field into one
// space-joined string (§4.5).
func systemText(system any) string {
	switch v := system.(type) {
	case nil:
		return ""
	case string:
		return v
	case []wire.AnthropicContentBlock:
		var parts []string
		for _, b := range v {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

// lowerMessage converts one Anthropic message into zero or more OpenAI
// messages, per the content-lowering algorithm (§4.5). tool_result
// parts always become their own user-role message; everything else
// accumulates into one message matching the original role.
func lowerMessage(msg wire.AnthropicMessage) ([]wire.OpenAIMessage, error) {
	switch content := msg.Content.(type) {
	case string:
		if content == "" {
			return []wire.OpenAIMessage{{Role: msg.Role, Content: &content}}, nil
		}
		c := content
		return []wire.OpenAIMessage{{Role: msg.Role, Content: &c}}, nil

	case []wire.AnthropicContentBlock:
		return lowerContentBlocks(msg.Role, content)

	case nil:
		empty := ""
		return []wire.OpenAIMessage{{Role: msg.Role, Content: &empty}}, nil

	default:
		return nil, fmt.Errorf("unsupported content shape %T", content)
	}
}

func lowerContentBlocks(role string, blocks []wire.AnthropicContentBlock) ([]wire.OpenAIMessage, error) {
	var out []wire.OpenAIMessage
	var textParts []string
	var toolCalls []wire.OpenAIToolCall

	flush := func() {
		if len(textParts) == 0 && len(toolCalls) == 0 {
			return
		}
		text := strings.Join(textParts, " ")
		msg := wire.OpenAIMessage{Role: role, ToolCalls: toolCalls}
		if text == "" && len(toolCalls) > 0 {
			msg.Content = nil
		} else {
			msg.Content = &text
		}
		out = append(out, msg)
		textParts = nil
		toolCalls = nil
	}

	for _, b := range blocks {
		switch b.Type {
		case "text":
			textParts = append(textParts, b.Text)

		case "tool_use":
			id := b.ID
			if id == "" {
				id = synthesizeToolCallID()
			}
			argsJSON, err := json.Marshal(b.Input)
			if err != nil {
				return nil, fmt.Errorf("marshal tool_use input: %w", err)
			}
			toolCalls = append(toolCalls, wire.OpenAIToolCall{
				ID:   id,
				Type: "function",
				Function: wire.OpenAIFunctionCall{
					Name:      b.Name,
					Arguments: string(argsJSON),
				},
			})

		case "tool_result":
			flush()
			text, err := toolResultText(b.Content)
			if err != nil {
				return nil, err
			}
			resultText := fmt.Sprintf("[Tool Result for %s]: %s", b.ToolUseID, text)
			out = append(out, wire.OpenAIMessage{Role: "user", Content: &resultText})

		default:
			serialized, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("marshal unknown content block: %w", err)
			}
			textParts = append(textParts, fmt.Sprintf("[Object: %s]", serialized))
		}
	}

	flush()
	return out, nil
}

// toolResultText renders a tool_result block's content as a string:
// text parts concatenated; other payloads JSON-serialised (§4.5).
func toolResultText(content any) (string, error) {
	switch v := content.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []wire.AnthropicContentBlock:
		var parts []string
		for _, b := range v {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			} else {
				serialized, err := json.Marshal(b)
				if err != nil {
					return "", err
				}
				parts = append(parts, string(serialized))
			}
		}
		return strings.Join(parts, ""), nil
	default:
		serialized, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(serialized), nil
	}
}

// lowerToolChoice maps Anthropic's tool_choice shape to OpenAI's (§4.5
// field-mapping table).
func lowerToolChoice(tc *wire.AnthropicToolChoice) any {
	switch tc.Type {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "tool":
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		}
	default:
		return "auto"
	}
}

// mapFinishReason maps OpenAI's finish_reason to Anthropic's stop_reason (§4.5).
func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// synthesizeToolCallID produces call_<timestamp>_<random6> (§4.5).
func synthesizeToolCallID() string {
	return fmt.Sprintf("call_%d_%s", time.Now().UnixNano(), randomHex(6))
}

func randomHex(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out)
}

// validateOpenAIRequest is the Transformer's self-check against the
// "valid OpenAI request" contract (§4.5 validation contract): non-empty
// object; has model; messages is a list; every tools[i] has shape
// {type:"function", function:{name,...}}.
func validateOpenAIRequest(req *wire.OpenAIRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	if req.Model == "" {
		return fmt.Errorf("missing model")
	}
	if req.Messages == nil {
		return fmt.Errorf("messages is not a list")
	}
	for i, t := range req.Tools {
		if t.Type != "function" {
			return fmt.Errorf("tools[%d]: type must be \"function\"", i)
		}
		if t.Function.Name == "" {
			return fmt.Errorf("tools[%d]: function.name is required", i)
		}
	}
	return nil
}
