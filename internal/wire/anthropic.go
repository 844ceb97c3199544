// Package wire defines the two wire-format shapes the Transformer stage
// converts between (§4.5): the Anthropic Messages schema and the
// OpenAI Chat Completions schema. These are plain data types — no
// behavior beyond JSON decoding of the string-or-parts unions — passed
// between stages as the `any` payload the Stage
// interface trades in.
package wire

import "encoding/json"

// AnthropicRequest is the request body accepted at the HTTP boundary
// (§6: "request body is an Anthropic Messages request").
type AnthropicRequest struct {
	Model         string                `json:"model"`
	System        any                   `json:"system,omitempty"` // string or []AnthropicContentBlock (text parts only)
	Messages      []AnthropicMessage    `json:"messages"`
	MaxTokens     int                   `json:"max_tokens,omitempty"`
	Temperature   *float64              `json:"temperature,omitempty"`
	TopP          *float64              `json:"top_p,omitempty"`
	TopK          *int                  `json:"top_k,omitempty"`
	StopSequences []string              `json:"stop_sequences,omitempty"`
	Stream        bool                  `json:"stream,omitempty"`
	Tools         []AnthropicTool       `json:"tools,omitempty"`
	ToolChoice    *AnthropicToolChoice  `json:"tool_choice,omitempty"`
}

// AnthropicMessage is one turn. Content is either a plain string or an
// ordered []AnthropicContentBlock (§4.5 content lowering).
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// AnthropicContentBlock is one part of a structured message or system
// prompt. Only the fields relevant to its Type are populated.
type AnthropicContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"` // tool_result: string or []AnthropicContentBlock
}

// UnmarshalJSON decodes System the same way AnthropicMessage decodes
// Content — a plain string or an ordered []AnthropicContentBlock.
func (req *AnthropicRequest) UnmarshalJSON(data []byte) error {
	type alias AnthropicRequest
	var raw struct {
		alias
		System json.RawMessage `json:"system,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	system, err := decodeStringOrBlocks(raw.System)
	if err != nil {
		return err
	}

	*req = AnthropicRequest(raw.alias)
	req.System = system
	return nil
}

// decodeStringOrBlocks decodes a JSON value that is either a string or
// an array of content blocks — the shape "system", message "content",
// and tool_result "content" all share. A plain json.Unmarshal into
// `any` would instead produce []interface{} of map[string]interface{},
// which the transformer's content-lowering switch does not understand
// (§4.5) — content arriving from the HTTP boundary must come back out
// as a concrete []AnthropicContentBlock, the same shape tests and
// internal callers construct by hand.
func decodeStringOrBlocks(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var blocks []AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// UnmarshalJSON decodes Content as either a string or
// []AnthropicContentBlock instead of the ambiguous map/slice shape a
// bare `any` field would produce.
func (m *AnthropicMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	content, err := decodeStringOrBlocks(raw.Content)
	if err != nil {
		return err
	}

	m.Role = raw.Role
	m.Content = content
	return nil
}

// UnmarshalJSON decodes Content the same way AnthropicMessage does —
// tool_result content is the same string-or-parts union.
func (b *AnthropicContentBlock) UnmarshalJSON(data []byte) error {
	type alias AnthropicContentBlock
	var raw struct {
		alias
		Content json.RawMessage `json:"content,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	content, err := decodeStringOrBlocks(raw.Content)
	if err != nil {
		return err
	}

	*b = AnthropicContentBlock(raw.alias)
	b.Content = content
	return nil
}

// AnthropicTool is a tool definition (§4.5 field-mapping table).
type AnthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// AnthropicToolChoice selects "auto", "any", or a specific tool by name.
type AnthropicToolChoice struct {
	Type string `json:"type"` // "auto" | "any" | "tool"
	Name string `json:"name,omitempty"`
}

// AnthropicResponse is the response body returned at the HTTP boundary.
type AnthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"` // "message"
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []AnthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      AnthropicUsage          `json:"usage"`
}

// AnthropicUsage mirrors the wire usage block.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicStreamEvent is one SSE event on the streaming response path
// (§4.8), mirroring Anthropic's own message_start/content_block_start/
// content_block_delta/content_block_stop/message_delta/message_stop
// event shapes one field at a time (only the fields each event type
// actually carries are populated).
type AnthropicStreamEvent struct {
	Type         string                  `json:"type"`
	Message      *AnthropicStreamMessage `json:"message,omitempty"`
	Index        *int                    `json:"index,omitempty"`
	ContentBlock *AnthropicContentBlock  `json:"content_block,omitempty"`
	Delta        *AnthropicStreamDelta   `json:"delta,omitempty"`
	Usage        *AnthropicUsage         `json:"usage,omitempty"`
}

// AnthropicStreamMessage is message_start's embedded message skeleton:
// the same shape AnthropicResponse settles into once the stream ends,
// but with empty content and no stop_reason yet.
type AnthropicStreamMessage struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"` // "message"
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []AnthropicContentBlock `json:"content"`
	StopReason *string                 `json:"stop_reason"`
	Usage      AnthropicUsage          `json:"usage"`
}

// AnthropicStreamDelta is the union used by content_block_delta
// (text_delta / input_json_delta) and message_delta (stop_reason)
// events; only the fields relevant to Type are populated.
type AnthropicStreamDelta struct {
	Type        string `json:"type,omitempty"` // "text_delta" | "input_json_delta"
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// AnthropicError is the Anthropic-shaped error body (§7: "User-visible
// behaviour").
type AnthropicError struct {
	Type  string              `json:"type"` // "error"
	Error AnthropicErrorInner `json:"error"`
}

type AnthropicErrorInner struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
