package wire

// OpenAIRequest is the OpenAI Chat Completions request shape the
// Transformer's forward path produces (§4.5 field-mapping table),
// modeled on the teacher's ChatCompletionRequest
// (internal/server/translate.go) but extended with the sampling
// parameters the spec requires to pass through.
type OpenAIRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
	ToolChoice  any             `json:"tool_choice,omitempty"` // "auto" | "required" | {type,function}
	Stream      bool            `json:"stream,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	TopK        *int            `json:"top_k,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	// StreamOptions is only set by the Transformer when Stream is true;
	// iflow's compat profile strips it (§4.7 resolved Open Question).
	StreamOptions map[string]any `json:"stream_options,omitempty"`
}

// OpenAIMessage is one chat turn. Content is nil, a string, or null
// (represented here as a *string so "explicitly null" is distinguishable
// from "absent", matching §4.5: "content = null" when lowering yields no
// text and at least one tool call).
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// OpenAIToolCall is one function call inside an assistant message.
// Index is only populated on streaming deltas, where a provider splits
// one tool call's arguments across several chunks correlated by index.
type OpenAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id"`
	Type     string             `json:"type"` // "function"
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded
}

// OpenAITool is a tool definition in OpenAI shape.
type OpenAITool struct {
	Type     string         `json:"type"` // "function"
	Function OpenAIFunction `json:"function"`
}

type OpenAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// OpenAIResponse is the non-streaming Chat Completions response shape.
type OpenAIResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Model   string                 `json:"model"`
	Choices []OpenAIResponseChoice `json:"choices"`
	Usage   OpenAIUsage            `json:"usage"`
}

type OpenAIResponseChoice struct {
	Index        int               `json:"index"`
	Message      OpenAIChoiceMsg   `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type OpenAIChoiceMsg struct {
	Role      string           `json:"role"`
	Content   *string          `json:"content"`
	ToolCalls []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIStreamChunk is one SSE delta event (§4.8 streaming).
type OpenAIStreamChunk struct {
	ID      string                    `json:"id"`
	Object  string                    `json:"object"` // "chat.completion.chunk"
	Model   string                    `json:"model"`
	Choices []OpenAIStreamChunkChoice `json:"choices"`
	Usage   *OpenAIUsage              `json:"usage,omitempty"`
}

type OpenAIStreamChunkChoice struct {
	Index        int              `json:"index"`
	Delta        OpenAIStreamDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

type OpenAIStreamDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []OpenAIToolCall `json:"tool_calls,omitempty"`
}
