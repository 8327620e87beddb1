// Package llm provides model-backend clients. Every provider adapts its
// wire format to the neutral types here; the session layer never sees
// provider-specific shapes.
package llm

import (
	"time"
)

// Message is one transcript entry sent to or received from the model.
// Role is one of "system", "user", "assistant", or "tool".
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on role=tool results
}

// ToolCall is one tool invocation requested by the model. ID correlates
// the eventual tool result back to this call; providers that do not
// assign IDs get synthesized ones.
type ToolCall struct {
	ID       string           `json:"id,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction names the tool and carries its decoded arguments.
type ToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the unified response from any provider. Wire-format
// conversion happens at the provider boundary (anthropic.go, ollama.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
	EvalDuration  time.Duration
}

// HasToolCalls reports whether the model requested tool invocations
// this turn.
func (r *ChatResponse) HasToolCalls() bool {
	return len(r.Message.ToolCalls) > 0
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text fragment from the model.
	KindToken StreamEventKind = iota

	// KindToolCall fires once per tool call, only after every argument
	// fragment for that call has arrived and parsed. Consumers never
	// see a partially streamed call.
	KindToolCall

	// KindDone signals the stream is complete. Response carries final
	// metadata.
	KindDone
)

// StreamEvent is a single event in a streaming response. Consumers
// switch on Kind to determine which field is set.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// ToolCall is set for KindToolCall events.
	ToolCall *ToolCall

	// Response is set for KindDone events.
	Response *ChatResponse
}

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)
