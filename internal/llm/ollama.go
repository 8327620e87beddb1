package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/config"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/httpkit"
)

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates an Ollama client for the given base URL
// (default http://localhost:11434).
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		// Large models with tools need time before the first token.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
	}
}

// Ollama wire types.

type ollamaChatRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama sends an object, not a string
	} `json:"function"`
}

type ollamaChatResponse struct {
	Model     string        `json:"model"`
	CreatedAt time.Time     `json:"created_at"`
	Message   ollamaMessage `json:"message"`
	Done      bool          `json:"done"`

	TotalDuration   int64 `json:"total_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
	EvalDuration    int64 `json:"eval_duration,omitempty"`
}

// Chat sends a non-streaming chat completion request.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a chat request, optionally streaming events via
// callback. The stream is newline-delimited JSON; tool calls arrive
// whole in the final chunk, never as fragments.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := ollamaChatRequest{
		Model:    model,
		Messages: convertToOllama(messages),
		Stream:   stream,
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, errBody)
	}

	if !stream {
		var chatResp ollamaChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return c.finish(&chatResp, chatResp.Message.Content, nil), nil
	}

	return c.handleStreaming(resp.Body, callback)
}

// handleStreaming reads newline-delimited JSON chunks, forwarding text
// tokens as they arrive and collecting tool calls from the final chunk.
func (c *OllamaClient) handleStreaming(body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	var (
		final          ollamaChatResponse
		contentBuilder strings.Builder
	)
	decoder := json.NewDecoder(body)

	for {
		var chunk ollamaChatResponse
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}

		if chunk.Message.Content != "" {
			contentBuilder.WriteString(chunk.Message.Content)
			callback(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
		}

		if len(chunk.Message.ToolCalls) > 0 {
			final.Message.ToolCalls = chunk.Message.ToolCalls
		}

		if chunk.Done {
			toolCalls := final.Message.ToolCalls
			final = chunk
			if len(toolCalls) > 0 && len(final.Message.ToolCalls) == 0 {
				final.Message.ToolCalls = toolCalls
			}
			break
		}
	}

	resp := c.finish(&final, contentBuilder.String(), callback)
	callback(StreamEvent{Kind: KindDone, Response: resp})
	return resp, nil
}

// finish converts the final Ollama chunk to the neutral response,
// recovering text-embedded tool calls and assigning synthetic call IDs.
// When callback is non-nil each completed tool call is announced.
func (c *OllamaClient) finish(final *ollamaChatResponse, content string, callback StreamCallback) *ChatResponse {
	toolCalls := convertOllamaToolCalls(final.Message.ToolCalls)

	// Many models emit tool calls as JSON in the content instead of the
	// native tool_calls field.
	if len(toolCalls) == 0 && content != "" {
		if parsed := parseTextToolCalls(content); len(parsed) > 0 {
			toolCalls = parsed
			content = ""
		}
	}

	for i := range toolCalls {
		if toolCalls[i].ID == "" {
			toolCalls[i].ID = "call_" + uuid.NewString()
		}
		if callback != nil {
			callback(StreamEvent{Kind: KindToolCall, ToolCall: &toolCalls[i]})
		}
	}

	return &ChatResponse{
		Model:     final.Model,
		CreatedAt: final.CreatedAt,
		Message: Message{
			Role:      "assistant",
			Content:   content,
			ToolCalls: toolCalls,
		},
		Done:          true,
		InputTokens:   final.PromptEvalCount,
		OutputTokens:  final.EvalCount,
		TotalDuration: time.Duration(final.TotalDuration),
		EvalDuration:  time.Duration(final.EvalDuration),
	}
}

// convertToOllama converts neutral messages to the Ollama wire shape.
// Tool-result messages keep role "tool"; Ollama correlates by position.
func convertToOllama(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, msg := range messages {
		om := ollamaMessage{Role: msg.Role, Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Function.Name
			otc.Function.Arguments = tc.Function.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out = append(out, om)
	}
	return out
}

// convertOllamaToolCalls converts wire tool calls to neutral ones.
func convertOllamaToolCalls(calls []ollamaToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, tc := range calls {
		out[i] = ToolCall{
			Function: ToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		}
	}
	return out
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Handled formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Tagged: <tool_call>...</tool_call>
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	// Extract from <tool_call> tags.
	if strings.Contains(content, "<tool_call>") {
		start := strings.Index(content, "<tool_call>")
		end := strings.Index(content, "</tool_call>")
		if start != -1 && end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else if start != -1 {
			// No closing tag, take rest of content.
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	type rawCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	// Array of tool calls.
	var calls []rawCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		result := make([]ToolCall, len(calls))
		for i, rc := range calls {
			result[i].Function = ToolCallFunction{Name: rc.Name, Arguments: rc.Arguments}
		}
		return result
	}

	// Single tool call object.
	var single rawCall
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return []ToolCall{{
			Function: ToolCallFunction{Name: single.Name, Arguments: single.Arguments},
		}}
	}

	return nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}

	return nil
}

// ListModels returns the names of locally available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
