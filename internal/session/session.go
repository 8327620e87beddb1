// Package session drives one user interaction: it interleaves model
// turns with tool-dispatch turns over an append-only transcript until
// the model produces a final answer, the turn limit trips, an error
// ends the session, or the caller cancels.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/catalog"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/dispatch"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/llm"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateAwaitingModel
	StateAwaitingTools
	StateFinished
	StateFailed
	StateCancelled
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingModel:
		return "awaiting_model"
	case StateAwaitingTools:
		return "awaiting_tools"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalJSON renders the state by name so serialized results stay
// readable.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ErrTurnLimit ends a session that keeps requesting tools without ever
// producing a final answer.
var ErrTurnLimit = errors.New("turn limit reached without a final answer")

// BackendError reports a structurally invalid model response. Fatal to
// the session; never coerced into something dispatchable.
type BackendError struct {
	Reason string
	Err    error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model backend: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("model backend: %s", e.Reason)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Dispatcher executes one tool-call batch against a catalog snapshot.
// *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, snap *catalog.Snapshot, reqs []dispatch.Request) []dispatch.Result
}

// Cataloger supplies the capability snapshot for a model turn.
// *catalog.Registry satisfies it.
type Cataloger interface {
	Snapshot() *catalog.Snapshot
}

// Config tunes one session.
type Config struct {
	// Model is the model name passed to the backend.
	Model string

	// SystemPrompt is prepended to the transcript when non-empty.
	SystemPrompt string

	// MaxTurns caps model invocations per session (default: 16).
	MaxTurns int

	// OnToken, when set, receives incremental text as the model
	// streams its turns.
	OnToken func(token string)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Result is what the caller gets back: a final answer when the session
// finished, otherwise the failure state. Never a partial transcript
// passed off as the answer.
type Result struct {
	ID         string        `json:"id"`
	State      State         `json:"state"`
	Answer     string        `json:"answer"`
	Turns      int           `json:"turns"`
	Transcript []llm.Message `json:"transcript"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// Session is the state machine for one user request. Not safe for
// concurrent use; each request gets its own session.
type Session struct {
	id         string
	backend    llm.Client
	dispatcher Dispatcher
	catalog    Cataloger
	config     Config
	logger     *slog.Logger

	state      State
	transcript []llm.Message
	turns      int
}

// New creates a session over the given backend, dispatcher, and
// catalog source.
func New(backend llm.Client, dispatcher Dispatcher, cat Cataloger, cfg Config) *Session {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 16
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:         id,
		backend:    backend,
		dispatcher: dispatcher,
		catalog:    cat,
		config:     cfg,
		logger:     logger.With("session_id", id),
		state:      StateIdle,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Transcript returns the message history accumulated so far.
func (s *Session) Transcript() []llm.Message {
	out := make([]llm.Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Run executes the conversation loop for one user input. It returns a
// Result in every case; err is non-nil exactly when the session did not
// finish (Failed or Cancelled).
func (s *Session) Run(ctx context.Context, userInput string) (*Result, error) {
	if s.state != StateIdle {
		return nil, fmt.Errorf("session already run (state %s)", s.state)
	}

	start := time.Now()

	if s.config.SystemPrompt != "" {
		s.append(llm.Message{Role: "system", Content: s.config.SystemPrompt})
	}
	s.append(llm.Message{Role: "user", Content: userInput})
	s.state = StateAwaitingModel

	for {
		if s.turns >= s.config.MaxTurns {
			s.state = StateFailed
			s.logger.Error("turn limit reached", "turns", s.turns)
			return s.result(start), ErrTurnLimit
		}

		snap := s.catalog.Snapshot()
		s.turns++

		resp, err := s.chat(ctx, snap)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				s.state = StateCancelled
				return s.result(start), ctxErr
			}
			s.state = StateFailed
			return s.result(start), err
		}

		calls, err := interpretTurn(resp)
		if err != nil {
			s.state = StateFailed
			return s.result(start), err
		}

		if len(calls) == 0 {
			// Final answer: append and finish.
			s.append(resp.Message)
			s.state = StateFinished
			s.logger.Info("session finished",
				"turns", s.turns,
				"duration", time.Since(start),
			)
			return s.result(start), nil
		}

		// Tool batch requested. The assistant message carrying the
		// calls goes in before the results so call IDs always have a
		// matching earlier request.
		s.append(resp.Message)
		s.state = StateAwaitingTools

		// Cancellation suspension point between model call and dispatch.
		if err := ctx.Err(); err != nil {
			s.state = StateCancelled
			return s.result(start), err
		}

		results := s.dispatcher.Dispatch(ctx, snap, toRequests(calls))

		// If the session was cancelled while tools ran, discard the
		// results rather than appending them to a dead conversation.
		if err := ctx.Err(); err != nil {
			s.state = StateCancelled
			return s.result(start), err
		}

		// Results append in request order, keeping the transcript
		// deterministic regardless of completion order.
		for _, r := range results {
			s.append(toolResultMessage(r))
		}
		s.state = StateAwaitingModel
	}
}

// chat invokes the backend with the transcript and the snapshot's tool
// schemas, streaming tokens when configured.
func (s *Session) chat(ctx context.Context, snap *catalog.Snapshot) (*llm.ChatResponse, error) {
	tools := toolSchemas(snap)

	s.logger.Debug("invoking model",
		"model", s.config.Model,
		"turn", s.turns,
		"messages", len(s.transcript),
		"tools", len(tools),
		"catalog_version", snap.Version(),
	)

	var callback llm.StreamCallback
	if s.config.OnToken != nil {
		callback = func(e llm.StreamEvent) {
			if e.Kind == llm.KindToken {
				s.config.OnToken(e.Token)
			}
		}
	}

	resp, err := s.backend.ChatStream(ctx, s.config.Model, s.transcript, tools, callback)
	if err != nil {
		return nil, &BackendError{Reason: "chat request failed", Err: err}
	}
	return resp, nil
}

// interpretTurn classifies a model response as a final answer (empty
// slice) or a tool-call batch, rejecting structurally invalid calls.
func interpretTurn(resp *llm.ChatResponse) ([]llm.ToolCall, error) {
	calls := resp.Message.ToolCalls
	if len(calls) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(calls))
	for i, tc := range calls {
		if tc.Function.Name == "" {
			return nil, &BackendError{Reason: fmt.Sprintf("tool call %d has no name", i)}
		}
		if tc.ID == "" {
			return nil, &BackendError{Reason: fmt.Sprintf("tool call %q has no id", tc.Function.Name)}
		}
		if seen[tc.ID] {
			return nil, &BackendError{Reason: fmt.Sprintf("duplicate tool call id %q", tc.ID)}
		}
		seen[tc.ID] = true
	}
	return calls, nil
}

// toRequests converts validated tool calls to dispatch requests.
func toRequests(calls []llm.ToolCall) []dispatch.Request {
	reqs := make([]dispatch.Request, len(calls))
	for i, tc := range calls {
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		reqs[i] = dispatch.Request{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		}
	}
	return reqs
}

// toolResultMessage converts a dispatch result to a transcript message.
// Errors become message content so the model can see and adapt.
func toolResultMessage(r dispatch.Result) llm.Message {
	content := r.Content
	if r.Status == dispatch.StatusError {
		content = fmt.Sprintf("Error: %s", r.Error)
	}
	return llm.Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: r.ID,
	}
}

// toolSchemas renders the snapshot's tools in the OpenAI function
// format both backends accept.
func toolSchemas(snap *catalog.Snapshot) []map[string]any {
	tools := snap.Tools()
	if len(tools) == 0 {
		return nil
	}
	out := make([]map[string]any, len(tools))
	for i, t := range tools {
		params := any(t.InputSchema)
		if t.InputSchema == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		}
	}
	return out
}

// append adds a message to the transcript. Append-only; nothing ever
// rewrites history.
func (s *Session) append(msg llm.Message) {
	s.transcript = append(s.transcript, msg)
}

// result builds the caller-facing summary of the session. The answer is
// only populated for finished sessions.
func (s *Session) result(start time.Time) *Result {
	res := &Result{
		ID:         s.id,
		State:      s.state,
		Turns:      s.turns,
		Transcript: s.Transcript(),
		StartedAt:  start,
		Duration:   time.Since(start),
	}
	if s.state == StateFinished && len(s.transcript) > 0 {
		res.Answer = s.transcript[len(s.transcript)-1].Content
	}
	return res
}
