package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/catalog"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/dispatch"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/llm"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/mcp"
)

// scriptedBackend replays a fixed sequence of model responses.
type scriptedBackend struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	err       error
	calls     int
}

func (b *scriptedBackend) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	return b.ChatStream(ctx, model, messages, tools, nil)
}

func (b *scriptedBackend) ChatStream(_ context.Context, _ string, _ []llm.Message, _ []map[string]any, _ llm.StreamCallback) (*llm.ChatResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	if b.calls >= len(b.responses) {
		// Keep replaying the last response (turn-limit tests).
		b.calls++
		return b.responses[len(b.responses)-1], nil
	}
	resp := b.responses[b.calls]
	b.calls++
	return resp, nil
}

func (b *scriptedBackend) Ping(_ context.Context) error { return nil }

func answer(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: llm.Message{Role: "assistant", Content: text},
		Done:    true,
	}
}

func toolTurn(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message: llm.Message{Role: "assistant", ToolCalls: calls},
		Done:    true,
	}
}

func call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.ToolCallFunction{Name: name, Arguments: args}}
}

// stubPeer implements catalog.Peer for wiring real connections.
type stubPeer struct {
	tools  []mcp.ToolDefinition
	callFn func(ctx context.Context, name string, args map[string]any) (string, error)

	mu    sync.Mutex
	calls int
}

func (p *stubPeer) Initialize(_ context.Context) error { return nil }
func (p *stubPeer) ListTools(_ context.Context) ([]mcp.ToolDefinition, error) {
	return p.tools, nil
}
func (p *stubPeer) ListResources(_ context.Context) ([]mcp.ResourceDefinition, error) {
	return nil, nil
}
func (p *stubPeer) ListPrompts(_ context.Context) ([]mcp.PromptDefinition, error) {
	return nil, nil
}
func (p *stubPeer) ReadResource(_ context.Context, _ string) ([]mcp.ResourceContent, error) {
	return nil, nil
}
func (p *stubPeer) GetPrompt(_ context.Context, _ string, _ map[string]string) (*mcp.GetPromptResult, error) {
	return nil, nil
}
func (p *stubPeer) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.callFn != nil {
		return p.callFn(ctx, name, args)
	}
	return "ok", nil
}
func (p *stubPeer) Ping(_ context.Context) error { return nil }
func (p *stubPeer) Close() error                 { return nil }

// harness wires a registry of stub servers to a real dispatcher.
func harness(t *testing.T, peers map[string]*stubPeer, dcfg dispatch.Config) (*catalog.Registry, *dispatch.Dispatcher) {
	t.Helper()
	reg := catalog.NewRegistry(catalog.NameStylePrefixed, nil)
	for name, peer := range peers {
		conn := catalog.NewConnection(name, peer, nil, nil)
		if err := conn.Connect(context.Background()); err != nil {
			t.Fatalf("Connect %s: %v", name, err)
		}
		if err := reg.Register(conn); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
		t.Cleanup(func() { conn.Close() })
	}
	return reg, dispatch.New(dcfg, nil)
}

func TestSession_PlainAnswer(t *testing.T) {
	backend := &scriptedBackend{responses: []*llm.ChatResponse{answer("4")}}
	reg, d := harness(t, nil, dispatch.Config{})

	s := New(backend, d, reg, Config{Model: "test-model"})
	res, err := s.Run(context.Background(), "what is 2+2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.State != StateFinished {
		t.Errorf("state = %v, want finished", res.State)
	}
	if res.Answer != "4" {
		t.Errorf("answer = %q, want 4", res.Answer)
	}
	if res.Turns != 1 {
		t.Errorf("turns = %d, want 1", res.Turns)
	}
	// The transcript's final message is the answer.
	last := res.Transcript[len(res.Transcript)-1]
	if last.Role != "assistant" || last.Content != "4" {
		t.Errorf("final transcript message = %+v", last)
	}
}

func TestSession_ToolCallThenAnswer(t *testing.T) {
	backend := &scriptedBackend{responses: []*llm.ChatResponse{
		toolTurn(call("call-1", "calc_add", map[string]any{"a": 2, "b": 2})),
		answer("4"),
	}}
	calcPeer := &stubPeer{
		tools: []mcp.ToolDefinition{{Name: "add"}},
		callFn: func(_ context.Context, _ string, args map[string]any) (string, error) {
			return "4", nil
		},
	}
	reg, d := harness(t, map[string]*stubPeer{"calc": calcPeer}, dispatch.Config{})

	s := New(backend, d, reg, Config{Model: "test-model"})
	res, err := s.Run(context.Background(), "add 2 and 2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.State != StateFinished || res.Answer != "4" {
		t.Fatalf("state=%v answer=%q", res.State, res.Answer)
	}
	if res.Turns != 2 {
		t.Errorf("turns = %d, want 2", res.Turns)
	}

	// Every tool result has a matching earlier request with the same id.
	requested := map[string]int{}
	for i, msg := range res.Transcript {
		for _, tc := range msg.ToolCalls {
			requested[tc.ID] = i
		}
		if msg.Role == "tool" {
			reqIdx, ok := requested[msg.ToolCallID]
			if !ok {
				t.Errorf("orphan tool result %q at index %d", msg.ToolCallID, i)
			} else if reqIdx >= i {
				t.Errorf("tool result %q precedes its request", msg.ToolCallID)
			}
			if msg.Content != "4" {
				t.Errorf("tool result content = %q", msg.Content)
			}
		}
	}
}

func TestSession_MixedBatchContinues(t *testing.T) {
	backend := &scriptedBackend{responses: []*llm.ChatResponse{
		toolTurn(
			call("call-1", "a_add", map[string]any{"a": 1}),
			call("call-2", "b_hang", nil),
		),
		answer("partial data, but done"),
	}}
	okPeer := &stubPeer{tools: []mcp.ToolDefinition{{Name: "add"}}}
	hangPeer := &stubPeer{
		tools: []mcp.ToolDefinition{{Name: "hang"}},
		callFn: func(ctx context.Context, _ string, _ map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	reg, d := harness(t, map[string]*stubPeer{"a": okPeer, "b": hangPeer},
		dispatch.Config{CallTimeout: 20 * time.Millisecond, Retries: 1, RetryDelay: time.Millisecond})

	s := New(backend, d, reg, Config{Model: "test-model"})
	res, err := s.Run(context.Background(), "do both")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The session continued past the partial failure to a final answer.
	if res.State != StateFinished {
		t.Fatalf("state = %v, want finished", res.State)
	}

	// Both results are in the transcript, in original request order.
	var toolMsgs []llm.Message
	for _, msg := range res.Transcript {
		if msg.Role == "tool" {
			toolMsgs = append(toolMsgs, msg)
		}
	}
	if len(toolMsgs) != 2 {
		t.Fatalf("got %d tool results, want 2", len(toolMsgs))
	}
	if toolMsgs[0].ToolCallID != "call-1" || toolMsgs[0].Content != "ok" {
		t.Errorf("toolMsgs[0] = %+v", toolMsgs[0])
	}
	if toolMsgs[1].ToolCallID != "call-2" || !strings.HasPrefix(toolMsgs[1].Content, "Error:") {
		t.Errorf("toolMsgs[1] = %+v", toolMsgs[1])
	}
}

func TestSession_TurnLimit(t *testing.T) {
	// The model never stops asking for tools.
	backend := &scriptedBackend{responses: []*llm.ChatResponse{
		toolTurn(call("call-1", "calc_add", map[string]any{"a": 1})),
	}}
	calcPeer := &stubPeer{tools: []mcp.ToolDefinition{{Name: "add"}}}
	reg, d := harness(t, map[string]*stubPeer{"calc": calcPeer}, dispatch.Config{})

	s := New(backend, d, reg, Config{Model: "test-model", MaxTurns: 3})
	res, err := s.Run(context.Background(), "loop forever")

	if !errors.Is(err, ErrTurnLimit) {
		t.Fatalf("err = %v, want ErrTurnLimit", err)
	}
	if res.State != StateFailed {
		t.Errorf("state = %v, want failed", res.State)
	}
	if res.Answer != "" {
		t.Errorf("answer = %q, want empty on failure", res.Answer)
	}
	if res.Turns != 3 {
		t.Errorf("turns = %d, want 3", res.Turns)
	}
}

func TestSession_UnknownToolSurfacedToModel(t *testing.T) {
	backend := &scriptedBackend{responses: []*llm.ChatResponse{
		toolTurn(call("call-1", "no_such_tool", nil)),
		answer("I don't have that tool."),
	}}
	calcPeer := &stubPeer{tools: []mcp.ToolDefinition{{Name: "add"}}}
	reg, d := harness(t, map[string]*stubPeer{"calc": calcPeer}, dispatch.Config{})

	s := New(backend, d, reg, Config{Model: "test-model"})
	res, err := s.Run(context.Background(), "use a made-up tool")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.State != StateFinished {
		t.Fatalf("state = %v, want finished", res.State)
	}
	// The unknown-tool error became transcript data, and no server in
	// the catalog was contacted.
	if calcPeer.calls != 0 {
		t.Errorf("peer received %d calls, want 0", calcPeer.calls)
	}
}

func TestSession_BackendCommunicationError(t *testing.T) {
	backend := &scriptedBackend{err: errors.New("connection reset")}
	reg, d := harness(t, nil, dispatch.Config{})

	s := New(backend, d, reg, Config{Model: "test-model"})
	res, err := s.Run(context.Background(), "hello")

	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *BackendError", err)
	}
	if res.State != StateFailed {
		t.Errorf("state = %v, want failed", res.State)
	}
}

func TestSession_MalformedToolCall(t *testing.T) {
	tests := []struct {
		name string
		resp *llm.ChatResponse
	}{
		{
			name: "missing name",
			resp: toolTurn(call("call-1", "", nil)),
		},
		{
			name: "missing id",
			resp: toolTurn(call("", "calc_add", nil)),
		},
		{
			name: "duplicate ids",
			resp: toolTurn(
				call("call-1", "calc_add", nil),
				call("call-1", "calc_add", nil),
			),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &scriptedBackend{responses: []*llm.ChatResponse{tt.resp}}
			reg, d := harness(t, nil, dispatch.Config{})

			s := New(backend, d, reg, Config{Model: "test-model"})
			res, err := s.Run(context.Background(), "hi")

			var be *BackendError
			if !errors.As(err, &be) {
				t.Fatalf("err = %v, want *BackendError", err)
			}
			if res.State != StateFailed {
				t.Errorf("state = %v, want failed", res.State)
			}
		})
	}
}

func TestSession_CancelledDuringDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	backend := &scriptedBackend{responses: []*llm.ChatResponse{
		toolTurn(call("call-1", "slow_work", nil)),
		answer("never reached"),
	}}
	slowPeer := &stubPeer{
		tools: []mcp.ToolDefinition{{Name: "work"}},
		callFn: func(callCtx context.Context, _ string, _ map[string]any) (string, error) {
			cancel() // the user hits ^C while the tool runs
			<-callCtx.Done()
			return "", callCtx.Err()
		},
	}
	reg, d := harness(t, map[string]*stubPeer{"slow": slowPeer}, dispatch.Config{Retries: 0})

	s := New(backend, d, reg, Config{Model: "test-model"})
	res, err := s.Run(ctx, "do slow work")

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.State != StateCancelled {
		t.Errorf("state = %v, want cancelled", res.State)
	}
	// Results from the cancelled batch were discarded, not appended.
	for _, msg := range res.Transcript {
		if msg.Role == "tool" {
			t.Errorf("cancelled session appended tool result: %+v", msg)
		}
	}
}

func TestSession_RunTwiceRejected(t *testing.T) {
	backend := &scriptedBackend{responses: []*llm.ChatResponse{answer("hi")}}
	reg, d := harness(t, nil, dispatch.Config{})

	s := New(backend, d, reg, Config{Model: "test-model"})
	if _, err := s.Run(context.Background(), "one"); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := s.Run(context.Background(), "two"); err == nil {
		t.Fatal("second Run succeeded, want error")
	}
}

func TestSession_SystemPromptFirst(t *testing.T) {
	backend := &scriptedBackend{responses: []*llm.ChatResponse{answer("done")}}
	reg, d := harness(t, nil, dispatch.Config{})

	s := New(backend, d, reg, Config{Model: "test-model", SystemPrompt: "Be brief."})
	res, err := s.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Transcript[0].Role != "system" || res.Transcript[0].Content != "Be brief." {
		t.Errorf("transcript[0] = %+v", res.Transcript[0])
	}
	if res.Transcript[1].Role != "user" {
		t.Errorf("transcript[1].Role = %q", res.Transcript[1].Role)
	}
}
