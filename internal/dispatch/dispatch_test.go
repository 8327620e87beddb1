package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/catalog"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/mcp"
)

// stubPeer implements catalog.Peer with a configurable call handler.
type stubPeer struct {
	tools   []mcp.ToolDefinition
	prompts []mcp.PromptDefinition
	callFn  func(ctx context.Context, name string, args map[string]any) (string, error)

	mu    sync.Mutex
	calls []string
}

func (p *stubPeer) Initialize(_ context.Context) error { return nil }

func (p *stubPeer) ListTools(_ context.Context) ([]mcp.ToolDefinition, error) {
	return p.tools, nil
}

func (p *stubPeer) ListResources(_ context.Context) ([]mcp.ResourceDefinition, error) {
	return nil, nil
}

func (p *stubPeer) ListPrompts(_ context.Context) ([]mcp.PromptDefinition, error) {
	return p.prompts, nil
}

func (p *stubPeer) ReadResource(_ context.Context, _ string) ([]mcp.ResourceContent, error) {
	return nil, nil
}

func (p *stubPeer) GetPrompt(_ context.Context, _ string, _ map[string]string) (*mcp.GetPromptResult, error) {
	return nil, nil
}

func (p *stubPeer) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, name)
	p.mu.Unlock()
	if p.callFn != nil {
		return p.callFn(ctx, name, args)
	}
	return "ok", nil
}

func (p *stubPeer) Ping(_ context.Context) error { return nil }
func (p *stubPeer) Close() error                 { return nil }

func (p *stubPeer) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// snapshotWith connects the given peers under their server names and
// returns the aggregated catalog snapshot.
func snapshotWith(t *testing.T, peers map[string]*stubPeer) *catalog.Snapshot {
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
	return reg.Snapshot()
}

func TestDispatch_OrderPreserved(t *testing.T) {
	// The first request completes last; results must still come back in
	// request order.
	peer := &stubPeer{
		tools: []mcp.ToolDefinition{{Name: "slow"}, {Name: "fast"}},
		callFn: func(ctx context.Context, name string, _ map[string]any) (string, error) {
			if name == "slow" {
				time.Sleep(50 * time.Millisecond)
			}
			return name + "-result", nil
		},
	}
	// Two servers so the calls genuinely run concurrently.
	fastPeer := &stubPeer{
		tools: []mcp.ToolDefinition{{Name: "fast"}},
		callFn: func(_ context.Context, name string, _ map[string]any) (string, error) {
			return name + "-result", nil
		},
	}
	snap := snapshotWith(t, map[string]*stubPeer{"a": peer, "b": fastPeer})

	d := New(Config{}, nil)
	results := d.Dispatch(context.Background(), snap, []Request{
		{ID: "call-1", Name: "a_slow"},
		{ID: "call-2", Name: "b_fast"},
	})

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ID != "call-1" || results[0].Content != "slow-result" {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].ID != "call-2" || results[1].Content != "fast-result" {
		t.Errorf("results[1] = %+v", results[1])
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	peer := &stubPeer{tools: []mcp.ToolDefinition{{Name: "add"}}}
	snap := snapshotWith(t, map[string]*stubPeer{"calc": peer})

	d := New(Config{}, nil)
	results := d.Dispatch(context.Background(), snap, []Request{
		{ID: "call-1", Name: "nonexistent"},
	})

	if results[0].Status != StatusError {
		t.Fatalf("status = %v, want error", results[0].Status)
	}
	if !strings.Contains(results[0].Error, "unknown tool") {
		t.Errorf("error = %q, want unknown tool", results[0].Error)
	}
	// No connection was contacted.
	if peer.callCount() != 0 {
		t.Errorf("peer received %d calls, want 0", peer.callCount())
	}
}

func TestDispatch_PartialFailure(t *testing.T) {
	okPeer := &stubPeer{tools: []mcp.ToolDefinition{{Name: "add"}}}
	timeoutPeer := &stubPeer{
		tools: []mcp.ToolDefinition{{Name: "hang"}},
		callFn: func(ctx context.Context, _ string, _ map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	snap := snapshotWith(t, map[string]*stubPeer{"a": okPeer, "b": timeoutPeer})

	d := New(Config{CallTimeout: 20 * time.Millisecond, Retries: 1, RetryDelay: time.Millisecond}, nil)
	results := d.Dispatch(context.Background(), snap, []Request{
		{ID: "call-1", Name: "a_add"},
		{ID: "call-2", Name: "b_hang"},
	})

	if results[0].Status != StatusOK {
		t.Errorf("results[0].Status = %v, want ok", results[0].Status)
	}
	if results[1].Status != StatusError {
		t.Errorf("results[1].Status = %v, want error", results[1].Status)
	}
	// The timeout was retried before giving up.
	if got := timeoutPeer.callCount(); got != 2 {
		t.Errorf("timeout peer received %d calls, want 2 (original + retry)", got)
	}
}

func TestDispatch_NoRetryOnPeerError(t *testing.T) {
	peer := &stubPeer{
		tools: []mcp.ToolDefinition{{Name: "add"}},
		callFn: func(_ context.Context, _ string, _ map[string]any) (string, error) {
			return "", &mcp.RPCError{Code: -32602, Message: "invalid params"}
		},
	}
	snap := snapshotWith(t, map[string]*stubPeer{"calc": peer})

	d := New(Config{Retries: 3, RetryDelay: time.Millisecond}, nil)
	results := d.Dispatch(context.Background(), snap, []Request{
		{ID: "call-1", Name: "calc_add"},
	})

	if results[0].Status != StatusError {
		t.Fatalf("status = %v, want error", results[0].Status)
	}
	// Peer-reported failures are never retried.
	if got := peer.callCount(); got != 1 {
		t.Errorf("peer received %d calls, want 1", got)
	}
}

func TestDispatch_RetryThenSucceed(t *testing.T) {
	attempts := 0
	peer := &stubPeer{
		tools: []mcp.ToolDefinition{{Name: "flaky"}},
		callFn: func(_ context.Context, _ string, _ map[string]any) (string, error) {
			attempts++
			if attempts == 1 {
				return "", context.DeadlineExceeded
			}
			return "recovered", nil
		},
	}
	snap := snapshotWith(t, map[string]*stubPeer{"a": peer})

	d := New(Config{Retries: 1, RetryDelay: time.Millisecond}, nil)
	results := d.Dispatch(context.Background(), snap, []Request{
		{ID: "call-1", Name: "a_flaky"},
	})

	if results[0].Status != StatusOK {
		t.Fatalf("status = %v (error %q), want ok", results[0].Status, results[0].Error)
	}
	if results[0].Content != "recovered" {
		t.Errorf("content = %q", results[0].Content)
	}
}

func TestDispatch_PromptNotCallable(t *testing.T) {
	peer := &stubPeer{
		prompts: []mcp.PromptDefinition{{Name: "explain"}},
	}
	snap := snapshotWith(t, map[string]*stubPeer{"calc": peer})

	d := New(Config{}, nil)
	results := d.Dispatch(context.Background(), snap, []Request{
		{ID: "call-1", Name: "calc_explain"},
	})

	if results[0].Status != StatusError {
		t.Fatalf("status = %v, want error", results[0].Status)
	}
	if !strings.Contains(results[0].Error, "not a callable tool") {
		t.Errorf("error = %q", results[0].Error)
	}
	if peer.callCount() != 0 {
		t.Errorf("peer received %d calls, want 0", peer.callCount())
	}
}
