package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

// writeConfig writes a minimal config file and returns its path.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "could-you.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

func TestRunNoCommandPrintsUsage(t *testing.T) {
	stdout, _, err := runCLI(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Usage: could-you") {
		t.Errorf("usage not printed:\n%s", stdout)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	_, _, err := runCLI(t, "frobnicate")
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestRunUnknownFlag(t *testing.T) {
	_, _, err := runCLI(t, "-frobnicate")
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Fatalf("expected unknown flag error, got %v", err)
	}
}

func TestRunBadOutputFormat(t *testing.T) {
	_, _, err := runCLI(t, "-o", "xml", "version")
	if err == nil || !strings.Contains(err.Error(), "output format") {
		t.Fatalf("expected output format error, got %v", err)
	}
}

func TestRunVersionText(t *testing.T) {
	stdout, _, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(stdout, "could-you") || !strings.Contains(stdout, "go_version") {
		t.Errorf("unexpected version output:\n%s", stdout)
	}
}

func TestRunVersionJSON(t *testing.T) {
	stdout, _, err := runCLI(t, "-o", "json", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("invalid json: %v\n%s", err, stdout)
	}
	if info["version"] == "" {
		t.Error("missing version field")
	}
}

func TestAskRequiresQuestion(t *testing.T) {
	_, _, err := runCLI(t, "ask")
	if err == nil || !strings.Contains(err.Error(), "usage") {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestRunBadMaxTurns(t *testing.T) {
	_, _, err := runCLI(t, "-max-turns", "soon", "ask", "hi")
	if err == nil || !strings.Contains(err.Error(), "max-turns") {
		t.Fatalf("expected max-turns error, got %v", err)
	}
}

func TestRenderAnswerHTML(t *testing.T) {
	html, err := renderAnswerHTML("# Result\n\nIt *works*.")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"<h1", "Result", "<em>works</em>", "<!DOCTYPE html>"} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q:\n%s", want, html)
		}
	}
}

// anthropicStub serves a fixed final-answer completion.
func anthropicStub(text string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"id": "msg_test",
			"type": "message",
			"role": "assistant",
			"content": [{"type": "text", "text": %q}],
			"model": "claude-sonnet-4-0",
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 6}
		}`, text)
	}))
}

func TestAskJSONOutput(t *testing.T) {
	srv := anthropicStub("The capital is Paris.")
	defer srv.Close()

	cfgPath := writeConfig(t, fmt.Sprintf(`
llm:
  provider: anthropic
  model: claude-sonnet-4-0
  api_key: test-key
  base_url: %s
log_level: error
`, srv.URL))

	stdout, _, err := runCLI(t, "-config", cfgPath, "-o", "json", "ask", "capital of France?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	var res struct {
		Answer string `json:"answer"`
		State  string `json:"state"`
		Turns  int    `json:"turns"`
	}
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("invalid json: %v\n%s", err, stdout)
	}
	if res.Answer != "The capital is Paris." {
		t.Errorf("answer = %q", res.Answer)
	}
	if res.Turns != 1 {
		t.Errorf("turns = %d, want 1", res.Turns)
	}
}

func TestAskHTMLOutput(t *testing.T) {
	srv := anthropicStub("Use `go doc`.")
	defer srv.Close()

	cfgPath := writeConfig(t, fmt.Sprintf(`
llm:
  provider: anthropic
  model: claude-sonnet-4-0
  api_key: test-key
  base_url: %s
log_level: error
`, srv.URL))

	stdout, _, err := runCLI(t, "-config", cfgPath, "-o", "html", "ask", "how do I read docs?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !strings.Contains(stdout, "<code>go doc</code>") {
		t.Errorf("expected rendered markdown, got:\n%s", stdout)
	}
}

func TestAskModelOverride(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)
		gotModel = req.Model
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "msg_test", "type": "message", "role": "assistant",
			"content": [{"type": "text", "text": "ok"}],
			"model": "claude-opus-4-0", "stop_reason": "end_turn",
			"usage": {"input_tokens": 1, "output_tokens": 1}
		}`)
	}))
	defer srv.Close()

	cfgPath := writeConfig(t, fmt.Sprintf(`
llm:
  provider: anthropic
  model: claude-sonnet-4-0
  api_key: test-key
  base_url: %s
log_level: error
`, srv.URL))

	_, _, err := runCLI(t, "-config", cfgPath, "-model", "claude-opus-4-0", "ask", "hi")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if gotModel != "claude-opus-4-0" {
		t.Errorf("model = %q, want override", gotModel)
	}
}

func TestHistoryRequiresDataDir(t *testing.T) {
	cfgPath := writeConfig(t, `
llm:
  provider: ollama
  model: llama3.2
`)
	_, _, err := runCLI(t, "-config", cfgPath, "history")
	if err == nil || !strings.Contains(err.Error(), "data_dir") {
		t.Fatalf("expected data_dir error, got %v", err)
	}
}

func TestHistoryEmpty(t *testing.T) {
	cfgPath := writeConfig(t, fmt.Sprintf(`
llm:
  provider: ollama
  model: llama3.2
data_dir: %s
`, t.TempDir()))

	stdout, _, err := runCLI(t, "-config", cfgPath, "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(stdout, "No archived sessions.") {
		t.Errorf("unexpected output:\n%s", stdout)
	}
}

func TestHistoryAfterAsk(t *testing.T) {
	srv := anthropicStub("Archived answer.")
	defer srv.Close()

	dataDir := t.TempDir()
	cfgPath := writeConfig(t, fmt.Sprintf(`
llm:
  provider: anthropic
  model: claude-sonnet-4-0
  api_key: test-key
  base_url: %s
data_dir: %s
log_level: error
`, srv.URL, dataDir))

	if _, _, err := runCLI(t, "-config", cfgPath, "ask", "anything?"); err != nil {
		t.Fatalf("ask: %v", err)
	}

	stdout, _, err := runCLI(t, "-config", cfgPath, "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(stdout, "Archived answer.") || !strings.Contains(stdout, "finished") {
		t.Errorf("unexpected history output:\n%s", stdout)
	}
}

// mcpWSServer is a minimal MCP server over websocket for driving the
// catalog-facing subcommands end to end.
func mcpWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			var msg struct {
				ID     *int64 `json:"id"`
				Method string `json:"method"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.ID == nil {
				continue // notification
			}
			var result any
			switch msg.Method {
			case "initialize":
				result = map[string]any{
					"protocolVersion": "2024-11-05",
					"serverInfo":      map[string]any{"name": "demo", "version": "1.0"},
					"capabilities": map[string]any{
						"resources": map[string]any{},
						"prompts":   map[string]any{},
					},
				}
			case "resources/list":
				result = map[string]any{
					"resources": []map[string]any{
						{"uri": "demo://readme", "name": "readme", "description": "Project notes"},
					},
				}
			case "prompts/list":
				result = map[string]any{
					"prompts": []map[string]any{{"name": "greet"}},
				}
			case "resources/read":
				result = map[string]any{
					"contents": []map[string]any{
						{"uri": "demo://readme", "text": "hello from the resource"},
					},
				}
			case "prompts/get":
				result = map[string]any{
					"description": "A greeting",
					"messages": []map[string]any{
						{"role": "user", "content": map[string]any{"type": "text", "text": "Hello Bob"}},
					},
				}
			default:
				result = map[string]any{}
			}
			conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": *msg.ID, "result": result})
		}
	}))
}

func wsServerConfig(t *testing.T, wsURL string) string {
	return writeConfig(t, fmt.Sprintf(`
llm:
  provider: ollama
  model: llama3.2
mcp_servers:
  demo:
    url: %s
    transport: websocket
log_level: error
`, wsURL))
}

func TestReadResourceCommand(t *testing.T) {
	srv := mcpWSServer(t)
	defer srv.Close()

	cfgPath := wsServerConfig(t, srv.URL)
	stdout, _, err := runCLI(t, "-config", cfgPath, "read", "demo_demo_readme")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(stdout, "hello from the resource") {
		t.Errorf("unexpected output:\n%s", stdout)
	}
}

func TestReadRejectsNonResource(t *testing.T) {
	srv := mcpWSServer(t)
	defer srv.Close()

	cfgPath := wsServerConfig(t, srv.URL)
	_, _, err := runCLI(t, "-config", cfgPath, "read", "demo_greet")
	if err == nil || !strings.Contains(err.Error(), "not a resource") {
		t.Fatalf("expected not-a-resource error, got %v", err)
	}
}

func TestPromptCommand(t *testing.T) {
	srv := mcpWSServer(t)
	defer srv.Close()

	cfgPath := wsServerConfig(t, srv.URL)
	stdout, _, err := runCLI(t, "-config", cfgPath, "prompt", "demo_greet", "name=Bob")
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if !strings.Contains(stdout, "A greeting") || !strings.Contains(stdout, "[user] Hello Bob") {
		t.Errorf("unexpected output:\n%s", stdout)
	}
}

func TestPromptBadArgument(t *testing.T) {
	_, _, err := runCLI(t, "prompt", "greet", "not-a-pair")
	if err == nil || !strings.Contains(err.Error(), "key=value") {
		t.Fatalf("expected key=value error, got %v", err)
	}
}

func TestReadRequiresExactlyOneArg(t *testing.T) {
	_, _, err := runCLI(t, "read")
	if err == nil || !strings.Contains(err.Error(), "usage") {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestModelsCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"models":[{"name":"llama3.2"},{"name":"qwen2.5-coder"}]}`)
	}))
	defer srv.Close()

	cfgPath := writeConfig(t, fmt.Sprintf(`
llm:
  provider: ollama
  model: llama3.2
  base_url: %s
log_level: error
`, srv.URL))

	stdout, _, err := runCLI(t, "-config", cfgPath, "models")
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if !strings.Contains(stdout, "* llama3.2") {
		t.Errorf("configured model not marked:\n%s", stdout)
	}
	if !strings.Contains(stdout, "  qwen2.5-coder") {
		t.Errorf("model list incomplete:\n%s", stdout)
	}
}

func TestModelsRequiresOllama(t *testing.T) {
	cfgPath := writeConfig(t, `
llm:
  provider: anthropic
  model: claude-sonnet-4-0
  api_key: test-key
`)
	_, _, err := runCLI(t, "-config", cfgPath, "models")
	if err == nil || !strings.Contains(err.Error(), "ollama provider") {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestServersNoServers(t *testing.T) {
	cfgPath := writeConfig(t, `
llm:
  provider: ollama
  model: llama3.2
log_level: error
`)
	stdout, _, err := runCLI(t, "-config", cfgPath, "servers")
	if err != nil {
		t.Fatalf("servers: %v", err)
	}
	if !strings.Contains(stdout, "No servers connected") {
		t.Errorf("unexpected output:\n%s", stdout)
	}
}
