// Package host composes the MCP client stack into a runnable process:
// it connects the configured tool servers, maintains the capability
// catalog, and runs conversation sessions against the selected model
// backend.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/archive"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/catalog"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/config"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/dispatch"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/llm"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/mcp"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/session"
)

// Host owns the server connections, the capability registry, the tool
// dispatcher, and the model backend for the lifetime of the process.
type Host struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *catalog.Registry
	monitor    *catalog.Monitor
	dispatcher *dispatch.Dispatcher
	backend    llm.Client
	store      *archive.Store

	mu     sync.Mutex
	conns  []*catalog.Connection
	closed bool
}

// New builds a host from the loaded configuration. No servers are
// contacted until Connect is called.
func New(cfg *config.Config, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}

	backend, err := buildBackend(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}

	style := catalog.NameStylePrefixed
	if cfg.NameStyle == "plain" {
		style = catalog.NameStylePlain
	}

	h := &Host{
		cfg:      cfg,
		logger:   logger,
		registry: catalog.NewRegistry(style, logger),
		backend:  backend,
		dispatcher: dispatch.New(dispatch.Config{
			CallTimeout: cfg.ToolTimeout,
			Retries:     cfg.RetryLimit(),
		}, logger),
	}
	h.monitor = catalog.NewMonitor(h.connections, catalog.MonitorConfig{Logger: logger})

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		store, err := archive.Open(filepath.Join(cfg.DataDir, "sessions.db"))
		if err != nil {
			return nil, fmt.Errorf("opening session archive: %w", err)
		}
		h.store = store
	}

	return h, nil
}

// buildBackend constructs the model client for the configured provider.
// The result is wrapped in a MultiClient so per-model routing can be
// added without touching callers.
func buildBackend(cfg config.LLMConfig, logger *slog.Logger) (llm.Client, error) {
	var base llm.Client
	switch cfg.Provider {
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires api_key")
		}
		base = llm.NewAnthropicClient(cfg.APIKey, cfg.BaseURL, logger)
	case "ollama":
		base = llm.NewOllamaClient(cfg.BaseURL, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	multi := llm.NewMultiClient(base)
	multi.AddProvider(cfg.Provider, base)
	return multi, nil
}

// Connect dials every enabled server concurrently. Individual failures
// are logged and tolerated; an error is returned only when servers are
// configured and none of them could be reached. The health monitor is
// started once at least one connection is up.
func (h *Host) Connect(ctx context.Context) error {
	type outcome struct {
		conn *catalog.Connection
		err  error
	}

	names := make([]string, 0, len(h.cfg.Servers))
	for name, sc := range h.cfg.Servers {
		if sc.IsEnabled() {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		h.logger.Warn("no tool servers configured; sessions will run without tools")
		return nil
	}

	results := make(chan outcome, len(names))
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string, sc config.ServerConfig) {
			defer wg.Done()
			conn, err := h.connect(ctx, name, sc)
			results <- outcome{conn: conn, err: err}
		}(name, h.cfg.Servers[name])
	}
	wg.Wait()
	close(results)

	var connected int
	for out := range results {
		if out.err != nil {
			h.logger.Error("server connection failed", "error", out.err)
			continue
		}
		if err := h.registry.Register(out.conn); err != nil {
			h.logger.Error("server rejected by registry",
				"server", out.conn.Name(), "error", err)
			out.conn.Close()
			continue
		}
		h.mu.Lock()
		h.conns = append(h.conns, out.conn)
		h.mu.Unlock()
		connected++
	}

	if connected == 0 {
		return fmt.Errorf("all %d configured servers failed to connect", len(names))
	}

	h.monitor.Start(ctx)
	h.logger.Info("host ready",
		"servers", connected,
		"capabilities", h.registry.Snapshot().Len())
	return nil
}

// connect builds the transport and client for one server and performs
// the handshake.
func (h *Host) connect(ctx context.Context, name string, sc config.ServerConfig) (*catalog.Connection, error) {
	transport, err := h.buildTransport(name, sc)
	if err != nil {
		return nil, fmt.Errorf("server %q: %w", name, err)
	}

	client := mcp.NewClient(name, transport, h.logger)
	conn := catalog.NewConnection(name, client, sc.DisabledTools, h.logger)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

func (h *Host) buildTransport(name string, sc config.ServerConfig) (mcp.Transport, error) {
	switch sc.Kind() {
	case "stdio":
		return mcp.NewStdioTransport(mcp.StdioConfig{
			Command: sc.Command,
			Args:    sc.Args,
			Env:     mergeEnv(h.cfg.Env, sc.Env),
			Logger:  h.logger.With("server", name),
		}), nil
	case "http":
		return mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     sc.URL,
			Headers: sc.Headers,
			Logger:  h.logger.With("server", name),
		}), nil
	case "websocket":
		return mcp.NewWSTransport(mcp.WSConfig{
			URL:     sc.URL,
			Headers: sc.Headers,
			Logger:  h.logger.With("server", name),
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", sc.Transport)
	}
}

// mergeEnv flattens the host-wide and per-server environment maps into
// the KEY=VALUE form subprocesses expect. Per-server entries win.
func mergeEnv(global, server map[string]string) []string {
	merged := make(map[string]string, len(global)+len(server))
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range server {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// RunSession runs one conversation to completion. onToken, when
// non-nil, receives streamed answer text as it arrives. Terminal
// sessions are archived when a data directory is configured, including
// failed and cancelled ones.
func (h *Host) RunSession(ctx context.Context, userInput string, onToken func(string)) (*session.Result, error) {
	sess := session.New(h.backend, h.dispatcher, h.registry, session.Config{
		Model:        h.cfg.LLM.Model,
		SystemPrompt: h.cfg.SystemPrompt,
		MaxTurns:     h.cfg.MaxTurns,
		OnToken:      onToken,
		Logger:       h.logger,
	})

	res, err := sess.Run(ctx, userInput)
	if res != nil && h.store != nil {
		if saveErr := h.store.Save(res); saveErr != nil {
			h.logger.Error("archiving session failed",
				"session", res.ID, "error", saveErr)
		}
	}
	return res, err
}

// Snapshot returns the current capability catalog.
func (h *Host) Snapshot() *catalog.Snapshot {
	return h.registry.Snapshot()
}

// Connections returns the live server connections, for status output.
func (h *Host) Connections() []*catalog.Connection {
	return h.connections()
}

// Archive returns the session store, or nil when no data directory is
// configured.
func (h *Host) Archive() *archive.Store {
	return h.store
}

func (h *Host) connections() []*catalog.Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*catalog.Connection, len(h.conns))
	copy(out, h.conns)
	return out
}

// Close stops the monitor, disconnects every server, and closes the
// archive. Safe to call more than once.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := h.conns
	h.conns = nil
	h.mu.Unlock()

	h.monitor.Stop()

	var firstErr error
	for _, conn := range conns {
		h.registry.Unregister(conn.Name())
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.store != nil {
		if err := h.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
