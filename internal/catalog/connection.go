package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/mcp"
)

// State is the lifecycle state of a server connection.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateDegraded
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Peer is the protocol client surface a Connection drives. *mcp.Client
// satisfies it; tests substitute recording doubles.
type Peer interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
	ListResources(ctx context.Context) ([]mcp.ResourceDefinition, error)
	ListPrompts(ctx context.Context) ([]mcp.PromptDefinition, error)
	ReadResource(ctx context.Context, uri string) ([]mcp.ResourceContent, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

// StateChangeFunc observes a connection's lifecycle transitions. Called
// synchronously with the old and new state; the Registry uses it to
// re-aggregate the catalog.
type StateChangeFunc func(c *Connection, from, to State)

// Connection owns the relationship with one tool server: handshake,
// capability discovery, call dispatch, and teardown. Invocations against
// the same connection are serialized because most MCP transports allow a
// single request in flight.
type Connection struct {
	name     string
	peer     Peer
	disabled map[string]bool
	logger   *slog.Logger

	invokeMu sync.Mutex // serializes CallTool against the peer

	mu            sync.RWMutex
	state         State
	caps          []Capability
	onStateChange StateChangeFunc
}

// NewConnection creates a connection for the named server. disabledTools
// lists raw tool names to hide from the catalog.
func NewConnection(name string, peer Peer, disabledTools []string, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	disabled := make(map[string]bool, len(disabledTools))
	for _, t := range disabledTools {
		disabled[t] = true
	}
	return &Connection{
		name:     name,
		peer:     peer,
		disabled: disabled,
		logger:   logger.With("server", name),
		state:    StateConnecting,
	}
}

// Name returns the configured server name.
func (c *Connection) Name() string {
	return c.name
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// OnStateChange registers the transition observer. Must be set before
// Connect; the Registry sets it during Register.
func (c *Connection) OnStateChange(fn StateChangeFunc) {
	c.mu.Lock()
	c.onStateChange = fn
	c.mu.Unlock()
}

// setState transitions the connection and notifies the observer. No-op
// if the state is unchanged or the connection is already closed.
func (c *Connection) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to || from == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = to
	fn := c.onStateChange
	c.mu.Unlock()

	c.logger.Debug("connection state changed", "from", from.String(), "to", to.String())
	if fn != nil {
		fn(c, from, to)
	}
}

// Connect performs the protocol handshake and discovers the server's
// tools, resources, and prompts. On success the connection is Ready; on
// failure it is Closed and a ConnectError is returned.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.peer.Initialize(ctx); err != nil {
		c.setState(StateClosed)
		return &ConnectError{Server: c.name, Err: err}
	}

	if err := c.discover(ctx); err != nil {
		c.setState(StateClosed)
		return &ConnectError{Server: c.name, Err: err}
	}

	c.setState(StateReady)
	return nil
}

// discover queries the server's capability listings and rebuilds the
// local capability set. Disabled tools are filtered out here so they
// never reach the catalog.
func (c *Connection) discover(ctx context.Context) error {
	tools, err := c.peer.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	resources, err := c.peer.ListResources(ctx)
	if err != nil {
		return fmt.Errorf("list resources: %w", err)
	}

	prompts, err := c.peer.ListPrompts(ctx)
	if err != nil {
		return fmt.Errorf("list prompts: %w", err)
	}

	caps := make([]Capability, 0, len(tools)+len(resources)+len(prompts))
	skipped := 0
	for _, t := range tools {
		if c.disabled[t.Name] {
			skipped++
			continue
		}
		caps = append(caps, Capability{
			RawName:     t.Name,
			Kind:        KindTool,
			Server:      c.name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	for _, r := range resources {
		caps = append(caps, Capability{
			RawName:     r.URI,
			Kind:        KindResource,
			Server:      c.name,
			Description: r.Description,
		})
	}
	for _, p := range prompts {
		caps = append(caps, Capability{
			RawName:     p.Name,
			Kind:        KindPrompt,
			Server:      c.name,
			Description: p.Description,
		})
	}

	c.mu.Lock()
	c.caps = caps
	c.mu.Unlock()

	c.logger.Info("discovered capabilities",
		"tools", len(tools)-skipped,
		"resources", len(resources),
		"prompts", len(prompts),
		"disabled", skipped,
	)
	return nil
}

// Capabilities returns a copy of the connection's discovered capability
// set. Safe to call repeatedly; reflects the latest discovery.
func (c *Connection) Capabilities() []Capability {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Capability, len(c.caps))
	copy(out, c.caps)
	return out
}

// Invoke calls a tool by its raw (server-local) name. Calls against the
// same connection are serialized. Fails fast with ErrConnectionClosed
// when the connection is closed, rather than hanging on a dead peer.
func (c *Connection) Invoke(ctx context.Context, rawName string, args map[string]any) (string, error) {
	if c.State() == StateClosed {
		return "", fmt.Errorf("invoke %s on %s: %w", rawName, c.name, ErrConnectionClosed)
	}

	c.invokeMu.Lock()
	defer c.invokeMu.Unlock()

	// Re-check under the invoke lock: the connection may have closed
	// while this call waited its turn.
	if c.State() == StateClosed {
		return "", fmt.Errorf("invoke %s on %s: %w", rawName, c.name, ErrConnectionClosed)
	}

	return c.peer.CallTool(ctx, rawName, args)
}

// ReadResource reads a resource from the server by URI.
func (c *Connection) ReadResource(ctx context.Context, uri string) ([]mcp.ResourceContent, error) {
	if c.State() == StateClosed {
		return nil, fmt.Errorf("read %s on %s: %w", uri, c.name, ErrConnectionClosed)
	}
	c.invokeMu.Lock()
	defer c.invokeMu.Unlock()
	return c.peer.ReadResource(ctx, uri)
}

// GetPrompt fetches a prompt template from the server.
func (c *Connection) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	if c.State() == StateClosed {
		return nil, fmt.Errorf("get prompt %s on %s: %w", name, c.name, ErrConnectionClosed)
	}
	c.invokeMu.Lock()
	defer c.invokeMu.Unlock()
	return c.peer.GetPrompt(ctx, name, args)
}

// Ping probes the server. Used by the health monitor.
func (c *Connection) Ping(ctx context.Context) error {
	if c.State() == StateClosed {
		return ErrConnectionClosed
	}
	return c.peer.Ping(ctx)
}

// Close transitions the connection to Closed and releases the transport.
// Idempotent; closing an already-closed connection is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	from := c.state
	c.state = StateClosed
	fn := c.onStateChange
	c.mu.Unlock()

	c.logger.Info("closing connection")
	err := c.peer.Close()
	if fn != nil {
		fn(c, from, StateClosed)
	}
	return err
}
