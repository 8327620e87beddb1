// Package dispatch executes model-requested tool-call batches against
// the capability catalog. Batch entries fan out concurrently, each entry
// resolves to its own result (partial-failure semantics), and the result
// slice preserves the original request order regardless of completion
// order so the transcript stays deterministic.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/catalog"
	"github.com/SimplyKnownAsG/could-you-mcp-host/internal/mcp"
)

// Request is one tool invocation requested by the model.
type Request struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Status of a completed dispatch entry.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Result is the outcome of one Request, correlated by ID. Exactly one
// of Content or Error is meaningful, selected by Status.
type Result struct {
	ID       string
	Name     string
	Status   Status
	Content  string
	Error    string
	Server   string
	Duration time.Duration
}

// errKind buckets invocation failures for the retry policy.
type errKind int

const (
	kindInvocation errKind = iota // peer reported the tool failed
	kindTimeout                   // per-call deadline expired
	kindDisconnected              // owning connection went away
	kindCancelled                 // session cancelled
)

// retryPolicy maps error kinds to retryability. Peer-reported failures
// are never retried; the model sees them and adapts. Transient kinds
// get the configured number of retries.
var retryPolicy = map[errKind]bool{
	kindInvocation:   false,
	kindTimeout:      true,
	kindDisconnected: true,
	kindCancelled:    false,
}

// classify buckets an invocation error by kind.
func classify(err error) errKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return kindTimeout
	case errors.Is(err, context.Canceled):
		return kindCancelled
	case errors.Is(err, catalog.ErrConnectionClosed):
		return kindDisconnected
	}
	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		return kindInvocation
	}
	return kindInvocation
}

// Config controls dispatch timing.
type Config struct {
	// CallTimeout bounds each individual invocation attempt (default: 30s).
	CallTimeout time.Duration

	// Retries is how many extra attempts transient failures get (default: 1).
	Retries int

	// RetryDelay is the pause between attempts (default: 250ms).
	RetryDelay time.Duration
}

// Dispatcher executes tool-call batches against catalog snapshots.
type Dispatcher struct {
	config Config
	logger *slog.Logger
}

// New creates a dispatcher. Zero-value config fields get defaults.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{config: cfg, logger: logger}
}

// Dispatch executes a batch of tool calls against the given catalog
// snapshot. Entries run concurrently; calls targeting the same
// connection serialize on that connection's invoke lock. Every request
// yields a Result at its original index — a failing entry never aborts
// its siblings and there is no batch-level error.
func (d *Dispatcher) Dispatch(ctx context.Context, snap *catalog.Snapshot, reqs []Request) []Result {
	results := make([]Result, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			results[i] = d.dispatchOne(ctx, snap, req)
		}(i, req)
	}
	wg.Wait()

	return results
}

// dispatchOne resolves and executes a single request, applying the
// timeout and retry policy.
func (d *Dispatcher) dispatchOne(ctx context.Context, snap *catalog.Snapshot, req Request) Result {
	start := time.Now()

	capability, conn, err := snap.Resolve(req.Name)
	if err != nil {
		// Unknown tool: error result without contacting any connection.
		d.logger.Warn("model requested unknown tool", "tool", req.Name)
		return Result{
			ID:       req.ID,
			Name:     req.Name,
			Status:   StatusError,
			Error:    fmt.Sprintf("unknown tool %q", req.Name),
			Duration: time.Since(start),
		}
	}
	if capability.Kind != catalog.KindTool {
		return Result{
			ID:       req.ID,
			Name:     req.Name,
			Status:   StatusError,
			Error:    fmt.Sprintf("%q is a %s, not a callable tool", req.Name, capability.Kind),
			Server:   capability.Server,
			Duration: time.Since(start),
		}
	}

	content, err := d.invoke(ctx, conn, capability.RawName, req.Arguments)
	res := Result{
		ID:       req.ID,
		Name:     req.Name,
		Server:   capability.Server,
		Duration: time.Since(start),
	}
	if err != nil {
		res.Status = StatusError
		res.Error = err.Error()
		d.logger.Warn("tool call failed",
			"tool", req.Name,
			"server", capability.Server,
			"duration", res.Duration,
			"error", err,
		)
		return res
	}

	res.Status = StatusOK
	res.Content = content
	d.logger.Debug("tool call completed",
		"tool", req.Name,
		"server", capability.Server,
		"duration", res.Duration,
	)
	return res
}

// invoke attempts the call with per-attempt timeouts, retrying transient
// failures per the policy table.
func (d *Dispatcher) invoke(ctx context.Context, conn *catalog.Connection, rawName string, args map[string]any) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= d.config.Retries; attempt++ {
		if attempt > 0 {
			d.logger.Debug("retrying tool call",
				"tool", rawName,
				"server", conn.Name(),
				"attempt", attempt+1,
			)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(d.config.RetryDelay):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, d.config.CallTimeout)
		content, err := conn.Invoke(callCtx, rawName, args)
		cancel()

		if err == nil {
			return content, nil
		}
		lastErr = err

		if !retryPolicy[classify(err)] {
			return "", err
		}
	}

	return "", fmt.Errorf("after %d attempts: %w", d.config.Retries+1, lastErr)
}
