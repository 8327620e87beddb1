package catalog

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// NameStyle controls how capability names are qualified in the catalog.
type NameStyle string

const (
	// NameStylePrefixed qualifies every capability as "{server}_{name}".
	// Collision-free by construction.
	NameStylePrefixed NameStyle = "prefixed"

	// NameStylePlain keeps the server's own names. Cross-server
	// collisions are rejected at registration time instead of silently
	// shadowing one another.
	NameStylePlain NameStyle = "plain"
)

// entry pairs a catalog capability with its owning connection.
type entry struct {
	cap  Capability
	conn *Connection
}

// Snapshot is a point-in-time, read-only view of the catalog. A snapshot
// taken at the start of a model turn stays internally consistent for the
// whole turn even if a connection drops; dispatch against a dropped
// connection fails at invoke time rather than mutating the view.
type Snapshot struct {
	version int64
	entries map[string]entry
	order   []string
}

// Version identifies this snapshot. Increases monotonically with every
// re-aggregation.
func (s *Snapshot) Version() int64 {
	return s.version
}

// Len returns the number of capabilities in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Capabilities returns all capabilities in deterministic name order.
func (s *Snapshot) Capabilities() []Capability {
	out := make([]Capability, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.entries[name].cap)
	}
	return out
}

// Tools returns only tool-kind capabilities, in deterministic name
// order. This is the available-tools list handed to the model.
func (s *Snapshot) Tools() []Capability {
	var out []Capability
	for _, name := range s.order {
		if e := s.entries[name]; e.cap.Kind == KindTool {
			out = append(out, e.cap)
		}
	}
	return out
}

// Resolve maps a catalog name back to its capability and owning
// connection. Returns ErrUnknownCapability when the name is absent.
func (s *Snapshot) Resolve(name string) (Capability, *Connection, error) {
	e, ok := s.entries[name]
	if !ok {
		return Capability{}, nil, fmt.Errorf("%q: %w", name, ErrUnknownCapability)
	}
	return e.cap, e.conn, nil
}

// Registry aggregates capabilities across all registered connections.
// Reads go through immutable snapshots so catalog views never block on a
// concurrent re-aggregation caused by a connection state change.
type Registry struct {
	logger    *slog.Logger
	nameStyle NameStyle

	mu      sync.Mutex // guards conns and rebuilds
	conns   map[string]*Connection
	version int64
	snap    atomic.Pointer[Snapshot]
}

// NewRegistry creates an empty registry using the given naming style.
func NewRegistry(style NameStyle, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if style == "" {
		style = NameStylePrefixed
	}
	r := &Registry{
		logger:    logger,
		nameStyle: style,
		conns:     make(map[string]*Connection),
	}
	r.snap.Store(&Snapshot{entries: map[string]entry{}})
	return r
}

// Register merges a connection's capability set into the catalog and
// subscribes to its state transitions so the catalog re-aggregates when
// the connection degrades, recovers, or closes. In plain naming mode a
// capability name already owned by another server is rejected.
func (r *Registry) Register(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.Name()]; exists {
		return fmt.Errorf("server %s already registered", conn.Name())
	}

	if r.nameStyle == NameStylePlain {
		if err := r.checkCollisionsLocked(conn); err != nil {
			return err
		}
	}

	r.conns[conn.Name()] = conn
	conn.OnStateChange(func(c *Connection, from, to State) {
		r.logger.Info("connection state change, re-aggregating catalog",
			"server", c.Name(), "from", from.String(), "to", to.String())
		r.rebuild()
	})

	r.rebuildLocked()
	return nil
}

// Unregister removes a connection's capabilities from the catalog
// atomically. The connection itself is not closed; that is the owner's
// job. In-flight calls against removed capabilities fail at invoke time.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[name]; !ok {
		return
	}
	delete(r.conns, name)
	r.rebuildLocked()
}

// Snapshot returns the current catalog view. The returned value is
// immutable; hold it for the duration of one model turn.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Resolve maps a catalog name to its capability and owning connection
// using the current snapshot.
func (r *Registry) Resolve(name string) (Capability, *Connection, error) {
	return r.Snapshot().Resolve(name)
}

// checkCollisionsLocked rejects a new connection whose raw capability
// names clash with capabilities already in the catalog. Plain mode only.
func (r *Registry) checkCollisionsLocked(conn *Connection) error {
	existing := make(map[string]string)
	for _, c := range r.conns {
		for _, cap := range c.Capabilities() {
			existing[cap.RawName] = c.Name()
		}
	}
	for _, cap := range conn.Capabilities() {
		if owner, ok := existing[cap.RawName]; ok {
			return fmt.Errorf("capability %q from server %s collides with server %s (use prefixed naming)",
				cap.RawName, conn.Name(), owner)
		}
	}
	return nil
}

// rebuild re-aggregates the catalog under the registry lock. Called from
// connection state-change callbacks.
func (r *Registry) rebuild() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuildLocked()
}

// rebuildLocked constructs a fresh snapshot from every connection that
// is currently usable and publishes it atomically. Caller holds r.mu.
func (r *Registry) rebuildLocked() {
	r.version++
	entries := make(map[string]entry)

	for _, conn := range r.conns {
		state := conn.State()
		if state != StateReady && state != StateDegraded {
			continue
		}
		for _, cap := range conn.Capabilities() {
			name := cap.RawName
			if r.nameStyle == NameStylePrefixed {
				name = QualifiedName(conn.Name(), cap.RawName)
			}
			if prev, ok := entries[name]; ok {
				r.logger.Warn("capability name collision, keeping first",
					"name", name, "kept", prev.cap.Server, "dropped", cap.Server)
				continue
			}
			cap.Name = name
			entries[name] = entry{cap: cap, conn: conn}
		}
	}

	order := make([]string, 0, len(entries))
	for name := range entries {
		order = append(order, name)
	}
	sort.Strings(order)

	snap := &Snapshot{
		version: r.version,
		entries: entries,
		order:   order,
	}
	r.snap.Store(snap)

	r.logger.Debug("catalog rebuilt", "version", r.version, "capabilities", len(entries))
}
