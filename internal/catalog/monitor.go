package catalog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MonitorConfig controls health probing of registered connections.
type MonitorConfig struct {
	// PollInterval is the time between probe rounds (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each individual ping (default: 10s).
	ProbeTimeout time.Duration

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Monitor periodically pings every connection and drives the
// Ready<->Degraded transitions. A failed probe marks a Ready connection
// Degraded; a successful probe recovers it. Closed connections are left
// alone. Transitions propagate to the registry through the connections'
// state-change callbacks, which re-aggregate the catalog.
type Monitor struct {
	conns  func() []*Connection
	config MonitorConfig
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewMonitor creates a monitor over the connections returned by conns.
// The function is called each probe round so newly registered
// connections are picked up.
func NewMonitor(conns func() []*Connection, cfg MonitorConfig) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		conns:  conns,
		config: cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the probe loop in a background goroutine. It runs until
// ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.run(runCtx)
}

// Stop cancels the probe loop and waits for it to exit. Safe to call
// more than once.
func (m *Monitor) Stop() {
	m.once.Do(func() {
		if m.cancel == nil {
			return // never started
		}
		m.cancel()
		<-m.done
	})
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

// probeAll pings every non-closed connection once.
func (m *Monitor) probeAll(ctx context.Context) {
	for _, conn := range m.conns() {
		state := conn.State()
		if state == StateClosed || state == StateConnecting {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
		err := conn.Ping(probeCtx)
		cancel()

		switch {
		case state == StateReady && err != nil:
			m.logger.Info("server became unreachable",
				"server", conn.Name(), "error", err)
			conn.setState(StateDegraded)
		case state == StateDegraded && err == nil:
			m.logger.Info("server recovered", "server", conn.Name())
			conn.setState(StateReady)
		case state == StateDegraded && err != nil:
			m.logger.Debug("server still unreachable",
				"server", conn.Name(), "error", err)
		}
	}
}
