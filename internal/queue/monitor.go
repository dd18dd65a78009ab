package queue

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DefaultCheckAddr is dialed to decide whether the CRM is reachable.
const DefaultCheckAddr = "www.zohoapis.com:443"

// MonitorOptions configures a NetworkMonitor.
type MonitorOptions struct {
	Addr     string        // host:port to dial; default DefaultCheckAddr
	Interval time.Duration // default 15s
	Timeout  time.Duration // default 3s
	Logger   *slog.Logger
	// Reachable overrides the TCP dial.
	Reachable func(ctx context.Context) bool
}

// NetworkMonitor polls connectivity and reports transitions.
type NetworkMonitor struct {
	reachable func(ctx context.Context) bool
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	online bool
	known  bool
}

// NewNetworkMonitor creates a monitor. It assumes online until the first check.
func NewNetworkMonitor(opts MonitorOptions) *NetworkMonitor {
	if opts.Addr == "" {
		opts.Addr = DefaultCheckAddr
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &NetworkMonitor{
		reachable: opts.Reachable,
		interval:  opts.Interval,
		logger:    opts.Logger,
		online:    true,
	}
	if m.reachable == nil {
		addr, timeout := opts.Addr, opts.Timeout
		m.reachable = func(ctx context.Context) bool {
			d := net.Dialer{Timeout: timeout}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return false
			}
			_ = conn.Close()
			return true
		}
	}
	return m
}

// Online returns the last observed state.
func (m *NetworkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check dials once and calls onChange if the state changed. The first
// check always reports.
func (m *NetworkMonitor) Check(ctx context.Context, onChange func(online bool)) {
	online := m.reachable(ctx)

	m.mu.Lock()
	changed := !m.known || m.online != online
	m.online = online
	m.known = true
	m.mu.Unlock()

	if changed {
		m.logger.Debug("network state", "online", online)
		onChange(online)
	}
}

// Run checks every interval until ctx is done.
func (m *NetworkMonitor) Run(ctx context.Context, onChange func(online bool)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx, onChange)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx, onChange)
		}
	}
}
