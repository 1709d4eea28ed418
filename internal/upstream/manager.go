package upstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agent-mcp-gateway/mcpgw-go/internal/config"
)

// Sentinel errors surfaced by manager operations.
var (
	ErrServerNotFound    = errors.New("server not found")
	ErrServerUnavailable = errors.New("server unavailable")
	ErrTimeout           = errors.New("execution timed out")
)

const initialRetryBackoff = 500 * time.Millisecond

// ServerStatus is a point-in-time view of one downstream connection.
type ServerStatus struct {
	Connected   bool   `json:"connected"`
	Initialized bool   `json:"initialized"`
	Error       string `json:"error,omitempty"`
}

type serverEntry struct {
	config      *config.ServerConfig
	client      *Client
	connected   bool
	initialized bool
	lastErr     string
}

// Manager owns the gateway's downstream connections: one lazily connected
// client per configured server. Reload is differential, so clients whose
// descriptors did not change keep their identity (and any cached OAuth
// token) across config swaps.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*serverEntry
	cfg     *config.MCPConfig
	logger  *zap.Logger
}

// NewManager builds a manager for the given configuration. Clients are
// created immediately but stay disconnected until first use.
func NewManager(cfg *config.MCPConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		entries: make(map[string]*serverEntry),
		cfg:     cfg,
		logger:  logger.Named("upstream"),
	}
	for name, serverConfig := range cfg.Servers {
		m.entries[name] = &serverEntry{
			config: serverConfig,
			client: NewClient(name, serverConfig, logger),
		}
	}
	return m
}

// GetClient returns the client for a server, or an error naming the failure:
// ErrServerNotFound for an unknown name, ErrServerUnavailable carrying the
// last error when initialization previously failed.
func (m *Manager) GetClient(server string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[server]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, server)
	}
	if entry.client == nil {
		return nil, fmt.Errorf("%w: %s", ErrServerUnavailable, entry.lastErr)
	}
	return entry.client, nil
}

// ListTools opens a session on the server and returns its tool list.
func (m *Manager) ListTools(ctx context.Context, server string) ([]mcp.Tool, error) {
	client, err := m.GetClient(server)
	if err != nil {
		return nil, err
	}

	tools, err := client.ListTools(ctx)
	m.recordResult(server, err)
	if err != nil {
		return nil, err
	}
	return tools, nil
}

// CallTool invokes a tool on the server inside a fresh session. A positive
// timeout bounds the whole session; expiry surfaces as ErrTimeout.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]interface{}, timeout time.Duration) (*mcp.CallToolResult, error) {
	client, err := m.GetClient(server)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := client.CallTool(callCtx, tool, args)
	if timeout > 0 && callCtx.Err() == context.DeadlineExceeded {
		m.recordResult(server, err)
		return nil, fmt.Errorf("%w after %dms", ErrTimeout, timeout.Milliseconds())
	}
	m.recordResult(server, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TestConnection probes the server with list_tools, retrying up to
// maxRetries times with exponential backoff starting at 500ms. Status and
// last error are updated on every attempt.
func (m *Manager) TestConnection(ctx context.Context, server string, timeout time.Duration, maxRetries int) bool {
	client, err := m.GetClient(server)
	if err != nil {
		return false
	}
	if maxRetries < 1 {
		maxRetries = 1
	}

	backoff := initialRetryBackoff
	for attempt := 1; attempt <= maxRetries; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		_, err := client.ListTools(attemptCtx)
		if cancel != nil {
			cancel()
		}
		m.recordResult(server, err)
		if err == nil {
			return true
		}

		m.logger.Warn("Connection test attempt failed",
			zap.String("server", server),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return false
}

// AllServers returns the configured server names in sorted order.
func (m *Manager) AllServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServerStatus reports connection state for one server.
func (m *Manager) ServerStatus(server string) (ServerStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[server]
	if !ok {
		return ServerStatus{}, fmt.Errorf("%w: %s", ErrServerNotFound, server)
	}
	return ServerStatus{
		Connected:   entry.connected,
		Initialized: entry.client != nil,
		Error:       entry.lastErr,
	}, nil
}

// ServersConfig returns the currently installed configuration.
func (m *Manager) ServersConfig() *config.MCPConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// ReloadSummary reports how a differential reload partitioned the servers.
type ReloadSummary struct {
	Added     int
	Removed   int
	Changed   int
	Unchanged int
}

// Reload applies a new configuration differentially. The whole candidate is
// validated first; a validation failure leaves every client untouched.
// Unchanged servers keep their client identity; added and changed servers get
// fresh clients; removed servers are closed best-effort. Per-server
// construction failures are recorded, not fatal.
func (m *Manager) Reload(newCfg *config.MCPConfig) (*ReloadSummary, error) {
	if err := config.ValidateMCPConfig(newCfg); err != nil {
		return nil, fmt.Errorf("mcp config validation failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var added, removed, changed, unchanged []string
	for name := range newCfg.Servers {
		old, ok := m.entries[name]
		switch {
		case !ok:
			added = append(added, name)
		case !old.config.Equal(newCfg.Servers[name]):
			changed = append(changed, name)
		default:
			unchanged = append(unchanged, name)
		}
	}
	for name := range m.entries {
		if _, ok := newCfg.Servers[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)
	sort.Strings(unchanged)

	for _, name := range append(append([]string{}, removed...), changed...) {
		entry := m.entries[name]
		if entry.client != nil {
			if err := entry.client.Close(); err != nil {
				m.logger.Warn("Failed to close client during reload",
					zap.String("server", name), zap.Error(err))
			}
		}
		delete(m.entries, name)
	}

	for _, name := range append(append([]string{}, added...), changed...) {
		serverConfig := newCfg.Servers[name]
		entry := &serverEntry{config: serverConfig}
		entry.client = NewClient(name, serverConfig, m.logger)
		m.entries[name] = entry
	}

	for _, name := range unchanged {
		// Keep the live client; track the new (equal) descriptor value.
		m.entries[name].config = newCfg.Servers[name]
	}

	m.cfg = newCfg

	m.logger.Info("Downstream configuration reloaded",
		zap.Int("added", len(added)),
		zap.Int("removed", len(removed)),
		zap.Int("changed", len(changed)),
		zap.Int("unchanged", len(unchanged)),
		zap.Strings("added_servers", added),
		zap.Strings("removed_servers", removed),
		zap.Strings("changed_servers", changed))

	return &ReloadSummary{
		Added:     len(added),
		Removed:   len(removed),
		Changed:   len(changed),
		Unchanged: len(unchanged),
	}, nil
}

// CloseAllConnections best-effort-closes every client and clears the maps.
func (m *Manager) CloseAllConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, entry := range m.entries {
		if entry.client == nil {
			continue
		}
		if err := entry.client.Close(); err != nil {
			m.logger.Warn("Failed to close client",
				zap.String("server", name), zap.Error(err))
		}
	}
	m.entries = make(map[string]*serverEntry)
	m.cfg = &config.MCPConfig{Servers: map[string]*config.ServerConfig{}}
}

func (m *Manager) recordResult(server string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[server]
	if !ok {
		return
	}
	if err != nil {
		entry.connected = false
		entry.lastErr = err.Error()
		return
	}
	entry.connected = true
	entry.lastErr = ""
}
