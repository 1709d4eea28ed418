// Package reload coordinates hot configuration reloads. A reload validates
// both config files from disk first and only then swaps them into the policy
// engine and the upstream manager, so a broken edit never evicts a working
// configuration.
package reload

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agent-mcp-gateway/mcpgw-go/internal/config"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/policy"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/upstream"
)

// Status is a snapshot of the orchestrator's reload history.
type Status struct {
	LastAttemptAt time.Time `json:"last_attempt_at"`
	LastSuccessAt time.Time `json:"last_success_at"`
	Attempts      int64     `json:"attempts"`
	Successes     int64     `json:"successes"`
	Failures      int64     `json:"failures"`
	LastError     string    `json:"last_error,omitempty"`
	Warnings      []string  `json:"warnings,omitempty"`
}

// Orchestrator applies config file changes to the running gateway.
type Orchestrator struct {
	mcpPath   string
	rulesPath string
	engine    *policy.Engine
	manager   *upstream.Manager
	logger    *zap.Logger

	// reloadMu serializes reloads; statusMu guards the status record and the
	// observed mtimes so Status() never blocks behind a slow reload.
	reloadMu sync.Mutex
	statusMu sync.Mutex
	status   Status
	mtimes   map[string]time.Time
}

// NewOrchestrator wires the reload path. The initial load is assumed to have
// already happened; the orchestrator records current file mtimes as its
// baseline for staleness checks.
func NewOrchestrator(mcpPath, rulesPath string, engine *policy.Engine, manager *upstream.Manager, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		mcpPath:   mcpPath,
		rulesPath: rulesPath,
		engine:    engine,
		manager:   manager,
		logger:    logger.Named("reload"),
		mtimes:    make(map[string]time.Time),
	}
	o.recordMtimes()
	return o
}

// OnFileChange is the watcher callback. The changed path is informational;
// both files are always re-read together so they stay mutually consistent.
func (o *Orchestrator) OnFileChange(path string) {
	if err := o.Reload(fmt.Sprintf("file change: %s", path)); err != nil {
		o.logger.Warn("Reload failed, previous configuration remains active",
			zap.String("trigger", path),
			zap.Error(err))
	}
}

// Reload re-reads, validates, and applies both config files. On any failure
// the running configuration is left untouched and the error is returned.
func (o *Orchestrator) Reload(reason string) error {
	o.reloadMu.Lock()
	defer o.reloadMu.Unlock()

	o.statusMu.Lock()
	o.status.Attempts++
	o.status.LastAttemptAt = time.Now().UTC()
	o.statusMu.Unlock()

	result, err := config.ReloadConfigs(o.mcpPath, o.rulesPath)
	if err != nil {
		o.recordFailure(err)
		return err
	}

	policySummary, err := o.engine.Reload(result.Rules)
	if err != nil {
		o.recordFailure(err)
		return err
	}
	serverSummary, err := o.manager.Reload(result.MCPConfig)
	if err != nil {
		o.recordFailure(err)
		return err
	}

	o.statusMu.Lock()
	o.status.Successes++
	o.status.LastSuccessAt = time.Now().UTC()
	o.status.LastError = ""
	o.status.Warnings = append([]string(nil), result.Warnings...)
	o.statusMu.Unlock()
	o.recordMtimes()

	for _, warning := range result.Warnings {
		o.logger.Warn("Configuration warning", zap.String("warning", warning))
	}
	o.logger.Info("Configuration reloaded",
		zap.String("reason", reason),
		zap.Strings("agents_added", policySummary.Added),
		zap.Strings("agents_removed", policySummary.Removed),
		zap.Strings("agents_modified", policySummary.Modified),
		zap.Int("servers_added", serverSummary.Added),
		zap.Int("servers_removed", serverSummary.Removed),
		zap.Int("servers_changed", serverSummary.Changed),
		zap.Int("servers_unchanged", serverSummary.Unchanged))
	return nil
}

// CheckStale compares current file mtimes against the last applied ones and
// triggers a reload if either file changed. It is a cheap fallback for
// environments where filesystem notifications do not fire, meant to be called
// opportunistically from request handlers.
func (o *Orchestrator) CheckStale() {
	if !o.stale() {
		return
	}
	if err := o.Reload("stale config detected"); err != nil {
		o.logger.Warn("Stale-config reload failed", zap.Error(err))
	}
}

// Status returns a copy of the reload history.
func (o *Orchestrator) Status() Status {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()

	out := o.status
	out.Warnings = append([]string(nil), o.status.Warnings...)
	return out
}

func (o *Orchestrator) recordFailure(err error) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	o.status.Failures++
	o.status.LastError = err.Error()
}

func (o *Orchestrator) recordMtimes() {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	for _, path := range []string{o.mcpPath, o.rulesPath} {
		if info, err := os.Stat(path); err == nil {
			o.mtimes[path] = info.ModTime()
		}
	}
}

func (o *Orchestrator) stale() bool {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	for _, path := range []string{o.mcpPath, o.rulesPath} {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if seen, ok := o.mtimes[path]; !ok || info.ModTime().After(seen) {
			return true
		}
	}
	return false
}
