// Package audit appends one JSON object per completed gateway operation to a
// JSONL file. The sink is deliberately forgiving: an unwritable audit log is
// reported once per failure on the diagnostic log and otherwise ignored, so
// auditing can never take the gateway down.
package audit

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Decision values recorded per entry.
const (
	DecisionAllow = "ALLOW"
	DecisionDeny  = "DENY"
	DecisionError = "ERROR"
)

// Operation names recorded per entry.
const (
	OpListServers    = "list_servers"
	OpGetServerTools = "get_server_tools"
	OpExecuteTool    = "execute_tool"
	OpUnknown        = "unknown"
)

// Entry is one audit record.
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	AgentID   string                 `json:"agent_id"`
	Operation string                 `json:"operation"`
	Decision  string                 `json:"decision"`
	LatencyMS float64                `json:"latency_ms"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// Logger is a concurrency-safe JSONL sink.
type Logger struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *zap.Logger
}

// NewLogger creates a sink writing to path. The file (and its parent
// directory) is created lazily on the first record.
func NewLogger(path string, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{path: path, logger: logger.Named("audit")}
}

// Record appends one entry. Write failures are logged and swallowed.
func (l *Logger) Record(agentID, operation, decision string, latency time.Duration, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	entry := Entry{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
		AgentID:   agentID,
		Operation: operation,
		Decision:  decision,
		LatencyMS: roundLatency(latency),
		Metadata:  metadata,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		l.logger.Warn("Failed to marshal audit entry", zap.Error(err))
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		if err := l.open(); err != nil {
			l.logger.Warn("Failed to open audit log", zap.String("path", l.path), zap.Error(err))
			return
		}
	}
	if _, err := l.file.Write(line); err != nil {
		l.logger.Warn("Failed to write audit entry", zap.String("path", l.path), zap.Error(err))
		return
	}
	// Flush so a tail -f never sees a partial line.
	if err := l.file.Sync(); err != nil {
		l.logger.Debug("Audit log sync failed", zap.Error(err))
	}
}

// Close releases the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logger) open() error {
	if dir := filepath.Dir(l.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.file = file
	return nil
}

func roundLatency(latency time.Duration) float64 {
	ms := float64(latency.Microseconds()) / 1000.0
	return math.Round(ms*100) / 100
}
