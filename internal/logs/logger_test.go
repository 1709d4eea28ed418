package logs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetupConsoleOnly(t *testing.T) {
	logger, err := Setup(DefaultOptions())
	require.NoError(t, err)
	defer func() { _ = logger.Sync() }()

	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
}

func TestSetupWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.log")
	opts := DefaultOptions()
	opts.Level = LogLevelDebug
	opts.EnableFile = true
	opts.FilePath = path

	logger, err := Setup(opts)
	require.NoError(t, err)

	logger.Debug("written to both cores")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to both cores")
}

func TestSetupFileWithoutPathFails(t *testing.T) {
	opts := DefaultOptions()
	opts.EnableFile = true

	_, err := Setup(opts)
	assert.Error(t, err)
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	assert.Equal(t, zap.InfoLevel, parseLevel("bogus"))
	assert.Equal(t, zap.DebugLevel, parseLevel(LogLevelDebug))
	assert.Equal(t, zap.ErrorLevel, parseLevel(LogLevelError))
}
