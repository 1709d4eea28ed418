package scaffold

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-mcp-gateway/mcpgw-go/internal/config"
)

func TestRunWritesLoadableConfigs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fresh")
	var out bytes.Buffer

	require.NoError(t, Run(dir, strings.NewReader(""), &out))

	t.Setenv("BRAVE_API_KEY", "test-key")
	mcpCfg, err := config.LoadMCPConfig(filepath.Join(dir, "mcp-servers.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{"brave-search", "postgres"}, mcpCfg.ServerNames())
	assert.Equal(t, "Bearer test-key", mcpCfg.Servers["brave-search"].Headers["Authorization"])

	rules, err := config.LoadGatewayRules(filepath.Join(dir, "gateway-rules.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{"backend", "research"}, rules.AgentIDs())
	assert.True(t, rules.Defaults.DenyOnMissingAgent)

	assert.Contains(t, out.String(), "Wrote")
}

func TestRunSkipsExistingWithoutConsent(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "mcp-servers.json")
	require.NoError(t, os.WriteFile(existing, []byte(`{"mcpServers":{}}`), 0o644))

	var out bytes.Buffer
	require.NoError(t, Run(dir, strings.NewReader("n\n"), &out))

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mcpServers":{}}`, string(data))
	assert.Contains(t, out.String(), "Skipped")
}

func TestRunOverwritesWithConsent(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "mcp-servers.json")
	require.NoError(t, os.WriteFile(existing, []byte(`{"mcpServers":{}}`), 0o644))

	var out bytes.Buffer
	require.NoError(t, Run(dir, strings.NewReader("y\n"), &out))

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Contains(t, string(data), "postgres")
}
