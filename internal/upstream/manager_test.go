package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agent-mcp-gateway/mcpgw-go/internal/config"
)

func testConfig() *config.MCPConfig {
	return &config.MCPConfig{
		Servers: map[string]*config.ServerConfig{
			"postgres": {Command: "postgres-mcp", Args: []string{"--read-only"}},
			"brave": {
				URL:     "https://brave.example/mcp",
				Headers: map[string]string{"Authorization": "Bearer token"},
			},
			"oauth-server": {URL: "https://oauth.example/mcp"},
		},
	}
}

func TestNewManagerCreatesDisconnectedClients(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())

	assert.Equal(t, []string{"brave", "oauth-server", "postgres"}, m.AllServers())

	for _, name := range m.AllServers() {
		status, err := m.ServerStatus(name)
		require.NoError(t, err)
		assert.False(t, status.Connected, "clients start disconnected")
		assert.True(t, status.Initialized)
		assert.Empty(t, status.Error)
	}
}

func TestGetClientUnknownServer(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())

	_, err := m.GetClient("ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerNotFound)

	_, err = m.ListTools(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrServerNotFound)

	_, err = m.CallTool(context.Background(), "ghost", "tool", nil, 0)
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestServerStatusUnknownServer(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())

	_, err := m.ServerStatus("ghost")
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestOAuthEnabledOnlyWithoutAuthorizationHeader(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())

	withHeader, err := m.GetClient("brave")
	require.NoError(t, err)
	assert.Nil(t, withHeader.tokenStore, "explicit Authorization header disables OAuth")

	withOAuth, err := m.GetClient("oauth-server")
	require.NoError(t, err)
	assert.NotNil(t, withOAuth.tokenStore, "headerless HTTP server gets OAuth auto-negotiation")

	stdio, err := m.GetClient("postgres")
	require.NoError(t, err)
	assert.Nil(t, stdio.tokenStore)
}

func TestAuthorizationHeaderCaseInsensitive(t *testing.T) {
	assert.True(t, hasAuthorizationHeader(map[string]string{"authorization": "x"}))
	assert.True(t, hasAuthorizationHeader(map[string]string{"AUTHORIZATION": "x"}))
	assert.False(t, hasAuthorizationHeader(map[string]string{"X-Api-Key": "x"}))
	assert.False(t, hasAuthorizationHeader(nil))
}

func TestReloadPreservesUnchangedClients(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())

	before, err := m.GetClient("postgres")
	require.NoError(t, err)

	newCfg := testConfig()
	newCfg.Servers["brave"].Headers["Authorization"] = "Bearer rotated"
	newCfg.Servers["fresh"] = &config.ServerConfig{Command: "fresh-mcp"}
	delete(newCfg.Servers, "oauth-server")

	summary, err := m.Reload(newCfg)
	require.NoError(t, err)
	assert.Equal(t, &ReloadSummary{Added: 1, Removed: 1, Changed: 1, Unchanged: 1}, summary)

	after, err := m.GetClient("postgres")
	require.NoError(t, err)
	assert.Same(t, before, after, "unchanged descriptor keeps its client identity")

	_, err = m.GetClient("oauth-server")
	assert.ErrorIs(t, err, ErrServerNotFound)

	fresh, err := m.GetClient("fresh")
	require.NoError(t, err)
	assert.NotNil(t, fresh)

	rotated, err := m.GetClient("brave")
	require.NoError(t, err)
	assert.NotSame(t, before, rotated)
	assert.Equal(t, "Bearer rotated", rotated.Config().Headers["Authorization"])
}

func TestReloadRejectsInvalidConfigWithoutMutation(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())

	before, err := m.GetClient("postgres")
	require.NoError(t, err)

	_, err = m.Reload(&config.MCPConfig{
		Servers: map[string]*config.ServerConfig{
			"bad": {Command: "x", URL: "http://also"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")

	after, err := m.GetClient("postgres")
	require.NoError(t, err)
	assert.Same(t, before, after, "failed reload must not touch clients")
	assert.Equal(t, []string{"brave", "oauth-server", "postgres"}, m.AllServers())
}

func TestCloseAllConnections(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())

	m.CloseAllConnections()
	assert.Empty(t, m.AllServers())

	_, err := m.GetClient("postgres")
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestTestConnectionFailsForUnreachableServer(t *testing.T) {
	cfg := &config.MCPConfig{
		Servers: map[string]*config.ServerConfig{
			"broken": {Command: "/nonexistent/mcpgw-test-binary"},
		},
	}
	m := NewManager(cfg, zap.NewNop())

	start := time.Now()
	ok := m.TestConnection(context.Background(), "broken", 2*time.Second, 2)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), initialRetryBackoff,
		"second attempt waits for the initial backoff")

	status, err := m.ServerStatus("broken")
	require.NoError(t, err)
	assert.False(t, status.Connected)
	assert.NotEmpty(t, status.Error)
}

func TestTestConnectionUnknownServer(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())
	assert.False(t, m.TestConnection(context.Background(), "ghost", time.Second, 1))
}

func TestBuildEnvAppendsOverridesLast(t *testing.T) {
	t.Setenv("MCPGW_TEST_BASE", "base")

	env := buildEnv(map[string]string{"B_KEY": "2", "A_KEY": "1"})
	require.GreaterOrEqual(t, len(env), 3)
	assert.Contains(t, env, "MCPGW_TEST_BASE=base")
	assert.Equal(t, "A_KEY=1", env[len(env)-2], "overrides are appended sorted")
	assert.Equal(t, "B_KEY=2", env[len(env)-1])
}
