package server

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agent-mcp-gateway/mcpgw-go/internal/audit"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/config"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/metrics"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/policy"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/reload"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/upstream"
)

const fixtureMCP = `{
  "mcpServers": {
    "postgres": {
      "command": "/nonexistent/postgres-mcp",
      "args": ["--read-only"],
      "description": "Read-only database access"
    },
    "db": {"command": "/nonexistent/db-mcp"},
    "brave": {"url": "https://api.example.com/mcp"}
  }
}`

const fixtureRules = `{
  "agents": {
    "backend": {
      "allow": {"servers": ["postgres"], "tools": {"postgres": ["*"]}},
      "deny": {"tools": {"postgres": ["drop_*"]}}
    },
    "t": {
      "allow": {"servers": ["db"], "tools": {"db": ["delete_user", "delete_data", "get_user"]}},
      "deny": {"tools": {"db": ["delete_*"]}}
    },
    "ops": {
      "allow": {"servers": ["*"]}
    }
  },
  "defaults": {"deny_on_missing_agent": true}
}`

type fixture struct {
	gateway   *GatewayServer
	engine    *policy.Engine
	manager   *upstream.Manager
	auditPath string
}

func newGatewayFixture(t *testing.T, rulesJSON string, debug bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	mcpPath := filepath.Join(dir, "mcp-servers.json")
	rulesPath := filepath.Join(dir, "gateway-rules.json")
	auditPath := filepath.Join(dir, "audit.jsonl")
	require.NoError(t, os.WriteFile(mcpPath, []byte(fixtureMCP), 0o644))
	require.NoError(t, os.WriteFile(rulesPath, []byte(rulesJSON), 0o644))

	result, err := config.ReloadConfigs(mcpPath, rulesPath)
	require.NoError(t, err)

	engine := policy.NewEngine(result.Rules, zap.NewNop())
	manager := upstream.NewManager(result.MCPConfig, zap.NewNop())
	orchestrator := reload.NewOrchestrator(mcpPath, rulesPath, engine, manager, zap.NewNop())
	auditLog := audit.NewLogger(auditPath, zap.NewNop())
	t.Cleanup(func() { _ = auditLog.Close() })

	gateway := NewGatewayServer(Options{
		Engine:        engine,
		Manager:       manager,
		Orchestrator:  orchestrator,
		Audit:         auditLog,
		Metrics:       metrics.NewCollector(zap.NewNop()),
		Logger:        zap.NewNop(),
		MCPConfigPath: mcpPath,
		RulesPath:     rulesPath,
		Debug:         debug,
	})
	return &fixture{gateway: gateway, engine: engine, manager: manager, auditPath: auditPath}
}

func callReq(name string, args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", result.Content[0])
	return text.Text
}

func decodeResult(t *testing.T, result *mcp.CallToolResult, into interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), into))
}

func readAudit(t *testing.T, path string) []audit.Entry {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var entries []audit.Entry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry audit.Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestMissingAgentIDIsRefused(t *testing.T) {
	f := newGatewayFixture(t, fixtureRules, false)
	handler := f.gateway.withAgent(audit.OpListServers, f.gateway.handleListServers)

	result, err := handler(context.Background(), callReq("list_servers", map[string]interface{}{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "missing required parameter agent_id")

	entries := readAudit(t, f.auditPath)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.DecisionDeny, entries[0].Decision)
	assert.Equal(t, audit.OpListServers, entries[0].Operation)
	assert.Empty(t, entries[0].AgentID)
}

func TestMissingAgentIDProceedsWhenLenient(t *testing.T) {
	lenient := `{
	  "agents": {},
	  "defaults": {"deny_on_missing_agent": false}
	}`
	f := newGatewayFixture(t, lenient, false)
	handler := f.gateway.withAgent(audit.OpListServers, f.gateway.handleListServers)

	result, err := handler(context.Background(), callReq("list_servers", map[string]interface{}{}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload struct {
		Servers []map[string]interface{} `json:"servers"`
		Total   int                      `json:"total"`
	}
	decodeResult(t, result, &payload)
	assert.Equal(t, 3, payload.Total, "lenient unknown agent sees every configured server")
}

func TestListServersFollowsPolicy(t *testing.T) {
	f := newGatewayFixture(t, fixtureRules, false)
	handler := f.gateway.withAgent(audit.OpListServers, f.gateway.handleListServers)

	result, err := handler(context.Background(),
		callReq("list_servers", map[string]interface{}{"agent_id": "backend", "include_metadata": true}))
	require.NoError(t, err)

	var payload struct {
		Servers []map[string]interface{} `json:"servers"`
		Total   int                      `json:"total"`
	}
	decodeResult(t, result, &payload)
	require.Equal(t, 1, payload.Total)
	assert.Equal(t, "postgres", payload.Servers[0]["name"])
	assert.Equal(t, "stdio", payload.Servers[0]["transport"])
	assert.Equal(t, "/nonexistent/postgres-mcp", payload.Servers[0]["command"])
	assert.Equal(t, "Read-only database access", payload.Servers[0]["description"])
}

func TestListServersWildcardExpandsToAllConfigured(t *testing.T) {
	f := newGatewayFixture(t, fixtureRules, false)
	handler := f.gateway.withAgent(audit.OpListServers, f.gateway.handleListServers)

	result, err := handler(context.Background(),
		callReq("list_servers", map[string]interface{}{"agent_id": "ops"}))
	require.NoError(t, err)

	var payload struct {
		Servers []map[string]interface{} `json:"servers"`
	}
	decodeResult(t, result, &payload)
	names := make([]string, 0, len(payload.Servers))
	for _, s := range payload.Servers {
		names = append(names, s["name"].(string))
	}
	assert.ElementsMatch(t, []string{"postgres", "db", "brave"}, names)
}

func TestListServersUnknownAgentStrictDefault(t *testing.T) {
	f := newGatewayFixture(t, fixtureRules, false)
	handler := f.gateway.withAgent(audit.OpListServers, f.gateway.handleListServers)

	result, err := handler(context.Background(),
		callReq("list_servers", map[string]interface{}{"agent_id": "ghost"}))
	require.NoError(t, err)

	var payload struct {
		Servers []map[string]interface{} `json:"servers"`
		Total   int                      `json:"total"`
	}
	decodeResult(t, result, &payload)
	assert.Empty(t, payload.Servers)
	assert.Equal(t, 0, payload.Total)
}

func TestExecuteToolDeniedByPolicy(t *testing.T) {
	f := newGatewayFixture(t, fixtureRules, false)
	handler := f.gateway.withAgent(audit.OpExecuteTool, f.gateway.handleExecuteTool)

	result, err := handler(context.Background(), callReq("execute_tool", map[string]interface{}{
		"agent_id": "backend",
		"server":   "postgres",
		"tool":     "drop_table",
		"args":     map[string]interface{}{},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not authorized")

	entries := readAudit(t, f.auditPath)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.DecisionDeny, entries[0].Decision)
	assert.Equal(t, "postgres", entries[0].Metadata["server"])
	assert.Equal(t, "drop_table", entries[0].Metadata["tool"])
}

func TestExecuteToolWildcardDenyBeatsExplicitAllow(t *testing.T) {
	f := newGatewayFixture(t, fixtureRules, false)
	handler := f.gateway.withAgent(audit.OpExecuteTool, f.gateway.handleExecuteTool)

	denied, err := handler(context.Background(), callReq("execute_tool", map[string]interface{}{
		"agent_id": "t",
		"server":   "db",
		"tool":     "delete_user",
		"args":     map[string]interface{}{},
	}))
	require.NoError(t, err)
	assert.True(t, denied.IsError)
	assert.Contains(t, resultText(t, denied), "not authorized")

	// get_user passes policy; with no real downstream it fails at execution,
	// which proves the gate was cleared.
	allowed, err := handler(context.Background(), callReq("execute_tool", map[string]interface{}{
		"agent_id": "t",
		"server":   "db",
		"tool":     "get_user",
		"args":     map[string]interface{}{},
	}))
	require.NoError(t, err)
	assert.True(t, allowed.IsError)
	assert.NotContains(t, resultText(t, allowed), "not authorized")
	assert.Contains(t, resultText(t, allowed), "tool execution failed")
}

func TestExecuteToolUnknownServer(t *testing.T) {
	f := newGatewayFixture(t, fixtureRules, false)
	handler := f.gateway.withAgent(audit.OpExecuteTool, f.gateway.handleExecuteTool)

	result, err := handler(context.Background(), callReq("execute_tool", map[string]interface{}{
		"agent_id": "ops",
		"server":   "ghost",
		"tool":     "anything",
		"args":     map[string]interface{}{},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "server not found")
}

func TestGetServerToolsAccessDenied(t *testing.T) {
	f := newGatewayFixture(t, fixtureRules, false)
	handler := f.gateway.withAgent(audit.OpGetServerTools, f.gateway.handleGetServerTools)

	result, err := handler(context.Background(), callReq("get_server_tools", map[string]interface{}{
		"agent_id": "backend",
		"server":   "brave",
	}))
	require.NoError(t, err)

	var payload serverToolsResult
	decodeResult(t, result, &payload)
	assert.Contains(t, payload.Error, "Access denied")
	assert.Empty(t, payload.Tools)
	assert.Zero(t, payload.TotalAvailable)
	assert.Zero(t, payload.Returned)

	entries := readAudit(t, f.auditPath)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.DecisionDeny, entries[0].Decision)
}

func TestGetServerToolsUnknownServerNeverRaises(t *testing.T) {
	f := newGatewayFixture(t, fixtureRules, false)
	handler := f.gateway.withAgent(audit.OpGetServerTools, f.gateway.handleGetServerTools)

	var result *mcp.CallToolResult
	var err error
	assert.NotPanics(t, func() {
		result, err = handler(context.Background(), callReq("get_server_tools", map[string]interface{}{
			"agent_id": "ops",
			"server":   "ghost",
		}))
	})
	require.NoError(t, err)

	var payload serverToolsResult
	decodeResult(t, result, &payload)
	assert.Contains(t, payload.Error, "server not found")
	assert.Zero(t, payload.TotalAvailable)
	assert.Zero(t, payload.Returned)
}

func TestGatewayStatusSnapshot(t *testing.T) {
	f := newGatewayFixture(t, fixtureRules, true)
	handler := f.gateway.withAgent("get_gateway_status", f.gateway.handleGatewayStatus)

	result, err := handler(context.Background(),
		callReq("get_gateway_status", map[string]interface{}{"agent_id": "ops"}))
	require.NoError(t, err)

	var payload struct {
		Config struct {
			MCPConfigPath string `json:"mcp_config_path"`
			RulesPath     string `json:"rules_path"`
		} `json:"config"`
		Policy struct {
			TotalAgents        int      `json:"total_agents"`
			AgentIDs           []string `json:"agent_ids"`
			DenyOnMissingAgent bool     `json:"deny_on_missing_agent"`
		} `json:"policy"`
		Servers []string `json:"servers"`
		Message string   `json:"message"`
	}
	decodeResult(t, result, &payload)

	assert.NotEmpty(t, payload.Config.MCPConfigPath)
	assert.Equal(t, 3, payload.Policy.TotalAgents)
	assert.Equal(t, []string{"backend", "ops", "t"}, payload.Policy.AgentIDs)
	assert.True(t, payload.Policy.DenyOnMissingAgent)
	assert.Equal(t, []string{"brave", "db", "postgres"}, payload.Servers)
	assert.Contains(t, payload.Message, "3 servers")
}

func TestDebugToolRegistrationGating(t *testing.T) {
	listTools := func(f *fixture) string {
		raw := f.gateway.MCPServer().HandleMessage(context.Background(),
			json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
		data, err := json.Marshal(raw)
		require.NoError(t, err)
		return string(data)
	}

	withDebug := newGatewayFixture(t, fixtureRules, true)
	assert.Contains(t, listTools(withDebug), "get_gateway_status")

	withoutDebug := newGatewayFixture(t, fixtureRules, false)
	out := listTools(withoutDebug)
	assert.NotContains(t, out, "get_gateway_status")
	assert.Contains(t, out, "list_servers")
	assert.Contains(t, out, "get_server_tools")
	assert.Contains(t, out, "execute_tool")
}
