package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agent-mcp-gateway/mcpgw-go/internal/audit"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/config"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/policy"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/upstream"
)

func jsonResult(v interface{}) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to serialize result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

func (s *GatewayServer) handleListServers(_ context.Context, agent string, request mcp.CallToolRequest) (*mcp.CallToolResult, string, map[string]interface{}) {
	includeMetadata := request.GetBool("include_metadata", false)

	names, wildcard := s.engine.AllowedServers(agent)
	cfg := s.manager.ServersConfig()
	if wildcard {
		names = cfg.ServerNames()
	}

	servers := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		serverConfig, ok := cfg.Servers[name]
		if !ok {
			// Allowed by policy but not configured; nothing to expose.
			continue
		}
		entry := map[string]interface{}{
			"name":      name,
			"transport": serverConfig.Transport(),
		}
		if includeMetadata {
			if serverConfig.Description != "" {
				entry["description"] = serverConfig.Description
			}
			switch serverConfig.Transport() {
			case config.TransportStdio:
				entry["command"] = serverConfig.Command
			case config.TransportHTTP:
				entry["url"] = serverConfig.URL
			}
		}
		servers = append(servers, entry)
	}

	return jsonResult(map[string]interface{}{
		"servers": servers,
		"total":   len(servers),
	}), audit.DecisionAllow, map[string]interface{}{"server_count": len(servers)}
}

type toolEntry struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

type serverToolsResult struct {
	Tools          []toolEntry `json:"tools"`
	Server         string      `json:"server"`
	TotalAvailable int         `json:"total_available"`
	Returned       int         `json:"returned"`
	TokensUsed     *int        `json:"tokens_used,omitempty"`
	Error          string      `json:"error,omitempty"`
}

func (s *GatewayServer) handleGetServerTools(ctx context.Context, agent string, request mcp.CallToolRequest) (*mcp.CallToolResult, string, map[string]interface{}) {
	server, err := request.RequireString("server")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter server"),
			audit.DecisionError, map[string]interface{}{"reason": "missing server"}
	}

	result := serverToolsResult{Tools: []toolEntry{}, Server: server}
	metadata := map[string]interface{}{"server": server}

	if !s.engine.CanAccessServer(agent, server) {
		result.Error = fmt.Sprintf("Access denied: agent %q is not allowed to access server %q", agent, server)
		metadata["reason"] = s.engine.DecisionReason(agent, server, "")
		return jsonResult(result), audit.DecisionDeny, metadata
	}

	downstream, err := s.manager.ListTools(ctx, server)
	if err != nil {
		switch {
		case errors.Is(err, upstream.ErrServerNotFound):
			result.Error = fmt.Sprintf("server not found: %s", server)
		case errors.Is(err, upstream.ErrServerUnavailable):
			result.Error = fmt.Sprintf("server unavailable: %v", err)
		default:
			result.Error = fmt.Sprintf("failed to list tools: %v", err)
		}
		metadata["error"] = result.Error
		return jsonResult(result), audit.DecisionError, metadata
	}
	result.TotalAvailable = len(downstream)

	args := request.GetArguments()
	_, hasBudget := args["max_schema_tokens"]

	filter := toolFilter{
		names:     parseNames(request.GetString("names", "")),
		pattern:   request.GetString("pattern", ""),
		hasBudget: hasBudget,
		budget:    int(request.GetFloat("max_schema_tokens", 0)),
	}
	tools, tokensUsed := s.selectTools(agent, server, downstream, filter)
	result.Tools = tools
	result.Returned = len(tools)
	if hasBudget {
		result.TokensUsed = &tokensUsed
	}

	metadata["total_available"] = result.TotalAvailable
	metadata["returned"] = result.Returned
	return jsonResult(result), audit.DecisionAllow, metadata
}

type toolFilter struct {
	names     map[string]bool
	pattern   string
	hasBudget bool
	budget    int
}

// selectTools applies the name, pattern, policy, and token-budget filters to
// a downstream tool list, preserving downstream order. The budget walk stops
// before the first tool that would overflow it.
func (s *GatewayServer) selectTools(agent, server string, downstream []mcp.Tool, filter toolFilter) ([]toolEntry, int) {
	tools := []toolEntry{}
	tokensUsed := 0
	for _, tool := range downstream {
		if len(filter.names) > 0 && !filter.names[tool.Name] {
			continue
		}
		if filter.pattern != "" && !policy.Match(filter.pattern, tool.Name) {
			continue
		}
		if !s.engine.CanAccessTool(agent, server, tool.Name) {
			continue
		}
		if filter.hasBudget {
			schemaJSON, _ := json.Marshal(tool.InputSchema)
			cost := s.estimator.Count(tool.Name + tool.Description + string(schemaJSON))
			if tokensUsed+cost > filter.budget {
				break
			}
			tokensUsed += cost
		}
		tools = append(tools, toolEntry{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return tools, tokensUsed
}

// parseNames splits a comma-separated filter into a set; empty input or
// all-empty segments mean no filter.
func parseNames(names string) map[string]bool {
	set := map[string]bool{}
	for _, name := range strings.Split(names, ",") {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			set[trimmed] = true
		}
	}
	return set
}

func (s *GatewayServer) handleExecuteTool(ctx context.Context, agent string, request mcp.CallToolRequest) (*mcp.CallToolResult, string, map[string]interface{}) {
	server, err := request.RequireString("server")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter server"),
			audit.DecisionError, map[string]interface{}{"reason": "missing server"}
	}
	tool, err := request.RequireString("tool")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter tool"),
			audit.DecisionError, map[string]interface{}{"reason": "missing tool", "server": server}
	}

	metadata := map[string]interface{}{"server": server, "tool": tool}

	if !s.engine.CanAccessServer(agent, server) || !s.engine.CanAccessTool(agent, server, tool) {
		reason := s.engine.DecisionReason(agent, server, tool)
		metadata["reason"] = reason
		s.logger.Info("Tool execution denied",
			zap.String("agent", agent),
			zap.String("server", server),
			zap.String("tool", tool),
			zap.String("reason", reason))
		return mcp.NewToolResultError(fmt.Sprintf("not authorized: %s", reason)),
			audit.DecisionDeny, metadata
	}

	toolArgs, _ := request.GetArguments()["args"].(map[string]interface{})

	timeoutMS := request.GetFloat("timeout_ms", 0)
	var timeout time.Duration
	if timeoutMS > 0 {
		timeout = time.Duration(timeoutMS) * time.Millisecond
		metadata["timeout_ms"] = timeoutMS
	}

	downstream, err := s.manager.CallTool(ctx, server, tool, toolArgs, timeout)
	if err != nil {
		var message string
		switch {
		case errors.Is(err, upstream.ErrTimeout):
			message = fmt.Sprintf("execution timed out after %dms", int64(timeoutMS))
		case errors.Is(err, upstream.ErrServerNotFound):
			message = fmt.Sprintf("server not found: %s", server)
		default:
			message = fmt.Sprintf("tool execution failed: %v", err)
		}
		metadata["error"] = message
		return mcp.NewToolResultError(message), audit.DecisionError, metadata
	}

	metadata["is_error"] = downstream != nil && downstream.IsError
	return jsonResult(normalizeResult(downstream)), audit.DecisionAllow, metadata
}

// normalizeResult maps a downstream call result to the gateway's
// {content, isError} shape, wrapping content-free results in a single text
// block so the caller always sees a content list.
func normalizeResult(downstream *mcp.CallToolResult) map[string]interface{} {
	if downstream == nil {
		return map[string]interface{}{
			"content": []mcp.Content{mcp.NewTextContent("")},
			"isError": false,
		}
	}
	content := downstream.Content
	if len(content) == 0 {
		text := ""
		if downstream.StructuredContent != nil {
			if data, err := json.Marshal(downstream.StructuredContent); err == nil {
				text = string(data)
			}
		}
		content = []mcp.Content{mcp.NewTextContent(text)}
	}
	return map[string]interface{}{
		"content": content,
		"isError": downstream.IsError,
	}
}

func (s *GatewayServer) handleGatewayStatus(_ context.Context, agent string, _ mcp.CallToolRequest) (*mcp.CallToolResult, string, map[string]interface{}) {
	status := s.orchestrator.Status()
	agents := s.engine.AgentIDs()
	servers := s.manager.AllServers()

	snapshot := map[string]interface{}{
		"config": map[string]interface{}{
			"mcp_config_path": s.mcpConfigPath,
			"rules_path":      s.rulesPath,
		},
		"reload": map[string]interface{}{
			"last_attempt_at": formatTime(status.LastAttemptAt),
			"last_success_at": formatTime(status.LastSuccessAt),
			"attempts":        status.Attempts,
			"successes":       status.Successes,
			"failures":        status.Failures,
			"last_error":      status.LastError,
			"warnings":        status.Warnings,
		},
		"policy": map[string]interface{}{
			"total_agents":          len(agents),
			"agent_ids":             agents,
			"deny_on_missing_agent": s.engine.Defaults().DenyOnMissingAgent,
		},
		"servers": servers,
		"message": fmt.Sprintf("Gateway running: %d servers configured, %d agents in policy", len(servers), len(agents)),
	}

	return jsonResult(snapshot), audit.DecisionAllow, map[string]interface{}{"requested_by": agent}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}
