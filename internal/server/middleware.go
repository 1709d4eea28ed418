package server

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agent-mcp-gateway/mcpgw-go/internal/audit"
)

type contextKey string

// currentAgentKey carries the caller's agent id through the per-call context.
const currentAgentKey contextKey = "current_agent"

// AgentFromContext returns the agent id the middleware stored for this call.
func AgentFromContext(ctx context.Context) (string, bool) {
	agent, ok := ctx.Value(currentAgentKey).(string)
	return agent, ok
}

// gatewayHandler is a virtual-tool handler after agent extraction. It returns
// the response plus the audit decision and metadata for this call; the
// wrapper records exactly one audit entry and one metrics sample per call.
type gatewayHandler func(ctx context.Context, agent string, request mcp.CallToolRequest) (result *mcp.CallToolResult, decision string, metadata map[string]interface{})

// withAgent wraps a handler with the per-call agent protocol: read agent_id
// from the arguments, enforce deny_on_missing_agent, strip the parameter,
// stash the value in the context, and account the call on the way out.
func (s *GatewayServer) withAgent(operation string, handler gatewayHandler) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		s.orchestrator.CheckStale()

		args := request.GetArguments()
		agent, hasAgent := args["agent_id"].(string)
		if hasAgent && agent == "" {
			hasAgent = false
		}
		if !hasAgent {
			if s.engine.Defaults().DenyOnMissingAgent {
				s.account("", operation, audit.DecisionDeny, start,
					map[string]interface{}{"reason": "missing agent_id"}, true)
				return mcp.NewToolResultError("missing required parameter agent_id"), nil
			}
			agent = ""
		}
		// Strip before forwarding; handlers see the agent via the context.
		delete(args, "agent_id")
		ctx = context.WithValue(ctx, currentAgentKey, agent)

		result, decision, metadata := handler(ctx, agent, request)
		s.account(agent, operation, decision, start, metadata, decision == audit.DecisionError)
		return result, nil
	}
}

func (s *GatewayServer) account(agent, operation, decision string, start time.Time, metadata map[string]interface{}, isError bool) {
	latency := time.Since(start)
	s.audit.Record(agent, operation, decision, latency, metadata)
	s.metrics.Record(agent, operation, float64(latency.Microseconds())/1000.0, isError)
}
