// Package server implements the gateway's MCP surface: a stdio server
// exposing the virtual tools that front every configured downstream server.
package server

import (
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agent-mcp-gateway/mcpgw-go/internal/audit"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/metrics"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/policy"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/reload"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/upstream"
)

// Options wires the gateway server's collaborators.
type Options struct {
	Engine       *policy.Engine
	Manager      *upstream.Manager
	Orchestrator *reload.Orchestrator
	Audit        *audit.Logger
	Metrics      *metrics.Collector
	Estimator    TokenEstimator
	Logger       *zap.Logger

	MCPConfigPath string
	RulesPath     string

	// Debug additionally registers get_gateway_status.
	Debug bool
}

// GatewayServer is the MCP server the agent talks to. Downstream tool
// surfaces are reachable only through its virtual tools.
type GatewayServer struct {
	server       *mcpserver.MCPServer
	engine       *policy.Engine
	manager      *upstream.Manager
	orchestrator *reload.Orchestrator
	audit        *audit.Logger
	metrics      *metrics.Collector
	estimator    TokenEstimator
	logger       *zap.Logger

	mcpConfigPath string
	rulesPath     string
	debug         bool
}

// NewGatewayServer builds the MCP server and registers the virtual tools.
func NewGatewayServer(opts Options) *GatewayServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	estimator := opts.Estimator
	if estimator == nil {
		estimator = heuristicEstimator{}
	}

	s := &GatewayServer{
		server: mcpserver.NewMCPServer(
			"mcpgw",
			"1.0.0",
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithRecovery(),
		),
		engine:        opts.Engine,
		manager:       opts.Manager,
		orchestrator:  opts.Orchestrator,
		audit:         opts.Audit,
		metrics:       opts.Metrics,
		estimator:     estimator,
		logger:        logger.Named("server"),
		mcpConfigPath: opts.MCPConfigPath,
		rulesPath:     opts.RulesPath,
		debug:         opts.Debug,
	}
	s.registerTools()
	return s
}

func (s *GatewayServer) registerTools() {
	listServers := mcp.NewTool("list_servers",
		mcp.WithDescription("List the downstream MCP servers this agent is allowed to access. Call this first to discover what is available, then use get_server_tools to inspect a server's tools."),
		mcp.WithString("agent_id",
			mcp.Required(),
			mcp.Description("Identifier of the calling agent, used for policy evaluation."),
		),
		mcp.WithBoolean("include_metadata",
			mcp.Description("Include per-server details: description and the stdio command or HTTP URL (default: false)."),
		),
	)
	s.server.AddTool(listServers, s.withAgent(audit.OpListServers, s.handleListServers))

	getServerTools := mcp.NewTool("get_server_tools",
		mcp.WithDescription("List the tools of one downstream server, filtered by this agent's policy. Supports name and glob-pattern filters and an optional token budget for the returned schemas."),
		mcp.WithString("agent_id",
			mcp.Required(),
			mcp.Description("Identifier of the calling agent, used for policy evaluation."),
		),
		mcp.WithString("server",
			mcp.Required(),
			mcp.Description("Name of the downstream server, as returned by list_servers."),
		),
		mcp.WithString("names",
			mcp.Description("Comma-separated tool names to include; omit for all tools."),
		),
		mcp.WithString("pattern",
			mcp.Description("Glob pattern to filter tool names, e.g. 'search_*'."),
		),
		mcp.WithNumber("max_schema_tokens",
			mcp.Description("Approximate token budget for the returned tool schemas; tools are dropped once the budget would be exceeded."),
		),
	)
	s.server.AddTool(getServerTools, s.withAgent(audit.OpGetServerTools, s.handleGetServerTools))

	executeTool := mcp.NewTool("execute_tool",
		mcp.WithDescription("Execute a tool on a downstream server on behalf of this agent. The call is checked against the agent's policy before it is forwarded."),
		mcp.WithString("agent_id",
			mcp.Required(),
			mcp.Description("Identifier of the calling agent, used for policy evaluation."),
		),
		mcp.WithString("server",
			mcp.Required(),
			mcp.Description("Name of the downstream server."),
		),
		mcp.WithString("tool",
			mcp.Required(),
			mcp.Description("Name of the tool to execute on that server."),
		),
		mcp.WithObject("args",
			mcp.Description("Arguments object passed to the downstream tool (default: empty)."),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description("Abort the downstream call after this many milliseconds."),
		),
	)
	s.server.AddTool(executeTool, s.withAgent(audit.OpExecuteTool, s.handleExecuteTool))

	if s.debug {
		status := mcp.NewTool("get_gateway_status",
			mcp.WithDescription("Inspect the gateway itself: configuration paths, reload history, policy summary, and configured servers. Registered only when the gateway runs in debug mode."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("Identifier of the calling agent."),
			),
		)
		s.server.AddTool(status, s.withAgent("get_gateway_status", s.handleGatewayStatus))
	}
}

// Serve runs the stdio frame loop until the client disconnects.
func (s *GatewayServer) Serve() error {
	s.logger.Info("Gateway serving on stdio",
		zap.Bool("debug", s.debug),
		zap.Strings("servers", s.manager.AllServers()))
	return mcpserver.ServeStdio(s.server)
}

// MCPServer exposes the underlying server, used by tests to drive calls
// without a stdio transport.
func (s *GatewayServer) MCPServer() *mcpserver.MCPServer { return s.server }
