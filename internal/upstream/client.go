package upstream

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agent-mcp-gateway/mcpgw-go/internal/config"
)

const clientName = "mcpgw"

// Client owns the connection strategy for one downstream server. It is
// constructed disconnected; every operation opens a fresh session (start,
// initialize, call, close) so calls never share transport state. For HTTP
// servers without an Authorization header the client negotiates OAuth
// automatically and caches the token across sessions.
type Client struct {
	name       string
	config     *config.ServerConfig
	logger     *zap.Logger
	tokenStore client.TokenStore
}

// NewClient builds a disconnected client for the descriptor.
func NewClient(name string, serverConfig *config.ServerConfig, logger *zap.Logger) *Client {
	c := &Client{
		name:   name,
		config: serverConfig,
		logger: logger.Named("upstream").With(zap.String("server", name)),
	}
	if serverConfig.Transport() == config.TransportHTTP && !hasAuthorizationHeader(serverConfig.Headers) {
		// Token survives the session so OAuth happens once, not per call.
		c.tokenStore = client.NewMemoryTokenStore()
	}
	return c
}

// Config returns the descriptor the client was built from.
func (c *Client) Config() *config.ServerConfig { return c.config }

// ListTools opens a session, lists the server's tools, and closes.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	session, err := c.openSession(ctx)
	if err != nil {
		return nil, err
	}
	defer session.close()

	result, err := session.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list_tools on %s failed: %w", c.name, err)
	}
	return result.Tools, nil
}

// CallTool opens a session, invokes the tool, and closes.
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	session, err := c.openSession(ctx)
	if err != nil {
		return nil, err
	}
	defer session.close()

	request := mcp.CallToolRequest{}
	request.Params.Name = tool
	request.Params.Arguments = args

	result, err := session.client.CallTool(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("tool %q on %s failed: %w", tool, c.name, err)
	}
	return result, nil
}

// Close releases cached credentials. Sessions are per-call, so there is no
// long-lived transport to tear down.
func (c *Client) Close() error {
	c.tokenStore = nil
	return nil
}

type session struct {
	client *client.Client
	logger *zap.Logger
}

func (s *session) close() {
	if err := s.client.Close(); err != nil {
		s.logger.Debug("Session close failed", zap.Error(err))
	}
}

// openSession constructs the transport-appropriate mcp-go client, starts it,
// and runs the MCP initialize handshake. The caller must close the session
// on every exit path.
func (c *Client) openSession(ctx context.Context) (*session, error) {
	mcpClient, err := c.buildClient()
	if err != nil {
		return nil, err
	}

	if err := mcpClient.Start(ctx); err != nil {
		_ = mcpClient.Close()
		return nil, fmt.Errorf("failed to start session with %s: %w", c.name, err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: "1.0.0",
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := mcpClient.Initialize(ctx, initRequest)
	if err != nil {
		_ = mcpClient.Close()
		return nil, fmt.Errorf("MCP initialize with %s failed: %w", c.name, err)
	}

	c.logger.Debug("Session established",
		zap.String("server_name", serverInfo.ServerInfo.Name),
		zap.String("server_version", serverInfo.ServerInfo.Version))

	return &session{client: mcpClient, logger: c.logger}, nil
}

func (c *Client) buildClient() (*client.Client, error) {
	if c.config.Transport() == config.TransportStdio {
		stdioTransport := transport.NewStdio(c.config.Command, buildEnv(c.config.Env), c.config.Args...)
		return client.NewClient(stdioTransport), nil
	}

	if hasAuthorizationHeader(c.config.Headers) {
		// Explicit credentials disable OAuth; headers are forwarded verbatim.
		httpTransport, err := transport.NewStreamableHTTP(c.config.URL,
			transport.WithHTTPHeaders(c.config.Headers))
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP transport for %s: %w", c.name, err)
		}
		return client.NewClient(httpTransport), nil
	}

	oauthClient, err := client.NewOAuthStreamableHttpClient(c.config.URL, client.OAuthConfig{
		TokenStore:  c.tokenStore,
		PKCEEnabled: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create OAuth HTTP client for %s: %w", c.name, err)
	}
	return oauthClient, nil
}

func hasAuthorizationHeader(headers map[string]string) bool {
	for key := range headers {
		if strings.EqualFold(key, "Authorization") {
			return true
		}
	}
	return false
}

// buildEnv merges descriptor env overrides onto the gateway's own
// environment, overrides last.
func buildEnv(overrides map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+overrides[key])
	}
	return env
}
