package config

import (
	"sort"
)

// Transport identifiers for downstream servers.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Default config file locations, overridable via GATEWAY_* env vars.
const (
	DefaultMCPConfigPath = "./config/mcp-servers.json"
	DefaultRulesPath     = "./config/gateway-rules.json"
	DefaultAuditLogPath  = "./logs/audit.jsonl"
)

// ServerConfig describes a single downstream MCP server. Exactly one of the
// stdio fields (Command/Args/Env) or the HTTP fields (URL/Headers) is set;
// the loader rejects descriptors that mix the two.
type ServerConfig struct {
	// Stdio transport
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// HTTP transport
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Optional human-readable description surfaced by list_servers.
	Description string `json:"description,omitempty"`
}

// Transport returns TransportStdio or TransportHTTP for a validated descriptor.
func (s *ServerConfig) Transport() string {
	if s.URL != "" {
		return TransportHTTP
	}
	return TransportStdio
}

// Equal reports whether two descriptors are field-wise identical. Used by the
// connection manager to decide whether a client survives a reload.
func (s *ServerConfig) Equal(other *ServerConfig) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Command == other.Command &&
		s.URL == other.URL &&
		s.Description == other.Description &&
		equalStringSlices(s.Args, other.Args) &&
		equalStringMaps(s.Env, other.Env) &&
		equalStringMaps(s.Headers, other.Headers)
}

// MCPConfig is the parsed mcp-servers.json document.
type MCPConfig struct {
	Servers map[string]*ServerConfig `json:"mcpServers"`
}

// ServerNames returns the configured server names in sorted order.
func (c *MCPConfig) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PolicySection is one allow or deny block of an agent policy.
type PolicySection struct {
	// Servers holds literal server names or the bare "*".
	Servers []string `json:"servers,omitempty"`
	// Tools maps a server name to tool patterns (literal, bare "*", or a
	// single "*" at the start or end of the pattern).
	Tools map[string][]string `json:"tools,omitempty"`
}

// AgentPolicy is the allow/deny rule pair for one agent id.
type AgentPolicy struct {
	Allow *PolicySection `json:"allow,omitempty"`
	Deny  *PolicySection `json:"deny,omitempty"`
}

// Defaults holds rule-set wide settings.
type Defaults struct {
	DenyOnMissingAgent bool `json:"deny_on_missing_agent"`
}

// GatewayRules is the parsed gateway-rules.json document.
type GatewayRules struct {
	Agents   map[string]*AgentPolicy `json:"agents,omitempty"`
	Defaults Defaults                `json:"defaults"`
}

// AgentIDs returns the rule set's agent ids in sorted order.
func (r *GatewayRules) AgentIDs() []string {
	ids := make([]string, 0, len(r.Agents))
	for id := range r.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultRules returns an empty rule set with the strict default.
func DefaultRules() *GatewayRules {
	return &GatewayRules{
		Agents:   map[string]*AgentPolicy{},
		Defaults: Defaults{DenyOnMissingAgent: true},
	}
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalStringMaps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
