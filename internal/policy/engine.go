package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agent-mcp-gateway/mcpgw-go/internal/config"
)

// Engine evaluates (agent, server, tool) authorization queries against the
// currently installed rule set. Deny rules always win over allow rules at
// the same granularity: for servers, literal deny beats everything; for
// tools, both explicit and wildcard denies are checked before any allow, so
// a wildcard deny overrides an explicit allow of the same tool.
//
// An agent allowed a server with no allow.tools entry for it (and no deny
// entry either) gets every tool on that server; an explicit allow.tools list,
// even an empty one, restricts access to exactly the listed patterns. All
// public methods are safe for concurrent use; Reload swaps the rule set
// atomically so readers see either the old or the new rules in full.
type Engine struct {
	mu     sync.RWMutex
	rules  *config.GatewayRules
	logger *zap.Logger
}

// ReloadSummary describes the difference between the outgoing and incoming
// rule sets.
type ReloadSummary struct {
	Added           []string
	Removed         []string
	Modified        []string
	DefaultsChanged bool
}

// NewEngine creates an engine over an initial rule set. Nil rules install
// the strict default (no agents, deny_on_missing_agent=true).
func NewEngine(rules *config.GatewayRules, logger *zap.Logger) *Engine {
	if rules == nil {
		rules = config.DefaultRules()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{rules: rules, logger: logger.Named("policy")}
}

// CanAccessServer reports whether the agent may reach the server at all.
func (e *Engine) CanAccessServer(agentID, server string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	allowed, _ := e.serverDecision(agentID, server)
	return allowed
}

// CanAccessTool reports whether the agent may invoke the tool on the server.
// Tool access implies server access.
func (e *Engine) CanAccessTool(agentID, server, tool string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	allowed, _ := e.toolDecision(agentID, server, tool)
	return allowed
}

// AllowedServers returns the agent's allow-listed server names in rule order,
// or wildcard=true when the agent is granted every server. Denied entries are
// filtered out of the returned list.
func (e *Engine) AllowedServers(agentID string) (names []string, wildcard bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policy, known := e.rules.Agents[agentID]
	if !known {
		return nil, !e.rules.Defaults.DenyOnMissingAgent
	}
	if policy == nil || policy.Allow == nil {
		return nil, false
	}
	for _, entry := range policy.Allow.Servers {
		if entry == "*" {
			return nil, true
		}
	}
	seen := map[string]bool{}
	for _, entry := range policy.Allow.Servers {
		if seen[entry] {
			continue
		}
		seen[entry] = true
		if allowed, _ := e.serverDecision(agentID, entry); allowed {
			names = append(names, entry)
		}
	}
	return names, false
}

// AllowedTools returns the agent's tool patterns for a server, or
// wildcard=true when every tool is granted (bare "*" or an omitted
// allow.tools entry). The server must itself be accessible; otherwise
// (nil, false) is returned.
func (e *Engine) AllowedTools(agentID, server string) (patterns []string, wildcard bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if allowed, _ := e.serverDecision(agentID, server); !allowed {
		return nil, false
	}
	policy, known := e.rules.Agents[agentID]
	if !known {
		return nil, true
	}
	var allowPatterns []string
	havePatterns := false
	if policy != nil && policy.Allow != nil && policy.Allow.Tools != nil {
		allowPatterns, havePatterns = policy.Allow.Tools[server]
	}
	if !havePatterns {
		return nil, true
	}
	for _, p := range allowPatterns {
		if p == "*" {
			return nil, true
		}
	}
	return append([]string(nil), allowPatterns...), false
}

// DecisionReason explains the decision for (agent, server) or, when tool is
// non-empty, (agent, server, tool) in a single deterministic line.
func (e *Engine) DecisionReason(agentID, server, tool string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if tool == "" {
		_, reason := e.serverDecision(agentID, server)
		return reason
	}
	_, reason := e.toolDecision(agentID, server, tool)
	return reason
}

// Defaults returns the rule set's defaults block.
func (e *Engine) Defaults() config.Defaults {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules.Defaults
}

// AgentIDs returns the configured agent ids in sorted order.
func (e *Engine) AgentIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules.AgentIDs()
}

// Reload validates the candidate rule set and, if valid, swaps it in
// atomically, returning a summary of the change. On validation failure the
// installed rules are untouched.
func (e *Engine) Reload(newRules *config.GatewayRules) (*ReloadSummary, error) {
	if err := config.ValidateRules(newRules); err != nil {
		return nil, fmt.Errorf("rules validation failed: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	summary := diffRules(e.rules, newRules)
	e.rules = newRules

	e.logger.Info("Policy rules reloaded",
		zap.Strings("added_agents", summary.Added),
		zap.Strings("removed_agents", summary.Removed),
		zap.Strings("modified_agents", summary.Modified),
		zap.Bool("defaults_changed", summary.DefaultsChanged))

	return summary, nil
}

// serverDecision evaluates server access under the read lock.
func (e *Engine) serverDecision(agentID, server string) (bool, string) {
	policy, known := e.rules.Agents[agentID]
	if !known {
		if e.rules.Defaults.DenyOnMissingAgent {
			return false, fmt.Sprintf("agent %q is not defined and deny_on_missing_agent is true", agentID)
		}
		return true, fmt.Sprintf("agent %q is not defined and deny_on_missing_agent is false", agentID)
	}
	if policy == nil {
		return false, fmt.Sprintf("agent %q has no allow rule for server %q (default deny)", agentID, server)
	}

	if policy.Deny != nil {
		for _, entry := range policy.Deny.Servers {
			if entry == server || entry == "*" {
				return false, fmt.Sprintf("server %q denied for agent %q by literal deny.servers entry %q", server, agentID, entry)
			}
		}
		for _, entry := range policy.Deny.Servers {
			if strings.Contains(entry, "*") && Match(entry, server) {
				return false, fmt.Sprintf("server %q denied for agent %q by deny.servers pattern %q", server, agentID, entry)
			}
		}
	}
	if policy.Allow != nil {
		for _, entry := range policy.Allow.Servers {
			if entry == server || entry == "*" {
				return true, fmt.Sprintf("server %q allowed for agent %q by literal allow.servers entry %q", server, agentID, entry)
			}
		}
		for _, entry := range policy.Allow.Servers {
			if strings.Contains(entry, "*") && Match(entry, server) {
				return true, fmt.Sprintf("server %q allowed for agent %q by allow.servers pattern %q", server, agentID, entry)
			}
		}
	}
	return false, fmt.Sprintf("agent %q has no allow rule for server %q (default deny)", agentID, server)
}

// toolDecision evaluates tool access under the read lock. Denies are checked
// before allows at both the explicit and wildcard levels.
func (e *Engine) toolDecision(agentID, server, tool string) (bool, string) {
	if allowed, reason := e.serverDecision(agentID, server); !allowed {
		return false, reason
	}

	policy := e.rules.Agents[agentID]
	if policy == nil {
		// Unknown agent with permissive defaults reaches here.
		return true, fmt.Sprintf("agent %q is not defined and deny_on_missing_agent is false", agentID)
	}

	var denyExplicit, denyWildcard []string
	if policy.Deny != nil && policy.Deny.Tools != nil {
		denyExplicit, denyWildcard = partitionPatterns(policy.Deny.Tools[server])
	}
	for _, p := range denyExplicit {
		if p == tool {
			return false, fmt.Sprintf("tool %q on server %q denied for agent %q by literal deny.tools entry %q", tool, server, agentID, p)
		}
	}
	for _, p := range denyWildcard {
		if Match(p, tool) {
			return false, fmt.Sprintf("tool %q on server %q denied for agent %q by deny.tools pattern %q", tool, server, agentID, p)
		}
	}

	var allowPatterns []string
	havePatterns := false
	if policy.Allow != nil && policy.Allow.Tools != nil {
		allowPatterns, havePatterns = policy.Allow.Tools[server]
	}
	if !havePatterns {
		return true, fmt.Sprintf("agent %q has no tool restrictions for server %q (all tools allowed)", agentID, server)
	}

	allowExplicit, allowWildcard := partitionPatterns(allowPatterns)
	for _, p := range allowExplicit {
		if p == tool {
			return true, fmt.Sprintf("tool %q on server %q allowed for agent %q by literal allow.tools entry %q", tool, server, agentID, p)
		}
	}
	for _, p := range allowWildcard {
		if Match(p, tool) {
			return true, fmt.Sprintf("tool %q on server %q allowed for agent %q by allow.tools pattern %q", tool, server, agentID, p)
		}
	}
	return false, fmt.Sprintf("tool %q on server %q matches no allow rule for agent %q (default deny)", tool, server, agentID)
}

// partitionPatterns splits tool rules into explicit names and wildcard
// patterns.
func partitionPatterns(patterns []string) (explicit, wildcard []string) {
	for _, p := range patterns {
		if strings.Contains(p, "*") {
			wildcard = append(wildcard, p)
		} else {
			explicit = append(explicit, p)
		}
	}
	return explicit, wildcard
}

func diffRules(oldRules, newRules *config.GatewayRules) *ReloadSummary {
	summary := &ReloadSummary{
		DefaultsChanged: oldRules.Defaults != newRules.Defaults,
	}
	for id := range newRules.Agents {
		if _, ok := oldRules.Agents[id]; !ok {
			summary.Added = append(summary.Added, id)
		}
	}
	for id, oldPolicy := range oldRules.Agents {
		newPolicy, ok := newRules.Agents[id]
		if !ok {
			summary.Removed = append(summary.Removed, id)
			continue
		}
		if !equalPolicies(oldPolicy, newPolicy) {
			summary.Modified = append(summary.Modified, id)
		}
	}
	sort.Strings(summary.Added)
	sort.Strings(summary.Removed)
	sort.Strings(summary.Modified)
	return summary
}

func equalPolicies(a, b *config.AgentPolicy) bool {
	if a == nil || b == nil {
		return a == b
	}
	return equalSections(a.Allow, b.Allow) && equalSections(a.Deny, b.Deny)
}

func equalSections(a, b *config.PolicySection) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Servers) != len(b.Servers) || len(a.Tools) != len(b.Tools) {
		return false
	}
	for i := range a.Servers {
		if a.Servers[i] != b.Servers[i] {
			return false
		}
	}
	for server, patterns := range a.Tools {
		other, ok := b.Tools[server]
		if !ok || len(other) != len(patterns) {
			return false
		}
		for i := range patterns {
			if patterns[i] != other[i] {
				return false
			}
		}
	}
	return true
}
