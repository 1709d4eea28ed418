package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// validateMCPTree structurally validates a parsed mcp-servers.json document.
// It operates on the generic JSON tree so failures can name the exact path.
func validateMCPTree(tree map[string]interface{}) error {
	raw, ok := tree["mcpServers"]
	if !ok {
		return &ValidationError{Path: "mcpServers", Message: "required key is missing"}
	}
	servers, ok := raw.(map[string]interface{})
	if !ok {
		return &ValidationError{Path: "mcpServers", Message: fmt.Sprintf("expected object, got %s", jsonTypeName(raw))}
	}

	for name, rawServer := range servers {
		if name == "" {
			return &ValidationError{Path: "mcpServers", Message: "server name must not be empty"}
		}
		path := fmt.Sprintf("mcpServers[%q]", name)
		server, ok := rawServer.(map[string]interface{})
		if !ok {
			return &ValidationError{Path: path, Message: fmt.Sprintf("expected object, got %s", jsonTypeName(rawServer))}
		}
		if err := validateServerObject(path, server); err != nil {
			return err
		}
	}
	return nil
}

func validateServerObject(path string, server map[string]interface{}) error {
	_, hasCommand := server["command"]
	_, hasURL := server["url"]

	switch {
	case hasCommand && hasURL:
		return &ValidationError{Path: path, Message: `"command" and "url" are mutually exclusive`}
	case !hasCommand && !hasURL:
		return &ValidationError{Path: path, Message: `one of "command" or "url" is required`}
	}

	if hasCommand {
		command, ok := server["command"].(string)
		if !ok {
			return &ValidationError{Path: path + ".command", Message: fmt.Sprintf("expected string, got %s", jsonTypeName(server["command"]))}
		}
		if command == "" {
			return &ValidationError{Path: path + ".command", Message: "must not be empty"}
		}
		if raw, ok := server["args"]; ok {
			if err := requireStringArray(path+".args", raw); err != nil {
				return err
			}
		}
		if raw, ok := server["env"]; ok {
			if err := requireStringMap(path+".env", raw); err != nil {
				return err
			}
		}
		if _, ok := server["headers"]; ok {
			return &ValidationError{Path: path + ".headers", Message: `only valid for "url" servers`}
		}
	} else {
		url, ok := server["url"].(string)
		if !ok {
			return &ValidationError{Path: path + ".url", Message: fmt.Sprintf("expected string, got %s", jsonTypeName(server["url"]))}
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return &ValidationError{Path: path + ".url", Message: fmt.Sprintf("%q must begin with http:// or https://", url)}
		}
		if raw, ok := server["headers"]; ok {
			if err := requireStringMap(path+".headers", raw); err != nil {
				return err
			}
		}
		for _, key := range []string{"args", "env"} {
			if _, ok := server[key]; ok {
				return &ValidationError{Path: fmt.Sprintf("%s.%s", path, key), Message: `only valid for "command" servers`}
			}
		}
	}

	if raw, ok := server["description"]; ok {
		if _, isStr := raw.(string); !isStr {
			return &ValidationError{Path: path + ".description", Message: fmt.Sprintf("expected string, got %s", jsonTypeName(raw))}
		}
	}
	return nil
}

func requireStringArray(path string, raw interface{}) error {
	arr, ok := raw.([]interface{})
	if !ok {
		return &ValidationError{Path: path, Message: fmt.Sprintf("expected array, got %s", jsonTypeName(raw))}
	}
	for i, rawEntry := range arr {
		if _, ok := rawEntry.(string); !ok {
			return &ValidationError{Path: fmt.Sprintf("%s[%d]", path, i), Message: fmt.Sprintf("expected string, got %s", jsonTypeName(rawEntry))}
		}
	}
	return nil
}

func requireStringMap(path string, raw interface{}) error {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return &ValidationError{Path: path, Message: fmt.Sprintf("expected object, got %s", jsonTypeName(raw))}
	}
	for key, rawValue := range obj {
		if _, ok := rawValue.(string); !ok {
			return &ValidationError{Path: fmt.Sprintf("%s[%q]", path, key), Message: fmt.Sprintf("expected string, got %s", jsonTypeName(rawValue))}
		}
	}
	return nil
}

// validateRulesTree structurally validates a parsed gateway-rules.json document.
func validateRulesTree(tree map[string]interface{}) error {
	if raw, ok := tree["agents"]; ok {
		agents, ok := raw.(map[string]interface{})
		if !ok {
			return &ValidationError{Path: "agents", Message: fmt.Sprintf("expected object, got %s", jsonTypeName(raw))}
		}
		for id, rawPolicy := range agents {
			if !agentIDPattern.MatchString(id) {
				return &ValidationError{Path: "agents", Message: fmt.Sprintf("agent id %q must match [A-Za-z0-9_.-]+", id)}
			}
			policy, ok := rawPolicy.(map[string]interface{})
			if !ok {
				return &ValidationError{Path: fmt.Sprintf("Agent %q", id), Message: fmt.Sprintf("expected object, got %s", jsonTypeName(rawPolicy))}
			}
			for _, section := range []string{"allow", "deny"} {
				rawSection, ok := policy[section]
				if !ok {
					continue
				}
				if err := validatePolicySection(id, section, rawSection); err != nil {
					return err
				}
			}
		}
	}

	if raw, ok := tree["defaults"]; ok {
		defaults, ok := raw.(map[string]interface{})
		if !ok {
			return &ValidationError{Path: "defaults", Message: fmt.Sprintf("expected object, got %s", jsonTypeName(raw))}
		}
		if rawDeny, ok := defaults["deny_on_missing_agent"]; ok {
			if _, isBool := rawDeny.(bool); !isBool {
				return &ValidationError{Path: "defaults.deny_on_missing_agent", Message: fmt.Sprintf("expected boolean, got %s", jsonTypeName(rawDeny))}
			}
		}
	}
	return nil
}

func validatePolicySection(agentID, section string, raw interface{}) error {
	base := fmt.Sprintf("Agent %q %s", agentID, section)
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return &ValidationError{Path: base, Message: fmt.Sprintf("expected object, got %s", jsonTypeName(raw))}
	}

	if rawServers, ok := obj["servers"]; ok {
		servers, ok := rawServers.([]interface{})
		if !ok {
			return &ValidationError{Path: base + ".servers", Message: fmt.Sprintf("expected array, got %s", jsonTypeName(rawServers))}
		}
		for i, rawEntry := range servers {
			entry, ok := rawEntry.(string)
			if !ok {
				return &ValidationError{Path: fmt.Sprintf("%s.servers[%d]", base, i), Message: fmt.Sprintf("expected string, got %s", jsonTypeName(rawEntry))}
			}
			if err := CheckServerPattern(entry); err != nil {
				return &ValidationError{Path: fmt.Sprintf("%s.servers[%d]", base, i), Message: err.Error()}
			}
		}
	}

	if rawTools, ok := obj["tools"]; ok {
		tools, ok := rawTools.(map[string]interface{})
		if !ok {
			return &ValidationError{Path: base + ".tools", Message: fmt.Sprintf("expected object, got %s", jsonTypeName(rawTools))}
		}
		for server, rawPatterns := range tools {
			patterns, ok := rawPatterns.([]interface{})
			if !ok {
				return &ValidationError{Path: fmt.Sprintf("%s.tools[%q]", base, server), Message: fmt.Sprintf("expected array, got %s", jsonTypeName(rawPatterns))}
			}
			for i, rawPattern := range patterns {
				pattern, ok := rawPattern.(string)
				if !ok {
					return &ValidationError{Path: fmt.Sprintf("%s.tools[%q][%d]", base, server, i), Message: fmt.Sprintf("expected string, got %s", jsonTypeName(rawPattern))}
				}
				if err := CheckToolPattern(pattern); err != nil {
					return &ValidationError{Path: fmt.Sprintf("%s.tools[%q][%d]", base, server, i), Message: err.Error()}
				}
			}
		}
	}
	return nil
}

// CheckServerPattern validates an allow/deny server entry: a literal name or
// the bare "*". Embedded wildcards are rejected.
func CheckServerPattern(entry string) error {
	if entry == "" {
		return fmt.Errorf("server name must not be empty")
	}
	if entry == "*" {
		return nil
	}
	if strings.Contains(entry, "*") {
		return fmt.Errorf("server name %q may not contain a wildcard (only the bare \"*\" is allowed)", entry)
	}
	return nil
}

// CheckToolPattern validates a tool pattern: a literal, the bare "*", or a
// pattern with exactly one "*" at the start or end.
func CheckToolPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern must not be empty")
	}
	count := strings.Count(pattern, "*")
	switch {
	case count == 0:
		return nil
	case count > 1:
		return fmt.Errorf("pattern %q contains multiple wildcards", pattern)
	case pattern == "*":
		return nil
	case strings.HasPrefix(pattern, "*") || strings.HasSuffix(pattern, "*"):
		return nil
	default:
		return fmt.Errorf("pattern %q may only have a wildcard at the start or end", pattern)
	}
}

// ValidateRules re-checks an in-memory rule set. The policy engine calls this
// before swapping in new rules so a programmatically built set gets the same
// treatment as one read from disk.
func ValidateRules(rules *GatewayRules) error {
	if rules == nil {
		return &ValidationError{Message: "rules must not be nil"}
	}
	for id, policy := range rules.Agents {
		if !agentIDPattern.MatchString(id) {
			return &ValidationError{Path: "agents", Message: fmt.Sprintf("agent id %q must match [A-Za-z0-9_.-]+", id)}
		}
		if policy == nil {
			continue
		}
		for _, sec := range []struct {
			name    string
			section *PolicySection
		}{{"allow", policy.Allow}, {"deny", policy.Deny}} {
			rules := sec.section
			if rules == nil {
				continue
			}
			base := fmt.Sprintf("Agent %q %s", id, sec.name)
			for i, entry := range rules.Servers {
				if err := CheckServerPattern(entry); err != nil {
					return &ValidationError{Path: fmt.Sprintf("%s.servers[%d]", base, i), Message: err.Error()}
				}
			}
			for server, patterns := range rules.Tools {
				for i, pattern := range patterns {
					if err := CheckToolPattern(pattern); err != nil {
						return &ValidationError{Path: fmt.Sprintf("%s.tools[%q][%d]", base, server, i), Message: err.Error()}
					}
				}
			}
		}
	}
	return nil
}

// ValidateMCPConfig re-checks an in-memory MCP configuration. The connection
// manager calls this before a differential reload so no client is touched
// when the candidate config is unusable.
func ValidateMCPConfig(cfg *MCPConfig) error {
	if cfg == nil {
		return &ValidationError{Message: "mcp config must not be nil"}
	}
	for name, server := range cfg.Servers {
		path := fmt.Sprintf("mcpServers[%q]", name)
		if name == "" {
			return &ValidationError{Path: "mcpServers", Message: "server name must not be empty"}
		}
		if server == nil {
			return &ValidationError{Path: path, Message: "expected object, got null"}
		}
		hasCommand := server.Command != ""
		hasURL := server.URL != ""
		switch {
		case hasCommand && hasURL:
			return &ValidationError{Path: path, Message: `"command" and "url" are mutually exclusive`}
		case !hasCommand && !hasURL:
			return &ValidationError{Path: path, Message: `one of "command" or "url" is required`}
		case hasURL && !strings.HasPrefix(server.URL, "http://") && !strings.HasPrefix(server.URL, "https://"):
			return &ValidationError{Path: path + ".url", Message: fmt.Sprintf("%q must begin with http:// or https://", server.URL)}
		case hasCommand && len(server.Headers) > 0:
			return &ValidationError{Path: path + ".headers", Message: `only valid for "url" servers`}
		case hasURL && (len(server.Args) > 0 || len(server.Env) > 0):
			return &ValidationError{Path: path, Message: `"args" and "env" are only valid for "command" servers`}
		}
	}
	return nil
}

// CrossValidate reports every server referenced by the rules that is neither
// "*" nor present in the MCP config. Unknown references are warnings, never
// errors: the rule is inert until a matching server appears.
func CrossValidate(mcpCfg *MCPConfig, rules *GatewayRules) []string {
	if mcpCfg == nil || rules == nil {
		return nil
	}

	var warnings []string
	seen := map[string]bool{}
	note := func(agentID, where, server string) {
		if server == "*" {
			return
		}
		if _, ok := mcpCfg.Servers[server]; ok {
			return
		}
		key := agentID + "\x00" + where + "\x00" + server
		if seen[key] {
			return
		}
		seen[key] = true
		warnings = append(warnings, fmt.Sprintf("Agent %q %s references unknown server %q", agentID, where, server))
	}

	for _, agentID := range rules.AgentIDs() {
		policy := rules.Agents[agentID]
		if policy == nil {
			continue
		}
		for _, sec := range []struct {
			name    string
			section *PolicySection
		}{{"allow", policy.Allow}, {"deny", policy.Deny}} {
			if sec.section == nil {
				continue
			}
			for _, server := range sec.section.Servers {
				note(agentID, sec.name+".servers", server)
			}
			toolServers := make([]string, 0, len(sec.section.Tools))
			for server := range sec.section.Tools {
				toolServers = append(toolServers, server)
			}
			sort.Strings(toolServers)
			for _, server := range toolServers {
				note(agentID, sec.name+".tools", server)
			}
		}
	}
	return warnings
}

func jsonTypeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
