package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadMCPConfig reads, parses, env-substitutes, and validates the downstream
// server configuration. The returned value is freshly built on every call and
// never mutated afterwards.
func LoadMCPConfig(path string) (*MCPConfig, error) {
	tree, err := readJSONObject(path)
	if err != nil {
		return nil, err
	}

	substituted, err := substituteEnv(tree, "mcp-servers")
	if err != nil {
		return nil, err
	}
	tree = substituted.(map[string]interface{})

	if err := validateMCPTree(tree); err != nil {
		return nil, err
	}

	cfg := &MCPConfig{}
	if err := rebind(tree, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if cfg.Servers == nil {
		cfg.Servers = map[string]*ServerConfig{}
	}
	return cfg, nil
}

// LoadGatewayRules reads, parses, and validates the per-agent rule set.
// No env substitution is performed on the rules file.
func LoadGatewayRules(path string) (*GatewayRules, error) {
	tree, err := readJSONObject(path)
	if err != nil {
		return nil, err
	}

	if err := validateRulesTree(tree); err != nil {
		return nil, err
	}

	rules := DefaultRules()
	if err := rebind(tree, rules); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if rules.Agents == nil {
		rules.Agents = map[string]*AgentPolicy{}
	}
	if _, ok := tree["defaults"]; !ok {
		rules.Defaults = Defaults{DenyOnMissingAgent: true}
	} else if defaults, ok := tree["defaults"].(map[string]interface{}); ok {
		if _, ok := defaults["deny_on_missing_agent"]; !ok {
			rules.Defaults.DenyOnMissingAgent = true
		}
	}
	return rules, nil
}

// ReloadResult carries the outcome of a combined two-file load.
type ReloadResult struct {
	MCPConfig *MCPConfig
	Rules     *GatewayRules
	// Warnings holds cross-validation findings: rules that reference servers
	// absent from the MCP config. Warnings never fail the reload.
	Warnings []string
}

// ReloadConfigs loads both config files and cross-validates them. Either
// file failing to load fails the whole reload; unknown-server references in
// the rules only produce warnings.
func ReloadConfigs(mcpPath, rulesPath string) (*ReloadResult, error) {
	mcpCfg, err := LoadMCPConfig(mcpPath)
	if err != nil {
		return nil, fmt.Errorf("mcp config: %w", err)
	}

	rules, err := LoadGatewayRules(rulesPath)
	if err != nil {
		return nil, fmt.Errorf("gateway rules: %w", err)
	}

	return &ReloadResult{
		MCPConfig: mcpCfg,
		Rules:     rules,
		Warnings:  CrossValidate(mcpCfg, rules),
	}, nil
}

func readJSONObject(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, &InvalidJSONError{File: path, Err: err}
	}
	return tree, nil
}

// rebind marshals a validated generic tree back into a typed value.
func rebind(tree map[string]interface{}, target interface{}) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
