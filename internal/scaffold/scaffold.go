// Package scaffold writes starter configuration files for a new gateway
// installation.
package scaffold

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const exampleMCPConfig = `{
  "mcpServers": {
    "postgres": {
      "command": "postgres-mcp",
      "args": ["--read-only"],
      "description": "Read-only access to the application database"
    },
    "brave-search": {
      "url": "https://api.search.example.com/mcp",
      "headers": {
        "Authorization": "Bearer ${BRAVE_API_KEY}"
      },
      "description": "Web search"
    }
  }
}
`

const exampleRules = `{
  "agents": {
    "backend": {
      "allow": {
        "servers": ["postgres"],
        "tools": {"postgres": ["*"]}
      },
      "deny": {
        "tools": {"postgres": ["drop_*"]}
      }
    },
    "research": {
      "allow": {
        "servers": ["brave-search"]
      }
    }
  },
  "defaults": {
    "deny_on_missing_agent": true
  }
}
`

// DefaultDir returns the standard per-user config directory.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user config dir: %w", err)
	}
	return filepath.Join(base, "agent-mcp-gateway"), nil
}

// Run writes example configs into dir, asking on stdin before overwriting an
// existing file. It reports what it did on out.
func Run(dir string, in io.Reader, out io.Writer) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	reader := bufio.NewReader(in)
	files := []struct {
		name    string
		content string
	}{
		{"mcp-servers.json", exampleMCPConfig},
		{"gateway-rules.json", exampleRules},
	}

	for _, file := range files {
		path := filepath.Join(dir, file.name)
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(out, "%s already exists. Overwrite? [y/N] ", path)
			answer, _ := reader.ReadString('\n')
			if !strings.EqualFold(strings.TrimSpace(answer), "y") {
				fmt.Fprintf(out, "Skipped %s\n", path)
				continue
			}
		}
		if err := os.WriteFile(path, []byte(file.content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Fprintf(out, "Wrote %s\n", path)
	}

	fmt.Fprintf(out, "\nEdit the files in %s, then run the gateway with:\n", dir)
	fmt.Fprintf(out, "  GATEWAY_MCP_CONFIG=%s \\\n", filepath.Join(dir, "mcp-servers.json"))
	fmt.Fprintf(out, "  GATEWAY_RULES=%s mcpgw\n", filepath.Join(dir, "gateway-rules.json"))
	return nil
}
