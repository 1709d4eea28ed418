package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/agent-mcp-gateway/mcpgw-go/internal/audit"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/config"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/httpapi"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/logs"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/metrics"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/policy"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/reload"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/scaffold"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/server"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/upstream"
	"github.com/agent-mcp-gateway/mcpgw-go/internal/watcher"
)

const configDebounce = 500 * time.Millisecond

var (
	debugMode  bool
	initConfig bool
	logLevel   string
	logToFile  bool
	logFile    string

	version = "dev" // injected by -ldflags at build time
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "mcpgw",
		Short:   "Policy-enforcing MCP gateway for autonomous agents",
		Long: "mcpgw fronts many downstream MCP servers behind a single stdio endpoint.\n" +
			"Agents discover and execute downstream tools through the gateway's virtual\n" +
			"tools; every call is checked against per-agent allow/deny rules and written\n" +
			"to an audit log.",
		Version:      version,
		SilenceUsage: true,
		RunE:         run,
	}

	rootCmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug mode (registers get_gateway_status)")
	rootCmd.Flags().BoolVar(&initConfig, "init", false, "Write starter config files and exit")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&logToFile, "log-to-file", false, "Also log to a rotated file")
	rootCmd.Flags().StringVar(&logFile, "log-file", "./logs/mcpgw.log", "Log file path when --log-to-file is set")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func bindEnv() {
	viper.SetDefault("mcp_config", config.DefaultMCPConfigPath)
	viper.SetDefault("rules", config.DefaultRulesPath)
	viper.SetDefault("audit_log", config.DefaultAuditLogPath)

	for key, env := range map[string]string{
		"mcp_config":     "GATEWAY_MCP_CONFIG",
		"rules":          "GATEWAY_RULES",
		"audit_log":      "GATEWAY_AUDIT_LOG",
		"default_agent":  "GATEWAY_DEFAULT_AGENT",
		"debug":          "GATEWAY_DEBUG",
		"metrics_listen": "GATEWAY_METRICS_LISTEN",
		"tokenizer":      "GATEWAY_TOKENIZER",
	} {
		_ = viper.BindEnv(key, env)
	}
}

func run(_ *cobra.Command, _ []string) error {
	if initConfig {
		dir, err := scaffold.DefaultDir()
		if err != nil {
			return err
		}
		return scaffold.Run(dir, os.Stdin, os.Stdout)
	}

	bindEnv()

	logOpts := logs.DefaultOptions()
	logOpts.Level = logLevel
	logOpts.EnableFile = logToFile
	logOpts.FilePath = logFile
	logger, err := logs.Setup(logOpts)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	debug := debugMode || viper.GetBool("debug")
	mcpPath := viper.GetString("mcp_config")
	rulesPath := viper.GetString("rules")
	auditPath := viper.GetString("audit_log")

	logger.Info("Starting mcpgw",
		zap.String("version", version),
		zap.String("mcp_config", mcpPath),
		zap.String("rules", rulesPath),
		zap.String("audit_log", auditPath),
		zap.Bool("debug", debug))

	if defaultAgent := viper.GetString("default_agent"); defaultAgent != "" {
		// Recorded for diagnostics only; calls still assert their own agent_id.
		logger.Info("GATEWAY_DEFAULT_AGENT is set", zap.String("default_agent", defaultAgent))
	}

	result, err := config.ReloadConfigs(mcpPath, rulesPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	for _, warning := range result.Warnings {
		logger.Warn("Configuration warning", zap.String("warning", warning))
	}

	engine := policy.NewEngine(result.Rules, logger)
	manager := upstream.NewManager(result.MCPConfig, logger)
	orchestrator := reload.NewOrchestrator(mcpPath, rulesPath, engine, manager, logger)
	auditLog := audit.NewLogger(auditPath, logger)

	configWatcher, err := watcher.New([]string{mcpPath, rulesPath}, configDebounce,
		orchestrator.OnFileChange, logger)
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := configWatcher.Start(); err != nil {
		logger.Warn("Config watcher unavailable, falling back to mtime polling", zap.Error(err))
	} else {
		defer configWatcher.Stop()
	}

	collector := metrics.NewCollector(logger)
	var debugHTTP *httpapi.Server
	if addr := viper.GetString("metrics_listen"); addr != "" {
		debugHTTP = httpapi.NewServer(addr, engine, manager, orchestrator, collector, logger)
		debugHTTP.Start()
		defer debugHTTP.Stop()
	}

	gateway := server.NewGatewayServer(server.Options{
		Engine:        engine,
		Manager:       manager,
		Orchestrator:  orchestrator,
		Audit:         auditLog,
		Metrics:       collector,
		Estimator:     server.NewTokenEstimator(viper.GetString("tokenizer"), logger),
		Logger:        logger,
		MCPConfigPath: mcpPath,
		RulesPath:     rulesPath,
		Debug:         debug,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- gateway.Serve() }()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("Gateway stopped with error", zap.Error(err))
			shutdown(manager, auditLog, logger)
			return err
		}
		logger.Info("Client disconnected")
	case sig := <-signals:
		logger.Info("Shutting down on signal", zap.String("signal", sig.String()))
	}

	shutdown(manager, auditLog, logger)
	return nil
}

func shutdown(manager *upstream.Manager, auditLog *audit.Logger, logger *zap.Logger) {
	manager.CloseAllConnections()
	if err := auditLog.Close(); err != nil {
		logger.Warn("Failed to close audit log", zap.Error(err))
	}
	logger.Info("Gateway stopped")
}
