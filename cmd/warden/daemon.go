package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fentz26/warden/internal/audit"
	"github.com/fentz26/warden/internal/bridge"
	"github.com/fentz26/warden/internal/config"
	"github.com/fentz26/warden/internal/connectors/localexec"
	"github.com/fentz26/warden/internal/controlplane"
	"github.com/fentz26/warden/internal/engine"
	"github.com/fentz26/warden/internal/governance"
	"github.com/fentz26/warden/internal/llm"
	"github.com/fentz26/warden/internal/parser"
	"github.com/fentz26/warden/internal/router"
	"github.com/fentz26/warden/internal/store"
	"github.com/fentz26/warden/internal/workspace"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	listenAddr   string
	dbPath       string
	rulesPath    string
	workspaceDir string
	auditBackend string
	debugLog     bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Warden daemon",
	Long:  `Starts the Warden daemon which serves the governance pipeline over HTTP.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (default from config, 127.0.0.1:7466)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (default ~/.warden/warden.db)")
	daemonCmd.Flags().StringVar(&rulesPath, "rules", "", "Path to the rule document (default ~/.warden/rules.yaml)")
	daemonCmd.Flags().StringVar(&workspaceDir, "workspace", "", "Workspace root intents may touch (default current directory)")
	daemonCmd.Flags().StringVar(&auditBackend, "audit-backend", "", "Audit storage: sqlite or jsonl")
	daemonCmd.Flags().BoolVar(&debugLog, "debug", false, "Enable debug logging")
}

// resolvedConfigPath returns --config or ~/.warden/config.yaml.
func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

// loadConfig reads the config file and applies daemon flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(resolvedConfigPath())
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Server.Listen = listenAddr
	}
	if flags.Changed("db") {
		cfg.Store.Path = dbPath
	}
	if flags.Changed("rules") {
		cfg.Governance.RulesPath = rulesPath
	}
	if flags.Changed("workspace") {
		cfg.Workspace.Root = workspaceDir
	}
	if flags.Changed("audit-backend") {
		cfg.Audit.Backend = auditBackend
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if debug {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func newAuditStorage(cfg *config.Config, st *store.Store, logger *zap.Logger) (audit.Storage, error) {
	if cfg.Audit.Backend == config.BackendJSONL {
		return audit.NewJSONLStorage(cfg.Audit.Dir, logger)
	}
	return audit.NewSQLiteStorage(st), nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(debugLog)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting warden daemon", zap.String("version", version))

	root, err := filepath.Abs(cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	// Initialize store
	s, err := store.New(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing database connection")
		if err := s.Close(); err != nil {
			logger.Error("database close error", zap.Error(err))
		}
	}()

	// Rules
	if created, err := governance.EnsureDefault(cfg.Governance.RulesPath); err != nil {
		logger.Warn("could not write default rules", zap.String("path", cfg.Governance.RulesPath), zap.Error(err))
	} else if created {
		logger.Info("wrote default rules", zap.String("path", cfg.Governance.RulesPath))
	}
	rules := governance.NewRuleStore(cfg.Governance.RulesPath, logger)

	watchCtx, stopWatch := context.WithCancel(context.Background())
	watchDone := make(chan struct{})
	if cfg.Governance.Watch {
		go func() {
			defer close(watchDone)
			if err := rules.Watch(watchCtx, cfg.Governance.Debounce); err != nil {
				logger.Warn("rule watcher stopped", zap.Error(err))
			}
		}()
	} else {
		close(watchDone)
	}
	defer func() {
		stopWatch()
		<-watchDone
	}()

	// Executors
	fs, err := workspace.NewLocal(root, cfg.Workspace.Protected, logger)
	if err != nil {
		return err
	}
	terminal := localexec.New(root, localexec.ParseAllowlist(cfg.Router.AllowedCommands))
	rt := router.New(&cfg.Router.Config, terminal, fs, nil, logger)

	storage, err := newAuditStorage(cfg, s, logger)
	if err != nil {
		return err
	}
	auditLogger := audit.NewLogger(storage, &cfg.Audit.Config, logger)

	// Approved file events go to the engine directly and through the outbox.
	events := bridge.NewChannelPublisher(64, logger)
	eng := engine.New(fs, s, &cfg.Engine, logger)
	eng.Subscribe(events.Events())
	eng.Start()
	defer func() {
		events.Close()
		eng.Stop()
	}()

	var gen llm.Generator
	if cfg.LLMEnabled() {
		apiKey := ""
		if cfg.LLM.APIKeyEnv != "" {
			apiKey = os.Getenv(cfg.LLM.APIKeyEnv)
		}
		gen = llm.NewClient(cfg.LLM, apiKey)
		logger.Info("llm summaries enabled", zap.String("endpoint", cfg.LLM.Endpoint), zap.String("model", cfg.LLM.Model))
	}

	b, err := bridge.New(bridge.Options{
		Config:      &cfg.Bridge,
		Parser:      parser.New(logger),
		Validator:   governance.NewValidator(rules, logger),
		Router:      rt,
		Audit:       auditLogger,
		Approvals:   s,
		Publisher:   bridge.MultiPublisher{events, bridge.NewOutboxPublisher(s)},
		Generator:   gen,
		DB:          s,
		RuleSource:  rules,
		Environment: map[string]string{"WARDEN_WORKSPACE": root},
		Version:     version,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	b.Start()

	// Stage toggles changed over the API are written back to the config file.
	path := resolvedConfigPath()
	save := func(stages bridge.Config) error {
		onDisk, err := config.LoadConfig(path)
		if err != nil {
			return err
		}
		onDisk.Bridge = stages
		return config.SaveConfig(path, onDisk)
	}

	service := controlplane.NewService(b, eng, save, logger)
	server := controlplane.NewServer(service, cfg.Server.Listen, logger)

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	logger.Info("pipeline ready",
		zap.String("listen", cfg.Server.Listen),
		zap.String("workspace", root),
		zap.String("rules", cfg.Governance.RulesPath),
		zap.String("audit_backend", cfg.Audit.Backend))

	// Wait for shutdown signal or server error
	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			runErr = err
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	logger.Info("stopping pipeline")
	if err := b.Close(shutdownCtx); err != nil {
		logger.Error("pipeline close error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return runErr
}
