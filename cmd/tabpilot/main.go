package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"tabpilot/internal/alias"
	"tabpilot/internal/background"
	"tabpilot/internal/browser"
	"tabpilot/internal/bus"
	"tabpilot/internal/config"
	"tabpilot/internal/control"
	"tabpilot/internal/dispatch"
	"tabpilot/internal/errorlog"
	"tabpilot/internal/generation"
	"tabpilot/internal/integration"
	"tabpilot/internal/intent"
	"tabpilot/internal/mailer"
	"tabpilot/internal/metrics"
	"tabpilot/internal/orchestrator"
	"tabpilot/internal/pipeline"
	"tabpilot/internal/readiness"
	"tabpilot/internal/store"
	"tabpilot/internal/toolcall"

	"github.com/spf13/cobra"
)

const whatsappLoginURL = "https://web.whatsapp.com"

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "tabpilot",
		Short: "tabpilot: browser tab orchestration for LLM tool calls",
		Long:  "tabpilot executes model-emitted tool calls against live browser tabs, a local store, SMTP, and registered HTTP integrations.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.tabpilot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			workspace := config.ExpandPath(cfg.General.Workspace)
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "workspace", workspace)
			return nil
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfigOrDefaults() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
		cfg.General.Workspace = config.ExpandPath(cfg.General.Workspace)
		cfg.Browser.ProfileDir = config.ExpandPath(cfg.Browser.ProfileDir)
		cfg.Store.DBPath = config.ExpandPath(cfg.Store.DBPath)
		cfg.Integrations.RegistryPath = config.ExpandPath(cfg.Integrations.RegistryPath)
	}
	return cfg
}

func setupLogger(cfg *config.Config) error {
	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	var out io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return fmt.Errorf("cannot create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the tool pipeline and control server",
		RunE:  runPipeline,
	}
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg := loadConfigOrDefaults()
	if err := setupLogger(cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	messageBus := bus.New(100, logger)
	defer messageBus.Close()
	events := bus.NewEventBus(logger)

	bridge := browser.NewBridge(browser.Config{
		ProfileDir: cfg.Browser.ProfileDir,
		Headless:   cfg.Browser.Headless,
		Logger:     logger,
	})
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer bridge.Close()

	poller := readiness.NewPoller(readiness.Config{Snapshots: bridge, Logger: logger})
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Transport: bridge,
		Poller:    poller,
		Logger:    logger,
	})

	aliasBook := alias.NewBook(alias.Config{
		KV:           st,
		Logger:       logger,
		MaxEntries:   cfg.Alias.MaxEntries,
		SyncCooldown: time.Duration(cfg.Alias.SyncCooldownMins) * time.Minute,
	})
	aliasBook.Load(ctx)

	errLog := errorlog.New(errorlog.Config{
		KV:             st,
		Logger:         logger,
		MaxEntries:     cfg.ErrorLog.MaxEntries,
		MaxAge:         time.Duration(cfg.ErrorLog.MaxAgeMins) * time.Minute,
		CoalesceWindow: time.Duration(cfg.ErrorLog.CoalesceWindowS) * time.Second,
	})
	if err := errLog.Load(ctx); err != nil {
		logger.Warn("error log restore failed", "err", err)
	}

	registry, err := integration.Load(integration.Config{
		Path:   cfg.Integrations.RegistryPath,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("load integration registry: %w", err)
	}

	orchCfg := orchestrator.Config{
		Surfaces:     bridge,
		Dispatcher:   dispatcher,
		Aliases:      aliasBook,
		ErrorLog:     errLog,
		DB:           st,
		Integrations: registry,
		Audit:        st,
		Events:       events,
		Logger:       logger,
		SendAttempts: cfg.Dispatch.MaxAttempts,
		SendDelay:    time.Duration(cfg.Dispatch.RetryDelayMS) * time.Millisecond,
	}
	if cfg.Mail.Enabled {
		orchCfg.Mail = mailer.New(mailer.Config{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
			Timeout:  time.Duration(cfg.Mail.TimeoutSeconds) * time.Second,
			Logger:   logger,
		})
	}
	orch := orchestrator.New(orchCfg)

	tasks := background.New(logger, events)
	go drainTaskFailures(ctx, tasks)

	pipe := pipeline.New(pipeline.Config{
		Bus: messageBus,
		Parser: toolcall.NewParser(toolcall.Options{
			MaxCalls: cfg.Parser.MaxCalls,
			Diag: func(format string, args ...any) {
				metrics.ParserDrops.Inc()
				logger.Warn("parser drop", "detail", fmt.Sprintf(format, args...))
			},
		}),
		Detector: intent.NewDetector(intent.Config{
			Aliases:      aliasBook,
			Logger:       logger,
			Destinations: cfg.Intent.Destinations,
		}),
		Orch:     orch,
		ErrorLog: errLog,
		Guard:    generation.NewGuard(),
		Aliases:  aliasBook,
		History:  st,
		Tasks:    tasks,
		Logger:   logger,
	})
	go pipe.Run(ctx)

	logger.Info("tabpilot running", "version", version, "headless", cfg.Browser.Headless)

	if cfg.Control.Enabled {
		ctrl := control.NewServer(control.Config{
			Port:   cfg.Control.Port,
			Path:   cfg.Control.Path,
			Logger: logger,
		})
		err = ctrl.Start(ctx, messageBus)
	} else {
		<-ctx.Done()
	}

	tasks.Wait()
	return err
}

// drainTaskFailures surfaces background task errors in the process log.
func drainTaskFailures(ctx context.Context, tasks *background.Executor) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-tasks.Failures():
			logger.Error("background task failed", "task", f.Name, "id", f.TaskID, "err", f.Err)
		}
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [url]",
		Short: "Open a visible browser to log in to a chat surface",
		Long:  "Opens a visible Chrome window for you to scan the QR code or sign in. Cookies are saved in the configured profile for later use. Defaults to WhatsApp Web.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()
			if err := setupLogger(cfg); err != nil {
				return err
			}

			url := whatsappLoginURL
			if len(args) == 1 {
				url = args[0]
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bridge := browser.NewBridge(browser.Config{
				ProfileDir: cfg.Browser.ProfileDir,
				Headless:   false,
				Logger:     logger,
			})
			defer bridge.Close()

			logger.Info("opening login window, press Ctrl-C when done", "url", url)
			return bridge.Login(ctx, url)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			st, err := store.NewSQLiteStore(config.ExpandPath(cfg.Store.DBPath), logger)
			if err != nil {
				logger.Info("store", "ok", false, "err", err)
			} else {
				rows, _ := st.RecentConversations(context.Background(), 1)
				logger.Info("store", "ok", true, "path", cfg.Store.DBPath, "hasHistory", len(rows) > 0)
				st.Close()
			}

			registry, err := integration.Load(integration.Config{
				Path:   config.ExpandPath(cfg.Integrations.RegistryPath),
				Logger: logger,
			})
			if err != nil {
				logger.Info("integrations", "ok", false, "err", err)
			} else {
				logger.Info("integrations", "ok", true, "registered", len(registry.Names()))
			}

			logger.Info("control", "enabled", cfg.Control.Enabled, "port", cfg.Control.Port)
			logger.Info("mail", "enabled", cfg.Mail.Enabled)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. browser.profileDir)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. parser.maxCalls 5)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config paths with current values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%-32s %v\n", k, paths[k])
			}
			return nil
		},
	})

	return cmd
}
