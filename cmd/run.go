package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/internal/artifacts"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/channels"
	"github.com/parleyhq/parley/internal/chronicle"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/mcp"
	"github.com/parleyhq/parley/internal/rooms"
	"github.com/parleyhq/parley/internal/tracing"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot (the default when no subcommand is given)",
		Run: func(cmd *cobra.Command, args []string) {
			runDaemon()
		},
	}
}

func runDaemon() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// First run or missing secrets: help the user instead of failing
	// deep inside a provider call later.
	_, cfgStatErr := os.Stat(cfgPath)
	configMissing := os.IsNotExist(cfgStatErr)
	if !cfg.HasAnyProvider() || configMissing {
		if canAutoOnboard() {
			// Docker / CI: env vars carry the keys → non-interactive setup.
			if !runAutoOnboard(cfgPath) {
				os.Exit(1)
			}
			cfg, err = config.Load(cfgPath)
			if err != nil {
				slog.Error("failed to reload config after onboard", "error", err)
				os.Exit(1)
			}
		} else if !configMissing {
			// Config exists — user onboarded but forgot to source .env.local.
			envPath := filepath.Join(filepath.Dir(cfgPath), ".env.local")
			fmt.Println("No LLM provider API key found. Did you forget to load your secrets?")
			fmt.Println()
			fmt.Printf("  source %s && ./parley\n", envPath)
			fmt.Println()
			fmt.Println("Or re-run the setup wizard:  ./parley onboard")
			os.Exit(1)
		} else {
			fmt.Println("No configuration found. Starting setup wizard...")
			fmt.Println()
			runOnboard(cfgPath)
			return
		}
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfg.Watch(ctx, cfgPath); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	}

	tracingShutdown, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	} else {
		defer tracingShutdown(context.Background())
	}

	db, err := history.Open(config.ExpandHome(cfg.Database.Path), cfg.Database.PostgresDSN)
	if err != nil {
		slog.Error("failed to open history database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	hist := history.NewStore(db)
	slog.Info("history ready", "backend", db.Dialect.String())

	registry, imageGen := buildProviders(cfg)

	artStore, err := artifacts.NewStore(cfg.Artifacts)
	if err != nil {
		slog.Error("failed to open artifact store", "error", err)
		os.Exit(1)
	}

	toolsReg := buildTools(cfg, artStore, imageGen)

	if len(cfg.MCP.Servers) > 0 {
		mcpMgr := mcp.New(toolsReg, cfg.MCP)
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("mcp startup errors", "error", err)
		}
		defer mcpMgr.Stop()
	}
	slog.Info("tools ready", "tools", toolsReg.Names())

	msgBus := bus.NewMessageBus()

	chronStore := chronicle.NewStore(db)
	chron := chronicle.New(cfg.ChroniclerSettings(), chronStore, hist, registry)
	rollover, err := chronicle.NewRollover(chronStore, registry, cfg.Chronicler.Model, cfg.Chronicler.RolloverCron)
	if err != nil {
		slog.Error("invalid chronicler config", "error", err)
		os.Exit(1)
	}

	queue := rooms.NewSteeringQueue()
	costs := rooms.NewCostTracker(cfg.CostSettings())
	executor := rooms.NewExecutor(rooms.ExecutorConfig{
		Registry:       registry,
		History:        hist,
		Queue:          queue,
		Tools:          toolsReg,
		Artifacts:      artStore,
		Costs:          costs,
		Events:         msgBus,
		OverflowFactor: cfg.Artifacts.OverflowFactor,
	})
	proactive := rooms.NewProactiveRunner(cfg, registry, hist, queue, executor, msgBus)
	coord := rooms.NewCoordinator(cfg, registry, hist, queue, executor, proactive, chron)

	channelMgr := channels.NewManager(msgBus)
	registerChannels(channelMgr, cfg, msgBus)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		channelMgr.StopAll(stopCtx)
		coord.Shutdown()
		if err := chron.Flush(stopCtx); err != nil {
			slog.Warn("chronicle flush incomplete", "error", err)
		}
		cancel()
	}()

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	slog.Info("parley starting",
		"version", Version,
		"config", cfgPath,
		"tools", len(toolsReg.Names()),
		"channels", channelMgr.Status(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		consumeMessages(gctx, msgBus, coord)
		return nil
	})
	g.Go(func() error {
		rollover.Run(gctx)
		return nil
	})
	if cfg.Artifacts.Listen != "" || cfg.Tailscale.Hostname != "" {
		srv := artifacts.NewServer(cfg.Artifacts, cfg.Tailscale, artStore, msgBus, channelStatus(channelMgr))
		g.Go(func() error {
			return srv.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon error", "error", err)
		os.Exit(1)
	}
	slog.Info("parley stopped")
}

// channelStatus adapts the manager's per-channel running map to the
// status server's payload shape.
func channelStatus(mgr *channels.Manager) func() map[string]any {
	return func() map[string]any {
		status := make(map[string]any)
		for name, running := range mgr.Status() {
			status[name] = running
		}
		return status
	}
}
