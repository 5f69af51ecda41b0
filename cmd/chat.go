package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/artifacts"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/rooms"
)

func chatCmd() *cobra.Command {
	var (
		server  string
		channel string
		nick    string
		secrets []string
	)
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Run one message through the resolver and agent, print the reply",
		Long: "chat exercises the full command path against the configured history\n" +
			"database without connecting any transport. The message goes through\n" +
			"trigger resolution, mode selection and a real agent run.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logLevel := slog.LevelWarn
			if verbose {
				logLevel = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: logLevel,
			})))

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if !cfg.HasAnyProvider() {
				return fmt.Errorf("no LLM provider API key set; source .env.local or run: parley onboard")
			}

			db, err := history.Open(config.ExpandHome(cfg.Database.Path), cfg.Database.PostgresDSN)
			if err != nil {
				return fmt.Errorf("open history database: %w", err)
			}
			defer db.Close()
			hist := history.NewStore(db)

			registry, imageGen := buildProviders(cfg)
			artStore, err := artifacts.NewStore(cfg.Artifacts)
			if err != nil {
				return fmt.Errorf("open artifact store: %w", err)
			}
			toolsReg := buildTools(cfg, artStore, imageGen)

			queue := rooms.NewSteeringQueue()
			executor := rooms.NewExecutor(rooms.ExecutorConfig{
				Registry:       registry,
				History:        hist,
				Queue:          queue,
				Tools:          toolsReg,
				Artifacts:      artStore,
				Costs:          rooms.NewCostTracker(cfg.CostSettings()),
				OverflowFactor: cfg.Artifacts.OverflowFactor,
			})
			coord := rooms.NewCoordinator(cfg, registry, hist, queue, executor, nil, nil)
			defer coord.Shutdown()

			msg := &bus.RoomMessage{
				Arc:     bus.Arc{Server: server, Channel: channel},
				Nick:    nick,
				MyNick:  "parley",
				Content: strings.Join(args, " "),
				Direct:  true,
				Secrets: parseSecrets(secrets),
			}
			send := func(ctx context.Context, text string) error {
				fmt.Println(text)
				return nil
			}
			res, err := coord.Execute(cmd.Context(), msg, send)
			if err != nil {
				return err
			}
			if verbose && res.Usage.Cost > 0 {
				fmt.Fprintf(os.Stderr, "run %s: %d iterations, %d tool calls, $%.4f\n",
					res.RunID, res.Iterations, res.ToolCalls, res.Usage.Cost)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "cli", "server tag for room config lookup")
	cmd.Flags().StringVar(&channel, "channel", "console", "channel for room config lookup")
	cmd.Flags().StringVar(&nick, "nick", defaultNick(), "nick to speak as")
	cmd.Flags().StringArrayVar(&secrets, "secret", nil, "key=value withheld from prompts and logs (repeatable)")
	return cmd
}

func defaultNick() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}

func parseSecrets(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
