package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loggyxp/loggyxp/internal/app"
	"github.com/loggyxp/loggyxp/internal/audit"
	"github.com/loggyxp/loggyxp/internal/config"
	"github.com/loggyxp/loggyxp/internal/server"
)

const defaultConfigPath = "loggyxp.yaml"

// flags holds the command-line overrides.
type flags struct {
	configPath string
	listenAddr string
	logLevel   string
	notifier   string
	watch      []string
}

func newRootCommand() *cobra.Command {
	var f flags

	rootCmd := &cobra.Command{
		Use:           "loggyxp [flags] [file...]",
		Short:         "Tail log files live in the browser",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &f, args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f.register(rootCmd)
	rootCmd.AddCommand(newVerifyAuditCommand())
	return rootCmd
}

func newVerifyAuditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-audit <file>",
		Short: "Check the hash chain of a command audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := audit.Verify(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries, chain intact\n", args[0], len(entries))
			return nil
		},
	}
}

func (f *flags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", defaultConfigPath, "Configuration file path")
	fl.StringVar(&f.listenAddr, "listen", "", "HTTP listen address (overrides listen_addr)")
	fl.StringVar(&f.logLevel, "log-level", "", "Log level: debug | info | warn | error")
	fl.StringVar(&f.notifier, "notifier", "", "Change notifier: fsnotify | poll")
	fl.StringArrayVarP(&f.watch, "watch", "w", nil, "File or glob pattern to watch at startup (repeatable)")
}

// loadConfig reads the configuration file and applies command-line
// overrides. The default file may be absent; an explicitly named one may not.
func loadConfig(cmd *cobra.Command, f *flags, args []string) (*config.Config, error) {
	cfg, err := config.LoadConfig(f.configPath)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
	default:
		return nil, err
	}

	if f.listenAddr != "" {
		cfg.ListenAddr = f.listenAddr
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.notifier != "" {
		cfg.Notifier = f.notifier
	}
	cfg.Watch = append(cfg.Watch, f.watch...)
	cfg.Watch = append(cfg.Watch, args...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run wires the service and the HTTP server and blocks until ctx is
// cancelled or either of them fails.
func run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("loggyxp starting",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("notifier", cfg.Notifier),
		slog.Int("watch", len(cfg.Watch)),
	)

	auth, err := server.NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return err
	}
	if auth == nil {
		logger.Warn("authentication not configured; API and WebSocket are open")
	}

	var trail *audit.Trail
	if cfg.Audit.Path != "" {
		trail, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer trail.Close()
		logger.Info("command audit trail enabled", slog.String("path", cfg.Audit.Path))
	}

	svc, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("loggyxp: %w", err)
	}

	srv := server.New(server.Config{
		Addr:          cfg.ListenAddr,
		DashboardPath: cfg.DashboardPath,
		Auth:          auth,
		Audit:         trail,
	}, svc, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	if err := g.Wait(); err != nil {
		logger.Error("loggyxp exited with error", slog.Any("error", err))
		return err
	}
	logger.Info("loggyxp exited cleanly")
	return nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
