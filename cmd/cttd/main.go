package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/cttmux/internal/config"
	"github.com/g960059/cttmux/internal/daemon"
	"github.com/g960059/cttmux/internal/db"
	"github.com/g960059/cttmux/internal/engine"
	"github.com/g960059/cttmux/internal/logx"
	"github.com/g960059/cttmux/internal/stream"
	"github.com/g960059/cttmux/internal/tmux"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flagValues struct {
	configPath string
	socketPath string
	listenAddr string
	dbPath     string
	tmuxHost   string
	logLevel   string
	logPretty  bool
}

func newRootCommand() *cobra.Command {
	var fv flagValues
	cmd := &cobra.Command{
		Use:           "cttd",
		Short:         "Durable terminal sessions over tmux",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(fv.configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg, fv)
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	f := cmd.Flags()
	f.StringVar(&fv.configPath, "config", os.Getenv("CTT_CONFIG"), "YAML config file")
	f.StringVar(&fv.socketPath, "socket", "", "UDS path for cttd")
	f.StringVar(&fv.listenAddr, "listen", "", "additional TCP listen address")
	f.StringVar(&fv.dbPath, "db", "", "SQLite path")
	f.StringVar(&fv.tmuxHost, "tmux-host", "", "ssh connection ref of the tmux host (empty for local)")
	f.StringVar(&fv.logLevel, "log-level", "", "trace, debug, info, warn or error")
	f.BoolVar(&fv.logPretty, "log-pretty", false, "human readable logs")
	return cmd
}

// applyFlags overlays flags the user actually set; they win over the file
// and the environment.
func applyFlags(cmd *cobra.Command, cfg *config.Config, fv flagValues) {
	changed := cmd.Flags().Changed
	if changed("socket") {
		cfg.SocketPath = fv.socketPath
	}
	if changed("listen") {
		cfg.ListenAddr = fv.listenAddr
	}
	if changed("db") {
		cfg.DBPath = fv.dbPath
	}
	if changed("tmux-host") {
		cfg.TmuxHost = fv.tmuxHost
	}
	if changed("log-level") {
		cfg.LogLevel = fv.logLevel
	}
	if changed("log-pretty") {
		cfg.LogPretty = fv.logPretty
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logx.Configure(cfg.LogLevel, cfg.LogPretty)

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return err
	}

	eng := newEngine(cfg, store, logger)
	if err := eng.LoadFrom(ctx, store); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}
	srv := daemon.NewServer(cfg, eng, logger)

	logger.Info().
		Str("socket", cfg.SocketPath).
		Str("db", cfg.DBPath).
		Str("tmux_host", cfg.TmuxHost).
		Str("session_prefix", cfg.SessionPrefix).
		Msg("cttd starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error {
		eng.RunReconcileLoop(gctx, cfg.ReconcileInterval)
		return nil
	})
	g.Go(func() error {
		if err := srv.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	err = g.Wait()
	logger.Info().Err(err).Msg("cttd stopped")
	return err
}

func newEngine(cfg config.Config, store *db.Store, logger zerolog.Logger) *engine.Engine {
	executor := tmux.NewExecutor(cfg)
	return engine.New(engine.Options{
		Config:   cfg,
		Mux:      tmux.NewClient(executor),
		Attacher: stream.NewPTYAttacher(cfg.TmuxHost, int(cfg.ConnectTimeout/time.Second), logger),
		Store:    store,
		Log:      logger,
	})
}
