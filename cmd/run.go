package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/shopping-lead-harvester/internal/config"
	"github.com/JakeFAU/shopping-lead-harvester/internal/logging"
)

const closeTimeout = 15 * time.Second

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Starts the harvesting loop",
		Long: `Runs harvesting cycles until interrupted. Each cycle opens a browsing
session, processes a random sample of queries, and pauses. A systemic failure
restarts the loop after the configured backoff. When a challenge needs an
operator, type "done" (or an empty line) on stdin or POST /v1/challenge/done.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvester(cmd.Context(), opts)
		},
	}
}

func runHarvester(ctx context.Context, opts *options) (err error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		// Sync reports EINVAL on terminals.
		_ = logger.Sync()
	}()

	h, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := h.Close(closeCtx); cerr != nil {
			logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()

	if cfg.Challenge.StdinSignal && opts.stdin != nil {
		manual := h.Manual()
		go func() {
			if rerr := manual.ReadLines(ctx, opts.stdin); rerr != nil {
				logger.Debug("stdin signal reader stopped", zap.Error(rerr))
			}
		}()
	}

	logger.Info("harvester starting",
		zap.Strings("identities", cfg.Identity.Identities),
		zap.String("queries", cfg.Queries.File),
		zap.Bool("admin_server", cfg.Server.Enabled),
	)
	if err := h.Run(ctx); err != nil {
		return fmt.Errorf("run harvester: %w", err)
	}
	logger.Info("harvester stopped")
	return nil
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Loads and validates the configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d identities, restart cap %d, queries from %s\n",
				len(cfg.Identity.Identities), cfg.Recovery.MaxRestarts, cfg.Queries.File)
			return nil
		},
	}
}
