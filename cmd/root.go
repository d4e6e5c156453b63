// Package cmd defines the CLI commands of the harvester executable.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/shopping-lead-harvester/internal/app"
	"github.com/JakeFAU/shopping-lead-harvester/internal/challenge"
	"github.com/JakeFAU/shopping-lead-harvester/internal/config"
	"github.com/JakeFAU/shopping-lead-harvester/internal/logging"
)

// Harvester is the application surface the commands drive. It allows tests
// to inject a fake in place of the wired app.
type Harvester interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Manual() *challenge.ManualChannel
}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Harvester, error) {
	return app.New(ctx, cfg, logger, app.Options{})
}

// newLogger builds the root logger; tests replace it.
var newLogger = logging.New

type options struct {
	configPath string
	stdin      io.Reader
}

func newRootCmd(stdin io.Reader) *cobra.Command {
	opts := &options{stdin: stdin}
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests merchant leads from shopping result pages.",
		Long: `harvester keeps one automated browsing session alive for hours,
searches a shopping result surface, and forwards merchant leads to an
ingestion service. It recovers from stalled browsers, hands challenges to a
solving service or an operator, and rotates its apparent origin when results
dry up.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a config file (env vars use the HARVESTER_ prefix)")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newValidateCmd(opts))
	return cmd
}

// Execute runs the root command until SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdin).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "harvester: %v\n", err)
		stop()
		os.Exit(1)
	}
}
