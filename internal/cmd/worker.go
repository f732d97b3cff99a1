package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/annovault/internal/app"
	apperrors "github.com/3leaps/annovault/internal/errors"
	"github.com/3leaps/annovault/internal/observability"
)

var workerCmd = &cobra.Command{
	Use:   "worker <component>...",
	Short: "Run one or more workers without the HTTP API",
	Long: fmt.Sprintf(`Run the named workers against the configured store and bus.

Components: %s

Running components in separate processes requires a shared store and the
SQL bus (bus.driver: sql).

Examples:
  annovault worker archive
  annovault worker restore finalize --sweep`, strings.Join(app.Components, ", ")),
	Args:      cobra.MinimumNArgs(1),
	ValidArgs: app.Components,
	RunE:      runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().Bool("sweep", false, "also run the reconcile sweeper")
}

func runWorker(cmd *cobra.Command, args []string) error {
	for _, c := range args {
		if _, err := app.Queue(c); err != nil {
			return exitError(apperrors.ExitInvalidArgument, "invalid component", err)
		}
	}

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(apperrors.ExitConfigInvalid, "init logger", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Bus.Driver == "memory" {
		logger.Warn("Memory bus only carries messages published by this process; use bus.driver=sql for standalone workers")
	}

	a, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return exitError(apperrors.ExitExternalServiceUnavailable, "start worker", err)
	}
	defer func() { _ = a.Close() }()

	sweep, _ := cmd.Flags().GetBool("sweep")
	logger.Info("Workers starting", zap.Strings("components", args), zap.Bool("sweep", sweep))
	if err := a.RunWorkers(cmd.Context(), args, sweep); err != nil {
		return exitError(apperrors.ExitFailure, "worker", err)
	}
	return nil
}
