package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/annovault/internal/app"
	apperrors "github.com/3leaps/annovault/internal/errors"
	"github.com/3leaps/annovault/internal/observability"
	"github.com/3leaps/annovault/internal/server"
	"github.com/3leaps/annovault/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, every worker and the reconcile sweeper",
	Long: `Run the HTTP API, the archive, notify, restore and finalize workers and
the reconcile sweeper in one process.

Examples:
  annovault serve
  annovault serve --port 9000 --config ./annovault.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "listen port (overrides server.port)")
	serveCmd.Flags().Bool("no-workers", false, "serve the API only")
}

func serveOverrides(cmd *cobra.Command) map[string]any {
	srv := map[string]any{}
	if f := cmd.Flags().Lookup("host"); f != nil && f.Changed {
		srv["host"] = f.Value.String()
	}
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		port, _ := cmd.Flags().GetInt("port")
		srv["port"] = port
	}
	if len(srv) == 0 {
		return nil
	}
	return map[string]any{"server": srv}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, serveOverrides(cmd))
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(apperrors.ExitConfigInvalid, "init logger", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return exitError(apperrors.ExitExternalServiceUnavailable, "start annovault", err)
	}
	defer func() { _ = a.Close() }()

	if cfg.Health.Enabled {
		registerHealthCheckers(handlers.InitHealthManager(versionInfo.Version), a)
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithServices(server.Services{Jobs: a.Lifecycle, Upgrader: a.Trigger, Thaw: a.Bus}),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithPprof(cfg.Debug.PprofEnabled),
	}
	separateMetrics := a.MetricsHandler != nil && cfg.Metrics.Port != 0 && cfg.Metrics.Port != cfg.Server.Port
	if a.MetricsHandler != nil && !separateMetrics {
		opts = append(opts, server.WithMetrics(a.MetricsHandler))
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	noWorkers, _ := cmd.Flags().GetBool("no-workers")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)

	var metricsSrv *http.Server
	if separateMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.MetricsHandler)
		metricsSrv = &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Metrics.Port)),
			Handler:           mux,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
		}
		g.Go(func() error {
			logger.Info("Metrics server listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if !noWorkers {
		g.Go(func() error {
			return a.RunWorkers(gctx, app.Components, cfg.Reconcile.Enabled)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("Shutting down")
		err := srv.Shutdown(shutdownCtx)
		if metricsSrv != nil {
			err = errors.Join(err, metricsSrv.Shutdown(shutdownCtx))
		}
		return err
	})

	logger.Info("annovault started",
		zap.String("version", versionInfo.Version),
		zap.String("addr", srv.Addr()),
		zap.Bool("workers", !noWorkers))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return exitError(apperrors.ExitFailure, "serve", err)
	}
	return nil
}
