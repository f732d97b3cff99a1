// Package cmd implements the annovault command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/annovault/internal/config"
	apperrors "github.com/3leaps/annovault/internal/errors"
	"github.com/3leaps/annovault/internal/observability"
	"github.com/3leaps/annovault/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata from main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

var appIdentity *config.AppIdentity

// GetAppIdentity returns the identity set during startup, or nil.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "annovault",
	Short: "Annotation job lifecycle and result archival",
	Long: `annovault tracks genomic annotation jobs from submission to completion,
moves free-tier results to cold storage after a grace interval and restores
them when the user upgrades.

Run everything in one process:
  annovault serve

Or run components separately against a shared store and SQL bus:
  annovault worker archive
  annovault worker restore`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initCLI,
}

func init() {
	setDefaults()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: annovault.yaml in the project root or user config dir)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-profile", "", "log profile: structured or console")

	_ = viper.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("logging.profile", pf.Lookup("log-profile"))
}

// setDefaults registers defaults on the global viper used for flag binding.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func initCLI(cmd *cobra.Command, _ []string) error {
	if appIdentity == nil {
		appIdentity = config.DefaultIdentity()
	}
	level := viper.GetString("logging.level")
	profile := viper.GetString("logging.profile")
	if profile == "structured" && cmd.Name() != "serve" && cmd.Name() != "worker" {
		// Interactive commands read better in console form.
		profile = observability.ProfileConsole
	}
	if err := observability.InitCLILogger(level, profile); err != nil {
		return exitError(apperrors.ExitInvalidArgument, "invalid logging flags", err)
	}
	return nil
}

// loadConfig loads the effective config with changed flags as overrides.
func loadConfig(cmd *cobra.Command, overrides map[string]any) (*config.Config, error) {
	all := []map[string]any{flagOverrides(cmd)}
	if overrides != nil {
		all = append(all, overrides)
	}
	cfg, err := config.LoadFile(cmd.Context(), cfgFile, all...)
	if err != nil {
		return nil, exitError(apperrors.ExitConfigInvalid, "load config", err)
	}
	return cfg, nil
}

func flagOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	logging := map[string]any{}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		logging["level"] = f.Value.String()
	}
	if f := cmd.Flags().Lookup("log-profile"); f != nil && f.Changed {
		logging["profile"] = f.Value.String()
	}
	if len(logging) > 0 {
		out["logging"] = logging
	}
	return out
}

// exitError wraps err with a process exit code.
func exitError(code int, msg string, err error) error {
	return &apperrors.ExitError{Code: code, Message: msg, Err: err}
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return apperrors.ExitSuccess
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.ExitSuccess
	}
	observability.CLILogger.Debug("Command failed", zap.Error(err))
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	return apperrors.ExitCode(err)
}
