package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/annovault/internal/app"
	"github.com/3leaps/annovault/internal/config"
	apperrors "github.com/3leaps/annovault/internal/errors"
	"github.com/3leaps/annovault/internal/observability"
)

var doctorProvider string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment and configured backends and
suggest fixes for common issues.

Examples:
  annovault doctor               # Environment, config, store and storage
  annovault doctor --provider s3 # Also check AWS credentials`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	log := observability.CLILogger
	bannerName := "doctor"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		bannerName = id.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 6
	if doctorProvider == "s3" {
		totalChecks = 8
	}

	goVersion := runtime.Version()
	if goVersion >= "go1.25" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		log.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.25+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	cfg, err := config.LoadFile(cmd.Context(), cfgFile, flagOverrides(cmd), map[string]any{"metrics": map[string]any{"enabled": false}})
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ Invalid configuration", checkNum, totalChecks), zap.Error(err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ store=%s bus=%s storage=%s tier=%s",
			checkNum, totalChecks, cfg.Store.Driver, cfg.Bus.Driver, cfg.Storage.Driver, cfg.Tier.Driver))
	}
	checkNum++

	configDir, err := os.UserConfigDir()
	if err != nil {
		log.Warn(fmt.Sprintf("[%d/%d] Checking config directory... ⚠️  Cannot find config directory", checkNum, totalChecks),
			zap.Error(err))
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configDir),
			zap.String("config_dir", configDir))
	}
	checkNum++

	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	if cfg != nil {
		if !runBackendChecks(cmd.Context(), cfg, checkNum, totalChecks) {
			allChecks = false
		}
	} else {
		log.Warn(fmt.Sprintf("[%d/%d] Skipping backend checks without a valid configuration", checkNum, totalChecks))
	}
	checkNum += 2

	if doctorProvider == "s3" {
		if !runS3Checks(cmd.Context(), checkNum, totalChecks) {
			allChecks = false
		}
	}

	log.Info("")
	if !allChecks {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		log.Info("=== End Diagnostics ===")
		return exitError(apperrors.ExitFailure, "doctor", errors.New("diagnostic checks failed"))
	}
	log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	log.Info("")
	log.Info("=== End Diagnostics ===")
	return nil
}

// runBackendChecks opens the configured backends and probes the job store
// and hot storage. It reports two checks.
func runBackendChecks(ctx context.Context, cfg *config.Config, checkNum, totalChecks int) bool {
	log := observability.CLILogger
	a, err := app.New(ctx, cfg, zap.NewNop())
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking backends... ❌ Cannot open", checkNum, totalChecks), zap.Error(err))
		return false
	}
	defer func() { _ = a.Close() }()

	ok := true
	if err := a.Store.Ping(ctx); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking job store... ❌ %s", checkNum, totalChecks, cfg.Store.Driver), zap.Error(err))
		ok = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking job store... ✅ %s", checkNum, totalChecks, cfg.Store.Driver))
	}
	checkNum++

	if _, err := a.Blobs.Exists(ctx, ".annovault-doctor"); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking result storage... ❌ %s", checkNum, totalChecks, cfg.Storage.Driver), zap.Error(err))
		if cfg.Storage.Driver == "s3" {
			printAWSCredentialsHelp()
		}
		ok = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking result storage... ✅ %s", checkNum, totalChecks, cfg.Storage.Driver))
	}
	return ok
}

// runS3Checks verifies that AWS credentials resolve.
func runS3Checks(ctx context.Context, checkNum, totalChecks int) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("S3 Provider Checks:")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	log.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))
	checkNum++

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Run 'aws configure' to set up a profile and set storage.s3.profile, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, LocalStack), also set:")
	log.Info("  - storage.s3.endpoint and storage.s3.force_path_style: true")
	log.Info("")
}
