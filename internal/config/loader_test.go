package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findRepoRootForTest(t *testing.T) string {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	t.Fatalf("could not locate repo root containing go.mod from %s", cwd)
	return ""
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	// In CI containers the checkout may live outside $HOME.
	t.Run("CIBoundaryHint", func(t *testing.T) {
		repoRoot := findRepoRootForTest(t)
		t.Setenv("HOME", t.TempDir())
		t.Setenv("CI", "true")
		t.Setenv("ANNOVAULT_WORKSPACE_ROOT", repoRoot)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)
	})

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)

		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)
		assert.True(t, cfg.Health.Enabled)
		assert.False(t, cfg.Debug.Enabled)
		assert.False(t, cfg.Debug.PprofEnabled)
		assert.Equal(t, 4, cfg.Workers)

		assert.Equal(t, "sqlite", cfg.Store.Driver)
		assert.Equal(t, "memory", cfg.Bus.Driver)
		assert.Equal(t, 5, cfg.Bus.MaxAttempts)
		assert.Equal(t, "file", cfg.Storage.Driver)
		assert.Equal(t, "static", cfg.Tier.Driver)
		assert.Equal(t, 5*time.Minute, cfg.Archive.GraceInterval)
		assert.Equal(t, 10*time.Minute, cfg.Archive.Lease)
		assert.Equal(t, 3, cfg.Restore.StandardAttempts)
		assert.Equal(t, 24*time.Hour, cfg.Reconcile.MaxThawWait)
		assert.Equal(t, 5.0, cfg.Reconcile.Rate)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
			"archive": map[string]any{
				"grace_interval": "90s",
				"include":        []string{"results/**/*.vcf"},
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 90*time.Second, cfg.Archive.GraceInterval)
		assert.Equal(t, []string{"results/**/*.vcf"}, cfg.Archive.Include)

		assert.Equal(t, "structured", cfg.Logging.Profile)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("ANNOVAULT_PORT", "3000")
		t.Setenv("ANNOVAULT_LOG_LEVEL", "warn")
		t.Setenv("ANNOVAULT_METRICS_ENABLED", "false")
		t.Setenv("ANNOVAULT_STORAGE_DRIVER", "s3")
		t.Setenv("ANNOVAULT_STORAGE_S3_HOT_BUCKET", "results")
		t.Setenv("ANNOVAULT_TIER_PREMIUM", "u1,u2")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, "s3", cfg.Storage.Driver)
		assert.Equal(t, "results", cfg.Storage.S3.HotBucket)
		assert.Equal(t, []string{"u1", "u2"}, cfg.Tier.Premium)
	})

	t.Run("LongEnvName", func(t *testing.T) {
		t.Setenv("ANNOVAULT_SERVER_PORT", "3100")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3100, cfg.Server.Port)
	})

	// runtime > env > defaults
	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("ANNOVAULT_PORT", "4000")

		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("InvalidValue", func(t *testing.T) {
		_, err := Load(ctx, map[string]any{"bus": map[string]any{"driver": "kafka"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid config")
	})

	t.Run("S3RequiresBucket", func(t *testing.T) {
		_, err := Load(ctx, map[string]any{"storage": map[string]any{"driver": "s3"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hot_bucket")
	})
}

func TestLoadFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "annovault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
archive:
  grace_interval: 2m
  include:
    - "results/**"
restore:
  standard_attempts: 5
`), 0o600))

	t.Setenv("ANNOVAULT_RESTORE_STANDARD_ATTEMPTS", "7")

	cfg, err := LoadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Archive.GraceInterval)
	assert.Equal(t, []string{"results/**"}, cfg.Archive.Include)
	assert.Equal(t, 7, cfg.Restore.StandardAttempts, "env beats file")

	_, err = LoadFile(ctx, filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()

	cfg, err := Load(ctx)
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

func TestEnvSpecs(t *testing.T) {
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	envVarNames := make(map[string]string)
	for _, spec := range specs {
		envVarNames[spec.Name] = spec.Path
	}

	assert.Equal(t, "logging.level", envVarNames["ANNOVAULT_LOG_LEVEL"])
	assert.Equal(t, "server.port", envVarNames["ANNOVAULT_PORT"])
	assert.Equal(t, "server.host", envVarNames["ANNOVAULT_HOST"])
	assert.Equal(t, "metrics.port", envVarNames["ANNOVAULT_METRICS_PORT"])
	assert.Equal(t, "archive.grace_interval", envVarNames["ANNOVAULT_ARCHIVE_GRACE_INTERVAL"])
	assert.Equal(t, "storage.s3.hot_bucket", envVarNames["ANNOVAULT_STORAGE_S3_HOT_BUCKET"])

	for _, spec := range specs {
		assert.Contains(t, spec.Name, "ANNOVAULT_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
}

func TestDurationParsing(t *testing.T) {
	t.Setenv("ANNOVAULT_READ_TIMEOUT", "45s")
	t.Setenv("ANNOVAULT_SHUTDOWN_TIMEOUT", "5m")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
}

func TestConfigReload(t *testing.T) {
	ctx := context.Background()

	cfg1, err := Load(ctx)
	require.NoError(t, err)
	initialPort := cfg1.Server.Port

	cfg2, err := Load(ctx, map[string]any{
		"server": map[string]any{"port": initialPort + 1000},
	})
	require.NoError(t, err)

	assert.Equal(t, initialPort+1000, cfg2.Server.Port)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

// resetAppIdentity resets package state. Tests only.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestGetUserConfigPathsNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() {
		_, _ = Load(context.Background())
	}()

	assert.Empty(t, getUserConfigPaths())
}

func TestGetEnvSpecsNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() {
		_, _ = Load(context.Background())
	}()

	assert.Empty(t, getEnvSpecs())
}

func TestFindProjectRootCIBoundaryEdgeCases(t *testing.T) {
	repoRoot := findRepoRootForTest(t)

	t.Run("CITrueButEmptyBoundaryVars", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("ANNOVAULT_WORKSPACE_ROOT", "")
		t.Setenv("GITHUB_WORKSPACE", "")
		t.Setenv("CI_PROJECT_DIR", "")
		t.Setenv("WORKSPACE", "")

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, repoRoot, root)
	})

	t.Run("CITrueWithRelativeBoundary", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("ANNOVAULT_WORKSPACE_ROOT", "./relative/path")

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, repoRoot, root)
	})

	t.Run("CITrueWithNonexistentBoundary", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("ANNOVAULT_WORKSPACE_ROOT", "/nonexistent/path/that/does/not/exist")

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.NotEmpty(t, root)
	})

	t.Run("GitHubActionsEnvVar", func(t *testing.T) {
		t.Setenv("GITHUB_ACTIONS", "true")
		t.Setenv("GITHUB_WORKSPACE", repoRoot)

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, repoRoot, root)
	})
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"server": map[string]any{"port": 1, "tls": map[string]any{"enabled": true}},
		"workers": 2,
	})
	assert.Equal(t, map[string]any{
		"server.port":        1,
		"server.tls.enabled": true,
		"workers":            2,
	}, got)
}
