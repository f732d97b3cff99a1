// Package config loads annovault configuration from defaults, config files,
// the environment and runtime overrides.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the effective configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Debug     DebugConfig     `mapstructure:"debug" yaml:"debug"`
	Workers   int             `mapstructure:"workers" yaml:"workers" validate:"min=1"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Bus       BusConfig       `mapstructure:"bus" yaml:"bus"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Tier      TierConfig      `mapstructure:"tier" yaml:"tier"`
	Archive   ArchiveConfig   `mapstructure:"archive" yaml:"archive"`
	Restore   RestoreConfig   `mapstructure:"restore" yaml:"restore"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" yaml:"reconcile"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Profile string `mapstructure:"profile" yaml:"profile" validate:"oneof=structured console STRUCTURED CONSOLE"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled" yaml:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled" yaml:"pprof_enabled"`
}

// StoreConfig selects the job record store.
type StoreConfig struct {
	Driver    string `mapstructure:"driver" yaml:"driver" validate:"oneof=sqlite libsql postgres"`
	Path      string `mapstructure:"path" yaml:"path"`
	URL       string `mapstructure:"url" yaml:"url"`
	AuthToken string `mapstructure:"auth_token" yaml:"-"`
}

// BusConfig selects the message bus.
type BusConfig struct {
	Driver            string        `mapstructure:"driver" yaml:"driver" validate:"oneof=memory sql"`
	Path              string        `mapstructure:"path" yaml:"path"`
	URL               string        `mapstructure:"url" yaml:"url"`
	AuthToken         string        `mapstructure:"auth_token" yaml:"-"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" yaml:"visibility_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"min=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	HandleTimeout     time.Duration `mapstructure:"handle_timeout" yaml:"handle_timeout"`
}

// StorageConfig selects the hot and cold result tiers.
type StorageConfig struct {
	Driver string            `mapstructure:"driver" yaml:"driver" validate:"oneof=file s3"`
	File   FileStorageConfig `mapstructure:"file" yaml:"file"`
	S3     S3StorageConfig   `mapstructure:"s3" yaml:"s3"`
}

type FileStorageConfig struct {
	BaseDir              string        `mapstructure:"base_dir" yaml:"base_dir"`
	ExpeditedDelay       time.Duration `mapstructure:"expedited_delay" yaml:"expedited_delay"`
	StandardDelay        time.Duration `mapstructure:"standard_delay" yaml:"standard_delay"`
	ExpeditedUnavailable bool          `mapstructure:"expedited_unavailable" yaml:"expedited_unavailable"`
}

type S3StorageConfig struct {
	HotBucket        string `mapstructure:"hot_bucket" yaml:"hot_bucket"`
	ColdBucket       string `mapstructure:"cold_bucket" yaml:"cold_bucket"`
	ColdPrefix       string `mapstructure:"cold_prefix" yaml:"cold_prefix"`
	ColdStorageClass string `mapstructure:"cold_storage_class" yaml:"cold_storage_class"`
	RestoreDays      int32  `mapstructure:"restore_days" yaml:"restore_days"`
	Region           string `mapstructure:"region" yaml:"region"`
	Endpoint         string `mapstructure:"endpoint" yaml:"endpoint"`
	Profile          string `mapstructure:"profile" yaml:"profile"`
	ForcePathStyle   bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// TierConfig selects the subscription tier lookup.
type TierConfig struct {
	Driver  string   `mapstructure:"driver" yaml:"driver" validate:"oneof=static sqlite postgres"`
	Path    string   `mapstructure:"path" yaml:"path"`
	URL     string   `mapstructure:"url" yaml:"url"`
	Premium []string `mapstructure:"premium" yaml:"premium"`
	// Strict makes unknown users an error for the static driver.
	Strict bool `mapstructure:"strict" yaml:"strict"`
}

type ArchiveConfig struct {
	GraceInterval time.Duration `mapstructure:"grace_interval" yaml:"grace_interval"`
	Lease         time.Duration `mapstructure:"lease" yaml:"lease"`
	Include       []string      `mapstructure:"include" yaml:"include"`
}

type RestoreConfig struct {
	Lease            time.Duration `mapstructure:"lease" yaml:"lease"`
	StandardAttempts int           `mapstructure:"standard_attempts" yaml:"standard_attempts" validate:"min=0"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax       time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	Recheck          time.Duration `mapstructure:"recheck" yaml:"recheck"`
}

type ReconcileConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxThawWait time.Duration `mapstructure:"max_thaw_wait" yaml:"max_thaw_wait"`
	Rate        float64       `mapstructure:"rate" yaml:"rate" validate:"min=0"`
	BatchSize   int           `mapstructure:"batch_size" yaml:"batch_size" validate:"min=0"`

	// RequeueAfter spaces archive requeues for a stalled job.
	RequeueAfter time.Duration `mapstructure:"requeue_after" yaml:"requeue_after"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("workers", 4)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "annovault.db")

	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.visibility_timeout", "5m")
	v.SetDefault("bus.max_attempts", 5)
	v.SetDefault("bus.poll_interval", "500ms")
	v.SetDefault("bus.handle_timeout", "0s")

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.file.base_dir", "data")
	v.SetDefault("storage.file.expedited_delay", "5s")
	v.SetDefault("storage.file.standard_delay", "1m")
	v.SetDefault("storage.s3.cold_prefix", "archive")
	v.SetDefault("storage.s3.cold_storage_class", "GLACIER")
	v.SetDefault("storage.s3.restore_days", 1)

	v.SetDefault("tier.driver", "static")

	v.SetDefault("archive.grace_interval", "5m")
	v.SetDefault("archive.lease", "10m")

	v.SetDefault("restore.lease", "10m")
	v.SetDefault("restore.standard_attempts", 3)
	v.SetDefault("restore.backoff_initial", "1s")
	v.SetDefault("restore.backoff_max", "30s")
	v.SetDefault("restore.recheck", "1m")

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", "1m")
	v.SetDefault("reconcile.max_thaw_wait", "24h")
	v.SetDefault("reconcile.rate", 5)
	v.SetDefault("reconcile.batch_size", 100)
	v.SetDefault("reconcile.requeue_after", "5m")
}
