package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppIdentity names the binary, its environment prefix and config file.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity of the annovault binary.
func DefaultIdentity() *AppIdentity {
	return &AppIdentity{BinaryName: "annovault", EnvPrefix: "ANNOVAULT", ConfigName: "annovault"}
}

// EnvSpec maps an environment variable onto a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config

	validateOnce sync.Once
	validate     *validator.Validate
)

// short aliases for the most common settings, on top of the generated
// PREFIX_SECTION_KEY names.
var envAliases = map[string]string{
	"HOST":             "server.host",
	"PORT":             "server.port",
	"READ_TIMEOUT":     "server.read_timeout",
	"WRITE_TIMEOUT":    "server.write_timeout",
	"IDLE_TIMEOUT":     "server.idle_timeout",
	"SHUTDOWN_TIMEOUT": "server.shutdown_timeout",
	"LOG_LEVEL":        "logging.level",
	"LOG_PROFILE":      "logging.profile",
	"DATABASE_URL":     "store.url",
	"AWS_REGION":       "storage.s3.region",
}

// Load builds the effective configuration and makes it the current one.
// Precedence, highest first: overrides, environment, config file, defaults.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile is Load with an explicit config file. An empty path searches the
// ANNOVAULT_CONFIG variable, the project root and the user config directory.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	configMu.Lock()
	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}
	identity := *appIdentity
	configMu.Unlock()

	loadDotEnv()

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v, &identity, path); err != nil {
		return nil, err
	}

	// Bind every name for a key at once; viper keeps only the last BindEnv
	// per key and uses the first name that is set.
	names := make(map[string][]string)
	var paths []string
	for _, spec := range getEnvSpecs() {
		if _, ok := names[spec.Path]; !ok {
			paths = append(paths, spec.Path)
		}
		names[spec.Path] = append(names[spec.Path], spec.Name)
	}
	for _, p := range paths {
		args := append([]string{p}, names[p]...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", p, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Storage.Driver == "s3" && strings.TrimSpace(c.Storage.S3.HotBucket) == "" {
		return errors.New("invalid config: storage.s3.hot_bucket is required for the s3 driver")
	}
	if c.Store.Driver == "postgres" && strings.TrimSpace(c.Store.URL) == "" {
		return errors.New("invalid config: store.url is required for the postgres driver")
	}
	if c.Tier.Driver == "postgres" && strings.TrimSpace(c.Tier.URL) == "" {
		return errors.New("invalid config: tier.url is required for the postgres driver")
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToLower(cfg.Logging.Profile)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfigFile(v *viper.Viper, identity *AppIdentity, path string) error {
	if path == "" {
		path = os.Getenv(identity.EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(identity.ConfigName)
	v.SetConfigType("yaml")
	if root, err := findProjectRoot(); err == nil {
		v.AddConfigPath(root)
	}
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// loadDotEnv reads .env files without overriding variables already set.
func loadDotEnv() {
	_ = godotenv.Load(".env")
	if root, err := findProjectRoot(); err == nil {
		_ = godotenv.Load(filepath.Join(root, ".env"))
	}
}

// getEnvSpecs lists PREFIX_SECTION_KEY for every known key, plus the short
// aliases.
func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	identity := appIdentity
	configMu.RUnlock()
	if identity == nil {
		return nil
	}

	v := viper.New()
	SetDefaults(v)
	keys := v.AllKeys()
	sort.Strings(keys)

	specs := make([]EnvSpec, 0, len(keys)+len(envAliases))
	for _, key := range keys {
		name := identity.EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		specs = append(specs, EnvSpec{Name: name, Path: key})
	}
	for _, key := range []string{"storage.s3.hot_bucket", "storage.s3.cold_bucket", "storage.s3.endpoint",
		"storage.s3.profile", "storage.s3.region", "storage.s3.force_path_style", "store.url", "store.auth_token",
		"bus.path", "bus.url", "bus.auth_token", "tier.path", "tier.url", "tier.premium", "tier.strict", "archive.include"} {
		if !v.IsSet(key) {
			name := identity.EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			specs = append(specs, EnvSpec{Name: name, Path: key})
		}
	}

	aliases := make([]string, 0, len(envAliases))
	for name := range envAliases {
		aliases = append(aliases, name)
	}
	sort.Strings(aliases)
	for _, name := range aliases {
		specs = append(specs, EnvSpec{Name: identity.EnvPrefix + "_" + name, Path: envAliases[name]})
	}
	return specs
}

// getUserConfigPaths returns per-user config directories.
func getUserConfigPaths() []string {
	configMu.RLock()
	identity := appIdentity
	configMu.RUnlock()
	if identity == nil {
		return nil
	}

	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, identity.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+identity.ConfigName))
	}
	return paths
}

// findProjectRoot walks up from the working directory to the nearest
// directory holding go.mod or an annovault config file. In CI the walk stops
// at the workspace directory named by the CI environment.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	boundary := ciBoundary(cwd)

	dir := cwd
	for {
		for _, marker := range []string{"go.mod", "annovault.yaml"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		if boundary != "" && dir == boundary {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd, nil
}

// ciBoundary returns the CI workspace directory when running in CI and the
// directory contains cwd.
func ciBoundary(cwd string) string {
	if os.Getenv("CI") != "true" && os.Getenv("GITHUB_ACTIONS") != "true" {
		return ""
	}
	for _, name := range []string{"ANNOVAULT_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"} {
		dir := os.Getenv(name)
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		rel, err := filepath.Rel(dir, cwd)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return filepath.Clean(dir)
	}
	return ""
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
