package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"isolate/core/execution"
	"isolate/core/lifecycle"
)

// Duration reads YAML strings such as "2s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type CondaConfig struct {
	Executable string `yaml:"executable"`
	Home       string `yaml:"home"`
}

// InheritConfig makes the host interpreter's installed packages importable inside
// built environments.
type InheritConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Precedence string   `yaml:"precedence"`
	Paths      []string `yaml:"paths"`
}

type OIDCConfig struct {
	Issuer   string `yaml:"issuer"`
	ClientID string `yaml:"client_id"`
}

type AuthConfig struct {
	Tokens []string   `yaml:"tokens"`
	OIDC   OIDCConfig `yaml:"oidc"`
}

func (a AuthConfig) Enabled() bool { return len(a.Tokens) > 0 || a.OIDC.Issuer != "" }

type LedgerConfig struct {
	// DSN selects the Postgres ledger; empty keeps the ledger in memory.
	DSN string `yaml:"dsn"`
}

type ArtifactsConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

func (a ArtifactsConfig) Enabled() bool { return a.Endpoint != "" && a.Bucket != "" }

// RemoteConfig points the isolate-server backend at another server.
type RemoteConfig struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	Target  string `yaml:"target"`
}

// Config drives the isolate server.
type Config struct {
	Listen            string          `yaml:"listen"`
	CacheDir          string          `yaml:"cache_dir"`
	MaxConcurrentRuns int             `yaml:"max_concurrent_runs"`
	GracePeriod       Duration        `yaml:"grace_period"`
	FailureRetention  Duration        `yaml:"failure_retention"`
	Retire            string          `yaml:"retire"`
	IdleTTL           Duration        `yaml:"idle_ttl"`
	Backends          []string        `yaml:"backends"`
	Python            string          `yaml:"python"`
	Conda             CondaConfig     `yaml:"conda"`
	Inherit           InheritConfig   `yaml:"inherit_from_local"`
	Log               LogConfig       `yaml:"log"`
	Auth              AuthConfig      `yaml:"auth"`
	Ledger            LedgerConfig    `yaml:"ledger"`
	Artifacts         ArtifactsConfig `yaml:"artifacts"`
	Remote            RemoteConfig    `yaml:"remote"`
}

// Defaults returns a configuration that serves every local backend on :50001.
func Defaults() Config {
	return Config{
		Listen:            ":50001",
		CacheDir:          defaultCacheDir(),
		MaxConcurrentRuns: 4,
		GracePeriod:       Duration{2 * time.Second},
		FailureRetention:  Duration{time.Minute},
		Retire:            string(lifecycle.RetireKeep),
		IdleTTL:           Duration{10 * time.Minute},
		Backends:          []string{"local", "virtualenv", "conda"},
		Python:            "python3",
		Conda:             CondaConfig{Executable: "conda"},
		Inherit:           InheritConfig{Precedence: string(execution.PrecedenceEnvironment)},
		Log:               LogConfig{Level: "info", Format: "json"},
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "isolate")
	}
	return filepath.Join(os.TempDir(), "isolate")
}

// Load reads path (optional) over the defaults, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays ISOLATE_* variables plus CONDA_EXE.
func (c *Config) ApplyEnv() error {
	var err error
	c.Listen = envString("ISOLATE_LISTEN", c.Listen)
	c.CacheDir = envString("ISOLATE_CACHE_DIR", c.CacheDir)
	if c.MaxConcurrentRuns, err = envInt("ISOLATE_MAX_CONCURRENT_RUNS", c.MaxConcurrentRuns); err != nil {
		return err
	}
	if c.GracePeriod.Duration, err = envDuration("ISOLATE_GRACE_PERIOD", c.GracePeriod.Duration); err != nil {
		return err
	}
	if c.Inherit.Enabled, err = envBool("ISOLATE_INHERIT_FROM_LOCAL", c.Inherit.Enabled); err != nil {
		return err
	}
	c.Backends = envList("ISOLATE_BACKENDS", c.Backends)
	c.Python = envString("ISOLATE_PYTHON", c.Python)
	c.Conda.Executable = envString("CONDA_EXE", c.Conda.Executable)
	c.Conda.Home = envString("ISOLATE_CONDA_HOME", c.Conda.Home)
	c.Log.Level = envString("ISOLATE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("ISOLATE_LOG_FORMAT", c.Log.Format)
	c.Auth.Tokens = envList("ISOLATE_AUTH_TOKENS", c.Auth.Tokens)
	c.Auth.OIDC.Issuer = envString("ISOLATE_OIDC_ISSUER", c.Auth.OIDC.Issuer)
	c.Auth.OIDC.ClientID = envString("ISOLATE_OIDC_CLIENT_ID", c.Auth.OIDC.ClientID)
	c.Ledger.DSN = envString("ISOLATE_LEDGER_DSN", c.Ledger.DSN)
	c.Artifacts.Endpoint = envString("ISOLATE_ARTIFACTS_ENDPOINT", c.Artifacts.Endpoint)
	c.Artifacts.Bucket = envString("ISOLATE_ARTIFACTS_BUCKET", c.Artifacts.Bucket)
	c.Artifacts.AccessKey = envString("ISOLATE_ARTIFACTS_ACCESS_KEY", c.Artifacts.AccessKey)
	c.Artifacts.SecretKey = envString("ISOLATE_ARTIFACTS_SECRET_KEY", c.Artifacts.SecretKey)
	if c.Artifacts.UseSSL, err = envBool("ISOLATE_ARTIFACTS_USE_SSL", c.Artifacts.UseSSL); err != nil {
		return err
	}
	c.Remote.Address = envString("ISOLATE_REMOTE_ADDRESS", c.Remote.Address)
	c.Remote.Token = envString("ISOLATE_REMOTE_TOKEN", c.Remote.Token)
	return nil
}

// Validate ensures the config is usable.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address required"))
	}
	if c.CacheDir == "" {
		errs = append(errs, errors.New("cache_dir required"))
	}
	if c.MaxConcurrentRuns <= 0 {
		errs = append(errs, errors.New("max_concurrent_runs must be > 0"))
	}
	if c.GracePeriod.Duration <= 0 {
		errs = append(errs, errors.New("grace_period must be > 0"))
	}
	switch lifecycle.RetireMode(c.Retire) {
	case lifecycle.RetireKeep, lifecycle.RetireImmediate, lifecycle.RetireTTL:
	default:
		errs = append(errs, fmt.Errorf("retire must be keep, immediate or ttl, got %q", c.Retire))
	}
	switch execution.Precedence(c.Inherit.Precedence) {
	case execution.PrecedenceEnvironment, execution.PrecedenceLocal:
	default:
		errs = append(errs, fmt.Errorf("inherit_from_local.precedence must be environment or local, got %q", c.Inherit.Precedence))
	}
	if len(c.Backends) == 0 {
		errs = append(errs, errors.New("at least one backend required"))
	}
	if c.Auth.OIDC.Issuer != "" && c.Auth.OIDC.ClientID == "" {
		errs = append(errs, errors.New("auth.oidc.client_id required with an issuer"))
	}
	if (c.Artifacts.Endpoint == "") != (c.Artifacts.Bucket == "") {
		errs = append(errs, errors.New("artifacts needs both endpoint and bucket"))
	}
	for _, name := range c.Backends {
		if name == "isolate-server" && c.Remote.Address == "" {
			errs = append(errs, errors.New("the isolate-server backend needs remote.address"))
		}
	}
	return errors.Join(errs...)
}

// Lifecycle returns manager options for every local backend.
func (c Config) Lifecycle() lifecycle.Options {
	return lifecycle.Options{
		FailureRetention: c.FailureRetention.Duration,
		Retire:           lifecycle.RetireMode(c.Retire),
		IdleTTL:          c.IdleTTL.Duration,
	}
}

// Bridge returns execution options; inherited is the resolved list of local paths when
// inheriting is enabled.
func (c Config) Bridge(inherited []string) execution.Options {
	opts := execution.Options{
		GracePeriod: c.GracePeriod.Duration,
		Precedence:  execution.Precedence(c.Inherit.Precedence),
	}
	if c.Inherit.Enabled {
		opts.InheritPaths = append(append([]string(nil), c.Inherit.Paths...), inherited...)
	}
	return opts
}
