package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/platform"
)

// Default locations.
const (
	DefaultConfigPath = "/etc/sitectl/config.yaml"
	DefaultEnvPath    = "/etc/sitectl/sitectl.env"

	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "SITECTL_CONFIG"
	// EnvEnvFile overrides the secrets env file location.
	EnvEnvFile = "SITECTL_ENV_FILE"
)

// Config represents the sitectl configuration.
type Config struct {
	StateDir   string `yaml:"state_dir" validate:"required,startswith=/"`
	WebRoot    string `yaml:"web_root" validate:"required,startswith=/"`
	DefaultPHP string `yaml:"default_php" validate:"required"`
	WebUser    string `yaml:"web_user,omitempty"`

	Nginx  NginxConfig  `yaml:"nginx"`
	PHP    PHPConfig    `yaml:"php"`
	SSL    SSLConfig    `yaml:"ssl"`
	Deploy DeployConfig `yaml:"deploy"`
	Store  StoreConfig  `yaml:"store"`

	// Secrets holds values read from the env file. Never serialized.
	Secrets map[string]string `yaml:"-"`
}

// NginxConfig holds webserver paths.
type NginxConfig struct {
	Conf      string `yaml:"conf" validate:"required,startswith=/"`
	Available string `yaml:"available" validate:"required,startswith=/"`
	Enabled   string `yaml:"enabled" validate:"required,startswith=/"`
	Unit      string `yaml:"unit" validate:"required"`
}

// PHPConfig holds PHP-FPM layout settings. PoolDir and Socket are
// fmt patterns taking the version (and the pool name for Socket).
type PHPConfig struct {
	Versions []string `yaml:"versions" validate:"required,min=1,dive,required"`
	PoolDir  string   `yaml:"pool_dir" validate:"required,startswith=/"`
	Socket   string   `yaml:"socket" validate:"required,startswith=/"`
	Root     string   `yaml:"root" validate:"required,startswith=/"`
}

// SSLConfig holds certificate manager settings.
type SSLConfig struct {
	Method        string        `yaml:"method" validate:"oneof=acme certbot self_signed"`
	Email         string        `yaml:"email,omitempty" validate:"omitempty,email"`
	Directory     string        `yaml:"directory" validate:"required,url"`
	CertDir       string        `yaml:"cert_dir" validate:"required,startswith=/"`
	ChallengeRoot string        `yaml:"challenge_root" validate:"required,startswith=/"`
	GraceDays     int           `yaml:"grace_days" validate:"min=1,max=60"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" validate:"min=1m"`
	RatePerMinute int           `yaml:"rate_per_minute" validate:"min=1"`
	Concurrency   int           `yaml:"concurrency" validate:"min=1,max=32"`
	ReachTimeout  time.Duration `yaml:"reach_timeout"`
	SkipReach     bool          `yaml:"skip_reach,omitempty"`
}

// DeployConfig holds deployment pipeline settings.
type DeployConfig struct {
	KeepReleases int           `yaml:"keep_releases" validate:"min=1"`
	HistoryLimit int           `yaml:"history_limit" validate:"min=1"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	BuildTimeout time.Duration `yaml:"build_timeout"`
}

// StoreConfig holds config store retention settings.
type StoreConfig struct {
	KeepSnapshots int `yaml:"keep_snapshots" validate:"min=1"`
}

// New creates a new Config with default values.
func New() *Config {
	cfg := &Config{
		StateDir:   "/var/lib/sitectl",
		WebRoot:    "/var/www",
		DefaultPHP: "8.2",
		WebUser:    "www-data",
		Nginx: NginxConfig{
			Conf:      "/etc/nginx/nginx.conf",
			Available: "/etc/nginx/sites-available",
			Enabled:   "/etc/nginx/sites-enabled",
			Unit:      "nginx",
		},
		PHP: PHPConfig{
			Versions: []string{"7.4", "8.0", "8.1", "8.2", "8.3"},
			PoolDir:  "/etc/php/%s/fpm/pool.d",
			Socket:   "/run/php/php%s-fpm-%s.sock",
			Root:     "/etc/php",
		},
		SSL: SSLConfig{
			Method:        "acme",
			Directory:     "https://acme-v02.api.letsencrypt.org/directory",
			CertDir:       "/etc/sitectl/certs",
			ChallengeRoot: "/var/www/.acme-challenge",
			GraceDays:     30,
			RetryBackoff:  24 * time.Hour,
			RatePerMinute: 20,
			Concurrency:   4,
			ReachTimeout:  10 * time.Second,
		},
		Deploy: DeployConfig{
			KeepReleases: 3,
			HistoryLimit: 10,
			FetchTimeout: 10 * time.Minute,
			BuildTimeout: 30 * time.Minute,
		},
		Store: StoreConfig{
			KeepSnapshots: 20,
		},
		Secrets: map[string]string{},
	}

	if paths, err := platform.DetectPaths(); err == nil {
		cfg.Nginx.Conf = paths.Nginx.Conf
		cfg.Nginx.Available = paths.Nginx.Available
		cfg.Nginx.Enabled = paths.Nginx.Enabled
	}
	return cfg
}

// Path returns the config file path, honoring SITECTL_CONFIG.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultConfigPath
}

// EnvPath returns the secrets env file path, honoring SITECTL_ENV_FILE.
func EnvPath() string {
	if p := os.Getenv(EnvEnvFile); p != "" {
		return p
	}
	return DefaultEnvPath
}

// Load reads the config from the default location.
func Load() (*Config, error) {
	return LoadFrom(Path(), EnvPath())
}

// LoadFrom reads the config at path and the secrets at envPath. A missing
// config file yields defaults; a missing env file yields no secrets.
func LoadFrom(path, envPath string) (*Config, error) {
	cfg := New()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, errors.Wrap(errors.ErrCodeConfig, "failed to read config", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrCodeConfig, "failed to parse config", err)
		}
	}

	if envPath != "" {
		secrets, err := godotenv.Read(envPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(errors.ErrCodeConfig, "failed to read env file", err)
		}
		if secrets != nil {
			cfg.Secrets = secrets
		}
	}
	if cfg.Secrets == nil {
		cfg.Secrets = map[string]string{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the config for well-formedness.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeConfig, "invalid configuration", err)
	}
	if !c.SupportsPHP(c.DefaultPHP) {
		return errors.Newf(errors.ErrCodeConfig, "default_php %s is not in php.versions", c.DefaultPHP)
	}
	return nil
}

// Save writes the config to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// SupportsPHP reports whether v is one of the configured PHP versions.
func (c *Config) SupportsPHP(v string) bool {
	for _, s := range c.PHP.Versions {
		if s == v {
			return true
		}
	}
	return false
}

// Secret returns the named secret from the env file, falling back to
// the process environment.
func (c *Config) Secret(key string) string {
	if v, ok := c.Secrets[key]; ok && v != "" {
		return v
	}
	return os.Getenv(key)
}

// Grace returns the certificate renewal grace window.
func (s SSLConfig) Grace() time.Duration {
	return time.Duration(s.GraceDays) * 24 * time.Hour
}
