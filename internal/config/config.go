package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	appName = "mailcal"

	DefaultNotBeforeDays = 30
	DefaultNotAfterDays  = 365
	DefaultListen        = "127.0.0.1:8080"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Maildir is the mailbox root holding cur/new/tmp.
	Maildir string `yaml:"maildir" json:"maildir"`

	// Output is the calendar file to write. Empty means stdout.
	Output string `yaml:"output" json:"output"`

	// CacheDir overrides the cache base directory. The per-mailbox cache
	// lives in a hashed subdirectory below it.
	CacheDir string `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`

	NotBeforeDays int `yaml:"not_before_days" json:"not_before_days"`
	NotAfterDays  int `yaml:"not_after_days" json:"not_after_days"`

	Alarm       bool `yaml:"alarm" json:"alarm"`
	FixEncoding bool `yaml:"fix_encoding" json:"fix_encoding"`
	Validate    bool `yaml:"validate" json:"validate"`

	// Schedule is a cron spec (e.g. "*/15 * * * *"). Empty runs once.
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty"`

	// Listen enables the status server when set.
	Listen string `yaml:"listen,omitempty" json:"listen,omitempty"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

func DefaultConfig() *Config {
	return &Config{
		Maildir:       "~/Maildir",
		NotBeforeDays: DefaultNotBeforeDays,
		NotAfterDays:  DefaultNotAfterDays,
		LogLevel:      "info",
	}
}

// Normalize fills in missing or invalid values and expands "~/" in paths.
func (c *Config) Normalize() {
	if c.NotBeforeDays < 0 {
		c.NotBeforeDays = DefaultNotBeforeDays
	}
	if c.NotAfterDays < 0 {
		c.NotAfterDays = DefaultNotAfterDays
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Maildir = expandHome(c.Maildir)
	c.Output = expandHome(c.Output)
	c.CacheDir = expandHome(c.CacheDir)
	if c.BasicAuth != nil && c.BasicAuth.Username == "" {
		c.BasicAuth = nil
	}
}

// Load reads the YAML config at path. On first run the file does not
// exist yet: a default config is written with 0600 permissions and
// returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	cfg.Normalize()
	return cfg, nil
}

// Save writes cfg to path atomically. The parent directory is created
// with 0700.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "create config dir")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "write config %s", path)
	}
	// atomic keeps the mode of an existing file; force 0600 for new ones.
	return os.Chmod(path, 0o600)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}

// DefaultPath is ~/.config/mailcal/config.yaml (or the platform's config
// dir).
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", appName+".yaml")
	}
	return filepath.Join(dir, appName, "config.yaml")
}

// CacheRoot returns the per-mailbox cache directory:
// <base>/<hex(sha256(abs mailbox))[:16]>, where base is CacheDir or
// $XDG_CACHE_HOME/mailcal (os.UserCacheDir).
func (c *Config) CacheRoot() (string, error) {
	abs, err := filepath.Abs(c.Maildir)
	if err != nil {
		return "", errors.Wrap(err, "resolve maildir")
	}

	base := c.CacheDir
	if base == "" {
		userCache, err := os.UserCacheDir()
		if err != nil {
			return "", errors.Wrap(err, "locate cache dir")
		}
		base = filepath.Join(userCache, appName)
	}

	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(base, hex.EncodeToString(sum[:])[:16]), nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
