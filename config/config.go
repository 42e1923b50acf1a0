package config

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/m4xw311/qtspy/errors"
)

// Dir is the per-user and per-project configuration directory name.
const Dir = ".qtspy"

// FileName is the configuration file inside Dir.
const FileName = "config.yaml"

type Config struct {
	// Retries bounds timed reconnect attempts; -1 is unbounded.
	Retries        int           `yaml:"retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	HelloTimeout   time.Duration `yaml:"hello_timeout"`
	DetachTimeout  time.Duration `yaml:"detach_timeout"`

	// Inject enables the injection fallback when no agent is listening.
	Inject         bool   `yaml:"inject"`
	AgentLibrary   string `yaml:"agent_library"`
	RuntimeLibrary string `yaml:"runtime_library"`
	EndpointDir    string `yaml:"endpoint_dir"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	WSListen string `yaml:"ws_listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Retries:        -1,
		RetryBaseDelay: 500 * time.Millisecond,
		HelloTimeout:   5 * time.Second,
		DetachTimeout:  2 * time.Second,
		Inject:         true,
		LogLevel:       "info",
		WSListen:       "127.0.0.1:8765",
	}
}

// Load returns the configuration. With an explicit path only that file is
// read on top of the defaults. Otherwise the user-level config in the home
// directory is loaded first and the project-level config in the working
// directory overrides it. Missing files are not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading config %s", path)
		}
		return cfg, cfg.Validate()
	}

	// Load user-level config first
	if home, err := os.UserHomeDir(); err == nil {
		if err := loadIfExists(filepath.Join(home, Dir, FileName), cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading user config")
		}
	}

	// Load project-level config, overriding user-level
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	if err := loadIfExists(filepath.Join(wd, Dir, FileName), cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading project config")
	}
	return cfg, cfg.Validate()
}

func loadIfExists(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return loadFromFile(path, cfg)
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal only overwrites keys present in the file, so layering is a
	// sequence of decodes into the same value.
	return yaml.Unmarshal(data, cfg)
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Retries < -1 {
		return errors.New("retries must be -1 (unbounded) or a non-negative count, got %d", c.Retries)
	}
	for name, d := range map[string]time.Duration{
		"retry_base_delay": c.RetryBaseDelay,
		"hello_timeout":    c.HelloTimeout,
		"detach_timeout":   c.DetachTimeout,
	} {
		if d <= 0 {
			return errors.New("%s must be positive, got %s", name, d)
		}
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return lvl, errors.Wrapf(err, "invalid log_level %q", c.LogLevel)
	}
	return lvl, nil
}
