package project

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultGrace is how long Terminate waits for a cooperative exit before
// killing the script.
const DefaultGrace = 5 * time.Second

// Config is the per-project configuration read from .stepwise/config.yaml.
// Every field has a usable default; a missing file is a valid config.
type Config struct {
	// ScriptSource is the directory step script references resolve
	// against, relative to the project root unless absolute. The
	// STEPWISE_SCRIPT_SOURCE environment variable overrides it.
	ScriptSource string `yaml:"script_source"`

	// Interpreter is an optional argv prefix for running scripts, for
	// example ["/bin/sh"] or ["python3"].
	Interpreter []string `yaml:"interpreter"`

	// Excludes are extra glob patterns left out of snapshots, on top of
	// the project directory and archive area which are always excluded.
	Excludes []string `yaml:"excludes"`

	// ArchiveDir overrides where archived step outputs are parked.
	ArchiveDir string `yaml:"archive_dir"`

	// Grace is the termination grace period, as a duration string.
	Grace string `yaml:"grace"`

	grace time.Duration
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{ScriptSource: "scripts", grace: DefaultGrace}
}

// LoadConfig reads and validates a config file. Unknown keys are rejected
// so typos fail loudly instead of silently using defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.ScriptSource == "" {
		cfg.ScriptSource = "scripts"
	}
	cfg.grace = DefaultGrace
	if cfg.Grace != "" {
		d, err := time.ParseDuration(cfg.Grace)
		if err != nil {
			return nil, fmt.Errorf("parse %s: grace: %w", path, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("parse %s: grace must be positive, got %s", path, cfg.Grace)
		}
		cfg.grace = d
	}
	return cfg, nil
}

// GracePeriod returns the parsed termination grace period.
func (c *Config) GracePeriod() time.Duration {
	if c.grace <= 0 {
		return DefaultGrace
	}
	return c.grace
}

// WriteDefaultConfig writes a starter config file. It refuses to overwrite
// an existing one.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	starter := "" +
		"# Directory step scripts are resolved from, relative to the project root.\n" +
		"script_source: scripts\n" +
		"\n" +
		"# Optional interpreter prefix, e.g. [\"/bin/sh\"].\n" +
		"interpreter: []\n" +
		"\n" +
		"# Extra glob patterns excluded from snapshots.\n" +
		"excludes: []\n" +
		"\n" +
		"# Where archived step outputs are parked. Defaults inside .stepwise.\n" +
		"archive_dir: \"\"\n" +
		"\n" +
		"# Grace period before a terminated script is killed.\n" +
		"grace: 5s\n"
	return os.WriteFile(path, []byte(starter), 0644)
}
