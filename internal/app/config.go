// Package app assembles the daemon: configuration loading and the wiring of
// the saga runner, its collaborators, and the transports around them.
package app

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/remedyd/internal/alert"
	"github.com/fyrsmithlabs/remedyd/internal/github"
	"github.com/fyrsmithlabs/remedyd/internal/llm"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/ratelimit"
	"github.com/fyrsmithlabs/remedyd/internal/saga"
	"github.com/fyrsmithlabs/remedyd/internal/saga/ledger"
	"github.com/fyrsmithlabs/remedyd/internal/scan"
	"github.com/fyrsmithlabs/remedyd/internal/scheduler"
	"github.com/fyrsmithlabs/remedyd/internal/server"
	"github.com/fyrsmithlabs/remedyd/internal/similarity"
	"github.com/fyrsmithlabs/remedyd/internal/telemetry"
)

const (
	// envPrefix namespaces environment overrides: REMEDYD_LLM_API_KEY,
	// REMEDYD_GITHUB_TOKEN, REMEDYD_SERVER_PORT.
	envPrefix = "REMEDYD_"

	maxConfigFileSize = 1024 * 1024
)

// Config aggregates every component's configuration.
type Config struct {
	Logging    logging.Config      `koanf:"logging"`
	Telemetry  telemetry.Config    `koanf:"telemetry"`
	Server     server.Config       `koanf:"server"`
	Saga       saga.RunnerConfig   `koanf:"saga"`
	RateLimit  ratelimit.Config    `koanf:"ratelimit"`
	Ledger     ledger.BadgerConfig `koanf:"ledger"`
	Scanner    scan.CommandConfig  `koanf:"scanner"`
	Similarity similarity.Config   `koanf:"similarity"`
	LLM        llm.Config          `koanf:"llm"`
	GitHub     github.Config       `koanf:"github"`
	Alert      alert.Config        `koanf:"alert"`
	Scheduler  scheduler.Config    `koanf:"scheduler"`
}

// Load reads configuration from the YAML file at configPath (skipped when the
// file does not exist), then applies REMEDYD_-prefixed environment variables
// on top.
//
// Environment variables map to config keys by lowercasing and splitting on
// the first underscore after the prefix:
//
//	REMEDYD_SERVER_PORT    -> server.port
//	REMEDYD_GITHUB_TOKEN   -> github.token
//	REMEDYD_LLM_API_KEY    -> llm.api_key
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := loadConfigFile(k, configPath); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		// REMEDYD_LLM_API_KEY -> llm.api_key: the first underscore
		// separates the section, the rest stays a field name.
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func loadConfigFile(k *koanf.Koanf, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	// The file can carry API keys and webhook URLs; refuse group or world
	// readable files outright.
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o077 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// ApplyDefaults sets default values for every unset field.
func (c *Config) ApplyDefaults() {
	if c.Logging.Format == "" {
		defaults := logging.NewDefaultConfig()
		c.Logging.Level = defaults.Level
		c.Logging.Format = defaults.Format
		if c.Logging.Fields == nil {
			c.Logging.Fields = defaults.Fields
		}
	}
	if c.Telemetry.Endpoint == "" {
		enabled := c.Telemetry.Enabled
		c.Telemetry = *telemetry.NewDefaultConfig()
		c.Telemetry.Enabled = enabled
	}
	c.Server.ApplyDefaults()
	c.Saga.ApplyDefaults()
	c.RateLimit.ApplyDefaults()
	if c.Ledger.Path == "" && !c.Ledger.InMemory {
		c.Ledger = ledger.DefaultBadgerConfig("/var/lib/remedyd/ledger")
	}
	c.Scanner.ApplyDefaults()
	c.Similarity.ApplyDefaults()
	c.LLM.ApplyDefaults()
	c.GitHub.ApplyDefaults()
	c.Alert.ApplyDefaults()
	c.Scheduler.ApplyDefaults()
}

// Validate checks the configuration for errors. Collaborator configs whose
// credentials are verified by their constructors (GitHub, LLM, alert sink)
// are checked there, at wiring time.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if err := c.Scanner.Validate(); err != nil {
		return fmt.Errorf("scanner: %w", err)
	}
	if err := c.Similarity.Validate(); err != nil {
		return fmt.Errorf("similarity: %w", err)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	return nil
}
