package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

// CommandConfig configures the external scanner invocation.
type CommandConfig struct {
	// Command is the scanner executable.
	Command string `koanf:"command"`

	// Args are passed before the repository URL, branch, and scan type.
	Args []string `koanf:"args"`

	// Timeout bounds one invocation.
	// Default: 15 minutes
	Timeout time.Duration `koanf:"timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *CommandConfig) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Minute
	}
}

// Validate validates the scanner configuration.
func (c *CommandConfig) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("scanner command is required")
	}
	return nil
}

// CommandScanner runs an external scanner process. The actual vulnerability
// analysis lives in that process; this adapter invokes it as
//
//	<command> <args...> <repoURL> <branch> <scanType>
//
// and decodes a JSON array of vulnerabilities from its stdout.
type CommandScanner struct {
	cfg    CommandConfig
	logger *logging.Logger
}

var _ Scanner = (*CommandScanner)(nil)

// NewCommandScanner creates the adapter.
func NewCommandScanner(cfg CommandConfig, logger *logging.Logger) (*CommandScanner, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &CommandScanner{cfg: cfg, logger: logger.Named("scanner")}, nil
}

// Scan invokes the scanner process and parses its findings.
func (s *CommandScanner) Scan(ctx context.Context, repoURL, branch, scanType string) ([]Vulnerability, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	args := append(append([]string{}, s.cfg.Args...), repoURL, branch, scanType)
	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("scanner failed: %w (stderr: %s)", err, truncate(stderr.String(), 512))
	}

	var vulns []Vulnerability
	if err := json.Unmarshal(stdout.Bytes(), &vulns); err != nil {
		return nil, fmt.Errorf("failed to parse scanner output: %w", err)
	}

	s.logger.Info(ctx, "scanner finished",
		zap.String("repo_url", repoURL),
		zap.String("scan_type", scanType),
		zap.Int("vulnerabilities", len(vulns)),
		zap.Duration("duration", time.Since(start)),
	)
	return vulns, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
