// Remedyd coordinates security-scan remediation workflows: durable saga runs
// over a step ledger, with scheduled scans, automated fix pull requests, and
// an HTTP ingress for triggers.
//
// Usage:
//
//	# Start the daemon with the default config path
//	remedyd serve
//
//	# Start with an explicit config file
//	remedyd serve --config /etc/remedyd/config.yaml
//
//	# Configure via environment
//	REMEDYD_SERVER_PORT=9090 REMEDYD_SCANNER_COMMAND=/usr/local/bin/scanner remedyd serve
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/remedyd/internal/app"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const defaultConfigPath = "/etc/remedyd/config.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "remedyd",
		Short:         "Security remediation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		Long: "Start the remedyd daemon: HTTP trigger ingress, the scan and " +
			"auto-fix sagas, and the scan scheduler if enabled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"path to the YAML config file (skipped when absent)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("remedyd\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", gitCommit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	}
}

// serve loads configuration, wires the daemon, and blocks until SIGINT or
// SIGTERM triggers graceful shutdown.
func serve(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
