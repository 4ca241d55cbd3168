// Package cmd provides the CLI commands for the gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/labforge/gateway/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Gateway - authenticating reverse proxy for the lab platform",
	Long: `Gateway is the authenticating reverse proxy between the browser SPA
and the platform backends (authorization, experiments, telemetry).

It turns upstream token responses into HttpOnly session cookies, guards
state-changing requests with a double-submit CSRF check, refreshes access
tokens transparently, resolves per-project roles, and forwards requests
with trace and identity headers attached.

Quick start:
  1. Create a config file: gateway.yaml
  2. Run: gateway start

Configuration:
  Config is loaded from gateway.yaml in the current directory,
  $HOME/.gateway/, or /etc/gateway/.

  Environment variables can override config values with the GATEWAY_ prefix.
  Example: GATEWAY_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the gateway server
  routes      Print the proxy route table
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gateway.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
