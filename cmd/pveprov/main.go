// pveprov
//
// Turns a plain-language VM request into a reviewed Proxmox VE
// provisioning manifest, using live cluster state.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/jxucoder/pveprov/internal/config"
	"github.com/jxucoder/pveprov/internal/logging"
	"github.com/jxucoder/pveprov/pkg/pipeline"
	"github.com/jxucoder/pveprov/pkg/proxmox"
)

// Exit codes.
const (
	exitOK            = 0
	exitFailure       = 1
	exitRequestFailed = 2
	exitClarification = 3
)

var (
	version    = "dev"
	configPath string
	logJSON    bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "pveprov",
	Short: "pveprov - Proxmox VE provisioning assistant",
	Long: `pveprov turns a VM request into a reviewed Proxmox VE manifest and
Terraform configuration, using the live state of your cluster.

  pveprov config set PROXMOX_HOST pve.lan           Configure (first time)
  pveprov fetch --schema cluster/status             Fetch one API endpoint
  pveprov collect                                   Snapshot the cluster
  pveprov provision "ubuntu VM with 4 cores"        Generate a manifest
  pveprov serve                                     Start the HTTP API
  pveprov runs list                                 List past runs`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogging(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.FilePath(), "Config file (dotenv format)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON (default from PVEPROV_LOG_JSON)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.DefaultLogLevel, "Log level: debug, info, warn, error (default from PVEPROV_LOG_LEVEL)")
}

// initLogging sets up the global logger. Flags given on the command line win
// over PVEPROV_LOG_JSON and PVEPROV_LOG_LEVEL from the environment or the
// config file.
func initLogging(cmd *cobra.Command) error {
	flags := cmd.Root().PersistentFlags()
	jsonOut, level := logJSON, logLevel
	if cfg, err := config.LoadFile(configPath); err == nil {
		if !flags.Changed("log-json") {
			jsonOut = cfg.LogJSON
		}
		if !flags.Changed("log-level") && cfg.LogLevel != "" {
			level = cfg.LogLevel
		}
	}
	return logging.Initialize(jsonOut, level)
}

func main() {
	err := rootCmd.Execute()
	logging.Sync()
	if err != nil {
		printError(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case pipeline.IsClarification(err):
		return exitClarification
	case proxmox.IsRequestError(err):
		return exitRequestFailed
	}
	return exitFailure
}

// printError writes a one-line diagnostic followed by any hints.
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	hints := errors.FlattenHints(err)
	switch {
	case hints != "":
		for _, h := range strings.Split(hints, "\n") {
			if h = strings.TrimSpace(h); h != "" && !strings.HasPrefix(h, "--") {
				fmt.Fprintf(w, "  hint: %s\n", h)
			}
		}
	case proxmox.IsConnectionError(err):
		fmt.Fprintln(w, "  hint: check PROXMOX_HOST and PROXMOX_PORT, and that the API is reachable")
	case proxmox.IsAuthenticationError(err):
		fmt.Fprintln(w, "  hint: check PROXMOX_USERNAME, PROXMOX_REALM and PROXMOX_PASSWORD")
	}
}

// loadConfig reads the config file given by --config and the environment.
func loadConfig() (*config.Config, error) {
	return config.LoadFile(configPath)
}

// writeOutput writes data to path, or to w when path is empty.
func writeOutput(w io.Writer, path string, data []byte) error {
	if path == "" {
		if _, err := w.Write(data); err != nil {
			return err
		}
		if len(data) > 0 && data[len(data)-1] != '\n' {
			fmt.Fprintln(w)
		}
		return nil
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}
