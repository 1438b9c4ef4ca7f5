package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jxucoder/pveprov/internal/config"
)

// ---------------------------------------------------------------------------
// Cobra commands
// ---------------------------------------------------------------------------

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage pveprov configuration",
	Long: `Manage pveprov configuration (Proxmox credentials, API keys, etc.).

Configuration is stored in ~/.pveprov/config.env and can be overridden
by environment variables.

  pveprov config set KEY VALUE      Set a single config value
  pveprov config show               Show current configuration
  pveprov config path               Print config file path`,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a config value",
	Long: `Set a single configuration value. An empty VALUE removes the key. Example:
  pveprov config set PROXMOX_HOST 192.168.1.10`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigSet(cmd.OutOrStdout(), configPath, args[0], args[1])
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display all configurable values and where each comes from. Secrets are masked.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigShow(cmd.OutOrStdout(), configPath)
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), configPath)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// ---------------------------------------------------------------------------
// config set / config show
// ---------------------------------------------------------------------------

// runConfigSet sets a single key=value in the config file.
func runConfigSet(w io.Writer, path, key, value string) error {
	if err := config.Set(path, key, value); err != nil {
		return err
	}
	k, _ := config.LookupKey(key)
	switch {
	case value == "":
		fmt.Fprintf(w, "Removed %s\n", k.Name)
	case k.Secret:
		fmt.Fprintf(w, "Set %s = %s\n", k.Name, config.Mask(value))
	default:
		fmt.Fprintf(w, "Set %s = %s\n", k.Name, value)
	}
	return nil
}

// runConfigShow displays the current effective configuration.
func runConfigShow(w io.Writer, path string) error {
	entries, err := config.Entries(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Config file: %s\n\n", path)
	for _, e := range entries {
		display := e.Value
		if display == "" {
			display = "(not set)"
		}
		source := ""
		switch e.Source {
		case "env":
			source = " (from env)"
		case "file":
			source = " (from config file)"
		}
		fmt.Fprintf(w, "  %-30s %s%s\n", e.Key.Name, display, source)
	}
	return nil
}
