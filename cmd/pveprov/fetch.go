package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/jxucoder/pveprov/internal/config"
	"github.com/jxucoder/pveprov/internal/logging"
	"github.com/jxucoder/pveprov/pkg/collector"
	"github.com/jxucoder/pveprov/pkg/proxmox"
)

var (
	fetchSchema string
	fetchRaw    bool
	collectOut  string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Authenticate and fetch one API path",
	Long: `Log in to the Proxmox VE API and print the JSON returned for one path.

  pveprov fetch --schema cluster/status
  pveprov fetch --schema nodes/pve1/storage --raw`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runFetch(ctx, cfg, cmd.OutOrStdout(), fetchSchema, fetchRaw)
	},
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Snapshot nodes, storage, templates and guests",
	Long: `Walk the cluster the way a provisioning run does and print the snapshot
as JSON. Endpoints that fail are listed under "errors".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runCollect(ctx, cfg, cmd.OutOrStdout(), collectOut)
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchSchema, "schema", "", "API path relative to /api2/json (e.g. cluster/status)")
	fetchCmd.Flags().BoolVar(&fetchRaw, "raw", false, "Print the body exactly as received")
	fetchCmd.MarkFlagRequired("schema")

	collectCmd.Flags().StringVarP(&collectOut, "out", "o", "", "Write the snapshot to a file instead of stdout")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(collectCmd)
}

func newProxmoxClient(cfg *config.Config) (*proxmox.Client, error) {
	if err := cfg.ValidateProxmox(); err != nil {
		return nil, err
	}
	return proxmox.New(cfg.Proxmox, proxmox.WithLogger(logging.Named("proxmox")))
}

// runFetch logs in and writes the body of path to w.
func runFetch(ctx context.Context, cfg *config.Config, w io.Writer, path string, raw bool) error {
	client, err := newProxmoxClient(cfg)
	if err != nil {
		return err
	}
	sess, err := client.Authenticate(ctx)
	if err != nil {
		return err
	}
	body, err := client.FetchRaw(ctx, sess, path)
	if err != nil {
		return err
	}
	if raw {
		return writeOutput(w, "", body)
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return errors.Wrap(err, "formatting response")
	}
	return writeOutput(w, "", buf.Bytes())
}

// runCollect logs in, walks the cluster and writes the snapshot.
func runCollect(ctx context.Context, cfg *config.Config, w io.Writer, out string) error {
	client, err := newProxmoxClient(cfg)
	if err != nil {
		return err
	}
	sess, err := client.Authenticate(ctx)
	if err != nil {
		return err
	}
	c := collector.New(client,
		collector.WithRate(cfg.ProxmoxRateLimit),
		collector.WithLogger(logging.Named("collector")),
	)
	snap, err := c.Collect(ctx, sess)
	if err != nil {
		return err
	}
	for _, e := range snap.Errors {
		logging.Logger.Warnw("endpoint failed", "path", e.Path, "status", e.StatusCode, "message", e.Message)
	}
	data, err := snap.JSON()
	if err != nil {
		return err
	}
	return writeOutput(w, out, data)
}
