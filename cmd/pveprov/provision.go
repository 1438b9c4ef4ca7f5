package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/jxucoder/pveprov"
	"github.com/jxucoder/pveprov/internal/engine"
	"github.com/jxucoder/pveprov/pkg/eventbus"
	"github.com/jxucoder/pveprov/pkg/model"
	"github.com/jxucoder/pveprov/pkg/pipeline"
)

var (
	provisionFormat string
	provisionOut    string
	provisionQuiet  bool
)

var provisionCmd = &cobra.Command{
	Use:   "provision <request>",
	Short: "Generate a reviewed manifest for a VM request",
	Long: `Validate the request, snapshot the cluster, draft a manifest and run the
review/refine loop until the reviewer approves or the iteration limit is hit.

  pveprov provision "web-01 from template 9001, 4 cores, 8GB" --format terraform
  pveprov provision "debian LXC on pve2" --format yaml --out web.yaml

Progress goes to stderr; the result goes to stdout or --out.`,
	Args: cobra.ExactArgs(1),
	RunE: runProvision,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the HTTP API on PVEPROV_ADDR.

The API has no authentication and /api/proxmox/* reads the cluster with
the configured credentials. Listen on a trusted interface only, for example
PVEPROV_ADDR=127.0.0.1:7080.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		app, err := pveprov.NewBuilder(cfg).Build()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		fmt.Fprintf(cmd.ErrOrStderr(), "pveprov listening on %s\n", cfg.ServerAddr)
		return app.Serve(ctx)
	},
}

func init() {
	provisionCmd.Flags().StringVarP(&provisionFormat, "format", "f", "terraform", "Output format: terraform, json or yaml")
	provisionCmd.Flags().StringVarP(&provisionOut, "out", "o", "", "Write the result to a file instead of stdout")
	provisionCmd.Flags().BoolVarP(&provisionQuiet, "quiet", "q", false, "Do not print progress")

	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(serveCmd)
}

func runProvision(cmd *cobra.Command, args []string) error {
	switch provisionFormat {
	case "terraform", "json", "yaml":
	default:
		return errors.Newf("unknown format %q (want terraform, json or yaml)", provisionFormat)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var progress io.Writer = cmd.ErrOrStderr()
	if provisionQuiet {
		progress = io.Discard
	}
	app, err := pveprov.NewBuilder(cfg).
		WithBus(&printingBus{Bus: eventbus.NewInMemoryBus(), w: progress}).
		Build()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return provision(ctx, app.Engine(), args[0], provisionFormat, provisionOut, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// provision executes one run and writes the result as format to outPath,
// or to out when outPath is empty.
func provision(ctx context.Context, eng *engine.Engine, request, format, outPath string, out, errOut io.Writer) error {
	res, err := eng.RunSync(ctx, request)
	if err != nil {
		var ce *pipeline.ClarificationError
		if errors.As(err, &ce) {
			fmt.Fprintf(errOut, "More information needed: %s\n", ce.Question)
		}
		return err
	}

	if res.Run.Status == model.StatusUnapproved {
		fmt.Fprintf(errOut, "Warning: the reviewer did not approve this manifest after %d iterations; review it before applying.\n", res.Run.Iterations)
	}

	data, err := render(res, format)
	if err != nil {
		return err
	}
	if err := writeOutput(out, outPath, data); err != nil {
		return err
	}
	if outPath != "" {
		fmt.Fprintf(errOut, "Wrote %s (run %s)\n", outPath, res.Run.ID)
	}
	return nil
}

func render(res *engine.Result, format string) ([]byte, error) {
	switch format {
	case "json":
		return res.Manifest.JSON()
	case "yaml":
		return res.Manifest.YAML()
	}
	return res.Terraform, nil
}

// printingBus echoes every published event as a progress line.
type printingBus struct {
	eventbus.Bus
	w io.Writer
}

func (b *printingBus) Publish(runID string, event *model.Event) {
	switch event.Type {
	case model.EventError:
		fmt.Fprintf(b.w, "  ! %s\n", event.Data)
	case model.EventDone:
		fmt.Fprintf(b.w, "  = run %s: %s\n", runID, event.Data)
	default:
		fmt.Fprintf(b.w, "  - %s\n", event.Data)
	}
	b.Bus.Publish(runID, event)
}
