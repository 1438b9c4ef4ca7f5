package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jxucoder/pveprov/pkg/model"
	"github.com/jxucoder/pveprov/pkg/store"
	sqliteStore "github.com/jxucoder/pveprov/pkg/store/sqlite"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect past provisioning runs",
	Long: `Read runs from the local database.

  pveprov runs list                 Most recent runs
  pveprov runs show <id>            One run with its revisions
  pveprov runs events <id>          The event log of a run`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st store.RunStore) error {
			return listRuns(cmd.OutOrStdout(), st, runsLimit)
		})
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a run and its revisions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st store.RunStore) error {
			return showRun(cmd.OutOrStdout(), st, args[0])
		})
	},
}

var runsEventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Print the event log of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st store.RunStore) error {
			return printEvents(cmd.OutOrStdout(), st, args[0])
		})
	},
}

func init() {
	runsListCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to show")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsEventsCmd)
	rootCmd.AddCommand(runsCmd)
}

func withStore(fn func(store.RunStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := sqliteStore.New(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func listRuns(w io.Writer, st store.RunStore, limit int) error {
	runs, err := st.ListRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs yet.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tVM\tNODE\tITER\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.Status, dash(r.VMName), dash(r.TargetNode), r.Iterations,
			r.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func showRun(w io.Writer, st store.RunStore, id string) error {
	run, err := st.GetRun(id)
	if err != nil {
		return err
	}
	revs, err := st.GetRevisions(id)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run:        %s\n", run.ID)
	fmt.Fprintf(w, "Status:     %s\n", run.Status)
	fmt.Fprintf(w, "Request:    %s\n", run.Request)
	fmt.Fprintf(w, "VM:         %s\n", dash(run.VMName))
	fmt.Fprintf(w, "Node:       %s\n", dash(run.TargetNode))
	fmt.Fprintf(w, "Iterations: %d\n", run.Iterations)
	fmt.Fprintf(w, "Created:    %s\n", run.CreatedAt.Local().Format(time.DateTime))
	if run.Question != "" {
		fmt.Fprintf(w, "Question:   %s\n", run.Question)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", run.Error)
	}

	if len(revs) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nRevisions:")
	for _, rev := range revs {
		fmt.Fprintf(w, "  #%d  %s\n", rev.Iteration, revisionVerdict(rev))
		if rev.Feedback != "" && !rev.Approved {
			fmt.Fprintf(w, "      %s\n", oneLine(rev.Feedback, 120))
		}
	}
	return nil
}

func printEvents(w io.Writer, st store.RunStore, id string) error {
	if _, err := st.GetRun(id); err != nil {
		return err
	}
	events, err := st.GetEvents(id, 0)
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Fprintf(w, "%s  %-6s  %s\n", e.CreatedAt.Local().Format(time.TimeOnly), e.Type, e.Data)
	}
	return nil
}

func revisionVerdict(rev *model.Revision) string {
	switch {
	case rev.Approved:
		return "approved"
	case rev.Valid:
		return "needs changes"
	}
	return "failed local checks"
}

// oneLine collapses whitespace and truncates to n bytes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
