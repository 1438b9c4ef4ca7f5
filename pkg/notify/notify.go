// Package notify defines the Notifier interface used to announce finished
// runs, plus the message text shared by the Slack and Telegram notifiers.
package notify

import (
	"context"
	"fmt"

	"github.com/jxucoder/pveprov/pkg/manifest"
	"github.com/jxucoder/pveprov/pkg/model"
)

// Notifier announces a finished run. m is nil when the run produced no
// manifest.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, run *model.Run, m *manifest.Manifest) error
}

// Headline is the one-line summary of a run.
func Headline(run *model.Run) string {
	switch run.Status {
	case model.StatusComplete:
		return fmt.Sprintf("Manifest approved for %s", orUnnamed(run.VMName))
	case model.StatusUnapproved:
		return fmt.Sprintf("Manifest for %s not approved after %d iterations", orUnnamed(run.VMName), run.Iterations)
	case model.StatusClarification:
		return "Run needs more information"
	case model.StatusError:
		return "Run failed"
	}
	return fmt.Sprintf("Run %s", run.Status)
}

// Details lists the facts worth showing under the headline.
func Details(run *model.Run, m *manifest.Manifest) []string {
	lines := []string{fmt.Sprintf("Run %s | status %s | %d iteration(s)", run.ID, run.Status, run.Iterations)}
	if m != nil {
		kind, value := m.Source()
		lines = append(lines,
			fmt.Sprintf("VM %d on %s from %s %s", m.VMID, m.TargetNode, kind, value),
			fmt.Sprintf("%d core(s) x %d socket(s), %d MiB RAM, %d GiB disk on %s",
				m.Cores, m.Sockets, m.RAMMB, m.Disk.SizeGB, m.Disk.Storage),
		)
	}
	if run.Question != "" {
		lines = append(lines, "Question: "+run.Question)
	}
	if run.Error != "" {
		lines = append(lines, "Error: "+Truncate(run.Error, 300))
	}
	return lines
}

// Truncate shortens s to at most n runes, adding "..." when cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

func orUnnamed(name string) string {
	if name == "" {
		return "(unnamed VM)"
	}
	return name
}
