// Package store defines the RunStore interface for run persistence.
package store

import (
	"github.com/cockroachdb/errors"

	"github.com/jxucoder/pveprov/pkg/model"
)

// ErrNotFound is returned when a run or record does not exist.
var ErrNotFound = errors.New("not found")

// RunStore provides persistence for runs, events, manifest revisions and
// cluster snapshots.
type RunStore interface {
	CreateRun(run *model.Run) error
	GetRun(id string) (*model.Run, error)
	ListRuns(limit int) ([]*model.Run, error)
	UpdateRun(run *model.Run) error
	AddEvent(event *model.Event) error
	GetEvents(runID string, afterID int64) ([]*model.Event, error)
	AddRevision(rev *model.Revision) error
	GetRevisions(runID string) ([]*model.Revision, error)
	LatestRevision(runID string) (*model.Revision, error)
	SaveSnapshot(rec *model.SnapshotRecord) error
	GetSnapshot(runID string) (*model.SnapshotRecord, error)
	Close() error
}
