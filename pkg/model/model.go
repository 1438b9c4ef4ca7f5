// Package model holds the domain types shared by the store, engine, event
// bus and HTTP API.
package model

import (
	"encoding/json"
	"time"
)

// Status represents the current state of a provisioning run.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
	// StatusClarification means the request lacked a VM name or source and
	// the run stopped with a question for the user.
	StatusClarification Status = "clarification"
	// StatusUnapproved means the loop hit its iteration bound with a valid
	// manifest the reviewer never approved.
	StatusUnapproved Status = "unapproved"
)

// Terminal reports whether no further transitions happen from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusClarification, StatusUnapproved:
		return true
	}
	return false
}

// Run is one provisioning request and its outcome.
type Run struct {
	ID         string    `json:"id"`
	Request    string    `json:"request"`
	Status     Status    `json:"status"`
	VMName     string    `json:"vm_name,omitempty"`
	TargetNode string    `json:"target_node,omitempty"`
	Iterations int       `json:"iterations"`
	Approved   bool      `json:"approved"`
	Question   string    `json:"question,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Event types.
const (
	EventStatus = "status"
	EventOutput = "output"
	EventError  = "error"
	EventDone   = "done"
)

// Event represents a single event in a run's lifecycle.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"` // "status", "output", "error", "done"
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Revision is the manifest as it stood after one refinement iteration.
type Revision struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Iteration int             `json:"iteration"`
	Manifest  json.RawMessage `json:"manifest,omitempty"`
	Draft     string          `json:"draft,omitempty"` // raw model output
	Feedback  string          `json:"feedback,omitempty"`
	Terraform string          `json:"terraform,omitempty"`
	Valid     bool            `json:"valid"` // passed validation, rendering and analysis
	Approved  bool            `json:"approved"`
	CreatedAt time.Time       `json:"created_at"`
}

// SnapshotRecord is the cluster snapshot a run was planned against.
type SnapshotRecord struct {
	RunID     string          `json:"run_id"`
	Snapshot  json.RawMessage `json:"snapshot"`
	CreatedAt time.Time       `json:"created_at"`
}
