package models

import (
	"errors"
	"time"
)

// Flow is the persisted record of a DAG of jobs submitted together. The
// broker never sees this row; it only sees the individual jobs the flow
// coordinator enqueues. JobStructure is immutable once created; Progress is
// the only field the coordinator mutates after creation.
type Flow struct {
	OwnedModel
	// FlowID is the coordinator-minted opaque identity (§3) clients address
	// the flow by — distinct from OwnedModel.ID, which is only the storage
	// row's primary key.
	FlowID      string `gorm:"uniqueIndex;not null" json:"flowId"`
	FlowName    string `gorm:"not null" json:"flowname"`
	RootName    string `gorm:"not null" json:"rootName"`
	RootQueue   string `gorm:"not null" json:"rootQueue"`
	RootJobID   string `json:"rootJobId,omitempty"`

	// JobStructure is the originally-submitted DAG tree, stored verbatim
	// and never rewritten after creation.
	JobStructure JSON `gorm:"type:jsonb;not null" json:"jobStructure"`

	// Progress is FlowProgress as a JSON document ("jobs" and "summary");
	// flow.Coordinator (internal/flow) reads and rewrites it in place.
	Progress JSON `gorm:"type:jsonb;not null" json:"progress"`

	Status      string     `gorm:"not null;default:'pending'" json:"status"`
	Result      JSON       `gorm:"type:jsonb" json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// FlowStatus enumerates §3's aggregate flow status values.
type FlowStatus string

const (
	FlowStatusPending   FlowStatus = "pending"
	FlowStatusRunning   FlowStatus = "running"
	FlowStatusCompleted FlowStatus = "completed"
	FlowStatusFailed    FlowStatus = "failed"
	FlowStatusCancelled FlowStatus = "cancelled"
)

var (
	ErrInvalidFlowName      = errors.New("flow name is required")
	ErrInvalidFlowStructure = errors.New("flow job structure is required")
	ErrInvalidFlowID        = errors.New("flow id is required")
)

// Validate checks the invariants a Flow row must hold before it is
// persisted. It does not check for DAG cycles; neither does the coordinator,
// whose submitted flow.Node tree is a nested value with no parent references.
func (f *Flow) Validate() error {
	if f.FlowName == "" {
		return ErrInvalidFlowName
	}
	if f.JobStructure == nil {
		return ErrInvalidFlowStructure
	}
	return nil
}

func (f *Flow) IsTerminal() bool {
	return f.Status == string(FlowStatusCompleted) || f.Status == string(FlowStatusFailed) || f.Status == string(FlowStatusCancelled)
}

func (f *Flow) Duration() time.Duration {
	if f.StartedAt == nil {
		return 0
	}
	if f.CompletedAt != nil {
		return f.CompletedAt.Sub(*f.StartedAt)
	}
	return time.Since(*f.StartedAt)
}
