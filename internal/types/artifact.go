package types

import (
	"time"

	"github.com/google/uuid"
)

// ArtifactStatus is the promotion status of an artifact version.
type ArtifactStatus string

const (
	ArtifactDraft    ArtifactStatus = "draft"
	ArtifactApproved ArtifactStatus = "approved"
	ArtifactFrozen   ArtifactStatus = "frozen"
)

// Artifact is one immutable version of a task output within a (job, type, role) group.
type Artifact struct {
	ID uuid.UUID `json:"id"`
	// TaskID is uuid.Nil once the producing task has been removed.
	TaskID           uuid.UUID      `json:"task_id"`
	JobID            uuid.UUID      `json:"job_id"`
	Type             string         `json:"type"`
	Role             string         `json:"role,omitempty"`
	Version          int            `json:"version"`
	IsCurrent        bool           `json:"is_current"`
	Status           ArtifactStatus `json:"status"`
	ParentArtifactID *uuid.UUID     `json:"parent_artifact_id,omitempty"`
	StorageRef       string         `json:"storage_ref"`
	MimeType         string         `json:"mime_type,omitempty"`
	Previewable      bool           `json:"previewable"`
	Metadata         Value          `json:"metadata"`
	// RunStartedAt is the started_at of the task run that produced this version.
	RunStartedAt *time.Time `json:"run_started_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	PromotedAt   *time.Time `json:"promoted_at,omitempty"`
	PromotedBy   *string    `json:"promoted_by,omitempty"`
}

// SameGroup reports whether a and other version the same (job, type, role) slot.
func (a *Artifact) SameGroup(other *Artifact) bool {
	return a.JobID == other.JobID && a.Type == other.Type && a.Role == other.Role
}

// NewArtifact holds the fields reported by a worker for a new artifact version.
type NewArtifact struct {
	TaskID      uuid.UUID `json:"task_id"`
	JobID       uuid.UUID `json:"job_id"`
	Type        string    `json:"type" validate:"required"`
	Role        string    `json:"role,omitempty"`
	StorageRef  string    `json:"storage_ref" validate:"required"`
	MimeType    string    `json:"mime_type,omitempty"`
	Previewable bool      `json:"previewable"`
	Metadata    Value     `json:"metadata"`
	// RunStartedAt identifies the producing task run. A second version of the same
	// group from the same run is not created; the first one is returned instead.
	RunStartedAt *time.Time `json:"-"`
}
