// Package store persists Jobs and Artifacts. All multi-step mutations are
// atomic at the storage layer so concurrent pollers and callbacks cannot
// produce duplicates or orphans.
package store

import (
	"context"
	"errors"

	"github.com/makeasinger/studio/internal/model"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// NewJob is the input for CreateJob.
type NewJob struct {
	ExternalTaskID    string
	OwnerID           string
	Kind              model.JobKind
	RequestParameters []byte
}

// DeleteResult reports what a DeleteArtifact call removed.
type DeleteResult struct {
	Artifact   model.Artifact
	JobDeleted bool
	// Job is the removed parent, set only when JobDeleted is true.
	Job *model.Job
}

// Store is the record store contract shared by the Postgres and in-memory
// implementations.
type Store interface {
	CreateJob(ctx context.Context, in NewJob) (*model.Job, error)
	GetJobByExternalTaskID(ctx context.Context, taskID string) (*model.Job, error)
	GetJobBySecondaryTaskID(ctx context.Context, secondaryTaskID string) (*model.Job, error)
	ListJobsByOwner(ctx context.Context, ownerID string, limit int) ([]model.Job, error)
	// SetJobStatus applies the transition only when the stored status allows
	// it (see model.JobState.CanTransition) and returns the stored status
	// after the call.
	SetJobStatus(ctx context.Context, taskID string, status model.JobState, errMsg *string) (model.JobState, error)
	// IncrementPollCount returns the count after the increment.
	IncrementPollCount(ctx context.Context, taskID string) (int, error)
	SetSecondaryTaskID(ctx context.Context, taskID, secondaryTaskID string) error
	// AppendDerivedImages adds names not already present and returns the full list.
	AppendDerivedImages(ctx context.Context, taskID string, names []string) ([]string, error)

	// UpsertArtifact inserts or updates by (ExternalTaskID, SequenceIndex).
	// It never clears LocalFilename, share state or video fields.
	UpsertArtifact(ctx context.Context, in model.ArtifactUpsert) (*model.Artifact, error)
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	GetArtifactByPosition(ctx context.Context, taskID string, index int) (*model.Artifact, error)
	ListArtifactsByExternalTaskID(ctx context.Context, taskID string) ([]model.Artifact, error)
	ListArtifactsByExternalArtifactID(ctx context.Context, externalArtifactID string) ([]model.Artifact, error)
	GetArtifactByLocalFilename(ctx context.Context, filename string) (*model.Artifact, error)
	GetArtifactByVideoFilename(ctx context.Context, filename string) (*model.Artifact, error)
	GetArtifactByVideoTaskID(ctx context.Context, videoTaskID string) (*model.Artifact, error)
	SetArtifactLocalFilename(ctx context.Context, id, filename string) error
	SetArtifactVideoTask(ctx context.Context, id, videoTaskID string) error
	SetArtifactVideoFilename(ctx context.Context, id, filename string) error
	SetArtifactShare(ctx context.Context, id string, shared bool, coverIndex *int) (*model.Artifact, error)

	// DeleteArtifact removes the artifact and, when it was the last one,
	// its parent Job, in a single transaction.
	DeleteArtifact(ctx context.Context, id string) (*DeleteResult, error)

	Ping(ctx context.Context) error
	Close()
}
