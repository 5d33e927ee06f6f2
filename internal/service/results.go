package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/store"
)

// ResultRecorder applies terminal provider outcomes to the record store. The
// poll path and the callback path both go through it, so either may observe
// the same outcome any number of times in any order.
type ResultRecorder struct {
	store     store.Store
	queue     TaskEnqueuer
	events    EventPublisher
	remoteTTL time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

func NewResultRecorder(st store.Store, queue TaskEnqueuer, events EventPublisher, remoteTTL time.Duration, logger zerolog.Logger) *ResultRecorder {
	return &ResultRecorder{
		store:     st,
		queue:     queue,
		events:    publisherOrNoop(events),
		remoteTTL: remoteTTL,
		logger:    logger.With().Str("component", "results").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RecordSuccess upserts one artifact per track at its 1-based position, marks
// the job SUCCESS and schedules materialization.
func (r *ResultRecorder) RecordSuccess(ctx context.Context, job *model.Job, tracks []model.TrackResult) ([]model.Artifact, error) {
	var expires *time.Time
	if r.remoteTTL > 0 {
		t := r.now().Add(r.remoteTTL)
		expires = &t
	}

	artifacts := make([]model.Artifact, 0, len(tracks))
	for i, track := range tracks {
		jobID := job.ID
		a, err := r.store.UpsertArtifact(ctx, model.ArtifactUpsert{
			JobRef:             &jobID,
			OwnerID:            job.OwnerID,
			ExternalTaskID:     job.ExternalTaskID,
			SequenceIndex:      i + 1,
			ExternalArtifactID: track.ID,
			Title:              track.Title,
			RemoteURL:          track.AudioURL,
			RemoteURLExpiresAt: expires,
		})
		if err != nil {
			return nil, fmt.Errorf("record track %d: %w", i+1, err)
		}
		artifacts = append(artifacts, *a)
	}

	if job.Status != model.JobStateSuccess {
		status, err := r.store.SetJobStatus(ctx, job.ExternalTaskID, model.JobStateSuccess, nil)
		if err != nil {
			return nil, fmt.Errorf("mark job succeeded: %w", err)
		}
		if job.Status != status {
			r.events.PublishStatus(job.ExternalTaskID, status)
		}
		job.Status = status
		job.ErrorMessage = nil
	}

	if err := r.ScheduleMaterialization(ctx, job.ExternalTaskID, artifacts); err != nil {
		return artifacts, err
	}
	return artifacts, nil
}

// ScheduleMaterialization enqueues a download task when any artifact still
// lacks a local file.
func (r *ResultRecorder) ScheduleMaterialization(_ context.Context, taskID string, artifacts []model.Artifact) error {
	for i := range artifacts {
		if artifacts[i].NeedsDownload() {
			if err := EnqueueTracks(r.queue, taskID); err != nil {
				return err
			}
			r.logger.Debug().Str("task_id", taskID).Msg("materialization scheduled")
			return nil
		}
	}
	return nil
}

// RecordFailure marks the job FAILED. The job row is kept and a job that
// is already terminal keeps its state, whatever snapshot job carries.
func (r *ResultRecorder) RecordFailure(ctx context.Context, job *model.Job, message string) error {
	if !job.Status.CanTransition(model.JobStateFailed) {
		return nil
	}
	if message == "" {
		message = "generation failed"
	}
	applied, err := r.transition(ctx, job, model.JobStateFailed, &message)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if applied {
		r.events.PublishError(job.ExternalTaskID, "JOB_FAILED", message)
	}
	return nil
}

// RecordProgress moves a non-terminal job forward. Terminal jobs are left alone.
func (r *ResultRecorder) RecordProgress(ctx context.Context, job *model.Job, state model.JobState) error {
	if job.Status == state || !job.Status.CanTransition(state) {
		return nil
	}
	applied, err := r.transition(ctx, job, state, nil)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if applied {
		r.events.PublishStatus(job.ExternalTaskID, state)
	}
	return nil
}

// RecordTimeout marks a job that never reached a terminal provider state.
func (r *ResultRecorder) RecordTimeout(ctx context.Context, job *model.Job, message string) error {
	if !job.Status.CanTransition(model.JobStateTimedOut) {
		return nil
	}
	applied, err := r.transition(ctx, job, model.JobStateTimedOut, &message)
	if err != nil {
		return fmt.Errorf("mark job timed out: %w", err)
	}
	if applied {
		r.events.PublishError(job.ExternalTaskID, "TIMED_OUT", message)
	}
	return nil
}

// transition writes state through the store's conditional update and copies
// the stored outcome back onto job. A concurrent writer that already settled
// the job wins.
func (r *ResultRecorder) transition(ctx context.Context, job *model.Job, state model.JobState, message *string) (bool, error) {
	status, err := r.store.SetJobStatus(ctx, job.ExternalTaskID, state, message)
	if err != nil {
		return false, err
	}
	if status != state {
		r.logger.Debug().
			Str("task_id", job.ExternalTaskID).
			Str("wanted", string(state)).
			Str("status", string(status)).
			Msg("status transition skipped")
		fresh, err := r.store.GetJobByExternalTaskID(ctx, job.ExternalTaskID)
		if err != nil {
			return false, err
		}
		*job = *fresh
		return false, nil
	}
	job.Status = state
	if message != nil {
		job.ErrorMessage = message
	}
	return true, nil
}
