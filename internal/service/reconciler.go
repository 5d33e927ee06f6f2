package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/client"
	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/store"
)

// Reconciler answers caller-driven status polls. It keeps no state between
// calls beyond what it persists.
type Reconciler struct {
	store       store.Store
	provider    client.MusicProvider
	vocab       *StatusVocabulary
	results     *ResultRecorder
	queue       TaskEnqueuer
	maxAttempts int
	logger      zerolog.Logger
}

func NewReconciler(st store.Store, provider client.MusicProvider, vocab *StatusVocabulary, results *ResultRecorder, queue TaskEnqueuer, maxAttempts int, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:       st,
		provider:    provider,
		vocab:       vocab,
		results:     results,
		queue:       queue,
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "reconciler").Logger(),
	}
}

// Poll fetches the provider status of a job once and applies it.
func (r *Reconciler) Poll(ctx context.Context, userID, taskID string) (*model.StatusResponse, error) {
	job, err := ownedJob(ctx, r.store, userID, taskID)
	if err != nil {
		return nil, err
	}

	if job.Status.Terminal() {
		return r.settled(ctx, job)
	}

	count, err := r.store.IncrementPollCount(ctx, taskID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	st, err := r.provider.GetStatus(ctx, job.Kind, taskID)
	if err != nil {
		r.logger.Warn().Str("task_id", taskID).Err(err).Msg("status fetch failed")
		return nil, err
	}

	state := r.vocab.Classify(st.Status)
	resp := &model.StatusResponse{TaskID: taskID, ProviderStatus: st.Status}

	switch {
	case state == model.JobStateSuccess && len(st.Tracks) > 0:
		artifacts, err := r.results.RecordSuccess(ctx, job, st.Tracks)
		if err != nil {
			return nil, err
		}
		resp.Artifacts = artifacts

	case state == model.JobStateFailed:
		msg := st.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("generation failed: %s", st.Status)
		}
		if err := r.results.RecordFailure(ctx, job, msg); err != nil {
			return nil, err
		}
		resp.Error = msg

	default:
		// SUCCESS without result units is re-polled like any mid-state.
		if state == model.JobStateSuccess {
			state = model.JobStateGenerating
		}
		if r.maxAttempts > 0 && count >= r.maxAttempts {
			return r.timeOut(ctx, job, resp, count)
		}
		if err := r.results.RecordProgress(ctx, job, state); err != nil {
			return nil, err
		}
	}

	if job.Status.Terminal() && job.Status != state {
		// Settled by a concurrent callback while the provider call was in flight.
		return r.settled(ctx, job)
	}
	resp.Status = job.Status
	resp.Terminal = job.Status.Terminal()
	r.logger.Debug().
		Str("task_id", taskID).
		Str("provider_status", st.Status).
		Str("status", string(job.Status)).
		Int("poll", count).
		Msg("polled")
	return resp, nil
}

func (r *Reconciler) timeOut(ctx context.Context, job *model.Job, resp *model.StatusResponse, count int) (*model.StatusResponse, error) {
	msg := fmt.Sprintf("no terminal status after %d polls", count)
	if err := r.results.RecordTimeout(ctx, job, msg); err != nil {
		return nil, mapStoreErr(err)
	}
	if job.Status != model.JobStateTimedOut {
		return r.settled(ctx, job)
	}
	resp.Status = model.JobStateTimedOut
	resp.Terminal = true
	resp.Error = msg
	return resp, nil
}

// settled answers for a terminal job from the record store alone and
// re-schedules any download that has not landed yet.
func (r *Reconciler) settled(ctx context.Context, job *model.Job) (*model.StatusResponse, error) {
	resp := &model.StatusResponse{TaskID: job.ExternalTaskID, Status: job.Status, Terminal: true}
	if job.ErrorMessage != nil {
		resp.Error = *job.ErrorMessage
	}
	if job.Status != model.JobStateSuccess {
		return resp, nil
	}
	artifacts, err := r.store.ListArtifactsByExternalTaskID(ctx, job.ExternalTaskID)
	if err != nil {
		return nil, err
	}
	if err := r.results.ScheduleMaterialization(ctx, job.ExternalTaskID, artifacts); err != nil {
		r.logger.Warn().Str("task_id", job.ExternalTaskID).Err(err).Msg("failed to reschedule materialization")
	}
	resp.Artifacts = artifacts
	return resp, nil
}

// PollCover checks the cover-image follow-on of a job.
func (r *Reconciler) PollCover(ctx context.Context, userID, taskID string) (*model.FollowOnStatusResponse, error) {
	job, err := ownedJob(ctx, r.store, userID, taskID)
	if err != nil {
		return nil, err
	}
	if job.SecondaryTaskID == nil {
		return nil, ErrNotFound
	}
	resp := &model.FollowOnStatusResponse{TaskID: *job.SecondaryTaskID, Filenames: job.DerivedImages}

	st, err := r.provider.GetCoverStatus(ctx, *job.SecondaryTaskID)
	if err != nil {
		return nil, err
	}
	resp.Status = r.vocab.Classify(st.Status)
	switch resp.Status {
	case model.JobStateSuccess:
		if len(st.Images) == 0 {
			resp.Status = model.JobStateGenerating
			break
		}
		if len(job.DerivedImages) < len(st.Images) {
			if err := EnqueueCovers(r.queue, job.ExternalTaskID, *job.SecondaryTaskID, st.Images); err != nil {
				return nil, err
			}
		}
	case model.JobStateFailed:
		resp.Error = st.ErrorMessage
	}
	resp.Terminal = resp.Status.Terminal()
	return resp, nil
}

// PollVideo checks the music-video follow-on of an artifact.
func (r *Reconciler) PollVideo(ctx context.Context, userID, artifactID string) (*model.FollowOnStatusResponse, error) {
	a, err := ownedArtifact(ctx, r.store, userID, artifactID)
	if err != nil {
		return nil, err
	}
	if a.DerivedVideoTaskID == nil {
		return nil, ErrNotFound
	}
	resp := &model.FollowOnStatusResponse{TaskID: *a.DerivedVideoTaskID}
	if a.DerivedVideoFilename != nil {
		resp.Filenames = []string{*a.DerivedVideoFilename}
	}

	st, err := r.provider.GetVideoStatus(ctx, *a.DerivedVideoTaskID)
	if err != nil {
		return nil, err
	}
	resp.Status = r.vocab.Classify(st.Status)
	switch resp.Status {
	case model.JobStateSuccess:
		if st.VideoURL == "" {
			resp.Status = model.JobStateGenerating
			break
		}
		if a.DerivedVideoFilename == nil {
			if err := EnqueueVideo(r.queue, a.ID, st.VideoURL); err != nil {
				return nil, err
			}
		}
	case model.JobStateFailed:
		resp.Error = st.ErrorMessage
	}
	resp.Terminal = resp.Status.Terminal()
	return resp, nil
}
