package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/store"
)

const defaultJobListLimit = 50

// ArtifactService serves the owner's library: listing, sharing and deletion.
type ArtifactService struct {
	store        store.Store
	materializer *Materializer
	logger       zerolog.Logger
}

func NewArtifactService(st store.Store, materializer *Materializer, logger zerolog.Logger) *ArtifactService {
	return &ArtifactService{
		store:        st,
		materializer: materializer,
		logger:       logger.With().Str("component", "artifacts").Logger(),
	}
}

// ListJobs returns the caller's most recent jobs with their artifacts.
func (s *ArtifactService) ListJobs(ctx context.Context, userID string, limit int) ([]model.JobWithArtifacts, error) {
	if limit <= 0 || limit > defaultJobListLimit {
		limit = defaultJobListLimit
	}
	jobs, err := s.store.ListJobsByOwner(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.JobWithArtifacts, 0, len(jobs))
	for _, job := range jobs {
		artifacts, err := s.store.ListArtifactsByExternalTaskID(ctx, job.ExternalTaskID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.JobWithArtifacts{Job: job, Artifacts: artifacts})
	}
	return out, nil
}

// GetJob returns one owned job, including the parameters it was submitted with.
func (s *ArtifactService) GetJob(ctx context.Context, userID, taskID string) (*model.JobWithArtifacts, error) {
	job, err := ownedJob(ctx, s.store, userID, taskID)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.store.ListArtifactsByExternalTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &model.JobWithArtifacts{Job: *job, Artifacts: artifacts}, nil
}

// DeleteArtifact removes an owned artifact and its files. When it was the
// last artifact of its job the job and its cover images go too. Deleting an
// artifact that a concurrent request already removed is a no-op.
func (s *ArtifactService) DeleteArtifact(ctx context.Context, userID, artifactID string) error {
	if _, err := ownedArtifact(ctx, s.store, userID, artifactID); err != nil {
		return err
	}

	res, err := s.store.DeleteArtifact(ctx, artifactID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var files []string
	if res.Artifact.LocalFilename != nil {
		files = append(files, *res.Artifact.LocalFilename)
	}
	if res.Artifact.DerivedVideoFilename != nil {
		files = append(files, *res.Artifact.DerivedVideoFilename)
	}
	if res.JobDeleted && res.Job != nil {
		files = append(files, res.Job.DerivedImages...)
	}
	if s.materializer != nil {
		s.materializer.RemoveFiles(ctx, files...)
	}

	s.logger.Info().
		Str("artifact_id", artifactID).
		Str("task_id", res.Artifact.ExternalTaskID).
		Bool("job_deleted", res.JobDeleted).
		Int("files", len(files)).
		Msg("artifact deleted")
	return nil
}

// Share toggles public visibility. coverIndex, when set, selects one of the
// job's cover images to show alongside the artifact.
func (s *ArtifactService) Share(ctx context.Context, userID, artifactID string, req model.ShareRequest) (*model.Artifact, error) {
	a, err := ownedArtifact(ctx, s.store, userID, artifactID)
	if err != nil {
		return nil, err
	}

	coverIndex := req.CoverIndex
	if !req.Shared {
		coverIndex = nil
	}
	if coverIndex != nil {
		if *coverIndex < 0 {
			return nil, invalid("coverIndex", "must not be negative")
		}
		var images []string
		if job, err := s.store.GetJobByExternalTaskID(ctx, a.ExternalTaskID); err == nil {
			images = job.DerivedImages
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if *coverIndex >= len(images) {
			return nil, invalid("coverIndex", "no cover image at this index")
		}
	}

	updated, err := s.store.SetArtifactShare(ctx, artifactID, req.Shared, coverIndex)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return updated, nil
}
