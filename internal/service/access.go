package service

import (
	"context"

	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/store"
)

func ownedJob(ctx context.Context, st store.Store, userID, taskID string) (*model.Job, error) {
	job, err := st.GetJobByExternalTaskID(ctx, taskID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if job.OwnerID != userID {
		return nil, ErrForbidden
	}
	return job, nil
}

func ownedArtifact(ctx context.Context, st store.Store, userID, artifactID string) (*model.Artifact, error) {
	a, err := st.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if a.OwnerID != userID {
		return nil, ErrForbidden
	}
	return a, nil
}
