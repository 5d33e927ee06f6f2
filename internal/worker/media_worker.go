package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/service"
	"github.com/makeasinger/studio/internal/store"
)

// MediaWorker runs the materialization tasks.
type MediaWorker struct {
	materializer *service.Materializer
	logger       zerolog.Logger
}

// NewMediaWorker creates a new media worker
func NewMediaWorker(materializer *service.Materializer, logger zerolog.Logger) *MediaWorker {
	return &MediaWorker{
		materializer: materializer,
		logger:       logger.With().Str("component", "media_worker").Logger(),
	}
}

// Register binds the media task types on mux.
func (w *MediaWorker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(service.TaskTypeMaterializeTracks, w.ProcessTracks)
	mux.HandleFunc(service.TaskTypeMaterializeCovers, w.ProcessCovers)
	mux.HandleFunc(service.TaskTypeMaterializeVideo, w.ProcessVideo)
}

func (w *MediaWorker) ProcessTracks(ctx context.Context, t *asynq.Task) error {
	var p service.TracksPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal tracks payload: %v: %w", err, asynq.SkipRetry)
	}
	w.logger.Debug().Str("task_id", p.TaskID).Msg("materializing tracks")
	return skipIfGone(w.materializer.MaterializeTracks(ctx, p.TaskID))
}

func (w *MediaWorker) ProcessCovers(ctx context.Context, t *asynq.Task) error {
	var p service.CoversPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal covers payload: %v: %w", err, asynq.SkipRetry)
	}
	w.logger.Debug().Str("task_id", p.TaskID).Int("images", len(p.URLs)).Msg("materializing covers")
	return skipIfGone(w.materializer.MaterializeCovers(ctx, p.TaskID, p.CoverTaskID, p.URLs))
}

func (w *MediaWorker) ProcessVideo(ctx context.Context, t *asynq.Task) error {
	var p service.VideoPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal video payload: %v: %w", err, asynq.SkipRetry)
	}
	w.logger.Debug().Str("artifact_id", p.ArtifactID).Msg("materializing video")
	return skipIfGone(w.materializer.MaterializeVideo(ctx, p.ArtifactID, p.URL))
}

// skipIfGone stops retries for records deleted while the task was queued.
func skipIfGone(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}
