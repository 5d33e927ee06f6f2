package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/client"
	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/service"
	"github.com/makeasinger/studio/internal/store"
)

// errUncorrelated is returned when a callback arrives before the record it
// belongs to is visible. asynq retries it with backoff.
var errUncorrelated = errors.New("callback not yet correlated")

// CallbackWorker applies queued provider callbacks.
type CallbackWorker struct {
	store    store.Store
	provider client.MusicProvider
	results  *service.ResultRecorder
	queue    service.TaskEnqueuer
	events   service.EventPublisher
	logger   zerolog.Logger
}

// NewCallbackWorker creates a new callback worker
func NewCallbackWorker(st store.Store, provider client.MusicProvider, results *service.ResultRecorder, queue service.TaskEnqueuer, events service.EventPublisher, logger zerolog.Logger) *CallbackWorker {
	return &CallbackWorker{
		store:    st,
		provider: provider,
		results:  results,
		queue:    queue,
		events:   events,
		logger:   logger.With().Str("component", "callback_worker").Logger(),
	}
}

// ProcessTask handles one callback:process task
func (w *CallbackWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p service.CallbackPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal callback payload: %v: %w", err, asynq.SkipRetry)
	}

	var err error
	switch p.Source {
	case service.CallbackSourceMusic:
		err = w.processMusic(ctx, p.Body)
	case service.CallbackSourceCover:
		err = w.processCover(ctx, p.Body)
	case service.CallbackSourceVideo:
		err = w.processVideo(ctx, p.Body)
	default:
		return fmt.Errorf("unknown callback source %q: %w", p.Source, asynq.SkipRetry)
	}

	if errors.Is(err, client.ErrMalformedCallback) {
		w.logger.Warn().Str("source", p.Source).Err(err).Msg("dropping malformed callback")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

func (w *CallbackWorker) processMusic(ctx context.Context, body []byte) error {
	cb, err := client.ParseMusicCallback(body)
	if err != nil {
		return err
	}
	job, err := w.store.GetJobByExternalTaskID(ctx, cb.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("music task %s: %w", cb.TaskID, errUncorrelated)
	}
	if err != nil {
		return err
	}

	log := w.logger.With().Str("task_id", cb.TaskID).Str("stage", cb.CallbackType).Logger()

	switch {
	case cb.Failed():
		msg := cb.Msg
		if msg == "" {
			msg = "generation failed"
		}
		log.Info().Int("code", cb.Code).Msg("provider reported failure")
		return w.results.RecordFailure(ctx, job, msg)

	case cb.Succeeded() && len(cb.Tracks) > 0:
		artifacts, err := w.results.RecordSuccess(ctx, job, cb.Tracks)
		if err != nil {
			return err
		}
		log.Info().Int("tracks", len(artifacts)).Msg("callback recorded results")
		return nil

	default:
		// text and first stages only advance the state.
		return w.results.RecordProgress(ctx, job, model.JobStateGenerating)
	}
}

func (w *CallbackWorker) processCover(ctx context.Context, body []byte) error {
	cb, err := client.ParseCoverCallback(body)
	if err != nil {
		return err
	}
	job, err := w.coverJob(ctx, cb.TaskID)
	if err != nil {
		return err
	}

	if !client.IsSuccess(cb.Code) {
		w.logger.Warn().Str("task_id", job.ExternalTaskID).Str("cover_task_id", cb.TaskID).Str("msg", cb.Msg).Msg("cover generation failed")
		w.events.PublishError(job.ExternalTaskID, "COVER_FAILED", cb.Msg)
		return nil
	}
	if len(cb.Images) == 0 {
		return nil
	}
	return service.EnqueueCovers(w.queue, job.ExternalTaskID, cb.TaskID, cb.Images)
}

// coverJob finds the job a cover task belongs to, asking the provider for
// the parent task when the secondary id has not been recorded yet.
func (w *CallbackWorker) coverJob(ctx context.Context, coverTaskID string) (*model.Job, error) {
	job, err := w.store.GetJobBySecondaryTaskID(ctx, coverTaskID)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	st, err := w.provider.GetCoverStatus(ctx, coverTaskID)
	if err != nil {
		return nil, fmt.Errorf("cover task %s: %w", coverTaskID, err)
	}
	if st.ParentTaskID == "" {
		return nil, fmt.Errorf("cover task %s: %w", coverTaskID, errUncorrelated)
	}
	job, err = w.store.GetJobByExternalTaskID(ctx, st.ParentTaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("cover task %s: %w", coverTaskID, errUncorrelated)
	}
	if err != nil {
		return nil, err
	}
	if job.SecondaryTaskID == nil {
		if err := w.store.SetSecondaryTaskID(ctx, job.ExternalTaskID, coverTaskID); err != nil {
			return nil, err
		}
	}
	return job, nil
}

func (w *CallbackWorker) processVideo(ctx context.Context, body []byte) error {
	cb, err := client.ParseVideoCallback(body)
	if err != nil {
		return err
	}
	a, err := w.videoArtifact(ctx, cb.TaskID)
	if err != nil {
		return err
	}

	if !client.IsSuccess(cb.Code) {
		w.logger.Warn().Str("artifact_id", a.ID).Str("video_task_id", cb.TaskID).Str("msg", cb.Msg).Msg("video generation failed")
		w.events.PublishError(a.ExternalTaskID, "VIDEO_FAILED", cb.Msg)
		return nil
	}
	if cb.VideoURL == "" {
		return nil
	}
	return service.EnqueueVideo(w.queue, a.ID, cb.VideoURL)
}

// videoArtifact finds the artifact a video task belongs to, falling back to
// the provider's task detail (parent task and music id).
func (w *CallbackWorker) videoArtifact(ctx context.Context, videoTaskID string) (*model.Artifact, error) {
	a, err := w.store.GetArtifactByVideoTaskID(ctx, videoTaskID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	st, err := w.provider.GetVideoStatus(ctx, videoTaskID)
	if err != nil {
		return nil, fmt.Errorf("video task %s: %w", videoTaskID, err)
	}
	if st.MusicID == "" {
		return nil, fmt.Errorf("video task %s: %w", videoTaskID, errUncorrelated)
	}
	candidates, err := w.store.ListArtifactsByExternalArtifactID(ctx, st.MusicID)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		if st.ParentTaskID == "" || candidates[i].ExternalTaskID == st.ParentTaskID {
			found := candidates[i]
			if err := w.store.SetArtifactVideoTask(ctx, found.ID, videoTaskID); err != nil {
				return nil, err
			}
			return &found, nil
		}
	}
	return nil, fmt.Errorf("video task %s: %w", videoTaskID, errUncorrelated)
}
