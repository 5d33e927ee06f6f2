package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/studio/internal/model"
)

// Background task types.
const (
	TaskTypeCallback          = "callback:process"
	TaskTypeMaterializeTracks = "media:tracks"
	TaskTypeMaterializeCovers = "media:covers"
	TaskTypeMaterializeVideo  = "media:video"
)

// Queue names, weighted in the worker server.
const (
	QueueCallbacks = "callbacks"
	QueueMedia     = "media"
)

// TaskEnqueuer is the subset of *asynq.Client the services use.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// CallbackPayload carries a raw provider push to the worker.
type CallbackPayload struct {
	Source     string          `json:"source"`
	Body       json.RawMessage `json:"body"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// TracksPayload asks the worker to materialize every pending track of a task.
type TracksPayload struct {
	TaskID string `json:"taskId"`
}

// CoversPayload asks the worker to materialize cover images for a job.
type CoversPayload struct {
	TaskID      string   `json:"taskId"`
	CoverTaskID string   `json:"coverTaskId"`
	URLs        []string `json:"urls"`
}

// VideoPayload asks the worker to materialize a music video for an artifact.
type VideoPayload struct {
	ArtifactID string `json:"artifactId"`
	URL        string `json:"url"`
}

func newTask(taskType string, payload interface{}) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", taskType, err)
	}
	return asynq.NewTask(taskType, data), nil
}

// enqueueDeduped enqueues under a fixed task id. A task already queued under
// that id counts as success.
func enqueueDeduped(q TaskEnqueuer, task *asynq.Task, id string) error {
	_, err := q.Enqueue(task,
		asynq.TaskID(id),
		asynq.Queue(QueueMedia),
		asynq.MaxRetry(5),
		asynq.Timeout(10*time.Minute),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) && !errors.Is(err, asynq.ErrDuplicateTask) {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// EnqueueTracks schedules materialization of a task's tracks.
func EnqueueTracks(q TaskEnqueuer, taskID string) error {
	task, err := newTask(TaskTypeMaterializeTracks, TracksPayload{TaskID: taskID})
	if err != nil {
		return err
	}
	return enqueueDeduped(q, task, "tracks:"+taskID)
}

// EnqueueCovers schedules materialization of the images one cover task
// produced for a job.
func EnqueueCovers(q TaskEnqueuer, taskID, coverTaskID string, urls []string) error {
	task, err := newTask(TaskTypeMaterializeCovers, CoversPayload{TaskID: taskID, CoverTaskID: coverTaskID, URLs: urls})
	if err != nil {
		return err
	}
	return enqueueDeduped(q, task, "covers:"+coverTaskID)
}

// EnqueueVideo schedules materialization of an artifact's music video.
func EnqueueVideo(q TaskEnqueuer, artifactID, url string) error {
	task, err := newTask(TaskTypeMaterializeVideo, VideoPayload{ArtifactID: artifactID, URL: url})
	if err != nil {
		return err
	}
	return enqueueDeduped(q, task, "video:"+artifactID)
}

// EventPublisher pushes live job updates to subscribers.
type EventPublisher interface {
	PublishStatus(taskID string, status model.JobState)
	PublishMaterialized(taskID string, sequenceIndex int, filename string)
	PublishError(taskID, code, message string)
}

type noopPublisher struct{}

func (noopPublisher) PublishStatus(string, model.JobState)    {}
func (noopPublisher) PublishMaterialized(string, int, string) {}
func (noopPublisher) PublishError(string, string, string)     {}

func publisherOrNoop(p EventPublisher) EventPublisher {
	if p == nil {
		return noopPublisher{}
	}
	return p
}
