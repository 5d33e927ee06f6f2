package service

import (
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/client"
)

// CallbackService accepts provider pushes. It never fails the HTTP request:
// anything it cannot queue is logged and dropped.
type CallbackService struct {
	queue  TaskEnqueuer
	logger zerolog.Logger
	now    func() time.Time
}

func NewCallbackService(queue TaskEnqueuer, logger zerolog.Logger) *CallbackService {
	return &CallbackService{
		queue:  queue,
		logger: logger.With().Str("component", "callbacks").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NormalizeSource maps the route segment to a known callback source. The bare
// /callback route carries music callbacks.
func NormalizeSource(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", CallbackSourceMusic:
		return CallbackSourceMusic, true
	case CallbackSourceCover:
		return CallbackSourceCover, true
	case CallbackSourceVideo:
		return CallbackSourceVideo, true
	}
	return "", false
}

// Accept queues the raw payload for processing and reports whether it was
// queued.
func (s *CallbackService) Accept(source string, body []byte) bool {
	src, ok := NormalizeSource(source)
	if !ok {
		s.logger.Warn().Str("source", source).Msg("callback for unknown source dropped")
		return false
	}

	taskID := client.CallbackTaskID(body)
	if taskID == "" {
		s.logger.Warn().Str("source", src).Int("bytes", len(body)).Msg("malformed callback dropped")
		return false
	}

	payload := CallbackPayload{
		Source:     src,
		Body:       append([]byte(nil), body...),
		ReceivedAt: s.now(),
	}
	task, err := newTask(TaskTypeCallback, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to build callback task")
		return false
	}
	if _, err := s.queue.Enqueue(task,
		asynq.Queue(QueueCallbacks),
		asynq.MaxRetry(8),
		asynq.Timeout(5*time.Minute),
	); err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to enqueue callback")
		return false
	}

	s.logger.Info().Str("source", src).Str("task_id", taskID).Msg("callback queued")
	return true
}
