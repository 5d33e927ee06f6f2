package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/client"
	"github.com/makeasinger/studio/internal/config"
	"github.com/makeasinger/studio/internal/mediastore"
	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/store"
)

// fakeProvider replays a scripted sequence of statuses. The last entry
// repeats once the script runs out.
type fakeProvider struct {
	mu        sync.Mutex
	submits   int
	payloads  [][]byte
	statuses  []client.TaskStatus
	polls     int
	cover     *client.CoverStatus
	video     *client.VideoStatus
	submitErr error
	covers    int
	// duringStatus runs inside GetStatus before the answer is returned.
	duringStatus func()
}

func (p *fakeProvider) Submit(_ context.Context, _ model.JobKind, payload []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitErr != nil {
		return "", p.submitErr
	}
	p.submits++
	p.payloads = append(p.payloads, append([]byte(nil), payload...))
	return fmt.Sprintf("task-%d", p.submits), nil
}

func (p *fakeProvider) GetStatus(_ context.Context, _ model.JobKind, taskID string) (*client.TaskStatus, error) {
	if p.duringStatus != nil {
		p.duringStatus()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.statuses) == 0 {
		return &client.TaskStatus{TaskID: taskID, Status: "PENDING"}, nil
	}
	i := p.polls
	if i >= len(p.statuses) {
		i = len(p.statuses) - 1
	}
	p.polls++
	st := p.statuses[i]
	st.TaskID = taskID
	return &st, nil
}

func (p *fakeProvider) RequestCover(context.Context, string, string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.covers++
	return fmt.Sprintf("cover-task-%d", p.covers), nil
}

func (p *fakeProvider) GetCoverStatus(_ context.Context, id string) (*client.CoverStatus, error) {
	if p.cover == nil {
		return &client.CoverStatus{TaskID: id, Status: "PENDING"}, nil
	}
	return p.cover, nil
}

func (p *fakeProvider) RequestVideo(context.Context, string, string, string) (string, error) {
	return "video-task-1", nil
}

func (p *fakeProvider) GetVideoStatus(_ context.Context, id string) (*client.VideoStatus, error) {
	if p.video == nil {
		return &client.VideoStatus{TaskID: id, Status: "PENDING"}, nil
	}
	return p.video, nil
}

func (p *fakeProvider) Credential() string { return "provider-key" }

func (p *fakeProvider) submitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits
}

// recordingQueue stands in for the asynq client and honours TaskID dedupe.
type recordingQueue struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	queue []string
	ids   map[string]bool
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{ids: make(map[string]bool)}
}

func (q *recordingQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	queueName := "default"
	for _, o := range opts {
		switch o.Type() {
		case asynq.TaskIDOpt:
			id := o.Value().(string)
			if q.ids[id] {
				return nil, asynq.ErrTaskIDConflict
			}
			q.ids[id] = true
		case asynq.QueueOpt:
			queueName = o.Value().(string)
		}
	}
	q.tasks = append(q.tasks, task)
	q.queue = append(q.queue, queueName)
	return &asynq.TaskInfo{Type: task.Type(), Queue: queueName}, nil
}

func (q *recordingQueue) count(taskType string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.Type() == taskType {
			n++
		}
	}
	return n
}

// forget drops a finished task id so it can be enqueued again.
func (q *recordingQueue) forget(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.ids, id)
}

type recordedEvent struct {
	kind   string
	taskID string
	value  string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) PublishStatus(taskID string, status model.JobState) {
	p.add(recordedEvent{"status", taskID, string(status)})
}

func (p *recordingPublisher) PublishMaterialized(taskID string, _ int, filename string) {
	p.add(recordedEvent{"materialized", taskID, filename})
}

func (p *recordingPublisher) PublishError(taskID, code, _ string) {
	p.add(recordedEvent{"error", taskID, code})
}

func (p *recordingPublisher) add(e recordedEvent) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) count(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

// harness wires every service against the in-memory store.
type harness struct {
	store        *store.MemoryStore
	media        *mediastore.Store
	provider     *fakeProvider
	queue        *recordingQueue
	events       *recordingPublisher
	results      *ResultRecorder
	reconciler   *Reconciler
	submission   *SubmissionService
	materializer *Materializer
	delivery     *DeliveryService
	artifacts    *ArtifactService
	callbacks    *CallbackService
	cdn          *httptest.Server
	cdnHits      *hitCounter
}

type hitCounter struct {
	mu sync.Mutex
	n  int
}

func (h *hitCounter) inc() {
	h.mu.Lock()
	h.n++
	h.mu.Unlock()
}

func (h *hitCounter) get() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	logger := zerolog.Nop()

	hits := &hitCounter{}
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.inc()
		if r.URL.Path == "/missing.mp3" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("bytes of " + r.URL.Path))
	}))
	t.Cleanup(cdn.Close)

	media, err := mediastore.NewStore(t.TempDir(), 5*time.Second, logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	h := &harness{
		store:    store.NewMemoryStore(),
		media:    media,
		provider: &fakeProvider{},
		queue:    newRecordingQueue(),
		events:   &recordingPublisher{},
		cdn:      cdn,
		cdnHits:  hits,
	}
	vocab := NewStatusVocabulary(nil, nil)
	h.results = NewResultRecorder(h.store, h.queue, h.events, 14*24*time.Hour, logger)
	h.reconciler = NewReconciler(h.store, h.provider, vocab, h.results, h.queue, maxAttempts, logger)
	h.submission = NewSubmissionService(h.store, h.provider, config.CallbackConfig{BaseURL: "https://api.example"}, "V4_5", h.events, logger)
	h.materializer = NewMaterializer(h.store, h.media, nil, h.provider.Credential(), h.events, logger)
	h.delivery = NewDeliveryService(h.store, h.media, logger)
	h.artifacts = NewArtifactService(h.store, h.materializer, logger)
	h.callbacks = NewCallbackService(h.queue, logger)
	return h
}

func (h *harness) tracks(paths ...string) []model.TrackResult {
	out := make([]model.TrackResult, len(paths))
	for i, p := range paths {
		out[i] = model.TrackResult{
			ID:       fmt.Sprintf("audio-%d", i+1),
			AudioURL: h.cdn.URL + p,
			Title:    fmt.Sprintf("Night Drive %d", i+1),
		}
	}
	return out
}

func (h *harness) submitGenerate(t *testing.T, owner string) string {
	t.Helper()
	resp, err := h.submission.Submit(context.Background(), owner, model.JobKindGenerate, &model.GenerateRequest{
		GenerationOptions: model.GenerationOptions{Prompt: "synthwave at night"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return resp.TaskID
}

func decodePayload(t *testing.T, raw []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return m
}
