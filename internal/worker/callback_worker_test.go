package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/client"
	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/service"
	"github.com/makeasinger/studio/internal/store"
)

type stubProvider struct {
	client.MusicProvider
	cover *client.CoverStatus
	video *client.VideoStatus
}

func (p *stubProvider) GetCoverStatus(context.Context, string) (*client.CoverStatus, error) {
	if p.cover == nil {
		return &client.CoverStatus{Status: "PENDING"}, nil
	}
	return p.cover, nil
}

func (p *stubProvider) GetVideoStatus(context.Context, string) (*client.VideoStatus, error) {
	if p.video == nil {
		return &client.VideoStatus{Status: "PENDING"}, nil
	}
	return p.video, nil
}

type taskRecorder struct {
	mu    sync.Mutex
	types []string
}

func (r *taskRecorder) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, task.Type())
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

type nopEvents struct{}

func (nopEvents) PublishStatus(string, model.JobState)    {}
func (nopEvents) PublishMaterialized(string, int, string) {}
func (nopEvents) PublishError(string, string, string)     {}

type fixture struct {
	store    *store.MemoryStore
	provider *stubProvider
	queue    *taskRecorder
	worker   *CallbackWorker
}

func newFixture() *fixture {
	st := store.NewMemoryStore()
	q := &taskRecorder{}
	p := &stubProvider{}
	results := service.NewResultRecorder(st, q, nopEvents{}, time.Hour, zerolog.Nop())
	return &fixture{
		store:    st,
		provider: p,
		queue:    q,
		worker:   NewCallbackWorker(st, p, results, q, nopEvents{}, zerolog.Nop()),
	}
}

func callbackTask(t *testing.T, source, body string) *asynq.Task {
	t.Helper()
	b, err := json.Marshal(service.CallbackPayload{Source: source, Body: json.RawMessage(body), ReceivedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	return asynq.NewTask(service.TaskTypeCallback, b)
}

func (f *fixture) seedJob(t *testing.T, taskID string) *model.Job {
	t.Helper()
	job, err := f.store.CreateJob(context.Background(), store.NewJob{
		ExternalTaskID: taskID, OwnerID: "alice", Kind: model.JobKindGenerate, RequestParameters: []byte(`{}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	return job
}

const completeCallback = `{"code":200,"msg":"All generated successfully.","data":{"callbackType":"complete","task_id":"task-1","data":[
	{"id":"a1","audio_url":"https://cdn.example/1.mp3","title":"One"},
	{"id":"a2","audio_url":"https://cdn.example/2.mp3","title":"Two"}]}}`

func TestMusicCallbackComplete(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seedJob(t, "task-1")

	// Delivered twice; the second delivery must not add rows.
	for i := 0; i < 2; i++ {
		if err := f.worker.ProcessTask(ctx, callbackTask(t, "music", completeCallback)); err != nil {
			t.Fatalf("ProcessTask: %v", err)
		}
	}

	job, _ := f.store.GetJobByExternalTaskID(ctx, "task-1")
	if job.Status != model.JobStateSuccess {
		t.Errorf("status = %s", job.Status)
	}
	artifacts, _ := f.store.ListArtifactsByExternalTaskID(ctx, "task-1")
	if len(artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(artifacts))
	}
	if artifacts[1].ExternalArtifactID != "a2" || artifacts[1].SequenceIndex != 2 {
		t.Errorf("second artifact = %+v", artifacts[1])
	}
}

func TestMusicCallbackStages(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seedJob(t, "task-1")

	first := `{"code":200,"data":{"callbackType":"first","task_id":"task-1","data":[]}}`
	if err := f.worker.ProcessTask(ctx, callbackTask(t, "music", first)); err != nil {
		t.Fatalf("first: %v", err)
	}
	job, _ := f.store.GetJobByExternalTaskID(ctx, "task-1")
	if job.Status != model.JobStateGenerating {
		t.Errorf("after first: %s", job.Status)
	}

	failed := `{"code":400,"msg":"sensitive words","data":{"callbackType":"error","task_id":"task-1"}}`
	if err := f.worker.ProcessTask(ctx, callbackTask(t, "music", failed)); err != nil {
		t.Fatalf("error: %v", err)
	}
	job, _ = f.store.GetJobByExternalTaskID(ctx, "task-1")
	if job.Status != model.JobStateFailed || job.ErrorMessage == nil || *job.ErrorMessage != "sensitive words" {
		t.Errorf("after error: %+v", job)
	}
}

func TestCallbackBeforeJobIsRetried(t *testing.T) {
	f := newFixture()
	err := f.worker.ProcessTask(context.Background(), callbackTask(t, "music", completeCallback))
	if !errors.Is(err, errUncorrelated) {
		t.Fatalf("err = %v, want errUncorrelated", err)
	}
	if errors.Is(err, asynq.SkipRetry) {
		t.Error("uncorrelated callback must be retried")
	}
}

func TestMalformedCallbackSkipsRetry(t *testing.T) {
	f := newFixture()
	err := f.worker.ProcessTask(context.Background(), callbackTask(t, "music", `{"code":200,"data":{"task_id":"t","callbackType":7}}`))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("err = %v, want SkipRetry", err)
	}
}

func TestCoverCallbackCorrelation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.seedJob(t, "task-1")
	body := `{"code":200,"data":{"taskId":"cover-1","images":["https://cdn.example/c1.png"]}}`

	// Unknown secondary id and no parent from the provider yet.
	if err := f.worker.ProcessTask(ctx, callbackTask(t, "cover", body)); !errors.Is(err, errUncorrelated) {
		t.Fatalf("err = %v, want errUncorrelated", err)
	}

	f.provider.cover = &client.CoverStatus{TaskID: "cover-1", ParentTaskID: "task-1", Status: "SUCCESS"}
	if err := f.worker.ProcessTask(ctx, callbackTask(t, "cover", body)); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	job, _ := f.store.GetJobByExternalTaskID(ctx, "task-1")
	if job.SecondaryTaskID == nil || *job.SecondaryTaskID != "cover-1" {
		t.Errorf("secondary task id = %v", job.SecondaryTaskID)
	}
	if len(f.queue.types) != 1 || f.queue.types[0] != service.TaskTypeMaterializeCovers {
		t.Errorf("queued = %v", f.queue.types)
	}
}

func TestVideoCallbackCorrelation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.seedJob(t, "task-1")
	a, err := f.store.UpsertArtifact(ctx, model.ArtifactUpsert{
		JobRef: &job.ID, OwnerID: "alice", ExternalTaskID: "task-1", SequenceIndex: 1,
		ExternalArtifactID: "a1", Title: "One", RemoteURL: "https://cdn.example/1.mp3",
	})
	if err != nil {
		t.Fatal(err)
	}

	f.provider.video = &client.VideoStatus{TaskID: "video-1", ParentTaskID: "task-1", MusicID: "a1", Status: "SUCCESS"}
	body := `{"code":200,"data":{"task_id":"video-1","video_url":"https://cdn.example/v.mp4"}}`
	if err := f.worker.ProcessTask(ctx, callbackTask(t, "video", body)); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	got, _ := f.store.GetArtifact(ctx, a.ID)
	if got.DerivedVideoTaskID == nil || *got.DerivedVideoTaskID != "video-1" {
		t.Errorf("video task id = %v", got.DerivedVideoTaskID)
	}
	if len(f.queue.types) != 1 || f.queue.types[0] != service.TaskTypeMaterializeVideo {
		t.Errorf("queued = %v", f.queue.types)
	}
}
