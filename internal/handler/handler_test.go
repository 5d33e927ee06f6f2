package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/client"
	"github.com/makeasinger/studio/internal/config"
	"github.com/makeasinger/studio/internal/mediastore"
	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/service"
	"github.com/makeasinger/studio/internal/store"
)

// stubProvider accepts every submission unless err is set.
type stubProvider struct {
	client.MusicProvider
	err error
}

func (p *stubProvider) Submit(context.Context, model.JobKind, []byte) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return "task-1", nil
}

type stubQueue struct {
	err    error
	queued int
}

func (q *stubQueue) Enqueue(*asynq.Task, ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.queued++
	return &asynq.TaskInfo{}, nil
}

func asUser(userID string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if userID != "" {
			c.Locals("userId", userID)
		}
		return c.Next()
	}
}

func do(t *testing.T, app *fiber.App, method, target, body string, headers map[string]string) (int, string, map[string]string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	got := map[string]string{}
	for _, h := range []string{"Content-Range", "Content-Type", "Accept-Ranges", "Content-Length"} {
		got[h] = resp.Header.Get(h)
	}
	return resp.StatusCode, string(out), got
}

func newGenerateApp(provider client.MusicProvider) *fiber.App {
	st := store.NewMemoryStore()
	submission := service.NewSubmissionService(st, provider, config.CallbackConfig{BaseURL: "https://api.example"}, "V4_5", nil, zerolog.Nop())
	h := NewGenerateHandler(submission, nil, validator.New(), zerolog.Nop())

	app := fiber.New()
	app.Post("/api/generate/:kind", asUser("alice"), h.Submit)
	return app
}

func TestSubmit(t *testing.T) {
	app := newGenerateApp(&stubProvider{})

	tests := []struct {
		name   string
		kind   string
		body   string
		status int
	}{
		{"accepted", "generate", `{"prompt":"a calm synthwave song"}`, 202},
		{"hyphenated kind", "text-to-music", `{"prompt":"a calm synthwave song"}`, 202},
		{"unknown kind", "remix", `{"prompt":"x"}`, 404},
		{"malformed body", "generate", `{"prompt":`, 400},
		{"struct validation", "generate", `{"prompt":"x","model":"V9"}`, 400},
		{"cross-field rule", "generate", `{"instrumental":false}`, 400},
		{"mashup needs two sources", "mashup", `{"prompt":"x","uploadUrlList":["https://a.example/1.mp3"]}`, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body, _ := do(t, app, "POST", "/api/generate/"+tt.kind, tt.body, nil)
			if status != tt.status {
				t.Errorf("status = %d, want %d (%s)", status, tt.status, body)
			}
		})
	}
}

func TestSubmitProviderError(t *testing.T) {
	app := newGenerateApp(&stubProvider{err: &client.ProviderError{
		Message:      "credits exhausted",
		ProviderCode: client.CreditsCode,
		HTTPStatus:   402,
	}})

	status, body, _ := do(t, app, "POST", "/api/generate/generate", `{"prompt":"x"}`, nil)
	if status != 402 {
		t.Fatalf("status = %d, want 402", status)
	}
	var resp struct {
		Error struct {
			Code         string `json:"code"`
			Message      string `json:"message"`
			ProviderCode int    `json:"providerCode"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error.Code != "PROVIDER_ERROR" || resp.Error.ProviderCode != client.CreditsCode || resp.Error.Message != "credits exhausted" {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestSubmitUnexpectedError(t *testing.T) {
	app := newGenerateApp(&stubProvider{err: errors.New("connection reset")})

	status, _, _ := do(t, app, "POST", "/api/generate/generate", `{"prompt":"x"}`, nil)
	if status != 500 {
		t.Errorf("status = %d, want 500", status)
	}
}

func TestCallbackAlwaysReceived(t *testing.T) {
	queue := &stubQueue{}
	app := fiber.New()
	h := NewCallbackHandler(service.NewCallbackService(queue, zerolog.Nop()))
	app.Post("/callback", h.Receive)
	app.Post("/callback/:source", h.Receive)

	valid := `{"code":200,"data":{"callbackType":"complete","task_id":"t1","data":[]}}`
	for _, tc := range []struct{ path, body string }{
		{"/callback", valid},
		{"/callback/music", valid},
		{"/callback/lyrics", valid},
		{"/callback/cover", "not json"},
	} {
		status, body, _ := do(t, app, "POST", tc.path, tc.body, nil)
		if status != 200 || !strings.Contains(body, `"received"`) {
			t.Errorf("%s: %d %s", tc.path, status, body)
		}
	}
	if queue.queued != 2 {
		t.Errorf("queued = %d, want 2", queue.queued)
	}

	queue.err = errors.New("redis down")
	if status, _, _ := do(t, app, "POST", "/callback", valid, nil); status != 200 {
		t.Errorf("enqueue failure status = %d, want 200", status)
	}
}

type mediaFixture struct {
	app   *fiber.App
	name  string
	data  []byte
	st    *store.MemoryStore
	artID string
}

func newMediaFixture(t *testing.T, shared bool) *mediaFixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	media, err := mediastore.NewStore(t.TempDir(), time.Second, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	job, err := st.CreateJob(ctx, store.NewJob{ExternalTaskID: "task-1", OwnerID: "alice", Kind: model.JobKindGenerate})
	if err != nil {
		t.Fatal(err)
	}
	art, err := st.UpsertArtifact(ctx, model.ArtifactUpsert{
		JobRef:             &job.ID,
		OwnerID:            "alice",
		ExternalTaskID:     "task-1",
		SequenceIndex:      1,
		ExternalArtifactID: "audio-1",
		Title:              "Night Drive",
		RemoteURL:          "https://cdn.example/1.mp3",
	})
	if err != nil {
		t.Fatal(err)
	}

	name := mediastore.AudioName("task-1", 1, "Night Drive")
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	if err := media.Write(name, bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	if err := st.SetArtifactLocalFilename(ctx, art.ID, name); err != nil {
		t.Fatal(err)
	}
	if shared {
		if _, err := st.SetArtifactShare(ctx, art.ID, true, nil); err != nil {
			t.Fatal(err)
		}
	}

	h := NewMediaHandler(service.NewDeliveryService(st, media, zerolog.Nop()), zerolog.Nop())
	app := fiber.New()
	app.Get("/media", func(c *fiber.Ctx) error {
		return asUser(c.Get("X-Test-User"))(c)
	}, h.Serve)

	return &mediaFixture{app: app, name: name, data: data, st: st, artID: art.ID}
}

func TestMediaRange(t *testing.T) {
	f := newMediaFixture(t, true)
	target := "/media?filename=" + f.name

	tests := []struct {
		name         string
		rangeHeader  string
		status       int
		contentRange string
		body         []byte
	}{
		{"full", "", 200, "", f.data},
		{"bounded", "bytes=10-19", 206, "bytes 10-19/100", f.data[10:20]},
		{"end clamps", "bytes=90-200", 206, "bytes 90-99/100", f.data[90:]},
		{"open ended", "bytes=95-", 206, "bytes 95-99/100", f.data[95:]},
		{"start past end", "bytes=150-", 200, "", f.data},
		{"garbage", "bytes=abc", 200, "", f.data},
		{"inverted", "bytes=20-10", 200, "", f.data},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers map[string]string
			if tt.rangeHeader != "" {
				headers = map[string]string{"Range": tt.rangeHeader}
			}
			status, body, got := do(t, f.app, "GET", target, "", headers)
			if status != tt.status {
				t.Fatalf("status = %d, want %d (%s)", status, tt.status, body)
			}
			if got["Content-Range"] != tt.contentRange {
				t.Errorf("Content-Range = %q, want %q", got["Content-Range"], tt.contentRange)
			}
			if !bytes.Equal([]byte(body), tt.body) {
				t.Errorf("body has %d bytes, want %d", len(body), len(tt.body))
			}
			if got["Accept-Ranges"] != "bytes" || got["Content-Type"] != "audio/mpeg" {
				t.Errorf("headers = %v", got)
			}
		})
	}
}

func TestMediaAccess(t *testing.T) {
	f := newMediaFixture(t, false)
	target := "/media?filename=" + f.name

	tests := []struct {
		name   string
		target string
		user   string
		status int
	}{
		{"owner", target, "alice", 200},
		{"anonymous on private", target, "", 403},
		{"stranger on private", target, "mallory", 403},
		{"traversal", "/media?filename=../etc/passwd.mp3", "alice", 400},
		{"missing filename", "/media", "alice", 400},
		{"unknown file", "/media?filename=" + mediastore.AudioName("task-9", 1, "Nope"), "alice", 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers map[string]string
			if tt.user != "" {
				headers = map[string]string{"X-Test-User": tt.user}
			}
			status, body, _ := do(t, f.app, "GET", tt.target, "", headers)
			if status != tt.status {
				t.Errorf("status = %d, want %d (%s)", status, tt.status, body)
			}
		})
	}

	if _, err := f.st.SetArtifactShare(context.Background(), f.artID, true, nil); err != nil {
		t.Fatal(err)
	}
	if status, _, _ := do(t, f.app, "GET", target, "", nil); status != 200 {
		t.Errorf("anonymous on shared = %d, want 200", status)
	}
}
