package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/auth"
	"github.com/makeasinger/studio/internal/client"
	"github.com/makeasinger/studio/internal/config"
	"github.com/makeasinger/studio/internal/handler"
	"github.com/makeasinger/studio/internal/logging"
	"github.com/makeasinger/studio/internal/mediastore"
	"github.com/makeasinger/studio/internal/middleware"
	"github.com/makeasinger/studio/internal/service"
	"github.com/makeasinger/studio/internal/store"
	ws "github.com/makeasinger/studio/internal/websocket"
	"github.com/makeasinger/studio/internal/worker"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testUserID    = "test-user-123"
	redisAddr     = "localhost:6379"
	redisTestDB   = 15 // use DB 15 for tests to avoid collision
)

// fakeSuno is a provider that reports PENDING on the first status call of a
// task and SUCCESS with two tracks afterwards. Track audio is served by cdn.
type fakeSuno struct {
	mu    sync.Mutex
	polls map[string]int
	srv   *httptest.Server
	cdn   *httptest.Server
}

func newFakeSuno(t *testing.T) *fakeSuno {
	t.Helper()
	f := &fakeSuno{polls: map[string]int{}}

	f.cdn = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = io.WriteString(w, "audio bytes of "+r.URL.Path)
	}))

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, map[string]string{"taskId": "e2e-" + uuid.NewString()})
	})
	mux.HandleFunc("/api/v1/generate/record-info", func(w http.ResponseWriter, r *http.Request) {
		taskID := r.URL.Query().Get("taskId")
		f.mu.Lock()
		f.polls[taskID]++
		n := f.polls[taskID]
		f.mu.Unlock()

		if n == 1 {
			writeEnvelope(w, map[string]interface{}{"taskId": taskID, "status": "PENDING"})
			return
		}
		writeEnvelope(w, map[string]interface{}{
			"taskId": taskID,
			"status": "SUCCESS",
			"response": map[string]interface{}{
				"sunoData": []map[string]interface{}{
					{"id": "audio-1", "audioUrl": f.cdn.URL + "/1.mp3", "title": "Night Drive", "duration": 120.5},
					{"id": "audio-2", "audioUrl": f.cdn.URL + "/2.mp3", "title": "Night Drive", "duration": 118.0},
				},
			},
		})
	})
	f.srv = httptest.NewServer(mux)

	t.Cleanup(func() {
		f.srv.Close()
		f.cdn.Close()
	})
	return f
}

func writeEnvelope(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": 200, "msg": "success", "data": data})
}

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	provider *fakeSuno
	records  store.Store
}

// setupApp creates a Fiber app wired like main.go against a fake provider, an
// in-memory record store and a real asynq worker on the local redis.
func setupApp(t *testing.T) *testApp {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr, DB: redisTestDB})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: redis not available at %s: %v", redisAddr, err)
	}
	t.Cleanup(func() { redisClient.Close() })

	redisOpt := asynq.RedisClientOpt{Addr: redisAddr, DB: redisTestDB}
	asynqClient := asynq.NewClient(redisOpt)
	t.Cleanup(func() { asynqClient.Close() })

	logger := zerolog.Nop()
	provider := newFakeSuno(t)
	records := store.NewMemoryStore()
	media, err := mediastore.NewStore(t.TempDir(), 10*time.Second, logger)
	if err != nil {
		t.Fatalf("failed to create media store: %v", err)
	}

	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	sunoClient := client.NewSunoClient(&config.SunoConfig{APIKey: "e2e-key", BaseURL: provider.srv.URL}, logger)
	authenticator := auth.NewAuthenticator(nil, testJWTSecret)
	validate := validator.New()

	vocab := service.NewStatusVocabulary(nil, nil)
	results := service.NewResultRecorder(records, asynqClient, hub, 14*24*time.Hour, logger)
	reconciler := service.NewReconciler(records, sunoClient, vocab, results, asynqClient, 60, logger)
	submission := service.NewSubmissionService(records, sunoClient, config.CallbackConfig{BaseURL: "https://api.example"}, "V4_5", hub, logger)
	materializer := service.NewMaterializer(records, media, nil, sunoClient.Credential(), hub, logger)
	artifacts := service.NewArtifactService(records, materializer, logger)
	delivery := service.NewDeliveryService(records, media, logger)
	callbacks := service.NewCallbackService(asynqClient, logger)
	uploadService := service.NewUploadService(nil) // no R2 → 503

	generateHandler := handler.NewGenerateHandler(submission, reconciler, validate, logger)
	jobsHandler := handler.NewJobsHandler(artifacts, submission, reconciler, validate, logger)
	callbackHandler := handler.NewCallbackHandler(callbacks)
	mediaHandler := handler.NewMediaHandler(delivery, logger)
	uploadHandler := handler.NewUploadHandler(uploadService, logger)
	authHandler := handler.NewAuthHandler(authenticator)

	authMiddleware := middleware.NewAuthMiddleware(authenticator)
	rateLimiter := middleware.NewRateLimiter(redisClient, logger)

	app := fiber.New(fiber.Config{
		BodyLimit: 50 * 1024 * 1024,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", handler.NewHealthHandler(redisClient, records, handler.Integrations{
		Suno: sunoClient.IsConfigured(),
		Auth: authenticator.Configured(),
	}).Check)
	app.Get("/auth/verify", authHandler.Verify)
	app.Post("/callback", callbackHandler.Receive)
	app.Post("/callback/:source", callbackHandler.Receive)
	app.Get("/media", authMiddleware.OptionalAuth(), mediaHandler.Serve)

	api := app.Group("/api", authMiddleware.Authenticate())

	// Use very high rate limits so tests don't get blocked
	generate := api.Group("/generate")
	generate.Get("/status/:taskId", rateLimiter.PollLimit(10000), generateHandler.Status)
	generate.Post("/:kind", rateLimiter.GenerateLimit(10000), generateHandler.Submit)

	api.Get("/jobs", jobsHandler.List)
	api.Get("/jobs/:taskId", jobsHandler.Get)
	api.Delete("/artifacts/:id", jobsHandler.DeleteArtifact)
	api.Post("/artifacts/:id/share", jobsHandler.Share)

	upload := api.Group("/upload", rateLimiter.UploadLimit(10000))
	upload.Post("/audio", uploadHandler.Audio)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 2,
		Queues: map[string]int{
			service.QueueCallbacks: 1,
			service.QueueMedia:     1,
		},
		Logger:   logging.NewAsynqLogger(logger),
		LogLevel: asynq.ErrorLevel,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeCallback, worker.NewCallbackWorker(records, sunoClient, results, asynqClient, hub, logger).ProcessTask)
	worker.NewMediaWorker(materializer, logger).Register(mux)
	if err := srv.Start(mux); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	return &testApp{app: app, provider: provider, records: records}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := auth.IssueLegacyToken(testUserID, "test@example.com", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// eventually retries check until it succeeds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, check func() error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		err := check()
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met after %s: %v", timeout, err)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
