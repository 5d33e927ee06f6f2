package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/config"
	"github.com/makeasinger/studio/internal/model"
)

const (
	// successCode is the body-level code the provider uses for success.
	successCode = 200
	// CreditsCode is the body-level code for an exhausted balance.
	CreditsCode = 429

	defaultProviderMessage = "music provider request failed"
)

var ErrNoTaskID = errors.New("no task id in response")

var submitPaths = map[model.JobKind]string{
	model.JobKindGenerate:        "/api/v1/generate",
	model.JobKindExtend:          "/api/v1/generate/extend",
	model.JobKindUploadCover:     "/api/v1/generate/upload-cover",
	model.JobKindMashup:          "/api/v1/generate/mashup",
	model.JobKindVocalSeparation: "/api/v1/vocal-removal/generate",
}

const (
	musicStatusPath    = "/api/v1/generate/record-info"
	vocalStatusPath    = "/api/v1/vocal-removal/record-info"
	coverSubmitPath    = "/api/v1/suno/cover/generate"
	coverStatusPath    = "/api/v1/suno/cover/record-info"
	videoSubmitPath    = "/api/v1/mp4/generate"
	videoStatusPath    = "/api/v1/mp4/record-info"
	maxLoggedBodyBytes = 2048
)

// MusicProvider is the external generation API as seen by the services.
type MusicProvider interface {
	Submit(ctx context.Context, kind model.JobKind, payload []byte) (string, error)
	GetStatus(ctx context.Context, kind model.JobKind, taskID string) (*TaskStatus, error)
	RequestCover(ctx context.Context, taskID, callbackURL string) (string, error)
	GetCoverStatus(ctx context.Context, coverTaskID string) (*CoverStatus, error)
	RequestVideo(ctx context.Context, taskID, audioID, callbackURL string) (string, error)
	GetVideoStatus(ctx context.Context, videoTaskID string) (*VideoStatus, error)
	// Credential is the bearer token media downloads may need.
	Credential() string
}

// ProviderError is the uniform upstream failure. HTTPStatus is what the API
// should answer with; ProviderCode is the body-level code, passed through for
// diagnostics.
type ProviderError struct {
	Message      string
	ProviderCode int
	HTTPStatus   int
	Err          error
}

func (e *ProviderError) Error() string {
	if e.ProviderCode != 0 {
		return fmt.Sprintf("provider error (code %d, status %d): %s", e.ProviderCode, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("provider error (status %d): %s", e.HTTPStatus, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsCreditsExhausted reports the balance code the UI treats specially.
func (e *ProviderError) IsCreditsExhausted() bool { return e.ProviderCode == CreditsCode }

// TaskStatus is the parsed status of a music-producing task.
type TaskStatus struct {
	TaskID       string
	Status       string
	Tracks       []model.TrackResult
	ErrorMessage string
}

// CoverStatus is the parsed status of a cover-image follow-on task.
type CoverStatus struct {
	TaskID       string
	ParentTaskID string
	Status       string
	Images       []string
	ErrorMessage string
}

// VideoStatus is the parsed status of a music-video follow-on task.
type VideoStatus struct {
	TaskID       string
	ParentTaskID string
	MusicID      string
	Status       string
	VideoURL     string
	ErrorMessage string
}

// SunoClient implements MusicProvider for sunoapi.org-style APIs.
type SunoClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     zerolog.Logger
}

// NewSunoClient creates a new provider client
func NewSunoClient(cfg *config.SunoConfig, logger zerolog.Logger) *SunoClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &SunoClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		logger:     logger.With().Str("component", "suno").Logger(),
	}
}

// IsConfigured returns true if the client has valid configuration
func (c *SunoClient) IsConfigured() bool {
	return c.apiKey != ""
}

func (c *SunoClient) Credential() string {
	return c.apiKey
}

// Submit sends a pre-built payload for the given kind and returns the
// provider task id.
func (c *SunoClient) Submit(ctx context.Context, kind model.JobKind, payload []byte) (string, error) {
	path, ok := submitPaths[kind]
	if !ok {
		return "", fmt.Errorf("unsupported job kind %q", kind)
	}
	env, err := c.do(ctx, http.MethodPost, path, nil, payload)
	if err != nil {
		return "", err
	}
	return requireTaskID(env)
}

// GetStatus fetches the status of a music-producing task.
func (c *SunoClient) GetStatus(ctx context.Context, kind model.JobKind, taskID string) (*TaskStatus, error) {
	path := musicStatusPath
	if kind == model.JobKindVocalSeparation {
		path = vocalStatusPath
	}
	env, err := c.do(ctx, http.MethodGet, path, url.Values{"taskId": {taskID}}, nil)
	if err != nil {
		return nil, err
	}
	if kind == model.JobKindVocalSeparation {
		return ParseVocalSeparationStatus(env.Data)
	}
	return ParseMusicStatus(env.Data)
}

// RequestCover starts a cover-image task for a finished music task.
func (c *SunoClient) RequestCover(ctx context.Context, taskID, callbackURL string) (string, error) {
	body, err := json.Marshal(map[string]string{"taskId": taskID, "callBackUrl": callbackURL})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	env, err := c.do(ctx, http.MethodPost, coverSubmitPath, nil, body)
	if err != nil {
		return "", err
	}
	return requireTaskID(env)
}

func (c *SunoClient) GetCoverStatus(ctx context.Context, coverTaskID string) (*CoverStatus, error) {
	env, err := c.do(ctx, http.MethodGet, coverStatusPath, url.Values{"taskId": {coverTaskID}}, nil)
	if err != nil {
		return nil, err
	}
	return ParseCoverStatus(env.Data)
}

// RequestVideo starts a music-video task for one track of a finished task.
func (c *SunoClient) RequestVideo(ctx context.Context, taskID, audioID, callbackURL string) (string, error) {
	body, err := json.Marshal(map[string]string{"taskId": taskID, "audioId": audioID, "callBackUrl": callbackURL})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	env, err := c.do(ctx, http.MethodPost, videoSubmitPath, nil, body)
	if err != nil {
		return "", err
	}
	return requireTaskID(env)
}

func (c *SunoClient) GetVideoStatus(ctx context.Context, videoTaskID string) (*VideoStatus, error) {
	env, err := c.do(ctx, http.MethodGet, videoStatusPath, url.Values{"taskId": {videoTaskID}}, nil)
	if err != nil {
		return nil, err
	}
	return ParseVideoStatus(env.Data)
}

// do executes one provider call and returns the envelope only when both the
// transport and the body-level code report success.
func (c *SunoClient) do(ctx context.Context, method, path string, query url.Values, body []byte) (*Envelope, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug().Str("method", method).Str("url", target).Msg("→ provider request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Str("method", method).Str("url", target).Err(err).Msg("✗ provider request failed")
		return nil, &ProviderError{Message: "music provider unreachable", HTTPStatus: http.StatusBadGateway, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Message: "failed to read provider response", HTTPStatus: http.StatusBadGateway, Err: err}
	}

	c.logger.Debug().
		Int("status", resp.StatusCode).
		Str("method", method).
		Str("url", target).
		Str("body", truncateForLog(respBody)).
		Msg("← provider response")

	env, err := interpretEnvelope(resp.StatusCode, respBody)
	if err != nil {
		c.logger.Warn().Str("url", target).Err(err).Msg("✗ provider rejected request")
		return nil, err
	}
	return env, nil
}

func truncateForLog(b []byte) string {
	if len(b) > maxLoggedBodyBytes {
		return string(b[:maxLoggedBodyBytes]) + "..."
	}
	return string(b)
}

// IsSuccess reports whether a body-level code means success.
func IsSuccess(code int) bool { return code == successCode }
