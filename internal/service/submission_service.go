package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/client"
	"github.com/makeasinger/studio/internal/config"
	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/store"
)

// Callback sources; each maps to /callback/{source}.
const (
	CallbackSourceMusic = "music"
	CallbackSourceCover = "cover"
	CallbackSourceVideo = "video"
)

// SubmissionService validates requests, calls the provider once and records
// the resulting Job.
type SubmissionService struct {
	store        store.Store
	provider     client.MusicProvider
	callbacks    config.CallbackConfig
	defaultModel string
	events       EventPublisher
	logger       zerolog.Logger
}

func NewSubmissionService(st store.Store, provider client.MusicProvider, callbacks config.CallbackConfig, defaultModel string, events EventPublisher, logger zerolog.Logger) *SubmissionService {
	return &SubmissionService{
		store:        st,
		provider:     provider,
		callbacks:    callbacks,
		defaultModel: defaultModel,
		events:       publisherOrNoop(events),
		logger:       logger.With().Str("component", "submission").Logger(),
	}
}

// musicPayload is the provider body for every music-producing kind. Field
// order is stable so the stored request parameters are reproducible.
type musicPayload struct {
	CustomMode          bool     `json:"customMode"`
	Instrumental        bool     `json:"instrumental"`
	Model               string   `json:"model"`
	CallBackURL         string   `json:"callBackUrl"`
	Prompt              string   `json:"prompt,omitempty"`
	Style               string   `json:"style,omitempty"`
	Title               string   `json:"title,omitempty"`
	NegativeTags        string   `json:"negativeTags,omitempty"`
	VocalGender         string   `json:"vocalGender,omitempty"`
	StyleWeight         *float64 `json:"styleWeight,omitempty"`
	WeirdnessConstraint *float64 `json:"weirdnessConstraint,omitempty"`
	AudioWeight         *float64 `json:"audioWeight,omitempty"`
	DefaultParamFlag    *bool    `json:"defaultParamFlag,omitempty"`
	AudioID             string   `json:"audioId,omitempty"`
	ContinueAt          *float64 `json:"continueAt,omitempty"`
	UploadURL           string   `json:"uploadUrl,omitempty"`
	UploadURLList       []string `json:"uploadUrlList,omitempty"`
}

type vocalSeparationPayload struct {
	TaskID      string `json:"taskId"`
	AudioID     string `json:"audioId"`
	Type        string `json:"type"`
	CallBackURL string `json:"callBackUrl"`
}

// Submit runs the cross-field rules for kind, sends the payload and persists
// the Job with exactly the payload that was sent.
func (s *SubmissionService) Submit(ctx context.Context, userID string, kind model.JobKind, req interface{}) (*model.SubmitResponse, error) {
	payload, err := s.buildPayload(kind, req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	taskID, err := s.provider.Submit(ctx, kind, body)
	if err != nil {
		s.logger.Warn().Str("kind", string(kind)).Err(err).Msg("submission rejected")
		return nil, err
	}

	job, err := s.store.CreateJob(ctx, store.NewJob{
		ExternalTaskID:    taskID,
		OwnerID:           userID,
		Kind:              kind,
		RequestParameters: body,
	})
	if errors.Is(err, store.ErrDuplicate) {
		job, err = s.store.GetJobByExternalTaskID(ctx, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	s.events.PublishStatus(taskID, job.Status)
	s.logger.Info().Str("task_id", taskID).Str("kind", string(kind)).Str("user_id", userID).Msg("job submitted")

	return &model.SubmitResponse{
		TaskID:    job.ExternalTaskID,
		Kind:      job.Kind,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	}, nil
}

func (s *SubmissionService) buildPayload(kind model.JobKind, req interface{}) (interface{}, error) {
	callbackURL := s.callbacks.URL(CallbackSourceMusic)

	switch r := req.(type) {
	case *model.GenerateRequest:
		if kind != model.JobKindGenerate {
			break
		}
		if err := checkOptions(&r.GenerationOptions); err != nil {
			return nil, err
		}
		return s.musicPayload(&r.GenerationOptions, callbackURL), nil

	case *model.ExtendRequest:
		if kind != model.JobKindExtend {
			break
		}
		if err := checkOptions(&r.GenerationOptions); err != nil {
			return nil, err
		}
		if r.CustomMode && (r.ContinueAt == nil || *r.ContinueAt <= 0) {
			return nil, invalid("continueAt", "must be greater than 0 when customMode is enabled")
		}
		p := s.musicPayload(&r.GenerationOptions, callbackURL)
		flag := r.CustomMode
		p.DefaultParamFlag = &flag
		p.AudioID = r.AudioID
		if r.CustomMode {
			p.ContinueAt = r.ContinueAt
		}
		return p, nil

	case *model.UploadCoverRequest:
		if kind != model.JobKindUploadCover {
			break
		}
		if err := checkOptions(&r.GenerationOptions); err != nil {
			return nil, err
		}
		p := s.musicPayload(&r.GenerationOptions, callbackURL)
		p.UploadURL = r.UploadURL
		return p, nil

	case *model.MashupRequest:
		if kind != model.JobKindMashup {
			break
		}
		if err := checkOptions(&r.GenerationOptions); err != nil {
			return nil, err
		}
		if len(r.UploadURLList) != 2 {
			return nil, invalid("uploadUrlList", "exactly two source URLs are required")
		}
		p := s.musicPayload(&r.GenerationOptions, callbackURL)
		p.UploadURLList = r.UploadURLList
		return p, nil

	case *model.VocalSeparationRequest:
		if kind != model.JobKindVocalSeparation {
			break
		}
		if blank(r.TaskID) {
			return nil, invalid("taskId", "is required")
		}
		if blank(r.AudioID) {
			return nil, invalid("audioId", "is required")
		}
		sepType := r.Type
		if sepType == "" {
			sepType = "separate_vocal"
		}
		return &vocalSeparationPayload{
			TaskID:      r.TaskID,
			AudioID:     r.AudioID,
			Type:        sepType,
			CallBackURL: callbackURL,
		}, nil
	}
	return nil, invalid("kind", fmt.Sprintf("unsupported request for kind %q", kind))
}

func (s *SubmissionService) musicPayload(o *model.GenerationOptions, callbackURL string) *musicPayload {
	m := o.Model
	if m == "" {
		m = s.defaultModel
	}
	p := &musicPayload{
		CustomMode:          o.CustomMode,
		Instrumental:        o.Instrumental,
		Model:               m,
		CallBackURL:         callbackURL,
		Prompt:              strings.TrimSpace(o.Prompt),
		NegativeTags:        o.NegativeTags,
		VocalGender:         o.VocalGender,
		StyleWeight:         o.StyleWeight,
		WeirdnessConstraint: o.WeirdnessConstraint,
		AudioWeight:         o.AudioWeight,
	}
	if o.CustomMode {
		p.Style = strings.TrimSpace(o.Style)
		p.Title = strings.TrimSpace(o.Title)
	}
	return p
}

// checkOptions applies the rules shared by every music-producing kind.
func checkOptions(o *model.GenerationOptions) error {
	if !o.Instrumental && blank(o.Prompt) {
		return invalid("prompt", "is required unless instrumental is set")
	}
	if o.CustomMode {
		if blank(o.Title) {
			return invalid("title", "is required in custom mode")
		}
		if blank(o.Style) {
			return invalid("style", "is required in custom mode")
		}
	}
	return nil
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// RequestCover starts a cover-image task for a finished job.
func (s *SubmissionService) RequestCover(ctx context.Context, userID, taskID string) (*model.FollowOnResponse, error) {
	job, err := ownedJob(ctx, s.store, userID, taskID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStateSuccess {
		return nil, invalid("taskId", "job has not completed")
	}
	// Cover names are numbered per job, so a second set would collide with
	// the first. A cover task that produced nothing may be replaced.
	if len(job.DerivedImages) > 0 {
		return nil, invalid("taskId", "cover images already generated")
	}

	coverTaskID, err := s.provider.RequestCover(ctx, taskID, s.callbacks.URL(CallbackSourceCover))
	if err != nil {
		return nil, err
	}
	if err := s.store.SetSecondaryTaskID(ctx, taskID, coverTaskID); err != nil {
		return nil, mapStoreErr(err)
	}
	s.logger.Info().Str("task_id", taskID).Str("cover_task_id", coverTaskID).Msg("cover requested")
	return &model.FollowOnResponse{TaskID: coverTaskID, Kind: model.FollowOnCoverImage}, nil
}

// RequestVideo starts a music-video task for one artifact.
func (s *SubmissionService) RequestVideo(ctx context.Context, userID, artifactID string) (*model.FollowOnResponse, error) {
	a, err := ownedArtifact(ctx, s.store, userID, artifactID)
	if err != nil {
		return nil, err
	}
	if a.ExternalArtifactID == "" {
		return nil, invalid("artifactId", "artifact has no provider audio id")
	}

	videoTaskID, err := s.provider.RequestVideo(ctx, a.ExternalTaskID, a.ExternalArtifactID, s.callbacks.URL(CallbackSourceVideo))
	if err != nil {
		return nil, err
	}
	if err := s.store.SetArtifactVideoTask(ctx, a.ID, videoTaskID); err != nil {
		return nil, mapStoreErr(err)
	}
	s.logger.Info().Str("artifact_id", a.ID).Str("video_task_id", videoTaskID).Msg("video requested")
	return &model.FollowOnResponse{TaskID: videoTaskID, Kind: model.FollowOnMusicVideo}, nil
}
