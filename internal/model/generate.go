package model

import "time"

// GenerationOptions are the style controls shared by every music-producing kind.
type GenerationOptions struct {
	CustomMode          bool     `json:"customMode"`
	Instrumental        bool     `json:"instrumental"`
	Prompt              string   `json:"prompt" validate:"omitempty,max=5000"`
	Style               string   `json:"style" validate:"omitempty,max=1000"`
	Title               string   `json:"title" validate:"omitempty,max=100"`
	Model               string   `json:"model" validate:"omitempty,oneof=V3_5 V4 V4_5 V4_5PLUS V5"`
	NegativeTags        string   `json:"negativeTags" validate:"omitempty,max=500"`
	VocalGender         string   `json:"vocalGender" validate:"omitempty,oneof=m f"`
	StyleWeight         *float64 `json:"styleWeight" validate:"omitempty,min=0,max=1"`
	WeirdnessConstraint *float64 `json:"weirdnessConstraint" validate:"omitempty,min=0,max=1"`
	AudioWeight         *float64 `json:"audioWeight" validate:"omitempty,min=0,max=1"`
}

// GenerateRequest is the text-to-music request body.
type GenerateRequest struct {
	GenerationOptions
}

// ExtendRequest continues an existing track from a given offset.
type ExtendRequest struct {
	GenerationOptions
	AudioID    string   `json:"audioId" validate:"required,max=128"`
	ContinueAt *float64 `json:"continueAt" validate:"omitempty,min=0"`
}

// UploadCoverRequest re-styles a user supplied source track.
type UploadCoverRequest struct {
	GenerationOptions
	UploadURL string `json:"uploadUrl" validate:"required,url"`
}

// MashupRequest blends two user supplied source tracks.
type MashupRequest struct {
	GenerationOptions
	UploadURLList []string `json:"uploadUrlList" validate:"required,len=2,dive,required,url"`
}

// VocalSeparationRequest splits an existing track into stems.
type VocalSeparationRequest struct {
	TaskID  string `json:"taskId" validate:"required,max=128"`
	AudioID string `json:"audioId" validate:"required,max=128"`
	Type    string `json:"type" validate:"omitempty,oneof=separate_vocal split_stem"`
}

// SubmitResponse is returned once the provider accepted a job.
type SubmitResponse struct {
	TaskID    string    `json:"taskId"`
	Kind      JobKind   `json:"kind"`
	Status    JobState  `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// FollowOnResponse is returned once a cover or video task was accepted.
type FollowOnResponse struct {
	TaskID string       `json:"taskId"`
	Kind   FollowOnKind `json:"kind"`
}

// StatusResponse is the per-poll answer of the reconciler.
type StatusResponse struct {
	TaskID         string     `json:"taskId"`
	Status         JobState   `json:"status"`
	ProviderStatus string     `json:"providerStatus,omitempty"`
	Terminal       bool       `json:"terminal"`
	Artifacts      []Artifact `json:"artifacts,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// FollowOnStatusResponse reports cover/video follow-on progress.
type FollowOnStatusResponse struct {
	TaskID    string   `json:"taskId"`
	Status    JobState `json:"status"`
	Terminal  bool     `json:"terminal"`
	Filenames []string `json:"filenames,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// ShareRequest toggles public visibility of an artifact.
type ShareRequest struct {
	Shared     bool `json:"shared"`
	CoverIndex *int `json:"coverIndex" validate:"omitempty,min=0"`
}

// UploadAudioResponse is returned after a source track was stored.
type UploadAudioResponse struct {
	ID        string    `json:"id"`
	FileURL   string    `json:"fileUrl"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}
