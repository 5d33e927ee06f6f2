package model

import "time"

// Artifact is one produced media unit, typically a track.
type Artifact struct {
	ID                   string     `json:"id"`
	JobRef               *string    `json:"jobId,omitempty"`
	OwnerID              string     `json:"-"`
	ExternalTaskID       string     `json:"taskId"`
	SequenceIndex        int        `json:"sequenceIndex"`
	ExternalArtifactID   string     `json:"audioId"`
	Title                string     `json:"title"`
	RemoteURL            string     `json:"remoteUrl,omitempty"`
	LocalFilename        *string    `json:"filename,omitempty"`
	RemoteURLExpiresAt   *time.Time `json:"remoteUrlExpiresAt,omitempty"`
	DerivedVideoTaskID   *string    `json:"videoTaskId,omitempty"`
	DerivedVideoFilename *string    `json:"videoFilename,omitempty"`
	IsShared             bool       `json:"isShared"`
	SharedAt             *time.Time `json:"sharedAt,omitempty"`
	SharedCoverIndex     *int       `json:"sharedCoverIndex,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// NeedsDownload is true while the remote bytes have not been materialized.
func (a *Artifact) NeedsDownload() bool {
	return a.RemoteURL != "" && (a.LocalFilename == nil || *a.LocalFilename == "")
}

// ArtifactUpsert carries the fields a terminal-success observation writes.
// It is keyed by (ExternalTaskID, SequenceIndex).
type ArtifactUpsert struct {
	JobRef             *string
	OwnerID            string
	ExternalTaskID     string
	SequenceIndex      int
	ExternalArtifactID string
	Title              string
	RemoteURL          string
	RemoteURLExpiresAt *time.Time
}

// TrackResult is one result unit reported by the provider.
type TrackResult struct {
	ID       string  `json:"id"`
	AudioURL string  `json:"audioUrl"`
	ImageURL string  `json:"imageUrl,omitempty"`
	Title    string  `json:"title"`
	Tags     string  `json:"tags,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}
