package model

import (
	"encoding/json"
	"time"
)

// JobKind identifies which provider operation created a Job.
type JobKind string

const (
	JobKindGenerate        JobKind = "generate"
	JobKindExtend          JobKind = "extend"
	JobKindUploadCover     JobKind = "upload_cover"
	JobKindMashup          JobKind = "mashup"
	JobKindVocalSeparation JobKind = "vocal_separation"
)

var ValidJobKinds = []JobKind{
	JobKindGenerate, JobKindExtend, JobKindUploadCover, JobKindMashup, JobKindVocalSeparation,
}

// ParseJobKind accepts both the canonical form and the hyphenated URL form.
func ParseJobKind(raw string) (JobKind, bool) {
	switch raw {
	case "generate", "text-to-music":
		return JobKindGenerate, true
	case "extend":
		return JobKindExtend, true
	case "upload_cover", "upload-cover":
		return JobKindUploadCover, true
	case "mashup":
		return JobKindMashup, true
	case "vocal_separation", "vocal-separation":
		return JobKindVocalSeparation, true
	}
	return "", false
}

// FollowOnKind identifies operations submitted against an existing Job's
// results. They never create Job rows of their own.
type FollowOnKind string

const (
	FollowOnCoverImage FollowOnKind = "cover_image"
	FollowOnMusicVideo FollowOnKind = "music_video"
)

// JobState is the internal lifecycle derived from provider statuses.
type JobState string

const (
	JobStatePending    JobState = "PENDING"
	JobStateGenerating JobState = "GENERATING"
	JobStateSuccess    JobState = "SUCCESS"
	JobStateFailed     JobState = "FAILED"
	JobStateTimedOut   JobState = "TIMED_OUT"
)

// Terminal reports whether polling may stop.
func (s JobState) Terminal() bool {
	return s == JobStateSuccess || s == JobStateFailed || s == JobStateTimedOut
}

// CanTransition reports whether a job in state s may move to next. Terminal
// states are final, except that SUCCESS replaces FAILED or TIMED_OUT.
func (s JobState) CanTransition(next JobState) bool {
	if next == JobStateSuccess {
		return s != JobStateSuccess
	}
	return !s.Terminal()
}

// Job is one generation request accepted by the provider.
type Job struct {
	ID                string          `json:"id"`
	ExternalTaskID    string          `json:"taskId"`
	OwnerID           string          `json:"-"`
	Kind              JobKind         `json:"kind"`
	RequestParameters json.RawMessage `json:"requestParameters"`
	SecondaryTaskID   *string         `json:"secondaryTaskId,omitempty"`
	DerivedImages     []string        `json:"derivedImages"`
	Status            JobState        `json:"status"`
	PollCount         int             `json:"pollCount"`
	ErrorMessage      *string         `json:"error,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// JobWithArtifacts is the listing shape returned to the owner.
type JobWithArtifacts struct {
	Job
	Artifacts []Artifact `json:"artifacts"`
}
