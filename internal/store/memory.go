package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/makeasinger/studio/internal/model"
)

type positionKey struct {
	taskID string
	index  int
}

// MemoryStore keeps records in process memory. A single mutex serializes
// every mutation.
type MemoryStore struct {
	mu        sync.Mutex
	jobs      map[string]*model.Job // by external task id
	artifacts map[string]*model.Artifact
	positions map[positionKey]string
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*model.Job),
		artifacts: make(map[string]*model.Artifact),
		positions: make(map[positionKey]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func copyJob(j *model.Job) *model.Job {
	c := *j
	c.DerivedImages = append([]string(nil), j.DerivedImages...)
	if c.DerivedImages == nil {
		c.DerivedImages = []string{}
	}
	c.RequestParameters = append([]byte(nil), j.RequestParameters...)
	return &c
}

func copyArtifact(a *model.Artifact) *model.Artifact {
	c := *a
	return &c
}

func (m *MemoryStore) CreateJob(_ context.Context, in NewJob) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[in.ExternalTaskID]; ok {
		return nil, ErrDuplicate
	}
	now := m.now()
	job := &model.Job{
		ID:                uuid.New().String(),
		ExternalTaskID:    in.ExternalTaskID,
		OwnerID:           in.OwnerID,
		Kind:              in.Kind,
		RequestParameters: append([]byte(nil), in.RequestParameters...),
		DerivedImages:     []string{},
		Status:            model.JobStatePending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	m.jobs[in.ExternalTaskID] = job
	return copyJob(job), nil
}

func (m *MemoryStore) GetJobByExternalTaskID(_ context.Context, taskID string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(job), nil
}

func (m *MemoryStore) GetJobBySecondaryTaskID(_ context.Context, secondaryTaskID string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *model.Job
	for _, j := range m.jobs {
		if j.SecondaryTaskID != nil && *j.SecondaryTaskID == secondaryTaskID {
			if found == nil || j.CreatedAt.After(found.CreatedAt) {
				found = j
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return copyJob(found), nil
}

func (m *MemoryStore) ListJobsByOwner(_ context.Context, ownerID string, limit int) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Job{}
	for _, j := range m.jobs {
		if j.OwnerID == ownerID {
			out = append(out, *copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetJobStatus(_ context.Context, taskID string, status model.JobState, errMsg *string) (model.JobState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[taskID]
	if !ok {
		return "", ErrNotFound
	}
	if !job.Status.CanTransition(status) {
		return job.Status, nil
	}
	job.Status = status
	switch {
	case status == model.JobStateSuccess:
		job.ErrorMessage = nil
	case errMsg != nil:
		msg := *errMsg
		job.ErrorMessage = &msg
	}
	job.UpdatedAt = m.now()
	return job.Status, nil
}

func (m *MemoryStore) IncrementPollCount(_ context.Context, taskID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[taskID]
	if !ok {
		return 0, ErrNotFound
	}
	job.PollCount++
	job.UpdatedAt = m.now()
	return job.PollCount, nil
}

func (m *MemoryStore) SetSecondaryTaskID(_ context.Context, taskID, secondaryTaskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[taskID]
	if !ok {
		return ErrNotFound
	}
	id := secondaryTaskID
	job.SecondaryTaskID = &id
	job.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) AppendDerivedImages(_ context.Context, taskID string, names []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	job.DerivedImages = mergeUnique(job.DerivedImages, names)
	job.UpdatedAt = m.now()
	return append([]string(nil), job.DerivedImages...), nil
}

func mergeUnique(existing, add []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := append([]string{}, existing...)
	for _, n := range existing {
		seen[n] = struct{}{}
	}
	for _, n := range add {
		if _, ok := seen[n]; ok || n == "" {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func (m *MemoryStore) UpsertArtifact(_ context.Context, in model.ArtifactUpsert) (*model.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := positionKey{in.ExternalTaskID, in.SequenceIndex}
	if id, ok := m.positions[key]; ok {
		a := m.artifacts[id]
		if a.JobRef == nil && in.JobRef != nil {
			ref := *in.JobRef
			a.JobRef = &ref
		}
		if a.OwnerID == "" {
			a.OwnerID = in.OwnerID
		}
		if in.ExternalArtifactID != "" {
			a.ExternalArtifactID = in.ExternalArtifactID
		}
		if in.Title != "" {
			a.Title = in.Title
		}
		if in.RemoteURL != "" {
			a.RemoteURL = in.RemoteURL
		}
		if in.RemoteURLExpiresAt != nil {
			exp := *in.RemoteURLExpiresAt
			a.RemoteURLExpiresAt = &exp
		}
		a.UpdatedAt = now
		return copyArtifact(a), nil
	}

	a := &model.Artifact{
		ID:                 uuid.New().String(),
		OwnerID:            in.OwnerID,
		ExternalTaskID:     in.ExternalTaskID,
		SequenceIndex:      in.SequenceIndex,
		ExternalArtifactID: in.ExternalArtifactID,
		Title:              in.Title,
		RemoteURL:          in.RemoteURL,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if in.JobRef != nil {
		ref := *in.JobRef
		a.JobRef = &ref
	}
	if in.RemoteURLExpiresAt != nil {
		exp := *in.RemoteURLExpiresAt
		a.RemoteURLExpiresAt = &exp
	}
	m.artifacts[a.ID] = a
	m.positions[key] = a.ID
	return copyArtifact(a), nil
}

func (m *MemoryStore) GetArtifact(_ context.Context, id string) (*model.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyArtifact(a), nil
}

func (m *MemoryStore) GetArtifactByPosition(_ context.Context, taskID string, index int) (*model.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.positions[positionKey{taskID, index}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyArtifact(m.artifacts[id]), nil
}

// filter returns matching artifacts ordered by task then position. Caller holds mu.
func (m *MemoryStore) filter(match func(*model.Artifact) bool) []model.Artifact {
	out := []model.Artifact{}
	for _, a := range m.artifacts {
		if match(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].ExternalTaskID != out[k].ExternalTaskID {
			return out[i].ExternalTaskID < out[k].ExternalTaskID
		}
		return out[i].SequenceIndex < out[k].SequenceIndex
	})
	return out
}

func (m *MemoryStore) ListArtifactsByExternalTaskID(_ context.Context, taskID string) ([]model.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(a *model.Artifact) bool { return a.ExternalTaskID == taskID }), nil
}

func (m *MemoryStore) ListArtifactsByExternalArtifactID(_ context.Context, externalArtifactID string) ([]model.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(a *model.Artifact) bool { return a.ExternalArtifactID == externalArtifactID }), nil
}

func (m *MemoryStore) first(match func(*model.Artifact) bool) (*model.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := m.filter(match)
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return &found[0], nil
}

func (m *MemoryStore) GetArtifactByLocalFilename(_ context.Context, filename string) (*model.Artifact, error) {
	return m.first(func(a *model.Artifact) bool {
		return a.LocalFilename != nil && *a.LocalFilename == filename
	})
}

func (m *MemoryStore) GetArtifactByVideoFilename(_ context.Context, filename string) (*model.Artifact, error) {
	return m.first(func(a *model.Artifact) bool {
		return a.DerivedVideoFilename != nil && *a.DerivedVideoFilename == filename
	})
}

func (m *MemoryStore) GetArtifactByVideoTaskID(_ context.Context, videoTaskID string) (*model.Artifact, error) {
	return m.first(func(a *model.Artifact) bool {
		return a.DerivedVideoTaskID != nil && *a.DerivedVideoTaskID == videoTaskID
	})
}

func (m *MemoryStore) mutateArtifact(id string, fn func(*model.Artifact)) (*model.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	fn(a)
	a.UpdatedAt = m.now()
	return copyArtifact(a), nil
}

func (m *MemoryStore) SetArtifactLocalFilename(_ context.Context, id, filename string) error {
	_, err := m.mutateArtifact(id, func(a *model.Artifact) { a.LocalFilename = &filename })
	return err
}

func (m *MemoryStore) SetArtifactVideoTask(_ context.Context, id, videoTaskID string) error {
	_, err := m.mutateArtifact(id, func(a *model.Artifact) { a.DerivedVideoTaskID = &videoTaskID })
	return err
}

func (m *MemoryStore) SetArtifactVideoFilename(_ context.Context, id, filename string) error {
	_, err := m.mutateArtifact(id, func(a *model.Artifact) { a.DerivedVideoFilename = &filename })
	return err
}

func (m *MemoryStore) SetArtifactShare(_ context.Context, id string, shared bool, coverIndex *int) (*model.Artifact, error) {
	now := m.now()
	return m.mutateArtifact(id, func(a *model.Artifact) {
		a.IsShared = shared
		if shared {
			a.SharedAt = &now
			if coverIndex != nil {
				ci := *coverIndex
				a.SharedCoverIndex = &ci
			} else {
				a.SharedCoverIndex = nil
			}
			return
		}
		a.SharedAt = nil
		a.SharedCoverIndex = nil
	})
}

func (m *MemoryStore) DeleteArtifact(_ context.Context, id string) (*DeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.artifacts, id)
	delete(m.positions, positionKey{a.ExternalTaskID, a.SequenceIndex})

	result := &DeleteResult{Artifact: *a}
	for _, other := range m.artifacts {
		if other.ExternalTaskID == a.ExternalTaskID {
			return result, nil
		}
		if a.JobRef != nil && other.JobRef != nil && *other.JobRef == *a.JobRef {
			return result, nil
		}
	}

	if job, ok := m.jobs[a.ExternalTaskID]; ok {
		delete(m.jobs, a.ExternalTaskID)
		result.JobDeleted = true
		result.Job = copyJob(job)
	}
	return result, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() {}
