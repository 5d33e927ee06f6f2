package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/makeasinger/studio/internal/client"
	"github.com/makeasinger/studio/internal/mediastore"
	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/store"
)

const downloadParallelism = 2

// Materializer copies provider-hosted media into the media store and records
// the resulting filenames. A failed download records nothing, so the same
// artifact is picked up again by the next poll or callback.
type Materializer struct {
	store      store.Store
	media      *mediastore.Store
	mirror     client.StorageClient
	credential string
	events     EventPublisher
	inflight   singleflight.Group
	logger     zerolog.Logger
	now        func() time.Time
}

// NewMaterializer wires the media store. mirror may be nil.
func NewMaterializer(st store.Store, media *mediastore.Store, mirror client.StorageClient, credential string, events EventPublisher, logger zerolog.Logger) *Materializer {
	return &Materializer{
		store:      st,
		media:      media,
		mirror:     mirror,
		credential: credential,
		events:     publisherOrNoop(events),
		logger:     logger.With().Str("component", "materializer").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// MaterializeTracks downloads every track of taskID that has a remote URL
// but no local file yet.
func (m *Materializer) MaterializeTracks(ctx context.Context, taskID string) error {
	artifacts, err := m.store.ListArtifactsByExternalTaskID(ctx, taskID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadParallelism)

	var failed int
	results := make([]error, len(artifacts))
	for i := range artifacts {
		a := artifacts[i]
		if !a.NeedsDownload() {
			continue
		}
		if a.RemoteURLExpiresAt != nil && m.now().After(*a.RemoteURLExpiresAt) {
			m.logger.Warn().Str("artifact_id", a.ID).Msg("remote url expired, skipping download")
			continue
		}
		i := i
		g.Go(func() error {
			results[i] = m.materializeTrack(gctx, &a)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range results {
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tracks failed to materialize: %w", failed, len(artifacts), errors.Join(results...))
	}
	return nil
}

func (m *Materializer) materializeTrack(ctx context.Context, a *model.Artifact) error {
	name := mediastore.AudioName(a.ExternalTaskID, a.SequenceIndex, a.Title)
	if err := m.fetch(ctx, a.RemoteURL, name); err != nil {
		return err
	}
	if err := m.store.SetArtifactLocalFilename(ctx, a.ID, name); err != nil {
		return fmt.Errorf("record %s: %w", name, err)
	}
	m.events.PublishMaterialized(a.ExternalTaskID, a.SequenceIndex, name)
	return nil
}

// MaterializeCovers downloads the images of cover task coverTaskID and
// appends their names to the job's derived images. Images that fail are left
// for a later run. Images of a cover task the job no longer tracks are
// ignored, since they would land under the current task's names.
func (m *Materializer) MaterializeCovers(ctx context.Context, taskID, coverTaskID string, urls []string) error {
	job, err := m.store.GetJobByExternalTaskID(ctx, taskID)
	if err != nil {
		return err
	}
	if job.SecondaryTaskID != nil && *job.SecondaryTaskID != coverTaskID {
		m.logger.Info().
			Str("task_id", taskID).
			Str("cover_task_id", coverTaskID).
			Str("current_cover_task_id", *job.SecondaryTaskID).
			Msg("skipping images of a superseded cover task")
		return nil
	}

	names := make([]string, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadParallelism)
	for i, u := range urls {
		i, u := i, u
		if u == "" {
			continue
		}
		g.Go(func() error {
			name := mediastore.CoverName(taskID, i+1)
			if err := m.fetch(gctx, u, name); err != nil {
				m.logger.Warn().Str("task_id", taskID).Int("cover", i+1).Err(err).Msg("cover download failed")
				return nil
			}
			names[i] = name
			return nil
		})
	}
	_ = g.Wait()

	landed := make([]string, 0, len(names))
	for _, n := range names {
		if n != "" {
			landed = append(landed, n)
		}
	}
	if len(landed) == 0 {
		return fmt.Errorf("no cover images materialized for %s", taskID)
	}
	if _, err := m.store.AppendDerivedImages(ctx, taskID, landed); err != nil {
		return err
	}
	for i, n := range names {
		if n != "" {
			m.events.PublishMaterialized(taskID, i+1, n)
		}
	}
	if len(landed) < len(urls) {
		return fmt.Errorf("%d of %d cover images failed", len(urls)-len(landed), len(urls))
	}
	return nil
}

// MaterializeVideo downloads the music video of one artifact.
func (m *Materializer) MaterializeVideo(ctx context.Context, artifactID, url string) error {
	a, err := m.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return err
	}
	if a.DerivedVideoFilename != nil && *a.DerivedVideoFilename != "" {
		return nil
	}
	name := mediastore.VideoName(a.ExternalTaskID, a.SequenceIndex, a.Title)
	if err := m.fetch(ctx, url, name); err != nil {
		return err
	}
	if err := m.store.SetArtifactVideoFilename(ctx, a.ID, name); err != nil {
		return fmt.Errorf("record %s: %w", name, err)
	}
	m.events.PublishMaterialized(a.ExternalTaskID, a.SequenceIndex, name)
	return nil
}

// fetch lands url under name exactly once per process at a time. A file
// already present under the deterministic name is reused.
func (m *Materializer) fetch(ctx context.Context, url, name string) error {
	_, err, _ := m.inflight.Do(name, func() (interface{}, error) {
		if m.media.Exists(name) {
			return name, nil
		}
		if _, err := m.media.Download(ctx, url, name, mediastore.DownloadOptions{Credential: m.credential}); err != nil {
			return nil, err
		}
		m.mirrorFile(ctx, name)
		return name, nil
	})
	return err
}

// mirrorFile copies a landed file into object storage. Failures are logged only.
func (m *Materializer) mirrorFile(ctx context.Context, name string) {
	if m.mirror == nil {
		return
	}
	kind, err := mediastore.KindFromName(name)
	if err != nil {
		return
	}
	f, _, err := m.media.Open(name)
	if err != nil {
		m.logger.Warn().Str("file", name).Err(err).Msg("mirror open failed")
		return
	}
	defer f.Close()
	if _, err := m.mirror.Upload(ctx, client.MediaKey(name), f, kind.ContentType()); err != nil {
		m.logger.Warn().Str("file", name).Err(err).Msg("mirror upload failed")
	}
}

// RemoveFiles deletes local files and their mirrored copies. Missing files
// are ignored.
func (m *Materializer) RemoveFiles(ctx context.Context, names ...string) {
	for _, name := range names {
		if name == "" {
			continue
		}
		if err := m.media.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn().Str("file", name).Err(err).Msg("failed to remove media file")
		}
		if m.mirror != nil {
			if err := m.mirror.Delete(ctx, client.MediaKey(name)); err != nil {
				m.logger.Warn().Str("file", name).Err(err).Msg("failed to remove mirrored file")
			}
		}
	}
}
