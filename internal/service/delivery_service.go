package service

import (
	"context"
	"errors"
	"os"

	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/mediastore"
	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/store"
)

// Grant is a resolved, authorized media file.
type Grant struct {
	Kind        mediastore.MediaKind
	Name        string
	ContentType string
}

// DeliveryService decides who may read a stored media file.
type DeliveryService struct {
	store  store.Store
	media  *mediastore.Store
	logger zerolog.Logger
}

func NewDeliveryService(st store.Store, media *mediastore.Store, logger zerolog.Logger) *DeliveryService {
	return &DeliveryService{
		store:  st,
		media:  media,
		logger: logger.With().Str("component", "delivery").Logger(),
	}
}

// Authorize resolves filename to its artifacts and grants access when any of
// them is shared or owned by callerID. An empty callerID is an anonymous
// caller. Unsafe names fail with mediastore.ErrInvalidName before any lookup.
func (s *DeliveryService) Authorize(ctx context.Context, callerID, filename string) (*Grant, error) {
	kind, err := mediastore.KindFromName(filename)
	if err != nil || !mediastore.IsSafeName(kind, filename) {
		return nil, mediastore.ErrInvalidName
	}

	candidates, err := s.resolve(ctx, kind, filename)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	if !anyGrants(candidates, callerID) {
		s.logger.Debug().Str("file", filename).Bool("anonymous", callerID == "").Msg("media access denied")
		return nil, ErrForbidden
	}
	if !s.media.Exists(filename) {
		return nil, ErrNotFound
	}
	return &Grant{Kind: kind, Name: filename, ContentType: kind.ContentType()}, nil
}

// Open returns the file behind a grant.
func (s *DeliveryService) Open(g *Grant) (*os.File, os.FileInfo, error) {
	f, info, err := s.media.Open(g.Name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	return f, info, err
}

func (s *DeliveryService) resolve(ctx context.Context, kind mediastore.MediaKind, filename string) ([]model.Artifact, error) {
	switch kind {
	case mediastore.KindAudio:
		a, err := s.store.GetArtifactByLocalFilename(ctx, filename)
		if err == nil {
			return []model.Artifact{*a}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return s.byPosition(ctx, filename)

	case mediastore.KindVideo:
		a, err := s.store.GetArtifactByVideoFilename(ctx, filename)
		if err == nil {
			return []model.Artifact{*a}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return s.byPosition(ctx, filename)

	case mediastore.KindCover:
		parsed, err := mediastore.ParseName(filename)
		if err != nil {
			return nil, ErrNotFound
		}
		return s.store.ListArtifactsByExternalTaskID(ctx, parsed.ExternalID)
	}
	return nil, ErrNotFound
}

// byPosition recovers the artifact from the deterministic filename when no
// row recorded it, e.g. a file landed before its filename was persisted.
func (s *DeliveryService) byPosition(ctx context.Context, filename string) ([]model.Artifact, error) {
	parsed, err := mediastore.ParseName(filename)
	if err != nil {
		return nil, ErrNotFound
	}
	a, err := s.store.GetArtifactByPosition(ctx, parsed.ExternalID, parsed.Index)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []model.Artifact{*a}, nil
}

func anyGrants(artifacts []model.Artifact, callerID string) bool {
	for i := range artifacts {
		if artifacts[i].IsShared {
			return true
		}
		if callerID != "" && artifacts[i].OwnerID == callerID {
			return true
		}
	}
	return false
}
