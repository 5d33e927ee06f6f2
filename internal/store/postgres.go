package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/config"
	"github.com/makeasinger/studio/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	external_task_id TEXT NOT NULL UNIQUE,
	owner_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	request_parameters JSONB NOT NULL DEFAULT '{}'::jsonb,
	secondary_task_id TEXT,
	derived_images TEXT[] NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	poll_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS jobs_owner_created_idx ON jobs (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS jobs_secondary_task_idx ON jobs (secondary_task_id);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	job_id TEXT REFERENCES jobs (id) ON DELETE SET NULL,
	owner_id TEXT NOT NULL DEFAULT '',
	external_task_id TEXT NOT NULL,
	sequence_index INTEGER NOT NULL,
	external_artifact_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	remote_url TEXT NOT NULL DEFAULT '',
	local_filename TEXT,
	remote_url_expires_at TIMESTAMPTZ,
	derived_video_task_id TEXT,
	derived_video_filename TEXT,
	is_shared BOOLEAN NOT NULL DEFAULT false,
	shared_at TIMESTAMPTZ,
	shared_cover_index INTEGER,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (external_task_id, sequence_index)
);
CREATE INDEX IF NOT EXISTS artifacts_job_idx ON artifacts (job_id);
CREATE INDEX IF NOT EXISTS artifacts_external_artifact_idx ON artifacts (external_artifact_id);
CREATE INDEX IF NOT EXISTS artifacts_local_filename_idx ON artifacts (local_filename);
CREATE INDEX IF NOT EXISTS artifacts_video_filename_idx ON artifacts (derived_video_filename);
CREATE INDEX IF NOT EXISTS artifacts_video_task_idx ON artifacts (derived_video_task_id);
`

const jobColumns = `id, external_task_id, owner_id, kind, request_parameters, secondary_task_id,
	derived_images, status, poll_count, error_message, created_at, updated_at`

const artifactColumns = `id, job_id, owner_id, external_task_id, sequence_index, external_artifact_id,
	title, remote_url, local_filename, remote_url_expires_at, derived_video_task_id,
	derived_video_filename, is_shared, shared_at, shared_cover_index, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore opens the pool and applies the schema.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger.With().Str("component", "store").Logger()}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate is idempotent and safe to run on every start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info().Msg("schema ready")
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j      model.Job
		kind   string
		status string
		params []byte
	)
	err := row.Scan(&j.ID, &j.ExternalTaskID, &j.OwnerID, &kind, &params, &j.SecondaryTaskID,
		&j.DerivedImages, &status, &j.PollCount, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	j.Kind = model.JobKind(kind)
	j.Status = model.JobState(status)
	j.RequestParameters = params
	if j.DerivedImages == nil {
		j.DerivedImages = []string{}
	}
	return &j, nil
}

func scanArtifact(row rowScanner) (*model.Artifact, error) {
	var a model.Artifact
	err := row.Scan(&a.ID, &a.JobRef, &a.OwnerID, &a.ExternalTaskID, &a.SequenceIndex, &a.ExternalArtifactID,
		&a.Title, &a.RemoteURL, &a.LocalFilename, &a.RemoteURLExpiresAt, &a.DerivedVideoTaskID,
		&a.DerivedVideoFilename, &a.IsShared, &a.SharedAt, &a.SharedCoverIndex, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func collectArtifacts(rows pgx.Rows) ([]model.Artifact, error) {
	defer rows.Close()
	out := []model.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// execOne runs a single-row update and maps zero affected rows to ErrNotFound.
func (s *PostgresStore) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, in NewJob) (*model.Job, error) {
	params := in.RequestParameters
	if len(params) == 0 {
		params = []byte("{}")
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO jobs (id, external_task_id, owner_id, kind, request_parameters, status)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+jobColumns,
		uuid.New().String(), in.ExternalTaskID, in.OwnerID, string(in.Kind), params, string(model.JobStatePending))
	job, err := scanJob(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) GetJobByExternalTaskID(ctx context.Context, taskID string) (*model.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE external_task_id = $1
ORDER BY created_at DESC
LIMIT 1`, taskID))
}

func (s *PostgresStore) GetJobBySecondaryTaskID(ctx context.Context, secondaryTaskID string) (*model.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE secondary_task_id = $1
ORDER BY created_at DESC
LIMIT 1`, secondaryTaskID))
}

func (s *PostgresStore) ListJobsByOwner(ctx context.Context, ownerID string, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE owner_id = $1
ORDER BY created_at DESC
LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetJobStatus(ctx context.Context, taskID string, status model.JobState, errMsg *string) (model.JobState, error) {
	var current string
	err := s.pool.QueryRow(ctx, `
WITH updated AS (
	UPDATE jobs
	SET status = $2::text,
		error_message = CASE WHEN $2::text = 'SUCCESS' THEN NULL ELSE COALESCE($3::text, error_message) END,
		updated_at = now()
	WHERE external_task_id = $1
		AND CASE WHEN $2::text = 'SUCCESS'
			THEN status <> 'SUCCESS'
			ELSE status NOT IN ('SUCCESS', 'FAILED', 'TIMED_OUT')
		END
	RETURNING status
)
SELECT status FROM updated
UNION ALL
SELECT status FROM jobs
WHERE external_task_id = $1 AND NOT EXISTS (SELECT 1 FROM updated)`, taskID, string(status), errMsg).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return model.JobState(current), nil
}

func (s *PostgresStore) IncrementPollCount(ctx context.Context, taskID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
UPDATE jobs
SET poll_count = poll_count + 1, updated_at = now()
WHERE external_task_id = $1
RETURNING poll_count`, taskID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, err
}

func (s *PostgresStore) SetSecondaryTaskID(ctx context.Context, taskID, secondaryTaskID string) error {
	return s.execOne(ctx, `
UPDATE jobs
SET secondary_task_id = $2, updated_at = now()
WHERE external_task_id = $1`, taskID, secondaryTaskID)
}

func (s *PostgresStore) AppendDerivedImages(ctx context.Context, taskID string, names []string) ([]string, error) {
	var images []string
	err := s.pool.QueryRow(ctx, `
UPDATE jobs
SET derived_images = ARRAY(
		SELECT name FROM (
			SELECT name, min(ord) AS ord
			FROM unnest(derived_images || $2::text[]) WITH ORDINALITY AS t(name, ord)
			WHERE name <> ''
			GROUP BY name
		) dedup
		ORDER BY ord
	),
	updated_at = now()
WHERE external_task_id = $1
RETURNING derived_images`, taskID, names).Scan(&images)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if images == nil {
		images = []string{}
	}
	return images, nil
}

func (s *PostgresStore) UpsertArtifact(ctx context.Context, in model.ArtifactUpsert) (*model.Artifact, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO artifacts (id, job_id, owner_id, external_task_id, sequence_index, external_artifact_id,
	title, remote_url, remote_url_expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (external_task_id, sequence_index) DO UPDATE SET
	job_id = COALESCE(artifacts.job_id, EXCLUDED.job_id),
	owner_id = CASE WHEN artifacts.owner_id = '' THEN EXCLUDED.owner_id ELSE artifacts.owner_id END,
	external_artifact_id = COALESCE(NULLIF(EXCLUDED.external_artifact_id, ''), artifacts.external_artifact_id),
	title = COALESCE(NULLIF(EXCLUDED.title, ''), artifacts.title),
	remote_url = COALESCE(NULLIF(EXCLUDED.remote_url, ''), artifacts.remote_url),
	remote_url_expires_at = COALESCE(EXCLUDED.remote_url_expires_at, artifacts.remote_url_expires_at),
	updated_at = now()
RETURNING `+artifactColumns,
		uuid.New().String(), in.JobRef, in.OwnerID, in.ExternalTaskID, in.SequenceIndex, in.ExternalArtifactID,
		in.Title, in.RemoteURL, in.RemoteURLExpiresAt)
	a, err := scanArtifact(row)
	if err != nil {
		return nil, fmt.Errorf("upsert artifact: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	return scanArtifact(s.pool.QueryRow(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id))
}

func (s *PostgresStore) GetArtifactByPosition(ctx context.Context, taskID string, index int) (*model.Artifact, error) {
	return scanArtifact(s.pool.QueryRow(ctx, `
SELECT `+artifactColumns+`
FROM artifacts
WHERE external_task_id = $1 AND sequence_index = $2`, taskID, index))
}

func (s *PostgresStore) ListArtifactsByExternalTaskID(ctx context.Context, taskID string) ([]model.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+artifactColumns+`
FROM artifacts
WHERE external_task_id = $1
ORDER BY sequence_index`, taskID)
	if err != nil {
		return nil, err
	}
	return collectArtifacts(rows)
}

func (s *PostgresStore) ListArtifactsByExternalArtifactID(ctx context.Context, externalArtifactID string) ([]model.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+artifactColumns+`
FROM artifacts
WHERE external_artifact_id = $1
ORDER BY external_task_id, sequence_index`, externalArtifactID)
	if err != nil {
		return nil, err
	}
	return collectArtifacts(rows)
}

func (s *PostgresStore) GetArtifactByLocalFilename(ctx context.Context, filename string) (*model.Artifact, error) {
	return scanArtifact(s.pool.QueryRow(ctx, `
SELECT `+artifactColumns+`
FROM artifacts
WHERE local_filename = $1
ORDER BY created_at
LIMIT 1`, filename))
}

func (s *PostgresStore) GetArtifactByVideoFilename(ctx context.Context, filename string) (*model.Artifact, error) {
	return scanArtifact(s.pool.QueryRow(ctx, `
SELECT `+artifactColumns+`
FROM artifacts
WHERE derived_video_filename = $1
ORDER BY created_at
LIMIT 1`, filename))
}

func (s *PostgresStore) GetArtifactByVideoTaskID(ctx context.Context, videoTaskID string) (*model.Artifact, error) {
	return scanArtifact(s.pool.QueryRow(ctx, `
SELECT `+artifactColumns+`
FROM artifacts
WHERE derived_video_task_id = $1
ORDER BY created_at
LIMIT 1`, videoTaskID))
}

func (s *PostgresStore) SetArtifactLocalFilename(ctx context.Context, id, filename string) error {
	return s.execOne(ctx, `UPDATE artifacts SET local_filename = $2, updated_at = now() WHERE id = $1`, id, filename)
}

func (s *PostgresStore) SetArtifactVideoTask(ctx context.Context, id, videoTaskID string) error {
	return s.execOne(ctx, `UPDATE artifacts SET derived_video_task_id = $2, updated_at = now() WHERE id = $1`, id, videoTaskID)
}

func (s *PostgresStore) SetArtifactVideoFilename(ctx context.Context, id, filename string) error {
	return s.execOne(ctx, `UPDATE artifacts SET derived_video_filename = $2, updated_at = now() WHERE id = $1`, id, filename)
}

func (s *PostgresStore) SetArtifactShare(ctx context.Context, id string, shared bool, coverIndex *int) (*model.Artifact, error) {
	return scanArtifact(s.pool.QueryRow(ctx, `
UPDATE artifacts
SET is_shared = $2,
	shared_at = CASE WHEN $2 THEN now() ELSE NULL END,
	shared_cover_index = CASE WHEN $2 THEN $3::integer ELSE NULL END,
	updated_at = now()
WHERE id = $1
RETURNING `+artifactColumns, id, shared, coverIndex))
}

// DeleteArtifact locks the parent job row before deleting so two concurrent
// deletions of the last siblings cannot both skip the job cleanup.
func (s *PostgresStore) DeleteArtifact(ctx context.Context, id string) (*DeleteResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var taskID string
	if err := tx.QueryRow(ctx, `SELECT external_task_id FROM artifacts WHERE id = $1`, id).Scan(&taskID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	job, err := scanJob(tx.QueryRow(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE external_task_id = $1
FOR UPDATE`, taskID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lock job: %w", err)
	}

	deleted, err := scanArtifact(tx.QueryRow(ctx, `DELETE FROM artifacts WHERE id = $1 RETURNING `+artifactColumns, id))
	if err != nil {
		return nil, err
	}
	result := &DeleteResult{Artifact: *deleted}

	var remaining int
	if err := tx.QueryRow(ctx, `
SELECT count(*)
FROM artifacts
WHERE external_task_id = $1 OR job_id = $2`, taskID, deleted.JobRef).Scan(&remaining); err != nil {
		return nil, fmt.Errorf("count siblings: %w", err)
	}

	if remaining == 0 && job != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID); err != nil {
			return nil, fmt.Errorf("delete job: %w", err)
		}
		result.JobDeleted = true
		result.Job = job
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}
