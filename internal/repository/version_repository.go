package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rwhitten/costline/internal/domain"
)

// versionRepository is the Postgres implementation of VersionRepository.
// Appends serialize per (project, branch, entity) chain through an advisory
// transaction lock so the head check and the insert are race-free.
type versionRepository struct {
	pool *pgxpool.Pool
}

// NewVersionRepository creates a Postgres-backed version repository.
func NewVersionRepository(pool *pgxpool.Pool) VersionRepository {
	return &versionRepository{pool: pool}
}

const versionColumns = `project_id, branch, entity_id, entity_type, version, status, fields, change_type, reason, created_at, created_by`

func chainLockKey(projectID uuid.UUID, branch string, entityID uuid.UUID) string {
	return fmt.Sprintf("costline:%s:%s:%s", projectID, branch, entityID)
}

func (r *versionRepository) AppendVersion(ctx context.Context, version domain.EntityVersion, expectedVersion int64) (domain.EntityVersion, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.EntityVersion{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	appended, err := appendVersionTx(ctx, tx, version, expectedVersion)
	if err != nil {
		return domain.EntityVersion{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.EntityVersion{}, fmt.Errorf("failed to commit version append: %w", err)
	}
	return appended, nil
}

func appendVersionTx(ctx context.Context, tx pgx.Tx, version domain.EntityVersion, expectedVersion int64) (domain.EntityVersion, error) {
	lockKey := chainLockKey(version.ProjectID, version.Branch, version.EntityID)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
		return domain.EntityVersion{}, fmt.Errorf("failed to lock version chain: %w", err)
	}

	var head int64
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM entity_versions WHERE project_id = $1 AND branch = $2 AND entity_id = $3`,
		version.ProjectID, version.Branch, version.EntityID,
	).Scan(&head)
	if err != nil {
		return domain.EntityVersion{}, fmt.Errorf("failed to read head version: %w", err)
	}
	if head != expectedVersion {
		return domain.EntityVersion{}, domain.StaleVersion(
			"entity %s on branch %s is at version %d, expected %d",
			version.EntityID, version.Branch, head, expectedVersion)
	}

	fieldsJSON, err := version.GetFieldsAsJSONB()
	if err != nil {
		return domain.EntityVersion{}, fmt.Errorf("failed to marshal fields: %w", err)
	}

	version.Version = expectedVersion + 1
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	reason := pgtype.Text{}
	if version.Reason != nil {
		reason = pgtype.Text{String: *version.Reason, Valid: true}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO entity_versions (`+versionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		version.ProjectID, version.Branch, version.EntityID, version.EntityType,
		version.Version, string(version.Status), fieldsJSON, string(version.ChangeType),
		reason, version.CreatedAt, version.CreatedBy,
	)
	if err != nil {
		return domain.EntityVersion{}, fmt.Errorf("failed to insert entity version: %w", err)
	}
	return version, nil
}

func (r *versionRepository) Head(ctx context.Context, projectID uuid.UUID, branch string, entityID uuid.UUID) (domain.EntityVersion, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM entity_versions
		 WHERE project_id = $1 AND branch = $2 AND entity_id = $3
		 ORDER BY version DESC LIMIT 1`,
		projectID, branch, entityID,
	)
	version, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EntityVersion{}, domain.NotFound("entity %s has no versions on branch %s", entityID, branch)
		}
		return domain.EntityVersion{}, fmt.Errorf("failed to read head: %w", err)
	}
	return version, nil
}

func (r *versionRepository) GetVersion(ctx context.Context, projectID uuid.UUID, branch string, entityID uuid.UUID, versionNumber int64) (domain.EntityVersion, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM entity_versions
		 WHERE project_id = $1 AND branch = $2 AND entity_id = $3 AND version = $4`,
		projectID, branch, entityID, versionNumber,
	)
	version, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EntityVersion{}, domain.NotFound("entity %s has no version %d on branch %s", entityID, versionNumber, branch)
		}
		return domain.EntityVersion{}, fmt.Errorf("failed to read version: %w", err)
	}
	return version, nil
}

func (r *versionRepository) ListHistory(ctx context.Context, projectID uuid.UUID, branch string, entityID uuid.UUID) ([]domain.EntityVersion, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM entity_versions
		 WHERE project_id = $1 AND branch = $2 AND entity_id = $3
		 ORDER BY version ASC`,
		projectID, branch, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

func (r *versionRepository) ListHeads(ctx context.Context, projectID uuid.UUID, branch string) ([]domain.EntityVersion, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT ON (entity_id) `+versionColumns+` FROM entity_versions
		 WHERE project_id = $1 AND branch = $2
		 ORDER BY entity_id, version DESC`,
		projectID, branch,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list heads: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

func (r *versionRepository) ListBranchEntityIDs(ctx context.Context, projectID uuid.UUID, branch string) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT entity_id FROM entity_versions
		 WHERE project_id = $1 AND branch = $2
		 ORDER BY entity_id`,
		projectID, branch,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list branch entities: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ApplyMerge re-validates every guard and inserts all versions inside one
// transaction; a single stale guard rolls back the whole batch.
func (r *versionRepository) ApplyMerge(ctx context.Context, writes []MergeWrite) error {
	if len(writes) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin merge transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, write := range writes {
		if _, err := appendVersionTx(ctx, tx, write.Version, write.ExpectedVersion); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit merge batch: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (domain.EntityVersion, error) {
	var (
		version    domain.EntityVersion
		status     string
		changeType string
		fieldsJSON json.RawMessage
		reason     pgtype.Text
	)
	err := row.Scan(
		&version.ProjectID, &version.Branch, &version.EntityID, &version.EntityType,
		&version.Version, &status, &fieldsJSON, &changeType,
		&reason, &version.CreatedAt, &version.CreatedBy,
	)
	if err != nil {
		return domain.EntityVersion{}, err
	}

	version.Status = domain.EntityStatus(status)
	version.ChangeType = domain.ChangeType(changeType)
	if reason.Valid {
		version.Reason = &reason.String
	}
	version.Fields, err = domain.FromJSONBFields(fieldsJSON)
	if err != nil {
		return domain.EntityVersion{}, fmt.Errorf("failed to decode fields for entity %s: %w", version.EntityID, err)
	}
	return version, nil
}

func scanVersions(rows pgx.Rows) ([]domain.EntityVersion, error) {
	var versions []domain.EntityVersion
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}
