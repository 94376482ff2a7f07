package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rwhitten/costline/internal/domain"
)

// branchRepository is the Postgres implementation of BranchRepository. The
// fork point travels as a JSONB map of entity id to base version.
type branchRepository struct {
	pool *pgxpool.Pool
}

// NewBranchRepository creates a Postgres-backed branch repository.
func NewBranchRepository(pool *pgxpool.Pool) BranchRepository {
	return &branchRepository{pool: pool}
}

const branchColumns = `project_id, name, base_branch, fork_point, locked_by, lock_reason, locked_at, merged, merged_at, created_at, created_by`

const uniqueViolation = "23505"

func (r *branchRepository) Create(ctx context.Context, branch domain.Branch) (domain.Branch, error) {
	forkJSON, err := json.Marshal(branch.ForkPoint)
	if err != nil {
		return domain.Branch{}, fmt.Errorf("failed to marshal fork point: %w", err)
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now().UTC()
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO branches (project_id, name, base_branch, fork_point, merged, created_at, created_by)
		 VALUES ($1, $2, $3, $4, FALSE, $5, $6)`,
		branch.ProjectID, branch.Name, branch.BaseBranch, forkJSON, branch.CreatedAt, branch.CreatedBy,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.Branch{}, domain.DuplicateBranch("branch %q already exists in project %s", branch.Name, branch.ProjectID)
		}
		return domain.Branch{}, fmt.Errorf("failed to create branch: %w", err)
	}
	return branch, nil
}

func (r *branchRepository) Get(ctx context.Context, projectID uuid.UUID, name string) (domain.Branch, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE project_id = $1 AND lower(name) = lower($2)`,
		projectID, name,
	)
	branch, err := scanBranch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Branch{}, domain.NotFound("branch %q not found in project %s", name, projectID)
		}
		return domain.Branch{}, fmt.Errorf("failed to get branch: %w", err)
	}
	return branch, nil
}

func (r *branchRepository) List(ctx context.Context, projectID uuid.UUID) ([]domain.Branch, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+branchColumns+` FROM branches
		 WHERE project_id = $1
		 ORDER BY (name = 'main') DESC, created_at DESC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var branches []domain.Branch
	for rows.Next() {
		branch, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		branches = append(branches, branch)
	}
	return branches, rows.Err()
}

func (r *branchRepository) Update(ctx context.Context, branch domain.Branch) (domain.Branch, error) {
	lockedBy, lockReason := pgtype.Text{}, pgtype.Text{}
	if branch.LockedBy != nil {
		lockedBy = pgtype.Text{String: *branch.LockedBy, Valid: true}
	}
	if branch.LockReason != nil {
		lockReason = pgtype.Text{String: *branch.LockReason, Valid: true}
	}
	lockedAt, mergedAt := pgtype.Timestamptz{}, pgtype.Timestamptz{}
	if branch.LockedAt != nil {
		lockedAt = pgtype.Timestamptz{Time: *branch.LockedAt, Valid: true}
	}
	if branch.MergedAt != nil {
		mergedAt = pgtype.Timestamptz{Time: *branch.MergedAt, Valid: true}
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE branches
		 SET locked_by = $3, lock_reason = $4, locked_at = $5, merged = $6, merged_at = $7
		 WHERE project_id = $1 AND lower(name) = lower($2)`,
		branch.ProjectID, branch.Name, lockedBy, lockReason, lockedAt, branch.Merged, mergedAt,
	)
	if err != nil {
		return domain.Branch{}, fmt.Errorf("failed to update branch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Branch{}, domain.NotFound("branch %q not found in project %s", branch.Name, branch.ProjectID)
	}
	return branch, nil
}

func (r *branchRepository) Delete(ctx context.Context, projectID uuid.UUID, name string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM branches WHERE project_id = $1 AND lower(name) = lower($2)`,
		projectID, name,
	)
	if err != nil {
		return fmt.Errorf("failed to delete branch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("branch %q not found in project %s", name, projectID)
	}
	return nil
}

func scanBranch(row rowScanner) (domain.Branch, error) {
	var (
		branch     domain.Branch
		forkJSON   json.RawMessage
		lockedBy   pgtype.Text
		lockReason pgtype.Text
		lockedAt   pgtype.Timestamptz
		mergedAt   pgtype.Timestamptz
	)
	err := row.Scan(
		&branch.ProjectID, &branch.Name, &branch.BaseBranch, &forkJSON,
		&lockedBy, &lockReason, &lockedAt, &branch.Merged, &mergedAt,
		&branch.CreatedAt, &branch.CreatedBy,
	)
	if err != nil {
		return domain.Branch{}, err
	}

	if len(forkJSON) > 0 {
		if err := json.Unmarshal(forkJSON, &branch.ForkPoint); err != nil {
			return domain.Branch{}, fmt.Errorf("failed to decode fork point for branch %s: %w", branch.Name, err)
		}
	}
	if lockedBy.Valid {
		branch.LockedBy = &lockedBy.String
	}
	if lockReason.Valid {
		branch.LockReason = &lockReason.String
	}
	if lockedAt.Valid {
		branch.LockedAt = &lockedAt.Time
	}
	if mergedAt.Valid {
		branch.MergedAt = &mergedAt.Time
	}
	return branch, nil
}
