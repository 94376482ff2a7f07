package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/rwhitten/costline/internal/domain"
)

// MergeWrite is one guarded version append inside a merge batch. The write
// is accepted only if the current head of the target (entity, branch) still
// equals ExpectedVersion; a batch containing any stale write applies nothing.
type MergeWrite struct {
	Version         domain.EntityVersion
	ExpectedVersion int64
}

// VersionRepository persists the append-only entity version chains. All
// appends are optimistic: the caller supplies the head version it last read
// (0 when the pair has no versions) and a mismatch fails with StaleVersion.
type VersionRepository interface {
	// AppendVersion appends the next version for (entity, branch). The
	// version number is assigned by the store as expectedVersion+1.
	AppendVersion(ctx context.Context, version domain.EntityVersion, expectedVersion int64) (domain.EntityVersion, error)

	// Head returns the highest version of (entity, branch), NotFound when
	// the pair has no versions. Deleted heads are returned as-is.
	Head(ctx context.Context, projectID uuid.UUID, branch string, entityID uuid.UUID) (domain.EntityVersion, error)

	// GetVersion returns one exact version of (entity, branch).
	GetVersion(ctx context.Context, projectID uuid.UUID, branch string, entityID uuid.UUID, version int64) (domain.EntityVersion, error)

	// ListHistory returns every version of (entity, branch) ordered by
	// version ascending.
	ListHistory(ctx context.Context, projectID uuid.UUID, branch string, entityID uuid.UUID) ([]domain.EntityVersion, error)

	// ListHeads returns the head version of every entity with at least one
	// version on the branch, deleted heads included.
	ListHeads(ctx context.Context, projectID uuid.UUID, branch string) ([]domain.EntityVersion, error)

	// ListBranchEntityIDs returns the ids of entities with at least one
	// branch-local version; these are the compare candidates.
	ListBranchEntityIDs(ctx context.Context, projectID uuid.UUID, branch string) ([]uuid.UUID, error)

	// ApplyMerge applies a batch of guarded writes atomically: every guard
	// is re-validated and either all writes commit or none do.
	ApplyMerge(ctx context.Context, writes []MergeWrite) error
}

// BranchRepository persists branch records including lock and merge state.
type BranchRepository interface {
	// Create stores a new branch; branch names are unique per project,
	// case-insensitively (DuplicateBranch).
	Create(ctx context.Context, branch domain.Branch) (domain.Branch, error)
	Get(ctx context.Context, projectID uuid.UUID, name string) (domain.Branch, error)
	// List returns all branches of a project with main first, then newest
	// first.
	List(ctx context.Context, projectID uuid.UUID) ([]domain.Branch, error)
	Update(ctx context.Context, branch domain.Branch) (domain.Branch, error)
	// Delete removes a branch record. Used to unwind a fork whose change
	// order never materialized; version chains are untouched.
	Delete(ctx context.Context, projectID uuid.UUID, name string) error
}

// ChangeOrderRepository persists change orders.
type ChangeOrderRepository interface {
	Create(ctx context.Context, order domain.ChangeOrder) (domain.ChangeOrder, error)
	Get(ctx context.Context, id uuid.UUID) (domain.ChangeOrder, error)
	// GetByBranch returns the change order owning the given branch.
	GetByBranch(ctx context.Context, projectID uuid.UUID, branch string) (domain.ChangeOrder, error)
	List(ctx context.Context, projectID uuid.UUID) ([]domain.ChangeOrder, error)
	Update(ctx context.Context, order domain.ChangeOrder) (domain.ChangeOrder, error)
}
