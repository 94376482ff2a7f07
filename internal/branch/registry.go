package branch

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/rwhitten/costline/internal/domain"
	"github.com/rwhitten/costline/internal/repository"
)

// Registry tracks the branches of a project: creation with fork-point
// capture, listing, and the coarse-grained branch locks.
type Registry struct {
	branches repository.BranchRepository
	versions repository.VersionRepository
	now      func() time.Time
}

// NewRegistry creates a branch registry.
func NewRegistry(branches repository.BranchRepository, versions repository.VersionRepository) *Registry {
	return &Registry{
		branches: branches,
		versions: versions,
		now:      time.Now,
	}
}

// LockRequest carries a lock acquisition. ConfirmMain must be set to lock
// main, since locking main blocks every branch's eventual merge.
type LockRequest struct {
	ProjectID   uuid.UUID
	Branch      string
	Actor       string
	Reason      string
	ConfirmMain bool
}

// UnlockRequest carries a lock release. AdminOverride lets an administrator
// break a foreign lock; it is never implied.
type UnlockRequest struct {
	ProjectID     uuid.UUID
	Branch        string
	Actor         string
	AdminOverride bool
}

// EnsureMain creates the root branch for a project if it does not exist yet.
func (r *Registry) EnsureMain(ctx context.Context, projectID uuid.UUID, actor string) (domain.Branch, error) {
	existing, err := r.branches.Get(ctx, projectID, domain.MainBranch)
	if err == nil {
		return existing, nil
	}
	if !domain.IsKind(err, domain.KindNotFound) {
		return domain.Branch{}, err
	}

	main := domain.Branch{
		ProjectID: projectID,
		Name:      domain.MainBranch,
		CreatedAt: r.now().UTC(),
		CreatedBy: actor,
	}
	created, err := r.branches.Create(ctx, main)
	if err != nil {
		// Lost a race against a concurrent bootstrap; the existing branch wins.
		if domain.IsKind(err, domain.KindDuplicateBranch) {
			return r.branches.Get(ctx, projectID, domain.MainBranch)
		}
		return domain.Branch{}, err
	}
	return created, nil
}

// Create forks a new branch from base. The fork point records the current
// head version of every entity in the base; no data is copied — copy-on-write
// reads derive inherited values on demand.
func (r *Registry) Create(ctx context.Context, projectID uuid.UUID, baseBranch, name, actor string) (domain.Branch, error) {
	if err := domain.ValidateBranchName(name); err != nil {
		return domain.Branch{}, err
	}
	if baseBranch == "" {
		baseBranch = domain.MainBranch
	}
	base, err := r.branches.Get(ctx, projectID, baseBranch)
	if err != nil {
		return domain.Branch{}, err
	}
	// Chains are keyed by the stored spelling, not the caller's.
	baseBranch = base.Name

	heads, err := r.versions.ListHeads(ctx, projectID, baseBranch)
	if err != nil {
		return domain.Branch{}, err
	}
	forkPoint := make(map[uuid.UUID]int64, len(heads))
	for _, head := range heads {
		forkPoint[head.EntityID] = head.Version
	}

	branch := domain.Branch{
		ProjectID:  projectID,
		Name:       name,
		BaseBranch: baseBranch,
		ForkPoint:  forkPoint,
		CreatedAt:  r.now().UTC(),
		CreatedBy:  actor,
	}
	created, err := r.branches.Create(ctx, branch)
	if err != nil {
		return domain.Branch{}, err
	}
	log.Printf("[BRANCH] created %s from %s in project %s (%d entities at fork)", name, baseBranch, projectID, len(forkPoint))
	return created, nil
}

// Get returns one branch.
func (r *Registry) Get(ctx context.Context, projectID uuid.UUID, name string) (domain.Branch, error) {
	return r.branches.Get(ctx, projectID, name)
}

// List returns a project's branches, main first.
func (r *Registry) List(ctx context.Context, projectID uuid.UUID) ([]domain.Branch, error) {
	return r.branches.List(ctx, projectID)
}

// Lock acquires the branch lock test-and-set style. Re-locking a branch the
// actor already holds is a no-op.
func (r *Registry) Lock(ctx context.Context, req LockRequest) (domain.Branch, error) {
	branch, err := r.branches.Get(ctx, req.ProjectID, req.Branch)
	if err != nil {
		return domain.Branch{}, err
	}

	if branch.IsLocked() {
		if branch.LockHeldBy(req.Actor) {
			return branch, nil
		}
		return domain.Branch{}, domain.AlreadyLocked("branch %q is locked by %s", branch.Name, *branch.LockedBy)
	}
	if branch.IsMain() && !req.ConfirmMain {
		return domain.Branch{}, domain.InvalidTransition("locking main requires explicit confirmation")
	}

	now := r.now().UTC()
	branch.LockedBy = &req.Actor
	branch.LockedAt = &now
	if req.Reason != "" {
		reason := req.Reason
		branch.LockReason = &reason
	}
	updated, err := r.branches.Update(ctx, branch)
	if err != nil {
		return domain.Branch{}, err
	}
	log.Printf("[BRANCH] %s locked %s in project %s", req.Actor, branch.Name, req.ProjectID)
	return updated, nil
}

// Unlock releases the branch lock. Only the holder may unlock, unless an
// explicit admin override is requested. Unlocking an unlocked branch is a
// no-op.
func (r *Registry) Unlock(ctx context.Context, req UnlockRequest) (domain.Branch, error) {
	branch, err := r.branches.Get(ctx, req.ProjectID, req.Branch)
	if err != nil {
		return domain.Branch{}, err
	}

	if !branch.IsLocked() {
		return branch, nil
	}
	if !branch.LockHeldBy(req.Actor) && !req.AdminOverride {
		return domain.Branch{}, domain.NotLockHolder("branch %q is locked by %s", branch.Name, *branch.LockedBy)
	}

	branch.LockedBy = nil
	branch.LockReason = nil
	branch.LockedAt = nil
	updated, err := r.branches.Update(ctx, branch)
	if err != nil {
		return domain.Branch{}, err
	}
	log.Printf("[BRANCH] %s unlocked %s in project %s", req.Actor, branch.Name, req.ProjectID)
	return updated, nil
}

// Discard removes a branch that never came into use, unwinding a fork whose
// change order failed to materialize. Main and merged branches are refused.
func (r *Registry) Discard(ctx context.Context, projectID uuid.UUID, name string) error {
	branch, err := r.branches.Get(ctx, projectID, name)
	if err != nil {
		return err
	}
	if branch.IsMain() {
		return domain.InvalidTransition("main cannot be discarded")
	}
	if branch.Merged {
		return domain.InvalidTransition("branch %q is merged and cannot be discarded", branch.Name)
	}
	if err := r.branches.Delete(ctx, projectID, branch.Name); err != nil {
		return err
	}
	log.Printf("[BRANCH] discarded %s in project %s", branch.Name, projectID)
	return nil
}

// MarkMerged flags a branch as merged so it can never be merged twice.
func (r *Registry) MarkMerged(ctx context.Context, projectID uuid.UUID, name string) (domain.Branch, error) {
	branch, err := r.branches.Get(ctx, projectID, name)
	if err != nil {
		return domain.Branch{}, err
	}
	now := r.now().UTC()
	branch.Merged = true
	branch.MergedAt = &now
	return r.branches.Update(ctx, branch)
}
