package store

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rwhitten/costline/internal/domain"
	"github.com/rwhitten/costline/internal/repository"
)

// Store is the entity store: copy-on-write reads across branches, guarded
// appends, soft delete and restore, history, and rollback. Every mutation
// checks the branch lock and the owning change order's workflow status; the
// optimistic version guard itself lives in the repository.
type Store struct {
	versions repository.VersionRepository
	branches repository.BranchRepository
	orders   repository.ChangeOrderRepository
	now      func() time.Time
}

// New creates an entity store.
func New(versions repository.VersionRepository, branches repository.BranchRepository, orders repository.ChangeOrderRepository) *Store {
	return &Store{
		versions: versions,
		branches: branches,
		orders:   orders,
		now:      time.Now,
	}
}

// ReadResult is a resolved entity read. Version is the record the read
// resolved to — the branch-local head, or the base head as of the fork point
// when the branch never touched the entity. BranchVersion is the branch-local
// head number (0 when inherited); it is the expected version a subsequent
// write on this branch must supply.
type ReadResult struct {
	Version       domain.EntityVersion `json:"version"`
	BranchVersion int64                `json:"branch_version"`
	Inherited     bool                 `json:"inherited"`
}

// WriteRequest appends a new version of an entity on a branch.
type WriteRequest struct {
	ProjectID       uuid.UUID
	Branch          string
	EntityID        uuid.UUID
	EntityType      string
	Fields          map[string]any
	ExpectedVersion int64
	Actor           string
	Reason          *string
}

// MutateRequest addresses an existing entity for delete/restore.
type MutateRequest struct {
	ProjectID       uuid.UUID
	Branch          string
	EntityID        uuid.UUID
	ExpectedVersion int64
	Actor           string
	Reason          *string
}

// RollbackRequest rematerializes a prior version as a new head.
type RollbackRequest struct {
	ProjectID uuid.UUID
	Branch    string
	EntityID  uuid.UUID
	ToVersion int64
	Actor     string
	Reason    string
}

// Read resolves (entity, branch) to its head, falling back to the base
// branch's head as of the fork point when the branch has no local versions.
// The branch name is resolved to its stored spelling first; version chains
// are keyed by that canonical name.
func (s *Store) Read(ctx context.Context, projectID uuid.UUID, branchName string, entityID uuid.UUID) (ReadResult, error) {
	branch, err := s.branches.Get(ctx, projectID, branchName)
	if err != nil {
		return ReadResult{}, err
	}

	head, err := s.versions.Head(ctx, projectID, branch.Name, entityID)
	if err == nil {
		return ReadResult{Version: head, BranchVersion: head.Version}, nil
	}
	if !domain.IsKind(err, domain.KindNotFound) {
		return ReadResult{}, err
	}

	ancestor, err := s.ancestorAtFork(ctx, branch, entityID)
	if err != nil {
		return ReadResult{}, err
	}
	if ancestor == nil {
		return ReadResult{}, domain.NotFound("entity %s not found on branch %s", entityID, branch.Name)
	}
	return ReadResult{Version: *ancestor, BranchVersion: 0, Inherited: true}, nil
}

// Write appends the next version of an entity. The first write on a branch
// materializes version 1 carrying the inherited base fields plus the edit;
// later writes overlay the edit onto the branch head.
func (s *Store) Write(ctx context.Context, req WriteRequest) (domain.EntityVersion, error) {
	branch, err := s.checkMutable(ctx, req.ProjectID, req.Branch, req.Actor)
	if err != nil {
		return domain.EntityVersion{}, err
	}
	if req.EntityID == uuid.Nil {
		return domain.EntityVersion{}, domain.InvalidName("entity id is required")
	}

	version := domain.EntityVersion{
		EntityID:  req.EntityID,
		ProjectID: req.ProjectID,
		Branch:    branch.Name,
		Status:    domain.EntityStatusActive,
		Reason:    req.Reason,
		CreatedAt: s.now().UTC(),
		CreatedBy: req.Actor,
	}

	localHead, localErr := s.versions.Head(ctx, req.ProjectID, branch.Name, req.EntityID)
	switch {
	case localErr == nil:
		if !localHead.IsActive() {
			return domain.EntityVersion{}, domain.InvalidTransition("entity %s is deleted on branch %s; restore it before editing", req.EntityID, branch.Name)
		}
		version.EntityType = localHead.EntityType
		version.Fields = domain.OverlayFields(localHead.Fields, req.Fields)
		version.ChangeType = domain.ChangeTypeUpdate

	case domain.IsKind(localErr, domain.KindNotFound):
		ancestor, ancErr := s.ancestorAtFork(ctx, branch, req.EntityID)
		if ancErr != nil {
			return domain.EntityVersion{}, ancErr
		}
		if ancestor != nil && ancestor.IsActive() {
			// Copy-on-write materialization of version 1.
			version.EntityType = ancestor.EntityType
			version.Fields = domain.OverlayFields(ancestor.Fields, req.Fields)
			version.ChangeType = domain.ChangeTypeUpdate
		} else {
			if strings.TrimSpace(req.EntityType) == "" {
				return domain.EntityVersion{}, domain.InvalidName("entity type is required when creating an entity")
			}
			version.EntityType = req.EntityType
			version.Fields = domain.CloneFields(req.Fields)
			version.ChangeType = domain.ChangeTypeCreate
		}

	default:
		return domain.EntityVersion{}, localErr
	}

	return s.versions.AppendVersion(ctx, version, req.ExpectedVersion)
}

// Delete appends a soft-delete version carrying the same fields. Deleting an
// already-deleted entity is rejected.
func (s *Store) Delete(ctx context.Context, req MutateRequest) (domain.EntityVersion, error) {
	branch, err := s.checkMutable(ctx, req.ProjectID, req.Branch, req.Actor)
	if err != nil {
		return domain.EntityVersion{}, err
	}

	current, err := s.currentOrInherited(ctx, branch, req.EntityID)
	if err != nil {
		return domain.EntityVersion{}, err
	}
	if !current.IsActive() {
		return domain.EntityVersion{}, domain.InvalidTransition("entity %s is already deleted on branch %s", req.EntityID, branch.Name)
	}

	version := domain.EntityVersion{
		EntityID:   req.EntityID,
		ProjectID:  req.ProjectID,
		EntityType: current.EntityType,
		Branch:     branch.Name,
		Status:     domain.EntityStatusDeleted,
		Fields:     domain.CloneFields(current.Fields),
		ChangeType: domain.ChangeTypeDelete,
		Reason:     req.Reason,
		CreatedAt:  s.now().UTC(),
		CreatedBy:  req.Actor,
	}
	return s.versions.AppendVersion(ctx, version, req.ExpectedVersion)
}

// Restore appends an active version whose fields equal the last active
// version's fields. Restoring an active entity is rejected; an entity with no
// prior active version reports NotFound.
func (s *Store) Restore(ctx context.Context, req MutateRequest) (domain.EntityVersion, error) {
	branch, err := s.checkMutable(ctx, req.ProjectID, req.Branch, req.Actor)
	if err != nil {
		return domain.EntityVersion{}, err
	}

	current, err := s.currentOrInherited(ctx, branch, req.EntityID)
	if err != nil {
		return domain.EntityVersion{}, err
	}
	if current.IsActive() {
		return domain.EntityVersion{}, domain.InvalidTransition("entity %s is already active on branch %s", req.EntityID, branch.Name)
	}

	lastActive, err := s.lastActiveVersion(ctx, branch, req.EntityID)
	if err != nil {
		return domain.EntityVersion{}, err
	}

	version := domain.EntityVersion{
		EntityID:   req.EntityID,
		ProjectID:  req.ProjectID,
		EntityType: lastActive.EntityType,
		Branch:     branch.Name,
		Status:     domain.EntityStatusActive,
		Fields:     domain.CloneFields(lastActive.Fields),
		ChangeType: domain.ChangeTypeRestore,
		Reason:     req.Reason,
		CreatedAt:  s.now().UTC(),
		CreatedBy:  req.Actor,
	}
	return s.versions.AppendVersion(ctx, version, req.ExpectedVersion)
}

// History returns the branch-local version chain 1..N and verifies the
// monotonic, gapless invariant. A gap means store corruption and aborts
// loudly instead of attempting repair.
func (s *Store) History(ctx context.Context, projectID uuid.UUID, branchName string, entityID uuid.UUID) ([]domain.EntityVersion, error) {
	branch, err := s.branches.Get(ctx, projectID, branchName)
	if err != nil {
		return nil, err
	}

	history, err := s.versions.ListHistory(ctx, projectID, branch.Name, entityID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, domain.NotFound("entity %s has no versions on branch %s", entityID, branch.Name)
	}
	for i, version := range history {
		if version.Version != int64(i+1) {
			return nil, domain.Internal(
				"version chain for entity %s on branch %s is corrupt: position %d holds version %d",
				entityID, branch.Name, i, version.Version)
		}
	}
	return history, nil
}

// Rollback appends a new head whose fields (and status) equal a prior
// version's, preserving the full chain.
func (s *Store) Rollback(ctx context.Context, req RollbackRequest) (domain.EntityVersion, error) {
	branch, err := s.checkMutable(ctx, req.ProjectID, req.Branch, req.Actor)
	if err != nil {
		return domain.EntityVersion{}, err
	}

	target, err := s.versions.GetVersion(ctx, req.ProjectID, branch.Name, req.EntityID, req.ToVersion)
	if err != nil {
		return domain.EntityVersion{}, err
	}
	head, err := s.versions.Head(ctx, req.ProjectID, branch.Name, req.EntityID)
	if err != nil {
		return domain.EntityVersion{}, err
	}

	reason := "ROLLBACK"
	if trimmed := strings.TrimSpace(req.Reason); trimmed != "" {
		reason = "ROLLBACK: " + trimmed
	}

	version := domain.EntityVersion{
		EntityID:   req.EntityID,
		ProjectID:  req.ProjectID,
		EntityType: target.EntityType,
		Branch:     branch.Name,
		Status:     target.Status,
		Fields:     domain.CloneFields(target.Fields),
		ChangeType: domain.ChangeTypeRollback,
		Reason:     &reason,
		CreatedAt:  s.now().UTC(),
		CreatedBy:  req.Actor,
	}
	appended, err := s.versions.AppendVersion(ctx, version, head.Version)
	if err != nil {
		return domain.EntityVersion{}, err
	}
	log.Printf("[STORE] %s rolled back entity %s on %s to version %d", req.Actor, req.EntityID, branch.Name, req.ToVersion)
	return appended, nil
}

// ListResolvedHeads returns the effective head of every entity visible on a
// branch: inherited fork-point versions overlaid with branch-local heads.
// Baseline snapshots and metric readers consume this instead of raw rows.
func (s *Store) ListResolvedHeads(ctx context.Context, projectID uuid.UUID, branchName string) ([]domain.EntityVersion, error) {
	branch, err := s.branches.Get(ctx, projectID, branchName)
	if err != nil {
		return nil, err
	}

	resolved := map[uuid.UUID]domain.EntityVersion{}
	if branch.BaseBranch != "" {
		for entityID, forkVersion := range branch.ForkPoint {
			ancestor, err := s.versions.GetVersion(ctx, projectID, branch.BaseBranch, entityID, forkVersion)
			if err != nil {
				return nil, err
			}
			resolved[entityID] = ancestor
		}
	}

	heads, err := s.versions.ListHeads(ctx, projectID, branch.Name)
	if err != nil {
		return nil, err
	}
	for _, head := range heads {
		resolved[head.EntityID] = head
	}

	out := make([]domain.EntityVersion, 0, len(resolved))
	for _, version := range resolved {
		out = append(out, version)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].EntityID.String() < out[j].EntityID.String()
	})
	return out, nil
}

// checkMutable enforces the mutation preconditions shared by every write
// path: the branch exists, is not merged, is not locked by someone else, and
// its owning change order (if any) still allows entity edits.
func (s *Store) checkMutable(ctx context.Context, projectID uuid.UUID, branchName, actor string) (domain.Branch, error) {
	if strings.TrimSpace(actor) == "" {
		return domain.Branch{}, domain.InvalidName("acting user is required")
	}

	branch, err := s.branches.Get(ctx, projectID, branchName)
	if err != nil {
		return domain.Branch{}, err
	}
	if branch.Merged {
		return domain.Branch{}, domain.InvalidTransition("branch %q is merged and read-only", branchName)
	}
	if !branch.CanMutate(actor) {
		return domain.Branch{}, domain.NotLockHolder("branch %q is locked by %s", branchName, *branch.LockedBy)
	}

	if !branch.IsMain() {
		order, err := s.orders.GetByBranch(ctx, projectID, branchName)
		if err == nil && !order.AllowsEntityEdits() {
			return domain.Branch{}, domain.InvalidTransition(
				"change order %s is in %s; entity edits are only allowed in %s",
				order.Number, order.Status, domain.WorkflowStatusDesign)
		}
		if err != nil && !domain.IsKind(err, domain.KindNotFound) {
			return domain.Branch{}, err
		}
	}
	return branch, nil
}

// ancestorAtFork returns the base version recorded at the fork point, or nil
// when the entity did not exist in the base at fork time.
func (s *Store) ancestorAtFork(ctx context.Context, branch domain.Branch, entityID uuid.UUID) (*domain.EntityVersion, error) {
	if branch.BaseBranch == "" {
		return nil, nil
	}
	forkVersion, ok := branch.ForkVersion(entityID)
	if !ok {
		return nil, nil
	}
	ancestor, err := s.versions.GetVersion(ctx, branch.ProjectID, branch.BaseBranch, entityID, forkVersion)
	if err != nil {
		return nil, err
	}
	return &ancestor, nil
}

// currentOrInherited resolves the entity's current effective version on the
// branch for delete/restore decisions.
func (s *Store) currentOrInherited(ctx context.Context, branch domain.Branch, entityID uuid.UUID) (domain.EntityVersion, error) {
	head, err := s.versions.Head(ctx, branch.ProjectID, branch.Name, entityID)
	if err == nil {
		return head, nil
	}
	if !domain.IsKind(err, domain.KindNotFound) {
		return domain.EntityVersion{}, err
	}
	ancestor, ancErr := s.ancestorAtFork(ctx, branch, entityID)
	if ancErr != nil {
		return domain.EntityVersion{}, ancErr
	}
	if ancestor == nil {
		return domain.EntityVersion{}, domain.NotFound("entity %s not found on branch %s", entityID, branch.Name)
	}
	return *ancestor, nil
}

// lastActiveVersion walks the branch-local history backwards for the most
// recent active version, then falls back to the base history up to the fork
// point.
func (s *Store) lastActiveVersion(ctx context.Context, branch domain.Branch, entityID uuid.UUID) (domain.EntityVersion, error) {
	history, err := s.versions.ListHistory(ctx, branch.ProjectID, branch.Name, entityID)
	if err != nil {
		return domain.EntityVersion{}, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].IsActive() {
			return history[i], nil
		}
	}

	if branch.BaseBranch != "" {
		if forkVersion, ok := branch.ForkVersion(entityID); ok {
			baseHistory, err := s.versions.ListHistory(ctx, branch.ProjectID, branch.BaseBranch, entityID)
			if err != nil {
				return domain.EntityVersion{}, err
			}
			for i := len(baseHistory) - 1; i >= 0; i-- {
				if baseHistory[i].Version > forkVersion {
					continue
				}
				if baseHistory[i].IsActive() {
					return baseHistory[i], nil
				}
			}
		}
	}
	return domain.EntityVersion{}, domain.NotFound("entity %s has no prior active version on branch %s", entityID, branch.Name)
}
