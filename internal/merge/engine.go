package merge

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rwhitten/costline/internal/domain"
	"github.com/rwhitten/costline/internal/repository"
)

// Result summarizes an applied merge.
type Result struct {
	Branch   string    `json:"branch"`
	Base     string    `json:"base"`
	Created  int       `json:"created"`
	Updated  int       `json:"updated"`
	Deleted  int       `json:"deleted"`
	MergedAt time.Time `json:"merged_at"`
}

// Engine computes branch comparisons and applies merges. Merge runs inside a
// per-(project, base branch) critical section and re-validates every base
// head version at write time, so a base that advanced between diff and merge
// fails the whole batch with StaleVersion instead of losing updates.
type Engine struct {
	versions repository.VersionRepository
	branches repository.BranchRepository
	orders   repository.ChangeOrderRepository
	now      func() time.Time

	mu        sync.Mutex
	baseLocks map[string]*sync.Mutex
}

// NewEngine creates a merge engine.
func NewEngine(versions repository.VersionRepository, branches repository.BranchRepository, orders repository.ChangeOrderRepository) *Engine {
	return &Engine{
		versions:  versions,
		branches:  branches,
		orders:    orders,
		now:       time.Now,
		baseLocks: make(map[string]*sync.Mutex),
	}
}

// Compare runs the three-way diff of a branch against its base: branch heads
// versus current base heads versus the fork-point ancestors.
func (e *Engine) Compare(ctx context.Context, projectID uuid.UUID, branchName string) (domain.BranchDiff, error) {
	branch, err := e.branches.Get(ctx, projectID, branchName)
	if err != nil {
		return domain.BranchDiff{}, err
	}
	diff, _, err := e.compare(ctx, branch)
	return diff, err
}

func (e *Engine) compare(ctx context.Context, branch domain.Branch) (domain.BranchDiff, map[uuid.UUID]domain.EntityComparison, error) {
	if branch.IsMain() || branch.BaseBranch == "" {
		return domain.BranchDiff{}, nil, domain.BranchNotMergeable("branch %q has no base to compare against", branch.Name)
	}

	ids, err := e.versions.ListBranchEntityIDs(ctx, branch.ProjectID, branch.Name)
	if err != nil {
		return domain.BranchDiff{}, nil, err
	}

	comparisons := make([]domain.EntityComparison, 0, len(ids))
	byID := make(map[uuid.UUID]domain.EntityComparison, len(ids))
	for _, entityID := range ids {
		cmp, err := e.compareEntity(ctx, branch, entityID)
		if err != nil {
			return domain.BranchDiff{}, nil, err
		}
		comparisons = append(comparisons, cmp)
		byID[entityID] = cmp
	}

	return domain.CompareBranches(comparisons), byID, nil
}

func (e *Engine) compareEntity(ctx context.Context, branch domain.Branch, entityID uuid.UUID) (domain.EntityComparison, error) {
	branchHead, err := e.versions.Head(ctx, branch.ProjectID, branch.Name, entityID)
	if err != nil {
		return domain.EntityComparison{}, err
	}
	cmp := domain.EntityComparison{Branch: &branchHead}

	baseHead, err := e.versions.Head(ctx, branch.ProjectID, branch.BaseBranch, entityID)
	if err == nil {
		cmp.Base = &baseHead
	} else if !domain.IsKind(err, domain.KindNotFound) {
		return domain.EntityComparison{}, err
	}

	if forkVersion, ok := branch.ForkVersion(entityID); ok {
		ancestor, err := e.versions.GetVersion(ctx, branch.ProjectID, branch.BaseBranch, entityID, forkVersion)
		if err != nil {
			return domain.EntityComparison{}, err
		}
		cmp.Ancestor = &ancestor
	}
	return cmp, nil
}

// Merge applies a branch's resolved changes onto its base. Preconditions:
// the branch is not main, not already merged, unlocked or locked by the
// caller, and its owning change order is in APPROVE (the workflow gate calls
// Merge while transitioning into EXECUTE). The diff is recomputed under the
// base critical section and every write carries the base head version as its
// optimistic guard; any stale guard aborts the batch with nothing applied.
func (e *Engine) Merge(ctx context.Context, projectID uuid.UUID, branchName, actor string, decisions map[string]domain.Resolution) (Result, error) {
	if strings.TrimSpace(actor) == "" {
		return Result{}, domain.InvalidName("acting user is required")
	}

	branch, err := e.branches.Get(ctx, projectID, branchName)
	if err != nil {
		return Result{}, err
	}
	if branch.IsMain() {
		return Result{}, domain.BranchNotMergeable("main cannot be merged")
	}
	if branch.Merged {
		return Result{}, domain.BranchNotMergeable("branch %q was already merged", branchName)
	}
	if !branch.CanMutate(actor) {
		return Result{}, domain.NotLockHolder("branch %q is locked by %s", branchName, *branch.LockedBy)
	}

	order, err := e.orders.GetByBranch(ctx, projectID, branchName)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return Result{}, domain.BranchNotMergeable("branch %q has no owning change order", branchName)
		}
		return Result{}, err
	}
	if order.Status != domain.WorkflowStatusApprove {
		return Result{}, domain.BranchNotMergeable(
			"change order %s is in %s; merge requires an approved change order entering execution",
			order.Number, order.Status)
	}

	unlock := e.lockBase(projectID, branch.BaseBranch)
	defer unlock()

	diff, comparisons, err := e.compare(ctx, branch)
	if err != nil {
		return Result{}, err
	}
	for _, conflict := range diff.Conflicts {
		if _, ok := decisions[conflict.Key()]; !ok {
			return Result{}, domain.UnresolvedConflicts(
				"%d conflict(s) require resolution before merge (first: %s)",
				len(diff.Conflicts), conflict.Key())
		}
	}
	resolved, err := domain.ResolveConflicts(diff.Conflicts, decisions)
	if err != nil {
		return Result{}, err
	}

	writes, counts, err := e.buildWrites(branch, diff, comparisons, resolved, actor)
	if err != nil {
		return Result{}, err
	}
	if err := e.versions.ApplyMerge(ctx, writes); err != nil {
		return Result{}, err
	}

	now := e.now().UTC()
	branch.Merged = true
	branch.MergedAt = &now
	if _, err := e.branches.Update(ctx, branch); err != nil {
		return Result{}, fmt.Errorf("merge applied but failed to mark branch merged: %w", err)
	}

	log.Printf("[MERGE] %s merged %s into %s (%d created, %d updated, %d deleted)",
		actor, branchName, branch.BaseBranch, counts.created, counts.updated, counts.deleted)

	return Result{
		Branch:   branchName,
		Base:     branch.BaseBranch,
		Created:  counts.created,
		Updated:  counts.updated,
		Deleted:  counts.deleted,
		MergedAt: now,
	}, nil
}

type writeCounts struct {
	created int
	updated int
	deleted int
}

func (e *Engine) buildWrites(
	branch domain.Branch,
	diff domain.BranchDiff,
	comparisons map[uuid.UUID]domain.EntityComparison,
	resolved map[uuid.UUID]domain.ResolvedEntity,
	actor string,
) ([]repository.MergeWrite, writeCounts, error) {
	mergeReason := "MERGE: " + branch.Name
	counts := writeCounts{}
	var writes []repository.MergeWrite

	newVersion := func(entityID uuid.UUID, entityType string, status domain.EntityStatus, fields map[string]any) domain.EntityVersion {
		return domain.EntityVersion{
			EntityID:   entityID,
			ProjectID:  branch.ProjectID,
			EntityType: entityType,
			Branch:     branch.BaseBranch,
			Status:     status,
			Fields:     fields,
			ChangeType: domain.ChangeTypeMerge,
			Reason:     &mergeReason,
			CreatedAt:  e.now().UTC(),
			CreatedBy:  actor,
		}
	}

	for _, create := range diff.Creates {
		writes = append(writes, repository.MergeWrite{
			Version:         newVersion(create.EntityID, create.EntityType, domain.EntityStatusActive, create.Fields),
			ExpectedVersion: create.BaseVersion,
		})
		counts.created++
	}

	for _, update := range diff.Updates {
		cmp, ok := comparisons[update.EntityID]
		if !ok || cmp.Base == nil {
			return nil, writeCounts{}, domain.Internal("update for entity %s lost its base comparison", update.EntityID)
		}
		fields := domain.OverlayFields(cmp.Base.Fields, update.Fields)
		if res, ok := resolved[update.EntityID]; ok {
			fields = domain.OverlayFields(fields, res.Fields)
		}
		writes = append(writes, repository.MergeWrite{
			Version:         newVersion(update.EntityID, update.EntityType, domain.EntityStatusActive, fields),
			ExpectedVersion: update.BaseVersion,
		})
		counts.updated++
	}

	// Existence conflicts resolved keep-branch become guarded writes of the
	// branch's fields; keep-base drops the branch side entirely.
	existenceIDs := make([]uuid.UUID, 0, len(resolved))
	for entityID, res := range resolved {
		if res.Existence == domain.ResolutionKeepBranch {
			existenceIDs = append(existenceIDs, entityID)
		}
	}
	sort.Slice(existenceIDs, func(i, j int) bool {
		return existenceIDs[i].String() < existenceIDs[j].String()
	})
	for _, entityID := range existenceIDs {
		cmp, ok := comparisons[entityID]
		if !ok || cmp.Branch == nil {
			return nil, writeCounts{}, domain.Internal("existence resolution for entity %s lost its comparison", entityID)
		}
		expected := int64(0)
		if cmp.Base != nil {
			expected = cmp.Base.Version
		}
		writes = append(writes, repository.MergeWrite{
			Version:         newVersion(entityID, cmp.Branch.EntityType, domain.EntityStatusActive, domain.CloneFields(cmp.Branch.Fields)),
			ExpectedVersion: expected,
		})
		counts.updated++
	}

	for _, del := range diff.Deletes {
		writes = append(writes, repository.MergeWrite{
			Version:         newVersion(del.EntityID, del.EntityType, domain.EntityStatusDeleted, del.Fields),
			ExpectedVersion: del.BaseVersion,
		})
		counts.deleted++
	}

	return writes, counts, nil
}

// lockBase serializes merges targeting the same (project, base branch) pair.
func (e *Engine) lockBase(projectID uuid.UUID, baseBranch string) func() {
	key := fmt.Sprintf("%s|%s", projectID, baseBranch)

	e.mu.Lock()
	lock, ok := e.baseLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.baseLocks[key] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
