package store

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/rwhitten/costline/internal/branch"
	"github.com/rwhitten/costline/internal/domain"
	"github.com/rwhitten/costline/internal/repository"
)

type fixture struct {
	memory   *repository.Memory
	registry *branch.Registry
	store    *Store
	project  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	memory := repository.NewMemory()
	registry := branch.NewRegistry(memory, memory)
	entityStore := New(memory, memory, memory.ChangeOrders())

	projectID := uuid.New()
	if _, err := registry.EnsureMain(context.Background(), projectID, "setup"); err != nil {
		t.Fatalf("ensure main: %v", err)
	}
	return &fixture{memory: memory, registry: registry, store: entityStore, project: projectID}
}

func (f *fixture) writeMain(t *testing.T, entityID uuid.UUID, fields map[string]any, expected int64) domain.EntityVersion {
	t.Helper()
	version, err := f.store.Write(context.Background(), WriteRequest{
		ProjectID:       f.project,
		Branch:          domain.MainBranch,
		EntityID:        entityID,
		EntityType:      "work-package",
		Fields:          fields,
		ExpectedVersion: expected,
		Actor:           "alice",
	})
	if err != nil {
		t.Fatalf("write main: %v", err)
	}
	return version
}

func (f *fixture) fork(t *testing.T, name string) domain.Branch {
	t.Helper()
	created, err := f.registry.Create(context.Background(), f.project, domain.MainBranch, name, "alice")
	if err != nil {
		t.Fatalf("fork %s: %v", name, err)
	}
	return created
}

func TestReadInheritsBaseAtForkPoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entityID := uuid.New()

	f.writeMain(t, entityID, map[string]any{"budget": float64(100)}, 0)
	f.fork(t, "co-001")

	// Base advances after the fork; the branch must keep seeing the fork-point value.
	f.writeMain(t, entityID, map[string]any{"budget": float64(999)}, 1)

	result, err := f.store.Read(ctx, f.project, "co-001", entityID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !result.Inherited || result.BranchVersion != 0 {
		t.Fatalf("expected inherited read with branch version 0, got %+v", result)
	}
	if result.Version.Fields["budget"] != float64(100) {
		t.Errorf("expected fork-point budget 100, got %v", result.Version.Fields["budget"])
	}
}

func TestFirstBranchWriteMaterializesInheritedFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entityID := uuid.New()

	f.writeMain(t, entityID, map[string]any{"budget": float64(100), "owner": "pat"}, 0)
	f.fork(t, "co-001")

	version, err := f.store.Write(ctx, WriteRequest{
		ProjectID:       f.project,
		Branch:          "co-001",
		EntityID:        entityID,
		Fields:          map[string]any{"budget": float64(120)},
		ExpectedVersion: 0,
		Actor:           "alice",
	})
	if err != nil {
		t.Fatalf("branch write: %v", err)
	}
	if version.Version != 1 {
		t.Errorf("first branch write must materialize version 1, got %d", version.Version)
	}
	if version.Fields["budget"] != float64(120) || version.Fields["owner"] != "pat" {
		t.Errorf("inherited fields not carried: %v", version.Fields)
	}
	if version.ChangeType != domain.ChangeTypeUpdate {
		t.Errorf("copy-on-write edit of an inherited entity is an update, got %s", version.ChangeType)
	}

	// The base chain is untouched.
	head, err := f.memory.Head(ctx, f.project, domain.MainBranch, entityID)
	if err != nil || head.Version != 1 {
		t.Fatalf("base must not gain versions from branch writes: %v %v", head, err)
	}
}

func TestWriteWithMixedCaseBranchLandsOnOneChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entityID := uuid.New()

	f.writeMain(t, entityID, map[string]any{"budget": float64(100)}, 0)
	f.fork(t, "co-001")

	// Branch lookup is case-insensitive; the chain must be keyed by the
	// stored name so this write and a lowercase read meet on one chain.
	if _, err := f.store.Write(ctx, WriteRequest{
		ProjectID:       f.project,
		Branch:          "CO-001",
		EntityID:        entityID,
		Fields:          map[string]any{"budget": float64(120)},
		ExpectedVersion: 0,
		Actor:           "alice",
	}); err != nil {
		t.Fatalf("mixed-case write: %v", err)
	}

	result, err := f.store.Read(ctx, f.project, "co-001", entityID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if result.Inherited || result.BranchVersion != 1 {
		t.Fatalf("write addressed as CO-001 must be visible on co-001, got %+v", result)
	}
	if result.Version.Fields["budget"] != float64(120) {
		t.Errorf("expected budget 120, got %v", result.Version.Fields["budget"])
	}
	if result.Version.Branch != "co-001" {
		t.Errorf("version must carry the stored branch name, got %q", result.Version.Branch)
	}

	// The mixed-case spelling resolves the same chain on read and history.
	upper, err := f.store.Read(ctx, f.project, "CO-001", entityID)
	if err != nil || upper.BranchVersion != 1 {
		t.Fatalf("mixed-case read must see the same head: %+v %v", upper, err)
	}
	history, err := f.store.History(ctx, f.project, "CO-001", entityID)
	if err != nil || len(history) != 1 {
		t.Fatalf("mixed-case history must see the chain: %d %v", len(history), err)
	}
}

func TestWriteStaleGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entityID := uuid.New()
	f.writeMain(t, entityID, map[string]any{"budget": float64(100)}, 0)

	_, err := f.store.Write(ctx, WriteRequest{
		ProjectID:       f.project,
		Branch:          domain.MainBranch,
		EntityID:        entityID,
		Fields:          map[string]any{"budget": float64(110)},
		ExpectedVersion: 0,
		Actor:           "bob",
	})
	if !domain.IsKind(err, domain.KindStaleVersion) {
		t.Fatalf("expected StaleVersion, got %v", err)
	}
}

func TestCreateRequiresEntityType(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.store.Write(ctx, WriteRequest{
		ProjectID:       f.project,
		Branch:          domain.MainBranch,
		EntityID:        uuid.New(),
		Fields:          map[string]any{"budget": float64(1)},
		ExpectedVersion: 0,
		Actor:           "alice",
	})
	if !domain.IsKind(err, domain.KindInvalidName) {
		t.Fatalf("expected InvalidName for missing entity type, got %v", err)
	}
}

func TestDeleteAndRestore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entityID := uuid.New()
	f.writeMain(t, entityID, map[string]any{"budget": float64(100)}, 0)

	deleted, err := f.store.Delete(ctx, MutateRequest{
		ProjectID: f.project, Branch: domain.MainBranch, EntityID: entityID,
		ExpectedVersion: 1, Actor: "alice",
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted.Status != domain.EntityStatusDeleted || deleted.Fields["budget"] != float64(100) {
		t.Fatalf("delete must keep the fields: %+v", deleted)
	}

	_, err = f.store.Delete(ctx, MutateRequest{
		ProjectID: f.project, Branch: domain.MainBranch, EntityID: entityID,
		ExpectedVersion: 2, Actor: "alice",
	})
	if !domain.IsKind(err, domain.KindInvalidTransition) {
		t.Fatalf("double delete must fail with InvalidTransition, got %v", err)
	}

	restored, err := f.store.Restore(ctx, MutateRequest{
		ProjectID: f.project, Branch: domain.MainBranch, EntityID: entityID,
		ExpectedVersion: 2, Actor: "alice",
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored.IsActive() || restored.Fields["budget"] != float64(100) {
		t.Fatalf("restore must revive the last active fields: %+v", restored)
	}
	if restored.Version != 3 {
		t.Errorf("restore appends, expected version 3 got %d", restored.Version)
	}

	_, err = f.store.Restore(ctx, MutateRequest{
		ProjectID: f.project, Branch: domain.MainBranch, EntityID: entityID,
		ExpectedVersion: 3, Actor: "alice",
	})
	if !domain.IsKind(err, domain.KindInvalidTransition) {
		t.Fatalf("restoring an active entity must fail, got %v", err)
	}
}

func TestEditingDeletedEntityRequiresRestore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entityID := uuid.New()
	f.writeMain(t, entityID, map[string]any{"budget": float64(100)}, 0)

	if _, err := f.store.Delete(ctx, MutateRequest{
		ProjectID: f.project, Branch: domain.MainBranch, EntityID: entityID,
		ExpectedVersion: 1, Actor: "alice",
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, err := f.store.Write(ctx, WriteRequest{
		ProjectID: f.project, Branch: domain.MainBranch, EntityID: entityID,
		Fields: map[string]any{"budget": float64(1)}, ExpectedVersion: 2, Actor: "alice",
	})
	if !domain.IsKind(err, domain.KindInvalidTransition) {
		t.Fatalf("editing a deleted entity must fail, got %v", err)
	}
}

func TestRollbackRematerializesOldVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entityID := uuid.New()

	f.writeMain(t, entityID, map[string]any{"budget": float64(100)}, 0)
	f.writeMain(t, entityID, map[string]any{"budget": float64(150)}, 1)
	f.writeMain(t, entityID, map[string]any{"budget": float64(200)}, 2)

	version, err := f.store.Rollback(ctx, RollbackRequest{
		ProjectID: f.project,
		Branch:    domain.MainBranch,
		EntityID:  entityID,
		ToVersion: 1,
		Actor:     "alice",
		Reason:    "estimate error",
	})
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if version.Version != 4 {
		t.Errorf("rollback must append, expected version 4 got %d", version.Version)
	}
	if version.Fields["budget"] != float64(100) {
		t.Errorf("expected budget restored to 100, got %v", version.Fields["budget"])
	}
	if version.ChangeType != domain.ChangeTypeRollback {
		t.Errorf("expected ROLLBACK change type, got %s", version.ChangeType)
	}
	if version.Reason == nil || *version.Reason != "ROLLBACK: estimate error" {
		t.Errorf("unexpected reason %v", version.Reason)
	}

	history, err := f.store.History(ctx, f.project, domain.MainBranch, entityID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("rollback must preserve the chain, got %d versions", len(history))
	}
}

func TestLockBlocksOtherActors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entityID := uuid.New()
	f.writeMain(t, entityID, map[string]any{"budget": float64(100)}, 0)
	f.fork(t, "co-001")

	if _, err := f.registry.Lock(ctx, branch.LockRequest{
		ProjectID: f.project, Branch: "co-001", Actor: "alice", Reason: "rework",
	}); err != nil {
		t.Fatalf("lock: %v", err)
	}

	_, err := f.store.Write(ctx, WriteRequest{
		ProjectID: f.project, Branch: "co-001", EntityID: entityID,
		Fields: map[string]any{"budget": float64(110)}, ExpectedVersion: 0, Actor: "bob",
	})
	if !domain.IsKind(err, domain.KindNotLockHolder) {
		t.Fatalf("locked branch must reject other actors, got %v", err)
	}

	if _, err := f.store.Write(ctx, WriteRequest{
		ProjectID: f.project, Branch: "co-001", EntityID: entityID,
		Fields: map[string]any{"budget": float64(110)}, ExpectedVersion: 0, Actor: "alice",
	}); err != nil {
		t.Fatalf("holder write: %v", err)
	}
}

func TestChangeOrderStatusGatesEdits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entityID := uuid.New()
	f.writeMain(t, entityID, map[string]any{"budget": float64(100)}, 0)
	f.fork(t, "co-001")

	if _, err := f.memory.CreateChangeOrder(ctx, domain.ChangeOrder{
		ProjectID: f.project, Branch: "co-001", Number: "CO-001",
		Status: domain.WorkflowStatusApprove, CreatedBy: "alice",
	}); err != nil {
		t.Fatalf("seed change order: %v", err)
	}

	_, err := f.store.Write(ctx, WriteRequest{
		ProjectID: f.project, Branch: "co-001", EntityID: entityID,
		Fields: map[string]any{"budget": float64(110)}, ExpectedVersion: 0, Actor: "alice",
	})
	if !domain.IsKind(err, domain.KindInvalidTransition) {
		t.Fatalf("approved change order must freeze entity edits, got %v", err)
	}
}

// gappedHistory wraps a repository and corrupts one entity's history to
// exercise the chain invariant check.
type gappedHistory struct {
	repository.VersionRepository
}

func (g *gappedHistory) ListHistory(ctx context.Context, projectID uuid.UUID, branchName string, entityID uuid.UUID) ([]domain.EntityVersion, error) {
	history, err := g.VersionRepository.ListHistory(ctx, projectID, branchName, entityID)
	if err != nil || len(history) < 2 {
		return history, err
	}
	return append(history[:1], history[2:]...), nil
}

func TestHistoryGapIsFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entityID := uuid.New()
	f.writeMain(t, entityID, map[string]any{"n": float64(1)}, 0)
	f.writeMain(t, entityID, map[string]any{"n": float64(2)}, 1)
	f.writeMain(t, entityID, map[string]any{"n": float64(3)}, 2)

	corrupted := New(&gappedHistory{VersionRepository: f.memory}, f.memory, f.memory.ChangeOrders())
	_, err := corrupted.History(ctx, f.project, domain.MainBranch, entityID)
	if !domain.IsKind(err, domain.KindInternal) {
		t.Fatalf("a gapped chain must report Internal, got %v", err)
	}
}

func TestHistoryUnknownEntity(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.History(context.Background(), f.project, domain.MainBranch, uuid.New())
	if !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
