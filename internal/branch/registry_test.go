package branch

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/rwhitten/costline/internal/domain"
	"github.com/rwhitten/costline/internal/repository"
)

func newRegistry(t *testing.T) (*Registry, *repository.Memory, uuid.UUID) {
	t.Helper()
	memory := repository.NewMemory()
	registry := NewRegistry(memory, memory)
	projectID := uuid.New()
	if _, err := registry.EnsureMain(context.Background(), projectID, "setup"); err != nil {
		t.Fatalf("ensure main: %v", err)
	}
	return registry, memory, projectID
}

func TestEnsureMainIsIdempotent(t *testing.T) {
	ctx := context.Background()
	registry, _, projectID := newRegistry(t)

	again, err := registry.EnsureMain(ctx, projectID, "someone-else")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if again.CreatedBy != "setup" {
		t.Errorf("existing main must win, got created_by %q", again.CreatedBy)
	}
}

func TestCreateCapturesForkPoint(t *testing.T) {
	ctx := context.Background()
	registry, memory, projectID := newRegistry(t)

	entityID := uuid.New()
	seed := domain.EntityVersion{
		EntityID: entityID, ProjectID: projectID, EntityType: "work-package",
		Branch: domain.MainBranch, Status: domain.EntityStatusActive,
		Fields: map[string]any{"budget": float64(100)}, ChangeType: domain.ChangeTypeCreate, CreatedBy: "alice",
	}
	if _, err := memory.AppendVersion(ctx, seed, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := memory.AppendVersion(ctx, seed, 1); err != nil {
		t.Fatalf("seed v2: %v", err)
	}

	created, err := registry.Create(ctx, projectID, domain.MainBranch, "co-001", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	forkVersion, ok := created.ForkVersion(entityID)
	if !ok || forkVersion != 2 {
		t.Fatalf("fork point must pin the base head, got %d ok=%v", forkVersion, ok)
	}
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	registry, _, projectID := newRegistry(t)

	if _, err := registry.Create(ctx, projectID, domain.MainBranch, "bad name", "alice"); !domain.IsKind(err, domain.KindInvalidName) {
		t.Errorf("expected InvalidName, got %v", err)
	}
	if _, err := registry.Create(ctx, projectID, "nonexistent", "co-001", "alice"); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("expected NotFound for missing base, got %v", err)
	}

	if _, err := registry.Create(ctx, projectID, domain.MainBranch, "co-001", "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := registry.Create(ctx, projectID, domain.MainBranch, "CO-001", "alice"); !domain.IsKind(err, domain.KindDuplicateBranch) {
		t.Errorf("expected case-insensitive DuplicateBranch, got %v", err)
	}
}

func TestLockSemantics(t *testing.T) {
	ctx := context.Background()
	registry, _, projectID := newRegistry(t)
	if _, err := registry.Create(ctx, projectID, domain.MainBranch, "co-001", "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}

	locked, err := registry.Lock(ctx, LockRequest{ProjectID: projectID, Branch: "co-001", Actor: "alice", Reason: "rework"})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !locked.LockHeldBy("alice") || locked.LockReason == nil || *locked.LockReason != "rework" {
		t.Fatalf("lock state wrong: %+v", locked)
	}

	// Re-locking by the holder is a no-op, not an error.
	if _, err := registry.Lock(ctx, LockRequest{ProjectID: projectID, Branch: "co-001", Actor: "alice"}); err != nil {
		t.Fatalf("holder re-lock: %v", err)
	}

	if _, err := registry.Lock(ctx, LockRequest{ProjectID: projectID, Branch: "co-001", Actor: "bob"}); !domain.IsKind(err, domain.KindAlreadyLocked) {
		t.Fatalf("expected AlreadyLocked, got %v", err)
	}

	if _, err := registry.Unlock(ctx, UnlockRequest{ProjectID: projectID, Branch: "co-001", Actor: "bob"}); !domain.IsKind(err, domain.KindNotLockHolder) {
		t.Fatalf("expected NotLockHolder, got %v", err)
	}

	// Admin override breaks a foreign lock.
	unlocked, err := registry.Unlock(ctx, UnlockRequest{ProjectID: projectID, Branch: "co-001", Actor: "admin", AdminOverride: true})
	if err != nil {
		t.Fatalf("override unlock: %v", err)
	}
	if unlocked.IsLocked() {
		t.Fatalf("branch should be unlocked: %+v", unlocked)
	}

	// Unlocking an unlocked branch is a no-op.
	if _, err := registry.Unlock(ctx, UnlockRequest{ProjectID: projectID, Branch: "co-001", Actor: "alice"}); err != nil {
		t.Fatalf("idempotent unlock: %v", err)
	}
}

func TestLockMainNeedsConfirmation(t *testing.T) {
	ctx := context.Background()
	registry, _, projectID := newRegistry(t)

	_, err := registry.Lock(ctx, LockRequest{ProjectID: projectID, Branch: domain.MainBranch, Actor: "alice"})
	if !domain.IsKind(err, domain.KindInvalidTransition) {
		t.Fatalf("locking main without confirmation must fail, got %v", err)
	}

	locked, err := registry.Lock(ctx, LockRequest{ProjectID: projectID, Branch: domain.MainBranch, Actor: "alice", ConfirmMain: true})
	if err != nil {
		t.Fatalf("confirmed main lock: %v", err)
	}
	if !locked.LockHeldBy("alice") {
		t.Fatalf("main lock not held: %+v", locked)
	}
}
