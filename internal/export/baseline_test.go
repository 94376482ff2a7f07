package export

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/rwhitten/costline/internal/branch"
	"github.com/rwhitten/costline/internal/domain"
	"github.com/rwhitten/costline/internal/repository"
	"github.com/rwhitten/costline/internal/store"
)

func TestSnapshotWritesSummaryAndTypeSheets(t *testing.T) {
	ctx := context.Background()
	memory := repository.NewMemory()
	registry := branch.NewRegistry(memory, memory)
	entityStore := store.New(memory, memory, memory.ChangeOrders())
	exporter := NewBaselineService(entityStore)

	projectID := uuid.New()
	if _, err := registry.EnsureMain(ctx, projectID, "setup"); err != nil {
		t.Fatalf("ensure main: %v", err)
	}

	workPackage := uuid.New()
	activity := uuid.New()
	deleted := uuid.New()
	writes := []store.WriteRequest{
		{EntityID: workPackage, EntityType: "work-package", Fields: map[string]any{"budget": float64(100), "owner": "pat"}},
		{EntityID: activity, EntityType: "activity", Fields: map[string]any{"hours": float64(40)}},
		{EntityID: deleted, EntityType: "activity", Fields: map[string]any{"hours": float64(1)}},
	}
	for _, req := range writes {
		req.ProjectID = projectID
		req.Branch = domain.MainBranch
		req.Actor = "alice"
		if _, err := entityStore.Write(ctx, req); err != nil {
			t.Fatalf("seed write: %v", err)
		}
	}
	if _, err := entityStore.Delete(ctx, store.MutateRequest{
		ProjectID: projectID, Branch: domain.MainBranch, EntityID: deleted,
		ExpectedVersion: 1, Actor: "alice",
	}); err != nil {
		t.Fatalf("seed delete: %v", err)
	}

	file, filename, err := exporter.Snapshot(ctx, projectID, domain.MainBranch)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	defer file.Close()

	if !strings.HasPrefix(filename, "baseline-main-") || !strings.HasSuffix(filename, ".xlsx") {
		t.Errorf("unexpected filename %q", filename)
	}

	sheets := file.GetSheetList()
	want := map[string]bool{"Summary": false, "activity": false, "work-package": false}
	for _, sheet := range sheets {
		if _, ok := want[sheet]; ok {
			want[sheet] = true
		}
	}
	for sheet, found := range want {
		if !found {
			t.Errorf("missing sheet %q in %v", sheet, sheets)
		}
	}

	rows, err := file.GetRows("activity")
	if err != nil {
		t.Fatalf("read activity sheet: %v", err)
	}
	// Header plus the single active activity; the deleted one is excluded.
	if len(rows) != 2 {
		t.Fatalf("expected 1 activity row, got %d", len(rows)-1)
	}
	header := rows[0]
	if header[0] != "EntityID" || header[1] != "Version" {
		t.Errorf("unexpected header %v", header)
	}

	summary, err := file.GetRows("Summary")
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	foundCount := false
	for _, row := range summary {
		if len(row) >= 2 && row[0] == "Active entities" && row[1] == "2" {
			foundCount = true
		}
	}
	if !foundCount {
		t.Errorf("summary must report 2 active entities: %v", summary)
	}
}
