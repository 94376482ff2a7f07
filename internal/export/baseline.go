package export

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rwhitten/costline/internal/domain"
	"github.com/rwhitten/costline/internal/store"
)

// BaselineService produces point-in-time xlsx snapshots of a branch's entity
// heads for archival. It is a pure consumer of the store's branch-resolved
// reads and never bypasses copy-on-write resolution.
type BaselineService struct {
	store *store.Store
	now   func() time.Time
}

// NewBaselineService creates a baseline exporter.
func NewBaselineService(entityStore *store.Store) *BaselineService {
	return &BaselineService{
		store: entityStore,
		now:   time.Now,
	}
}

const summarySheet = "Summary"

// Snapshot renders the active entity heads visible on a branch into a
// workbook: a summary sheet plus one sheet per entity type with a stable,
// sorted column layout. Returns the workbook and a suggested file name.
func (s *BaselineService) Snapshot(ctx context.Context, projectID uuid.UUID, branchName string) (*excelize.File, string, error) {
	heads, err := s.store.ListResolvedHeads(ctx, projectID, branchName)
	if err != nil {
		return nil, "", err
	}

	byType := map[string][]domain.EntityVersion{}
	active := 0
	for _, head := range heads {
		if !head.IsActive() {
			continue
		}
		byType[head.EntityType] = append(byType[head.EntityType], head)
		active++
	}

	file := excelize.NewFile()
	file.SetSheetName("Sheet1", summarySheet)

	generatedAt := s.now().UTC()
	summaryRows := [][]any{
		{"Project", projectID.String()},
		{"Branch", branchName},
		{"Generated", generatedAt.Format(time.RFC3339)},
		{"Active entities", active},
		{"Entity types", len(byType)},
	}
	for i, row := range summaryRows {
		for j, value := range row {
			cell, err := excelize.CoordinatesToCellName(j+1, i+1)
			if err != nil {
				return nil, "", fmt.Errorf("failed to address summary cell: %w", err)
			}
			if err := file.SetCellValue(summarySheet, cell, value); err != nil {
				return nil, "", fmt.Errorf("failed to write summary cell: %w", err)
			}
		}
	}

	entityTypes := make([]string, 0, len(byType))
	for entityType := range byType {
		entityTypes = append(entityTypes, entityType)
	}
	sort.Strings(entityTypes)

	for _, entityType := range entityTypes {
		if err := writeTypeSheet(file, entityType, byType[entityType]); err != nil {
			return nil, "", err
		}
	}

	filename := fmt.Sprintf("baseline-%s-%s.xlsx", branchName, generatedAt.Format("20060102-150405"))
	log.Printf("[EXPORT] baseline snapshot of %s in project %s: %d entities across %d types",
		branchName, projectID, active, len(byType))
	return file, filename, nil
}

func writeTypeSheet(file *excelize.File, entityType string, versions []domain.EntityVersion) error {
	if _, err := file.NewSheet(entityType); err != nil {
		return fmt.Errorf("failed to create sheet %q: %w", entityType, err)
	}

	fieldKeys := map[string]struct{}{}
	for _, version := range versions {
		for key := range version.Fields {
			fieldKeys[key] = struct{}{}
		}
	}
	columns := make([]string, 0, len(fieldKeys))
	for key := range fieldKeys {
		columns = append(columns, key)
	}
	sort.Strings(columns)

	header := append([]string{"EntityID", "Version"}, columns...)
	header = append(header, "CreatedAt", "CreatedBy")
	for j, title := range header {
		cell, err := excelize.CoordinatesToCellName(j+1, 1)
		if err != nil {
			return fmt.Errorf("failed to address header cell: %w", err)
		}
		if err := file.SetCellValue(entityType, cell, title); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}

	for i, version := range versions {
		row := []any{version.EntityID.String(), version.Version}
		for _, key := range columns {
			row = append(row, cellValue(version.Fields[key]))
		}
		row = append(row, version.CreatedAt.UTC().Format(time.RFC3339), version.CreatedBy)

		for j, value := range row {
			cell, err := excelize.CoordinatesToCellName(j+1, i+2)
			if err != nil {
				return fmt.Errorf("failed to address data cell: %w", err)
			}
			if err := file.SetCellValue(entityType, cell, value); err != nil {
				return fmt.Errorf("failed to write row for entity %s: %w", version.EntityID, err)
			}
		}
	}
	return nil
}

// cellValue flattens non-scalar field values so the sheet stays readable.
func cellValue(value any) any {
	switch value.(type) {
	case nil:
		return ""
	case string, bool, float64, float32, int, int32, int64:
		return value
	default:
		return fmt.Sprintf("%v", value)
	}
}
