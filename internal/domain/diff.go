package domain

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ConflictKind distinguishes ordinary field-level conflicts from collisions
// on entity existence (both sides created the same identity, or one side
// deleted what the other edited).
type ConflictKind string

const (
	ConflictKindField     ConflictKind = "FIELD"
	ConflictKindExistence ConflictKind = "EXISTENCE"
)

// ExistenceField is the pseudo field name carried by existence conflicts.
const ExistenceField = "_existence"

// Conflict is a field where branch and base both diverged from the common
// ancestor to different values. Conflicts are derived during compare and are
// never persisted.
type Conflict struct {
	EntityID      uuid.UUID    `json:"entity_id"`
	EntityType    string       `json:"entity_type"`
	Field         string       `json:"field"`
	Kind          ConflictKind `json:"kind"`
	AncestorValue any          `json:"ancestor_value"`
	BaseValue     any          `json:"base_value"`
	BranchValue   any          `json:"branch_value"`
}

// Key identifies a conflict within a resolution map.
func (c Conflict) Key() string {
	return fmt.Sprintf("%s/%s", c.EntityID, c.Field)
}

// EntityChange is one classified create, update, or delete in a branch diff.
// For updates, Fields holds only the non-conflicting changed fields; the
// merge engine overlays them onto the current base head. BaseVersion is the
// base head version the change was classified against and doubles as the
// optimistic guard during merge (0 when the base has no versions).
type EntityChange struct {
	EntityID    uuid.UUID      `json:"entity_id"`
	EntityType  string         `json:"entity_type"`
	Fields      map[string]any `json:"fields"`
	BaseVersion int64          `json:"base_version"`
}

// BranchDiff is the classified three-way comparison of a branch against its
// base. Slices are ordered by entity type then entity id so previews are
// reproducible.
type BranchDiff struct {
	Creates   []EntityChange `json:"creates"`
	Updates   []EntityChange `json:"updates"`
	Deletes   []EntityChange `json:"deletes"`
	Conflicts []Conflict     `json:"conflicts"`
}

// HasConflicts reports whether any conflict requires resolution before merge.
func (d BranchDiff) HasConflicts() bool {
	return len(d.Conflicts) > 0
}

// ConflictsFor returns the conflicts recorded against one entity.
func (d BranchDiff) ConflictsFor(entityID uuid.UUID) []Conflict {
	var out []Conflict
	for _, c := range d.Conflicts {
		if c.EntityID == entityID {
			out = append(out, c)
		}
	}
	return out
}

// EntityComparison bundles the three heads of one entity for classification.
// Branch is the branch-local head and is always present (entities without
// branch-local versions are not compare candidates). Base is the base head
// as of now; Ancestor is the base head as of the fork point. Either may be
// nil when the entity does not exist on that line.
type EntityComparison struct {
	Branch   *EntityVersion
	Base     *EntityVersion
	Ancestor *EntityVersion
}

// CompareBranches classifies every touched entity into creates, updates,
// deletes, and conflicts per the three-way rules:
//
//   - no ancestor: the branch added the entity. A create unless the base has
//     independently gained the same identity (existence conflict).
//   - branch deleted, base active: a delete. If the base also deleted it,
//     both sides agree and nothing is emitted.
//   - otherwise field-by-field: a field the branch changed conflicts only
//     when the base also changed it to a different value; changes the base
//     did not touch are carried forward as a non-conflicting update.
func CompareBranches(comparisons []EntityComparison) BranchDiff {
	diff := BranchDiff{
		Creates:   []EntityChange{},
		Updates:   []EntityChange{},
		Deletes:   []EntityChange{},
		Conflicts: []Conflict{},
	}

	for _, cmp := range comparisons {
		classifyEntity(cmp, &diff)
	}

	sortChanges(diff.Creates)
	sortChanges(diff.Updates)
	sortChanges(diff.Deletes)
	sortConflicts(diff.Conflicts)

	return diff
}

func classifyEntity(cmp EntityComparison, diff *BranchDiff) {
	branch := cmp.Branch
	if branch == nil {
		return
	}

	baseActive := cmp.Base != nil && cmp.Base.IsActive()
	baseVersion := int64(0)
	if cmp.Base != nil {
		baseVersion = cmp.Base.Version
	}

	if cmp.Ancestor == nil {
		// Branch-side addition. A branch that created and then deleted the
		// entity locally has nothing to merge.
		if !branch.IsActive() {
			return
		}
		if baseActive {
			diff.Conflicts = append(diff.Conflicts, Conflict{
				EntityID:      branch.EntityID,
				EntityType:    branch.EntityType,
				Field:         ExistenceField,
				Kind:          ConflictKindExistence,
				AncestorValue: nil,
				BaseValue:     CloneFields(cmp.Base.Fields),
				BranchValue:   CloneFields(branch.Fields),
			})
			return
		}
		diff.Creates = append(diff.Creates, EntityChange{
			EntityID:    branch.EntityID,
			EntityType:  branch.EntityType,
			Fields:      CloneFields(branch.Fields),
			BaseVersion: baseVersion,
		})
		return
	}

	if !branch.IsActive() {
		if !baseActive {
			// Both sides deleted it; they agree.
			return
		}
		diff.Deletes = append(diff.Deletes, EntityChange{
			EntityID:    branch.EntityID,
			EntityType:  branch.EntityType,
			Fields:      CloneFields(cmp.Base.Fields),
			BaseVersion: baseVersion,
		})
		return
	}

	if !baseActive {
		// Base deleted an entity the branch kept editing.
		diff.Conflicts = append(diff.Conflicts, Conflict{
			EntityID:      branch.EntityID,
			EntityType:    branch.EntityType,
			Field:         ExistenceField,
			Kind:          ConflictKindExistence,
			AncestorValue: CloneFields(cmp.Ancestor.Fields),
			BaseValue:     string(EntityStatusDeleted),
			BranchValue:   CloneFields(branch.Fields),
		})
		return
	}

	changed, conflicts := compareFields(branch, cmp.Base, cmp.Ancestor)
	diff.Conflicts = append(diff.Conflicts, conflicts...)
	if len(changed) > 0 || len(conflicts) > 0 {
		diff.Updates = append(diff.Updates, EntityChange{
			EntityID:    branch.EntityID,
			EntityType:  branch.EntityType,
			Fields:      changed,
			BaseVersion: baseVersion,
		})
	}
}

func compareFields(branch, base, ancestor *EntityVersion) (map[string]any, []Conflict) {
	changed := map[string]any{}
	var conflicts []Conflict

	for _, field := range unionFieldKeys(ancestor.Fields, base.Fields, branch.Fields) {
		ancestorValue := ancestor.Fields[field]
		baseValue := base.Fields[field]
		branchValue := branch.Fields[field]

		if FieldValuesEqual(branchValue, ancestorValue) {
			// Branch did not touch the field; base wins by default.
			continue
		}
		if FieldValuesEqual(branchValue, baseValue) {
			// Both sides landed on the same value; nothing to carry or flag.
			continue
		}
		if FieldValuesEqual(baseValue, ancestorValue) {
			changed[field] = branchValue
			continue
		}
		conflicts = append(conflicts, Conflict{
			EntityID:      branch.EntityID,
			EntityType:    branch.EntityType,
			Field:         field,
			Kind:          ConflictKindField,
			AncestorValue: ancestorValue,
			BaseValue:     baseValue,
			BranchValue:   branchValue,
		})
	}

	return changed, conflicts
}

func unionFieldKeys(fieldSets ...map[string]any) []string {
	seen := map[string]struct{}{}
	var keys []string
	for _, fields := range fieldSets {
		for key := range fields {
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				keys = append(keys, key)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func sortChanges(changes []EntityChange) {
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].EntityType != changes[j].EntityType {
			return changes[i].EntityType < changes[j].EntityType
		}
		return changes[i].EntityID.String() < changes[j].EntityID.String()
	})
}

func sortConflicts(conflicts []Conflict) {
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].EntityType != conflicts[j].EntityType {
			return conflicts[i].EntityType < conflicts[j].EntityType
		}
		if conflicts[i].EntityID != conflicts[j].EntityID {
			return conflicts[i].EntityID.String() < conflicts[j].EntityID.String()
		}
		return conflicts[i].Field < conflicts[j].Field
	})
}
