package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityStatus marks whether a version represents a live or soft-deleted
// entity. Deletion is reversible; there is no hard delete.
type EntityStatus string

const (
	EntityStatusActive  EntityStatus = "ACTIVE"
	EntityStatusDeleted EntityStatus = "DELETED"
)

// ChangeType records why a version was appended.
type ChangeType string

const (
	ChangeTypeCreate   ChangeType = "CREATE"
	ChangeTypeUpdate   ChangeType = "UPDATE"
	ChangeTypeDelete   ChangeType = "DELETE"
	ChangeTypeRestore  ChangeType = "RESTORE"
	ChangeTypeRollback ChangeType = "ROLLBACK"
	ChangeTypeMerge    ChangeType = "MERGE"
)

// EntityVersion is one immutable record in an entity's append-only history on
// a branch. The head of (entity, branch) is the record with the largest
// Version; versions are gapless and start at 1.
type EntityVersion struct {
	EntityID   uuid.UUID      `json:"entity_id"`
	ProjectID  uuid.UUID      `json:"project_id"`
	EntityType string         `json:"entity_type"`
	Branch     string         `json:"branch"`
	Version    int64          `json:"version"`
	Status     EntityStatus   `json:"status"`
	Fields     map[string]any `json:"fields"`
	ChangeType ChangeType     `json:"change_type"`
	Reason     *string        `json:"reason,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	CreatedBy  string         `json:"created_by"`
}

// IsActive reports whether this version represents a live entity.
func (v EntityVersion) IsActive() bool {
	return v.Status == EntityStatusActive
}

// WithFields returns a copy of the version carrying a fresh copy of the
// given field set.
func (v EntityVersion) WithFields(fields map[string]any) EntityVersion {
	v.Fields = CloneFields(fields)
	return v
}

// GetFieldsAsJSONB marshals the field map for JSONB storage.
func (v *EntityVersion) GetFieldsAsJSONB() (json.RawMessage, error) {
	if v.Fields == nil {
		v.Fields = make(map[string]any)
	}
	return json.Marshal(v.Fields)
}

// FromJSONBFields decodes a field map from JSONB data.
func FromJSONBFields(fieldsJSON json.RawMessage) (map[string]any, error) {
	var fields map[string]any
	err := json.Unmarshal(fieldsJSON, &fields)
	return fields, err
}

// CloneFields copies a field map so callers cannot mutate stored versions.
func CloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, val := range fields {
		out[k] = val
	}
	return out
}

// OverlayFields returns base with edits applied on top, leaving both inputs
// untouched. This is the copy-on-write materialization step: the first edit
// on a branch carries the inherited base fields plus the edit.
func OverlayFields(base, edits map[string]any) map[string]any {
	out := CloneFields(base)
	for k, val := range edits {
		out[k] = val
	}
	return out
}

// FieldValuesEqual compares two field values structurally. Values are
// normalized through JSON so equivalent payloads read back from different
// stores compare equal regardless of in-memory representation.
func FieldValuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	return canonicalValue(a) == canonicalValue(b)
}

func canonicalValue(value any) string {
	if value == nil {
		return "null"
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(encoded)
}
