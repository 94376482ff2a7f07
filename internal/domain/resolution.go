package domain

import (
	"strings"

	"github.com/google/uuid"
)

// ResolutionChoice selects which side of a conflict survives the merge.
type ResolutionChoice string

const (
	ResolutionKeepBranch ResolutionChoice = "BRANCH"
	ResolutionKeepBase   ResolutionChoice = "BASE"
	ResolutionCustom     ResolutionChoice = "CUSTOM"
)

// ParseResolutionChoice normalizes and validates a choice string.
func ParseResolutionChoice(raw string) (ResolutionChoice, error) {
	choice := ResolutionChoice(strings.ToUpper(strings.TrimSpace(raw)))
	switch choice {
	case ResolutionKeepBranch, ResolutionKeepBase, ResolutionCustom:
		return choice, nil
	default:
		return "", InvalidCustomValue("unknown resolution choice %q", raw)
	}
}

// Resolution is one decision for one conflict. CustomValue is consulted only
// when Choice is CUSTOM.
type Resolution struct {
	Choice      ResolutionChoice `json:"choice"`
	CustomValue any              `json:"custom_value,omitempty"`
}

// ResolvedEntity carries the outcome of resolution for one entity: the field
// values that must be written during merge, and the existence decision when
// the conflict was about the entity existing at all.
type ResolvedEntity struct {
	Fields    map[string]any
	Existence ResolutionChoice
}

// ResolveConflicts applies a resolution map (keyed by Conflict.Key) to the
// conflicts reported by a compare. Every conflict must have a decision.
// Resolution is stateless and side-effect-free; it can be re-run as the user
// changes choices without persisting anything.
func ResolveConflicts(conflicts []Conflict, decisions map[string]Resolution) (map[uuid.UUID]ResolvedEntity, error) {
	resolved := make(map[uuid.UUID]ResolvedEntity)

	for _, conflict := range conflicts {
		decision, ok := decisions[conflict.Key()]
		if !ok {
			return nil, MissingResolution("conflict %s has no resolution", conflict.Key())
		}

		entry := resolved[conflict.EntityID]
		if entry.Fields == nil {
			entry.Fields = map[string]any{}
		}

		if conflict.Kind == ConflictKindExistence {
			switch decision.Choice {
			case ResolutionKeepBranch, ResolutionKeepBase:
				entry.Existence = decision.Choice
			default:
				return nil, InvalidCustomValue("existence conflict %s only accepts BRANCH or BASE", conflict.Key())
			}
			resolved[conflict.EntityID] = entry
			continue
		}

		switch decision.Choice {
		case ResolutionKeepBranch:
			entry.Fields[conflict.Field] = conflict.BranchValue
		case ResolutionKeepBase:
			entry.Fields[conflict.Field] = conflict.BaseValue
		case ResolutionCustom:
			if err := validateCustomValue(conflict, decision.CustomValue); err != nil {
				return nil, err
			}
			entry.Fields[conflict.Field] = decision.CustomValue
		default:
			return nil, InvalidCustomValue("conflict %s has unknown choice %q", conflict.Key(), decision.Choice)
		}
		resolved[conflict.EntityID] = entry
	}

	return resolved, nil
}

// validateCustomValue requires a non-empty literal whose JSON kind matches
// what the field already holds on either side of the conflict.
func validateCustomValue(conflict Conflict, value any) error {
	if value == nil {
		return InvalidCustomValue("conflict %s requires a custom value", conflict.Key())
	}
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return InvalidCustomValue("conflict %s custom value must not be empty", conflict.Key())
	}

	reference := conflict.BranchValue
	if reference == nil {
		reference = conflict.BaseValue
	}
	if reference == nil {
		return nil
	}
	if valueKind(value) != valueKind(reference) {
		return InvalidCustomValue("conflict %s custom value has kind %s, field expects %s",
			conflict.Key(), valueKind(value), valueKind(reference))
	}
	return nil
}

func valueKind(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case float64, float32, int, int32, int64:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return "unknown"
	}
}
