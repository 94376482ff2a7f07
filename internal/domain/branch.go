package domain

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// MainBranch is the distinguished root branch. It has no base, is never
// merged, and must always stay mergeable-into.
const MainBranch = "main"

var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Branch is a named overlay of entity edits forked from a base branch at a
// point in time. ForkPoint records, per entity that existed in the base at
// fork time, the base version it forked from; copy-on-write reads and the
// three-way diff both resolve ancestors through it.
type Branch struct {
	ProjectID  uuid.UUID           `json:"project_id"`
	Name       string              `json:"name"`
	BaseBranch string              `json:"base_branch"`
	ForkPoint  map[uuid.UUID]int64 `json:"fork_point"`
	LockedBy   *string             `json:"locked_by,omitempty"`
	LockReason *string             `json:"lock_reason,omitempty"`
	LockedAt   *time.Time          `json:"locked_at,omitempty"`
	Merged     bool                `json:"merged"`
	MergedAt   *time.Time          `json:"merged_at,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	CreatedBy  string              `json:"created_by"`
}

// IsMain reports whether this is the root branch.
func (b Branch) IsMain() bool {
	return b.Name == MainBranch
}

// IsLocked reports whether any actor holds the branch lock.
func (b Branch) IsLocked() bool {
	return b.LockedBy != nil && *b.LockedBy != ""
}

// LockHeldBy reports whether the given actor holds the branch lock.
func (b Branch) LockHeldBy(actor string) bool {
	return b.IsLocked() && *b.LockedBy == actor
}

// CanMutate reports whether the actor may write entities on this branch with
// respect to the lock: either the branch is unlocked or the actor holds the
// lock. Reads are never blocked by locks.
func (b Branch) CanMutate(actor string) bool {
	return !b.IsLocked() || b.LockHeldBy(actor)
}

// ForkVersion returns the base version the given entity forked from, if the
// entity existed in the base at fork time.
func (b Branch) ForkVersion(entityID uuid.UUID) (int64, bool) {
	if b.ForkPoint == nil {
		return 0, false
	}
	version, ok := b.ForkPoint[entityID]
	return version, ok
}

// CloneForkPoint copies the fork point map.
func CloneForkPoint(forkPoint map[uuid.UUID]int64) map[uuid.UUID]int64 {
	out := make(map[uuid.UUID]int64, len(forkPoint))
	for id, version := range forkPoint {
		out[id] = version
	}
	return out
}

// ValidateBranchName enforces the branch naming pattern.
func ValidateBranchName(name string) error {
	if name == "" {
		return InvalidName("branch name is required")
	}
	if !branchNamePattern.MatchString(name) {
		return InvalidName("branch name %q must match [A-Za-z0-9-]+", name)
	}
	return nil
}
