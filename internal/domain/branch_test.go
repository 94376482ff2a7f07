package domain

import "testing"

func TestValidateBranchName(t *testing.T) {
	for _, name := range []string{"co-001", "rework-B", "x"} {
		if err := ValidateBranchName(name); err != nil {
			t.Errorf("%q should be valid: %v", name, err)
		}
	}
	for _, name := range []string{"", "co 001", "co/001", "änderung"} {
		if err := ValidateBranchName(name); !IsKind(err, KindInvalidName) {
			t.Errorf("%q should be rejected, got %v", name, err)
		}
	}
}

func TestBranchCanMutate(t *testing.T) {
	holder := "alice"
	branch := Branch{Name: "co-001"}

	if !branch.CanMutate("bob") {
		t.Error("unlocked branch must allow any actor")
	}

	branch.LockedBy = &holder
	if !branch.CanMutate("alice") {
		t.Error("holder must be able to mutate a branch they locked")
	}
	if branch.CanMutate("bob") {
		t.Error("non-holder must not mutate a locked branch")
	}
}
