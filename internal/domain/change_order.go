package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus is the change-order state machine. Transitions are gated by
// the table below; execute and cancelled are terminal.
type WorkflowStatus string

const (
	WorkflowStatusDesign    WorkflowStatus = "DESIGN"
	WorkflowStatusApprove   WorkflowStatus = "APPROVE"
	WorkflowStatusExecute   WorkflowStatus = "EXECUTE"
	WorkflowStatusCancelled WorkflowStatus = "CANCELLED"
)

// workflowTransitions is the single authority on allowed status changes.
var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowStatusDesign:  {WorkflowStatusApprove, WorkflowStatusCancelled},
	WorkflowStatusApprove: {WorkflowStatusExecute, WorkflowStatusCancelled},
}

// CanTransitionTo reports whether the transition s -> to is allowed.
func (s WorkflowStatus) CanTransitionTo(to WorkflowStatus) bool {
	for _, next := range workflowTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions exist from s.
func (s WorkflowStatus) IsTerminal() bool {
	return len(workflowTransitions[s]) == 0
}

// ParseWorkflowStatus normalizes and validates a status string.
func ParseWorkflowStatus(raw string) (WorkflowStatus, error) {
	status := WorkflowStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case WorkflowStatusDesign, WorkflowStatusApprove, WorkflowStatusExecute, WorkflowStatusCancelled:
		return status, nil
	default:
		return "", InvalidTransition("unknown workflow status %q", raw)
	}
}

// ChangeOrder owns exactly one non-main branch and gates when that branch may
// be merged. Entity edits on the branch are allowed only in DESIGN; merge
// happens atomically with the APPROVE -> EXECUTE transition.
type ChangeOrder struct {
	ID            uuid.UUID      `json:"id"`
	ProjectID     uuid.UUID      `json:"project_id"`
	Branch        string         `json:"branch"`
	Number        string         `json:"number"`
	Title         string         `json:"title"`
	Status        WorkflowStatus `json:"status"`
	ApprovedBy    *string        `json:"approved_by,omitempty"`
	ImplementedBy *string        `json:"implemented_by,omitempty"`
	CostDelta     float64        `json:"cost_delta"`
	HoursDelta    float64        `json:"hours_delta"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	ApprovedAt    *time.Time     `json:"approved_at,omitempty"`
	ImplementedAt *time.Time     `json:"implemented_at,omitempty"`
	CancelledAt   *time.Time     `json:"cancelled_at,omitempty"`
	CreatedBy     string         `json:"created_by"`
}

// AllowsEntityEdits reports whether entities on the owned branch may still be
// edited. Approval freezes the branch content; only compare and merge remain.
func (c ChangeOrder) AllowsEntityEdits() bool {
	return c.Status == WorkflowStatusDesign
}

// ChangeOrderTotals aggregates the financial deltas of a project's change
// orders, excluding cancelled ones.
type ChangeOrderTotals struct {
	CostDelta  float64 `json:"cost_delta"`
	HoursDelta float64 `json:"hours_delta"`
	Count      int     `json:"count"`
}

// SumChangeOrders computes totals over non-cancelled change orders.
func SumChangeOrders(orders []ChangeOrder) ChangeOrderTotals {
	totals := ChangeOrderTotals{}
	for _, order := range orders {
		if order.Status == WorkflowStatusCancelled {
			continue
		}
		totals.CostDelta += order.CostDelta
		totals.HoursDelta += order.HoursDelta
		totals.Count++
	}
	return totals
}
