package workflow

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rwhitten/costline/internal/branch"
	"github.com/rwhitten/costline/internal/domain"
	"github.com/rwhitten/costline/internal/merge"
	"github.com/rwhitten/costline/internal/repository"
)

// Service drives the change-order state machine. Creating a change order
// forks its owning branch; the APPROVE -> EXECUTE transition triggers the
// merge atomically — if the merge fails the transition fails and the status
// stays APPROVE.
type Service struct {
	orders   repository.ChangeOrderRepository
	registry *branch.Registry
	merger   *merge.Engine
	now      func() time.Time
}

// NewService creates a workflow service.
func NewService(orders repository.ChangeOrderRepository, registry *branch.Registry, merger *merge.Engine) *Service {
	return &Service{
		orders:   orders,
		registry: registry,
		merger:   merger,
		now:      time.Now,
	}
}

// CreateRequest opens a change order and its owning branch.
type CreateRequest struct {
	ProjectID  uuid.UUID
	Number     string
	Title      string
	BranchName string
	CostDelta  float64
	HoursDelta float64
	Actor      string
}

// TransitionResult reports a completed transition; Merge is set only when the
// transition into EXECUTE applied a merge.
type TransitionResult struct {
	Order domain.ChangeOrder `json:"order"`
	Merge *merge.Result      `json:"merge,omitempty"`
}

// Create opens a change order in DESIGN, forking its branch from main. The
// branch name defaults to the lowercased change order number.
func (s *Service) Create(ctx context.Context, req CreateRequest) (domain.ChangeOrder, error) {
	if strings.TrimSpace(req.Actor) == "" {
		return domain.ChangeOrder{}, domain.InvalidName("acting user is required")
	}
	if strings.TrimSpace(req.Number) == "" {
		return domain.ChangeOrder{}, domain.InvalidName("change order number is required")
	}

	branchName := req.BranchName
	if branchName == "" {
		branchName = strings.ToLower(req.Number)
	}

	if _, err := s.registry.EnsureMain(ctx, req.ProjectID, req.Actor); err != nil {
		return domain.ChangeOrder{}, err
	}
	if _, err := s.registry.Create(ctx, req.ProjectID, domain.MainBranch, branchName, req.Actor); err != nil {
		return domain.ChangeOrder{}, err
	}

	order := domain.ChangeOrder{
		ID:         uuid.New(),
		ProjectID:  req.ProjectID,
		Branch:     branchName,
		Number:     req.Number,
		Title:      req.Title,
		Status:     domain.WorkflowStatusDesign,
		CostDelta:  req.CostDelta,
		HoursDelta: req.HoursDelta,
		CreatedAt:  s.now().UTC(),
		CreatedBy:  req.Actor,
	}
	created, err := s.orders.Create(ctx, order)
	if err != nil {
		// Unwind the fork so a failed order does not leave behind a branch
		// nothing owns and nothing can merge.
		if discardErr := s.registry.Discard(ctx, req.ProjectID, branchName); discardErr != nil {
			log.Printf("[WORKFLOW] failed to discard branch %s after change order error: %v", branchName, discardErr)
		}
		return domain.ChangeOrder{}, err
	}
	log.Printf("[WORKFLOW] change order %s opened on branch %s in project %s", created.Number, branchName, req.ProjectID)
	return created, nil
}

// Get returns one change order.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.ChangeOrder, error) {
	return s.orders.Get(ctx, id)
}

// List returns a project's change orders, newest first.
func (s *Service) List(ctx context.Context, projectID uuid.UUID) ([]domain.ChangeOrder, error) {
	return s.orders.List(ctx, projectID)
}

// Totals sums the financial deltas of a project's non-cancelled change
// orders.
func (s *Service) Totals(ctx context.Context, projectID uuid.UUID) (domain.ChangeOrderTotals, error) {
	orders, err := s.orders.List(ctx, projectID)
	if err != nil {
		return domain.ChangeOrderTotals{}, err
	}
	return domain.SumChangeOrders(orders), nil
}

// Transition moves a change order through the workflow. decisions is only
// consulted for the transition into EXECUTE, where it resolves any merge
// conflicts.
func (s *Service) Transition(ctx context.Context, orderID uuid.UUID, to domain.WorkflowStatus, actor string, decisions map[string]domain.Resolution) (TransitionResult, error) {
	if strings.TrimSpace(actor) == "" {
		return TransitionResult{}, domain.InvalidName("acting user is required")
	}

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return TransitionResult{}, err
	}
	if !order.Status.CanTransitionTo(to) {
		return TransitionResult{}, domain.InvalidTransition(
			"change order %s cannot move from %s to %s", order.Number, order.Status, to)
	}

	now := s.now().UTC()
	switch to {
	case domain.WorkflowStatusApprove:
		order.Status = domain.WorkflowStatusApprove
		order.ApprovedBy = &actor
		order.ApprovedAt = &now

	case domain.WorkflowStatusExecute:
		// Merge first: the status flip and the merge are atomic from the
		// caller's perspective. A failed merge leaves the order in APPROVE.
		result, err := s.merger.Merge(ctx, order.ProjectID, order.Branch, actor, decisions)
		if err != nil {
			return TransitionResult{}, err
		}
		order.Status = domain.WorkflowStatusExecute
		order.ImplementedBy = &actor
		order.ImplementedAt = &now
		updated, updateErr := s.orders.Update(ctx, order)
		if updateErr != nil {
			return TransitionResult{}, updateErr
		}
		log.Printf("[WORKFLOW] change order %s executed by %s", order.Number, actor)
		return TransitionResult{Order: updated, Merge: &result}, nil

	case domain.WorkflowStatusCancelled:
		order.Status = domain.WorkflowStatusCancelled
		order.CancelledAt = &now

	default:
		return TransitionResult{}, domain.InvalidTransition("unknown target status %q", to)
	}

	updated, err := s.orders.Update(ctx, order)
	if err != nil {
		return TransitionResult{}, err
	}
	log.Printf("[WORKFLOW] change order %s moved to %s by %s", order.Number, to, actor)
	return TransitionResult{Order: updated}, nil
}
