package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rwhitten/costline/internal/domain"
)

// changeOrderRepository is the Postgres implementation of
// ChangeOrderRepository. The (project, branch) pair is unique: exactly one
// change order owns a given non-main branch.
type changeOrderRepository struct {
	pool *pgxpool.Pool
}

// NewChangeOrderRepository creates a Postgres-backed change order repository.
func NewChangeOrderRepository(pool *pgxpool.Pool) ChangeOrderRepository {
	return &changeOrderRepository{pool: pool}
}

const changeOrderColumns = `id, project_id, branch, number, title, status, approved_by, implemented_by, cost_delta, hours_delta, created_at, updated_at, approved_at, implemented_at, cancelled_at, created_by`

func (r *changeOrderRepository) Create(ctx context.Context, order domain.ChangeOrder) (domain.ChangeOrder, error) {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	_, err := r.pool.Exec(ctx,
		`INSERT INTO change_orders (id, project_id, branch, number, title, status, cost_delta, hours_delta, created_at, updated_at, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		order.ID, order.ProjectID, order.Branch, order.Number, order.Title,
		string(order.Status), order.CostDelta, order.HoursDelta,
		order.CreatedAt, order.UpdatedAt, order.CreatedBy,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ChangeOrder{}, domain.DuplicateBranch("branch %q is already owned by another change order", order.Branch)
		}
		return domain.ChangeOrder{}, fmt.Errorf("failed to create change order: %w", err)
	}
	return order, nil
}

func (r *changeOrderRepository) Get(ctx context.Context, id uuid.UUID) (domain.ChangeOrder, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+changeOrderColumns+` FROM change_orders WHERE id = $1`, id)
	order, err := scanChangeOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ChangeOrder{}, domain.NotFound("change order %s not found", id)
		}
		return domain.ChangeOrder{}, fmt.Errorf("failed to get change order: %w", err)
	}
	return order, nil
}

func (r *changeOrderRepository) GetByBranch(ctx context.Context, projectID uuid.UUID, branch string) (domain.ChangeOrder, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+changeOrderColumns+` FROM change_orders WHERE project_id = $1 AND lower(branch) = lower($2)`,
		projectID, branch,
	)
	order, err := scanChangeOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ChangeOrder{}, domain.NotFound("no change order owns branch %q in project %s", branch, projectID)
		}
		return domain.ChangeOrder{}, fmt.Errorf("failed to get change order by branch: %w", err)
	}
	return order, nil
}

func (r *changeOrderRepository) List(ctx context.Context, projectID uuid.UUID) ([]domain.ChangeOrder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+changeOrderColumns+` FROM change_orders WHERE project_id = $1 ORDER BY created_at DESC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list change orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.ChangeOrder
	for rows.Next() {
		order, err := scanChangeOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (r *changeOrderRepository) Update(ctx context.Context, order domain.ChangeOrder) (domain.ChangeOrder, error) {
	order.UpdatedAt = time.Now().UTC()

	approvedBy, implementedBy := pgtype.Text{}, pgtype.Text{}
	if order.ApprovedBy != nil {
		approvedBy = pgtype.Text{String: *order.ApprovedBy, Valid: true}
	}
	if order.ImplementedBy != nil {
		implementedBy = pgtype.Text{String: *order.ImplementedBy, Valid: true}
	}
	approvedAt, implementedAt, cancelledAt := pgtype.Timestamptz{}, pgtype.Timestamptz{}, pgtype.Timestamptz{}
	if order.ApprovedAt != nil {
		approvedAt = pgtype.Timestamptz{Time: *order.ApprovedAt, Valid: true}
	}
	if order.ImplementedAt != nil {
		implementedAt = pgtype.Timestamptz{Time: *order.ImplementedAt, Valid: true}
	}
	if order.CancelledAt != nil {
		cancelledAt = pgtype.Timestamptz{Time: *order.CancelledAt, Valid: true}
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE change_orders
		 SET status = $2, approved_by = $3, implemented_by = $4, cost_delta = $5, hours_delta = $6,
		     updated_at = $7, approved_at = $8, implemented_at = $9, cancelled_at = $10, title = $11
		 WHERE id = $1`,
		order.ID, string(order.Status), approvedBy, implementedBy, order.CostDelta, order.HoursDelta,
		order.UpdatedAt, approvedAt, implementedAt, cancelledAt, order.Title,
	)
	if err != nil {
		return domain.ChangeOrder{}, fmt.Errorf("failed to update change order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ChangeOrder{}, domain.NotFound("change order %s not found", order.ID)
	}
	return order, nil
}

func scanChangeOrder(row rowScanner) (domain.ChangeOrder, error) {
	var (
		order         domain.ChangeOrder
		status        string
		approvedBy    pgtype.Text
		implementedBy pgtype.Text
		approvedAt    pgtype.Timestamptz
		implementedAt pgtype.Timestamptz
		cancelledAt   pgtype.Timestamptz
	)
	err := row.Scan(
		&order.ID, &order.ProjectID, &order.Branch, &order.Number, &order.Title, &status,
		&approvedBy, &implementedBy, &order.CostDelta, &order.HoursDelta,
		&order.CreatedAt, &order.UpdatedAt, &approvedAt, &implementedAt, &cancelledAt,
		&order.CreatedBy,
	)
	if err != nil {
		return domain.ChangeOrder{}, err
	}

	order.Status = domain.WorkflowStatus(status)
	if approvedBy.Valid {
		order.ApprovedBy = &approvedBy.String
	}
	if implementedBy.Valid {
		order.ImplementedBy = &implementedBy.String
	}
	if approvedAt.Valid {
		order.ApprovedAt = &approvedAt.Time
	}
	if implementedAt.Valid {
		order.ImplementedAt = &implementedAt.Time
	}
	if cancelledAt.Valid {
		order.CancelledAt = &cancelledAt.Time
	}
	return order, nil
}
