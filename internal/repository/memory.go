package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rwhitten/costline/internal/domain"
)

// Memory is an in-process implementation of all three repositories. It
// mirrors the Postgres guard semantics under a single mutex and backs the
// service tests, so every optimistic-concurrency path can be exercised
// without a database.
type Memory struct {
	mu       sync.Mutex
	versions map[string][]domain.EntityVersion
	branches map[string]domain.Branch
	orders   map[uuid.UUID]domain.ChangeOrder
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		versions: make(map[string][]domain.EntityVersion),
		branches: make(map[string]domain.Branch),
		orders:   make(map[uuid.UUID]domain.ChangeOrder),
		now:      time.Now,
	}
}

func versionKey(projectID uuid.UUID, branch string, entityID uuid.UUID) string {
	return fmt.Sprintf("%s|%s|%s", projectID, branch, entityID)
}

func branchKey(projectID uuid.UUID, name string) string {
	return fmt.Sprintf("%s|%s", projectID, strings.ToLower(name))
}

func (m *Memory) AppendVersion(ctx context.Context, version domain.EntityVersion, expectedVersion int64) (domain.EntityVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(version, expectedVersion)
}

func (m *Memory) appendLocked(version domain.EntityVersion, expectedVersion int64) (domain.EntityVersion, error) {
	key := versionKey(version.ProjectID, version.Branch, version.EntityID)
	chain := m.versions[key]

	head := int64(0)
	if len(chain) > 0 {
		head = chain[len(chain)-1].Version
	}
	if head != expectedVersion {
		return domain.EntityVersion{}, domain.StaleVersion(
			"entity %s on branch %s is at version %d, expected %d",
			version.EntityID, version.Branch, head, expectedVersion)
	}

	version.Version = expectedVersion + 1
	version.Fields = domain.CloneFields(version.Fields)
	if version.CreatedAt.IsZero() {
		version.CreatedAt = m.now()
	}
	m.versions[key] = append(chain, version)
	return version, nil
}

func (m *Memory) Head(ctx context.Context, projectID uuid.UUID, branch string, entityID uuid.UUID) (domain.EntityVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headLocked(projectID, branch, entityID)
}

func (m *Memory) headLocked(projectID uuid.UUID, branch string, entityID uuid.UUID) (domain.EntityVersion, error) {
	chain := m.versions[versionKey(projectID, branch, entityID)]
	if len(chain) == 0 {
		return domain.EntityVersion{}, domain.NotFound("entity %s has no versions on branch %s", entityID, branch)
	}
	head := chain[len(chain)-1]
	head.Fields = domain.CloneFields(head.Fields)
	return head, nil
}

func (m *Memory) GetVersion(ctx context.Context, projectID uuid.UUID, branch string, entityID uuid.UUID, version int64) (domain.EntityVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.versions[versionKey(projectID, branch, entityID)]
	for _, v := range chain {
		if v.Version == version {
			v.Fields = domain.CloneFields(v.Fields)
			return v, nil
		}
	}
	return domain.EntityVersion{}, domain.NotFound("entity %s has no version %d on branch %s", entityID, version, branch)
}

func (m *Memory) ListHistory(ctx context.Context, projectID uuid.UUID, branch string, entityID uuid.UUID) ([]domain.EntityVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.versions[versionKey(projectID, branch, entityID)]
	out := make([]domain.EntityVersion, len(chain))
	for i, v := range chain {
		v.Fields = domain.CloneFields(v.Fields)
		out[i] = v
	}
	return out, nil
}

func (m *Memory) ListHeads(ctx context.Context, projectID uuid.UUID, branch string) ([]domain.EntityVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := fmt.Sprintf("%s|%s|", projectID, branch)
	var heads []domain.EntityVersion
	for key, chain := range m.versions {
		if !strings.HasPrefix(key, prefix) || len(chain) == 0 {
			continue
		}
		head := chain[len(chain)-1]
		head.Fields = domain.CloneFields(head.Fields)
		heads = append(heads, head)
	}
	sort.Slice(heads, func(i, j int) bool {
		if heads[i].EntityType != heads[j].EntityType {
			return heads[i].EntityType < heads[j].EntityType
		}
		return heads[i].EntityID.String() < heads[j].EntityID.String()
	})
	return heads, nil
}

func (m *Memory) ListBranchEntityIDs(ctx context.Context, projectID uuid.UUID, branch string) ([]uuid.UUID, error) {
	heads, err := m.ListHeads(ctx, projectID, branch)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(heads))
	for i, head := range heads {
		ids[i] = head.EntityID
	}
	return ids, nil
}

func (m *Memory) ApplyMerge(ctx context.Context, writes []MergeWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate every guard before touching anything so a single stale entity
	// aborts the whole batch.
	for _, write := range writes {
		key := versionKey(write.Version.ProjectID, write.Version.Branch, write.Version.EntityID)
		chain := m.versions[key]
		head := int64(0)
		if len(chain) > 0 {
			head = chain[len(chain)-1].Version
		}
		if head != write.ExpectedVersion {
			return domain.StaleVersion(
				"entity %s on branch %s is at version %d, expected %d",
				write.Version.EntityID, write.Version.Branch, head, write.ExpectedVersion)
		}
	}

	for _, write := range writes {
		if _, err := m.appendLocked(write.Version, write.ExpectedVersion); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Create(ctx context.Context, branch domain.Branch) (domain.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := branchKey(branch.ProjectID, branch.Name)
	if _, exists := m.branches[key]; exists {
		return domain.Branch{}, domain.DuplicateBranch("branch %q already exists in project %s", branch.Name, branch.ProjectID)
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = m.now()
	}
	branch.ForkPoint = domain.CloneForkPoint(branch.ForkPoint)
	m.branches[key] = branch
	return branch, nil
}

func (m *Memory) Get(ctx context.Context, projectID uuid.UUID, name string) (domain.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch, ok := m.branches[branchKey(projectID, name)]
	if !ok {
		return domain.Branch{}, domain.NotFound("branch %q not found in project %s", name, projectID)
	}
	branch.ForkPoint = domain.CloneForkPoint(branch.ForkPoint)
	return branch, nil
}

func (m *Memory) List(ctx context.Context, projectID uuid.UUID) ([]domain.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var branches []domain.Branch
	for _, branch := range m.branches {
		if branch.ProjectID != projectID {
			continue
		}
		branch.ForkPoint = domain.CloneForkPoint(branch.ForkPoint)
		branches = append(branches, branch)
	}
	sort.Slice(branches, func(i, j int) bool {
		if branches[i].IsMain() != branches[j].IsMain() {
			return branches[i].IsMain()
		}
		return branches[i].CreatedAt.After(branches[j].CreatedAt)
	})
	return branches, nil
}

func (m *Memory) Update(ctx context.Context, branch domain.Branch) (domain.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := branchKey(branch.ProjectID, branch.Name)
	if _, ok := m.branches[key]; !ok {
		return domain.Branch{}, domain.NotFound("branch %q not found in project %s", branch.Name, branch.ProjectID)
	}
	branch.ForkPoint = domain.CloneForkPoint(branch.ForkPoint)
	m.branches[key] = branch
	return branch, nil
}

func (m *Memory) Delete(ctx context.Context, projectID uuid.UUID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := branchKey(projectID, name)
	if _, ok := m.branches[key]; !ok {
		return domain.NotFound("branch %q not found in project %s", name, projectID)
	}
	delete(m.branches, key)
	return nil
}

func (m *Memory) CreateChangeOrder(ctx context.Context, order domain.ChangeOrder) (domain.ChangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Same uniqueness the change_orders table enforces: one order per branch
	// and one per number within a project.
	for _, existing := range m.orders {
		if existing.ProjectID != order.ProjectID {
			continue
		}
		if strings.EqualFold(existing.Branch, order.Branch) {
			return domain.ChangeOrder{}, domain.DuplicateBranch(
				"branch %q is already owned by change order %s", order.Branch, existing.Number)
		}
		if existing.Number == order.Number {
			return domain.ChangeOrder{}, domain.DuplicateBranch(
				"change order number %q already exists in project %s", order.Number, order.ProjectID)
		}
	}

	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	now := m.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	m.orders[order.ID] = order
	return order, nil
}

func (m *Memory) GetChangeOrder(ctx context.Context, id uuid.UUID) (domain.ChangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return domain.ChangeOrder{}, domain.NotFound("change order %s not found", id)
	}
	return order, nil
}

func (m *Memory) GetChangeOrderByBranch(ctx context.Context, projectID uuid.UUID, branch string) (domain.ChangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, order := range m.orders {
		if order.ProjectID == projectID && strings.EqualFold(order.Branch, branch) {
			return order, nil
		}
	}
	return domain.ChangeOrder{}, domain.NotFound("no change order owns branch %q in project %s", branch, projectID)
}

func (m *Memory) ListChangeOrders(ctx context.Context, projectID uuid.UUID) ([]domain.ChangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var orders []domain.ChangeOrder
	for _, order := range m.orders {
		if order.ProjectID == projectID {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (m *Memory) UpdateChangeOrder(ctx context.Context, order domain.ChangeOrder) (domain.ChangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; !ok {
		return domain.ChangeOrder{}, domain.NotFound("change order %s not found", order.ID)
	}
	order.UpdatedAt = m.now()
	m.orders[order.ID] = order
	return order, nil
}

// changeOrderAdapter exposes the Memory change-order methods under the
// ChangeOrderRepository interface (the method names would otherwise collide
// with the branch repository's).
type changeOrderAdapter struct {
	memory *Memory
}

// ChangeOrders returns a ChangeOrderRepository view over the memory store.
func (m *Memory) ChangeOrders() ChangeOrderRepository {
	return &changeOrderAdapter{memory: m}
}

func (a *changeOrderAdapter) Create(ctx context.Context, order domain.ChangeOrder) (domain.ChangeOrder, error) {
	return a.memory.CreateChangeOrder(ctx, order)
}

func (a *changeOrderAdapter) Get(ctx context.Context, id uuid.UUID) (domain.ChangeOrder, error) {
	return a.memory.GetChangeOrder(ctx, id)
}

func (a *changeOrderAdapter) GetByBranch(ctx context.Context, projectID uuid.UUID, branch string) (domain.ChangeOrder, error) {
	return a.memory.GetChangeOrderByBranch(ctx, projectID, branch)
}

func (a *changeOrderAdapter) List(ctx context.Context, projectID uuid.UUID) ([]domain.ChangeOrder, error) {
	return a.memory.ListChangeOrders(ctx, projectID)
}

func (a *changeOrderAdapter) Update(ctx context.Context, order domain.ChangeOrder) (domain.ChangeOrder, error) {
	return a.memory.UpdateChangeOrder(ctx, order)
}
