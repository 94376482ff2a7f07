package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/rwhitten/costline/internal/auth"
	"github.com/rwhitten/costline/internal/branch"
	"github.com/rwhitten/costline/internal/domain"
	"github.com/rwhitten/costline/internal/export"
	"github.com/rwhitten/costline/internal/merge"
	"github.com/rwhitten/costline/internal/store"
	"github.com/rwhitten/costline/internal/workflow"
)

// Handler exposes the branch, entity, merge, and change-order services over
// JSON HTTP. The acting user arrives via the X-Actor header lifted into the
// request context by the middleware.
type Handler struct {
	registry *branch.Registry
	store    *store.Store
	merger   *merge.Engine
	workflow *workflow.Service
	exporter *export.BaselineService
}

// NewHTTPHandler wires the services into one handler.
func NewHTTPHandler(
	registry *branch.Registry,
	entityStore *store.Store,
	merger *merge.Engine,
	workflowService *workflow.Service,
	exporter *export.BaselineService,
) http.Handler {
	return &Handler{
		registry: registry,
		store:    entityStore,
		merger:   merger,
		workflow: workflowService,
		exporter: exporter,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/branches/lock"):
		h.handleLock(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/branches/unlock"):
		h.handleUnlock(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/branches"):
		h.handleCreateBranch(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/branches"):
		h.handleListBranches(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/entities/history"):
		h.handleHistory(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/entities/rollback"):
		h.handleRollback(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/entities/delete"):
		h.handleDelete(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/entities/restore"):
		h.handleRestore(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/entities"):
		h.handleWrite(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/entities"):
		h.handleRead(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/compare"):
		h.handleCompare(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/change-orders/transition"):
		h.handleTransition(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/change-orders/totals"):
		h.handleTotals(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/change-orders"):
		h.handleCreateChangeOrder(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/change-orders"):
		h.handleChangeOrders(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/baseline"):
		h.handleBaseline(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

type createBranchPayload struct {
	ProjectID  string `json:"project_id"`
	Name       string `json:"name"`
	BaseBranch string `json:"base_branch"`
}

func (h *Handler) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload createBranchPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	projectID, err := parseUUID(payload.ProjectID, "project_id")
	if err != nil {
		writeError(w, err)
		return
	}
	actor, err := auth.RequireActor(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := h.registry.Create(r.Context(), projectID, payload.BaseBranch, payload.Name, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListBranches(w http.ResponseWriter, r *http.Request) {
	projectID, err := parseUUID(r.URL.Query().Get("project_id"), "project_id")
	if err != nil {
		writeError(w, err)
		return
	}
	branches, err := h.registry.List(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, branches)
}

type lockPayload struct {
	ProjectID   string `json:"project_id"`
	Branch      string `json:"branch"`
	Reason      string `json:"reason"`
	ConfirmMain bool   `json:"confirm_main"`
}

func (h *Handler) handleLock(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload lockPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	projectID, err := parseUUID(payload.ProjectID, "project_id")
	if err != nil {
		writeError(w, err)
		return
	}
	actor, err := auth.RequireActor(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	locked, err := h.registry.Lock(r.Context(), branch.LockRequest{
		ProjectID:   projectID,
		Branch:      payload.Branch,
		Actor:       actor,
		Reason:      payload.Reason,
		ConfirmMain: payload.ConfirmMain,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, locked)
}

type unlockPayload struct {
	ProjectID     string `json:"project_id"`
	Branch        string `json:"branch"`
	AdminOverride bool   `json:"admin_override"`
}

func (h *Handler) handleUnlock(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload unlockPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	projectID, err := parseUUID(payload.ProjectID, "project_id")
	if err != nil {
		writeError(w, err)
		return
	}
	actor, err := auth.RequireActor(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	unlocked, err := h.registry.Unlock(r.Context(), branch.UnlockRequest{
		ProjectID:     projectID,
		Branch:        payload.Branch,
		Actor:         actor,
		AdminOverride: payload.AdminOverride,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unlocked)
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	projectID, branchName, entityID, err := entityQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.store.Read(r.Context(), projectID, branchName, entityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type writePayload struct {
	ProjectID       string         `json:"project_id"`
	Branch          string         `json:"branch"`
	EntityID        string         `json:"entity_id"`
	EntityType      string         `json:"entity_type"`
	Fields          map[string]any `json:"fields"`
	ExpectedVersion int64          `json:"expected_version"`
	Reason          *string        `json:"reason"`
}

func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload writePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	projectID, err := parseUUID(payload.ProjectID, "project_id")
	if err != nil {
		writeError(w, err)
		return
	}
	entityID := uuid.Nil
	if strings.TrimSpace(payload.EntityID) != "" {
		entityID, err = parseUUID(payload.EntityID, "entity_id")
		if err != nil {
			writeError(w, err)
			return
		}
	} else {
		entityID = uuid.New()
	}
	actor, err := auth.RequireActor(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	version, err := h.store.Write(r.Context(), store.WriteRequest{
		ProjectID:       projectID,
		Branch:          payload.Branch,
		EntityID:        entityID,
		EntityType:      payload.EntityType,
		Fields:          payload.Fields,
		ExpectedVersion: payload.ExpectedVersion,
		Actor:           actor,
		Reason:          payload.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

type mutatePayload struct {
	ProjectID       string  `json:"project_id"`
	Branch          string  `json:"branch"`
	EntityID        string  `json:"entity_id"`
	ExpectedVersion int64   `json:"expected_version"`
	Reason          *string `json:"reason"`
}

func (h *Handler) decodeMutate(r *http.Request) (store.MutateRequest, error) {
	defer r.Body.Close()
	var payload mutatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return store.MutateRequest{}, domain.InvalidName("invalid payload: %v", err)
	}
	projectID, err := parseUUID(payload.ProjectID, "project_id")
	if err != nil {
		return store.MutateRequest{}, err
	}
	entityID, err := parseUUID(payload.EntityID, "entity_id")
	if err != nil {
		return store.MutateRequest{}, err
	}
	actor, err := auth.RequireActor(r.Context())
	if err != nil {
		return store.MutateRequest{}, err
	}
	return store.MutateRequest{
		ProjectID:       projectID,
		Branch:          payload.Branch,
		EntityID:        entityID,
		ExpectedVersion: payload.ExpectedVersion,
		Actor:           actor,
		Reason:          payload.Reason,
	}, nil
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeMutate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	version, err := h.store.Delete(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeMutate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	version, err := h.store.Restore(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	projectID, branchName, entityID, err := entityQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := h.store.History(r.Context(), projectID, branchName, entityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type rollbackPayload struct {
	ProjectID string `json:"project_id"`
	Branch    string `json:"branch"`
	EntityID  string `json:"entity_id"`
	ToVersion int64  `json:"to_version"`
	Reason    string `json:"reason"`
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload rollbackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	projectID, err := parseUUID(payload.ProjectID, "project_id")
	if err != nil {
		writeError(w, err)
		return
	}
	entityID, err := parseUUID(payload.EntityID, "entity_id")
	if err != nil {
		writeError(w, err)
		return
	}
	actor, err := auth.RequireActor(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	version, err := h.store.Rollback(r.Context(), store.RollbackRequest{
		ProjectID: projectID,
		Branch:    payload.Branch,
		EntityID:  entityID,
		ToVersion: payload.ToVersion,
		Actor:     actor,
		Reason:    payload.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (h *Handler) handleCompare(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	projectID, err := parseUUID(query.Get("project_id"), "project_id")
	if err != nil {
		writeError(w, err)
		return
	}
	branchName := strings.TrimSpace(query.Get("branch"))
	if branchName == "" {
		writeError(w, domain.InvalidName("branch is required"))
		return
	}
	diff, err := h.merger.Compare(r.Context(), projectID, branchName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

type createChangeOrderPayload struct {
	ProjectID  string  `json:"project_id"`
	Number     string  `json:"number"`
	Title      string  `json:"title"`
	BranchName string  `json:"branch_name"`
	CostDelta  float64 `json:"cost_delta"`
	HoursDelta float64 `json:"hours_delta"`
}

func (h *Handler) handleCreateChangeOrder(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload createChangeOrderPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	projectID, err := parseUUID(payload.ProjectID, "project_id")
	if err != nil {
		writeError(w, err)
		return
	}
	actor, err := auth.RequireActor(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	order, err := h.workflow.Create(r.Context(), workflow.CreateRequest{
		ProjectID:  projectID,
		Number:     payload.Number,
		Title:      payload.Title,
		BranchName: payload.BranchName,
		CostDelta:  payload.CostDelta,
		HoursDelta: payload.HoursDelta,
		Actor:      actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) handleChangeOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("id")); raw != "" {
		id, err := parseUUID(raw, "id")
		if err != nil {
			writeError(w, err)
			return
		}
		order, err := h.workflow.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
		return
	}
	projectID, err := parseUUID(query.Get("project_id"), "project_id")
	if err != nil {
		writeError(w, err)
		return
	}
	orders, err := h.workflow.List(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) handleTotals(w http.ResponseWriter, r *http.Request) {
	projectID, err := parseUUID(r.URL.Query().Get("project_id"), "project_id")
	if err != nil {
		writeError(w, err)
		return
	}
	totals, err := h.workflow.Totals(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

type resolutionInput struct {
	Choice      string `json:"choice"`
	CustomValue any    `json:"custom_value"`
}

type transitionPayload struct {
	ID        string                     `json:"id"`
	To        string                     `json:"to"`
	Decisions map[string]resolutionInput `json:"decisions"`
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload transitionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	id, err := parseUUID(payload.ID, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := domain.ParseWorkflowStatus(payload.To)
	if err != nil {
		writeError(w, err)
		return
	}
	actor, err := auth.RequireActor(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	decisions := make(map[string]domain.Resolution, len(payload.Decisions))
	for key, input := range payload.Decisions {
		choice, err := domain.ParseResolutionChoice(input.Choice)
		if err != nil {
			writeError(w, err)
			return
		}
		decisions[key] = domain.Resolution{Choice: choice, CustomValue: input.CustomValue}
	}
	result, err := h.workflow.Transition(r.Context(), id, to, actor, decisions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleBaseline(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	projectID, err := parseUUID(query.Get("project_id"), "project_id")
	if err != nil {
		writeError(w, err)
		return
	}
	branchName := strings.TrimSpace(query.Get("branch"))
	if branchName == "" {
		writeError(w, domain.InvalidName("branch is required"))
		return
	}
	file, filename, err := h.exporter.Snapshot(r.Context(), projectID, branchName)
	if err != nil {
		writeError(w, err)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", strconv.Quote(filename)))
	if err := file.Write(w); err != nil {
		http.Error(w, fmt.Sprintf("failed to stream workbook: %v", err), http.StatusInternalServerError)
	}
}

func entityQuery(r *http.Request) (uuid.UUID, string, uuid.UUID, error) {
	query := r.URL.Query()
	projectID, err := parseUUID(query.Get("project_id"), "project_id")
	if err != nil {
		return uuid.Nil, "", uuid.Nil, err
	}
	branchName := strings.TrimSpace(query.Get("branch"))
	if branchName == "" {
		return uuid.Nil, "", uuid.Nil, domain.InvalidName("branch is required")
	}
	entityID, err := parseUUID(query.Get("entity_id"), "entity_id")
	if err != nil {
		return uuid.Nil, "", uuid.Nil, err
	}
	return projectID, branchName, entityID, nil
}

func parseUUID(raw, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, domain.InvalidName("invalid %s: %v", field, err)
	}
	return id, nil
}

// statusForKind maps service error kinds onto HTTP statuses.
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidName, domain.KindInvalidCustomValue:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindNotLockHolder:
		return http.StatusForbidden
	case domain.KindDuplicateBranch, domain.KindAlreadyLocked, domain.KindStaleVersion,
		domain.KindMissingResolution, domain.KindUnresolvedConflicts:
		return http.StatusConflict
	case domain.KindInvalidTransition, domain.KindBranchNotMergeable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Kind  domain.ErrorKind `json:"kind"`
	Error string           `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	writeJSON(w, statusForKind(kind), errorResponse{Kind: kind, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
