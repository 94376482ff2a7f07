package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/rwhitten/costline/internal/branch"
	"github.com/rwhitten/costline/internal/domain"
	"github.com/rwhitten/costline/internal/export"
	"github.com/rwhitten/costline/internal/merge"
	"github.com/rwhitten/costline/internal/middleware"
	"github.com/rwhitten/costline/internal/repository"
	"github.com/rwhitten/costline/internal/store"
	"github.com/rwhitten/costline/internal/workflow"
)

func newTestServer(t *testing.T) (http.Handler, uuid.UUID, *branch.Registry) {
	t.Helper()
	memory := repository.NewMemory()
	orders := memory.ChangeOrders()
	registry := branch.NewRegistry(memory, memory)
	entityStore := store.New(memory, memory, orders)
	engine := merge.NewEngine(memory, memory, orders)
	workflowService := workflow.NewService(orders, registry, engine)
	exporter := export.NewBaselineService(entityStore)

	handler := middleware.ActorMiddleware(
		NewHTTPHandler(registry, entityStore, engine, workflowService, exporter),
	)

	projectID := uuid.New()
	if _, err := registry.EnsureMain(context.Background(), projectID, "setup"); err != nil {
		t.Fatalf("ensure main: %v", err)
	}
	return handler, projectID, registry
}

func doJSON(t *testing.T, handler http.Handler, method, path, actor string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewBuffer(encoded)
	} else {
		body = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, body)
	if actor != "" {
		req.Header.Set("X-Actor", actor)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func TestEntityWriteReadRoundTrip(t *testing.T) {
	handler, projectID, _ := newTestServer(t)
	entityID := uuid.New()

	resp := doJSON(t, handler, http.MethodPost, "/api/entities", "alice", map[string]any{
		"project_id":       projectID.String(),
		"branch":           "main",
		"entity_id":        entityID.String(),
		"entity_type":      "work-package",
		"fields":           map[string]any{"budget": 100},
		"expected_version": 0,
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("write: %d %s", resp.Code, resp.Body)
	}

	resp = doJSON(t, handler, http.MethodGet,
		fmt.Sprintf("/api/entities?project_id=%s&branch=main&entity_id=%s", projectID, entityID), "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("read: %d %s", resp.Code, resp.Body)
	}
	var result store.ReadResult
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Version.Fields["budget"] != float64(100) || result.BranchVersion != 1 {
		t.Fatalf("unexpected read result %+v", result)
	}
}

func TestWriteWithoutActorRejected(t *testing.T) {
	handler, projectID, _ := newTestServer(t)

	resp := doJSON(t, handler, http.MethodPost, "/api/entities", "", map[string]any{
		"project_id":  projectID.String(),
		"branch":      "main",
		"entity_type": "work-package",
		"fields":      map[string]any{"budget": 1},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without actor, got %d", resp.Code)
	}
}

func TestStaleWriteMapsToConflict(t *testing.T) {
	handler, projectID, _ := newTestServer(t)
	entityID := uuid.New()

	payload := map[string]any{
		"project_id":       projectID.String(),
		"branch":           "main",
		"entity_id":        entityID.String(),
		"entity_type":      "work-package",
		"fields":           map[string]any{"budget": 100},
		"expected_version": 0,
	}
	if resp := doJSON(t, handler, http.MethodPost, "/api/entities", "alice", payload); resp.Code != http.StatusOK {
		t.Fatalf("first write: %d", resp.Code)
	}
	resp := doJSON(t, handler, http.MethodPost, "/api/entities", "alice", payload)
	if resp.Code != http.StatusConflict {
		t.Fatalf("stale write must map to 409, got %d %s", resp.Code, resp.Body)
	}
	var body struct {
		Kind domain.ErrorKind `json:"kind"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Kind != domain.KindStaleVersion {
		t.Errorf("expected STALE_VERSION kind, got %s", body.Kind)
	}
}

func TestBranchLifecycleOverHTTP(t *testing.T) {
	handler, projectID, _ := newTestServer(t)

	resp := doJSON(t, handler, http.MethodPost, "/api/branches", "alice", map[string]any{
		"project_id": projectID.String(),
		"name":       "co-001",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("create branch: %d %s", resp.Code, resp.Body)
	}

	resp = doJSON(t, handler, http.MethodPost, "/api/branches/lock", "alice", map[string]any{
		"project_id": projectID.String(),
		"branch":     "co-001",
		"reason":     "rework",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("lock: %d %s", resp.Code, resp.Body)
	}

	// A second actor hitting the lock gets a conflict.
	resp = doJSON(t, handler, http.MethodPost, "/api/branches/lock", "bob", map[string]any{
		"project_id": projectID.String(),
		"branch":     "co-001",
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("foreign lock must map to 409, got %d", resp.Code)
	}

	// A non-holder unlock without override is forbidden.
	resp = doJSON(t, handler, http.MethodPost, "/api/branches/unlock", "bob", map[string]any{
		"project_id": projectID.String(),
		"branch":     "co-001",
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("foreign unlock must map to 403, got %d", resp.Code)
	}

	resp = doJSON(t, handler, http.MethodGet, "/api/branches?project_id="+projectID.String(), "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("list: %d", resp.Code)
	}
	var branches []domain.Branch
	if err := json.Unmarshal(resp.Body.Bytes(), &branches); err != nil {
		t.Fatalf("decode branches: %v", err)
	}
	if len(branches) != 2 || branches[0].Name != "main" {
		t.Fatalf("expected main-first listing, got %+v", branches)
	}
}

func TestChangeOrderWorkflowOverHTTP(t *testing.T) {
	handler, projectID, _ := newTestServer(t)

	resp := doJSON(t, handler, http.MethodPost, "/api/change-orders", "alice", map[string]any{
		"project_id": projectID.String(),
		"number":     "CO-010",
		"title":      "Added drainage scope",
		"cost_delta": 12500,
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.Code, resp.Body)
	}
	var order domain.ChangeOrder
	if err := json.Unmarshal(resp.Body.Bytes(), &order); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Skipping APPROVE is rejected by the transition table.
	resp = doJSON(t, handler, http.MethodPost, "/api/change-orders/transition", "paula", map[string]any{
		"id": order.ID.String(),
		"to": "execute",
	})
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("illegal transition must map to 422, got %d %s", resp.Code, resp.Body)
	}

	resp = doJSON(t, handler, http.MethodPost, "/api/change-orders/transition", "paula", map[string]any{
		"id": order.ID.String(),
		"to": "approve",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", resp.Code, resp.Body)
	}

	resp = doJSON(t, handler, http.MethodPost, "/api/change-orders/transition", "paula", map[string]any{
		"id": order.ID.String(),
		"to": "execute",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("execute: %d %s", resp.Code, resp.Body)
	}
	var result workflow.TransitionResult
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode transition result: %v", err)
	}
	if result.Order.Status != domain.WorkflowStatusExecute || result.Merge == nil {
		t.Fatalf("execute must flip status and report the merge: %+v", result)
	}
}

func TestBaselineDownload(t *testing.T) {
	handler, projectID, _ := newTestServer(t)

	resp := doJSON(t, handler, http.MethodGet,
		fmt.Sprintf("/api/baseline?project_id=%s&branch=main", projectID), "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("baseline: %d %s", resp.Code, resp.Body)
	}
	if got := resp.Header().Get("Content-Type"); got != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Errorf("unexpected content type %q", got)
	}
	if resp.Body.Len() == 0 {
		t.Error("empty workbook body")
	}
}
