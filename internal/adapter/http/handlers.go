// Package http implements the REST control API for task lifecycle, pipeline
// discovery and budget administration.
package http

import (
	"net/http"
	"strconv"

	"github.com/StrataBot/MarketMind/internal/domain/cost"
	"github.com/StrataBot/MarketMind/internal/domain/task"
	"github.com/StrataBot/MarketMind/internal/service"
)

// Handlers bundles the services the control API exposes.
type Handlers struct {
	manager *service.Manager
	ledger  *service.CostLedger
}

// NewHandlers creates the API handlers.
func NewHandlers(manager *service.Manager, ledger *service.CostLedger) *Handlers {
	return &Handlers{manager: manager, ledger: ledger}
}

// --- Tasks ---

// StartTask handles POST /api/v1/tasks.
func (h *Handlers) StartTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.StartRequest](w, r)
	if !ok {
		return
	}

	snap, err := h.manager.Start(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	snap, err := h.manager.Query(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListTasks handles GET /api/v1/tasks?owner_id=X&limit=N.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = v
	}

	snaps, err := h.manager.List(r.Context(), ownerID, limit)
	if err != nil {
		writeDomainError(w, err, "tasks not found")
		return
	}
	if snaps == nil {
		snaps = []task.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// CancelTask handles DELETE /api/v1/tasks/{id}.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Cancel(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// --- Pipelines ---

// ListPipelines handles GET /api/v1/pipelines.
func (h *Handlers) ListPipelines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Pipelines())
}

// --- Budgets ---

type budgetResponse struct {
	Budget cost.Budget     `json:"budget"`
	Usage  cost.OwnerUsage `json:"usage"`
}

// GetBudget handles GET /api/v1/owners/{id}/budget.
func (h *Handlers) GetBudget(w http.ResponseWriter, r *http.Request) {
	ownerID := urlParam(r, "id")

	budget, err := h.ledger.Budget(r.Context(), ownerID)
	if err != nil {
		writeDomainError(w, err, "owner not found")
		return
	}
	usage, err := h.ledger.Usage(r.Context(), ownerID)
	if err != nil {
		writeDomainError(w, err, "owner not found")
		return
	}
	writeJSON(w, http.StatusOK, budgetResponse{Budget: budget, Usage: usage})
}

// PutBudget handles PUT /api/v1/owners/{id}/budget.
func (h *Handlers) PutBudget(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[cost.Budget](w, r)
	if !ok {
		return
	}
	req.OwnerID = urlParam(r, "id")

	if err := h.ledger.SetBudget(r.Context(), req); err != nil {
		writeDomainError(w, err, "owner not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// --- Health ---

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_tasks": h.manager.ActiveCount(),
	})
}
