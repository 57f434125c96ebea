package handler

import (
	"net/http"

	"ledger-engine/internal/reconcile"
)

type ReconciliationHandler struct {
	queue *reconcile.Queue
}

func NewReconciliationHandler(queue *reconcile.Queue) *ReconciliationHandler {
	return &ReconciliationHandler{queue: queue}
}

type ResolveRequest struct {
	Resolution string `json:"resolution"`
}

func (h *ReconciliationHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.Pending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *ReconciliationHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	var req ResolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := h.queue.Resolve(r.Context(), id, req.Resolution); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "resolved": true})
}
