package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/service"
)

type OperationHandler struct {
	ledgerService *service.LedgerService
	queryService  *service.QueryService
}

func NewOperationHandler(ledgerService *service.LedgerService, queryService *service.QueryService) *OperationHandler {
	return &OperationHandler{
		ledgerService: ledgerService,
		queryService:  queryService,
	}
}

type ReverseRequest struct {
	Description string `json:"description"`
}

// Submit applies one operation. The body is a service.OperationInput.
func (h *OperationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var in service.OperationInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	req, err := in.ToRequest()
	if err != nil {
		writeError(w, err)
		return
	}

	op, err := h.ledgerService.Apply(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, service.ResultOf(op, nil))
}

func (h *OperationHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	op, err := h.queryService.GetOperation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *OperationHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	filter, err := queryFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := queryPage(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ops, err := h.queryService.ListOperations(r.Context(), filter, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

// ListByKind serves the history of one operation kind.
func (h *OperationHandler) ListByKind(w http.ResponseWriter, r *http.Request) {
	page, err := queryPage(r)
	if err != nil {
		writeError(w, err)
		return
	}

	kind := domain.OperationKind(mux.Vars(r)["kind"])
	ops, err := h.queryService.KindOperations(r.Context(), kind, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *OperationHandler) Reverse(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	var req ReverseRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	reversal, err := h.ledgerService.Reverse(r.Context(), id, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, service.ResultOf(reversal, nil))
}

func (h *OperationHandler) Receipt(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	receipt, err := h.queryService.Receipt(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}
