package handler

import (
	"net/http"

	"github.com/shopspring/decimal"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
	"ledger-engine/internal/service"
)

type PartyHandler struct {
	partyService *service.PartyService
}

func NewPartyHandler(partyService *service.PartyService) *PartyHandler {
	return &PartyHandler{partyService: partyService}
}

type CreatePartyRequest struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	OutstandingBalance string `json:"outstanding_balance"`
}

type CreateCategoryRequest struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (h *PartyHandler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	h.createParty(w, r, domain.PartyCustomer)
}

func (h *PartyHandler) CreateSupplier(w http.ResponseWriter, r *http.Request) {
	h.createParty(w, r, domain.PartySupplier)
}

func (h *PartyHandler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	h.getParty(w, r, domain.PartyCustomer)
}

func (h *PartyHandler) GetSupplier(w http.ResponseWriter, r *http.Request) {
	h.getParty(w, r, domain.PartySupplier)
}

func (h *PartyHandler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	var req CreateCategoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	category, err := h.partyService.CreateCategory(r.Context(), req.ID, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, category)
}

func (h *PartyHandler) createParty(w http.ResponseWriter, r *http.Request, kind domain.PartyKind) {
	var req CreatePartyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	outstanding := decimal.Zero
	if req.OutstandingBalance != "" {
		var err error
		outstanding, err = decimal.NewFromString(req.OutstandingBalance)
		if err != nil {
			writeError(w, errors.NewAppError(errors.InvalidAmount, "invalid outstanding_balance format").WithField("outstanding_balance"))
			return
		}
	}

	party, err := h.partyService.CreateParty(r.Context(), kind, req.ID, req.Name, outstanding)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, party)
}

func (h *PartyHandler) getParty(w http.ResponseWriter, r *http.Request, kind domain.PartyKind) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	party, err := h.partyService.GetParty(r.Context(), kind, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, party)
}
