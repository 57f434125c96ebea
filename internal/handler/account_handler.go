package handler

import (
	"net/http"

	"github.com/shopspring/decimal"

	"ledger-engine/internal/errors"
	"ledger-engine/internal/service"
)

type AccountHandler struct {
	accountService *service.AccountService
	queryService   *service.QueryService
}

func NewAccountHandler(accountService *service.AccountService, queryService *service.QueryService) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
		queryService:   queryService,
	}
}

type CreateAccountRequest struct {
	AccountID      int64  `json:"account_id"`
	Name           string `json:"name"`
	Bank           string `json:"bank"`
	InitialBalance string `json:"initial_balance"`
}

func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	initialBalance := decimal.Zero
	if req.InitialBalance != "" {
		var err error
		initialBalance, err = decimal.NewFromString(req.InitialBalance)
		if err != nil {
			writeError(w, errors.NewAppError(errors.InvalidAmount, "invalid initial_balance format").WithField("initial_balance"))
			return
		}
	}

	account, err := h.accountService.CreateAccount(r.Context(), &service.CreateAccountRequest{
		ID:             req.AccountID,
		Name:           req.Name,
		Bank:           req.Bank,
		InitialBalance: initialBalance,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, account)
}

func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathID(r, "account_id")
	if err != nil {
		writeError(w, err)
		return
	}

	account, err := h.queryService.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, account)
}

func (h *AccountHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.queryService.ListAccounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathID(r, "account_id")
	if err != nil {
		writeError(w, err)
		return
	}

	balance, err := h.queryService.GetBalance(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (h *AccountHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathID(r, "account_id")
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := queryPage(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ops, err := h.queryService.AccountOperations(r.Context(), accountID, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}
