package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/money"
	"github.com/atmx/options-engine/internal/trade"
)

// Handler exposes the wallet service over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates the wallet HTTP handlers.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount    money.Cents `json:"amount"`
	Reference string      `json:"reference"`
}

// Provision handles POST /api/v1/wallets/{userID}
func (h *Handler) Provision(w http.ResponseWriter, r *http.Request) {
	wallets, err := h.svc.Provision(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		trade.WriteError(w, r, err)
		return
	}
	trade.WriteJSON(w, http.StatusCreated, wallets)
}

// GetWallet handles GET /api/v1/wallets/{userID}/{kind}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	kind, err := walletKind(r)
	if err != nil {
		trade.WriteError(w, r, err)
		return
	}
	wallet, err := h.svc.GetWallet(r.Context(), chi.URLParam(r, "userID"), kind)
	if err != nil {
		trade.WriteError(w, r, err)
		return
	}
	trade.WriteJSON(w, http.StatusOK, wallet)
}

// Deposit handles POST /api/v1/wallets/{userID}/{kind}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.svc.Deposit)
}

// Withdraw handles POST /api/v1/wallets/{userID}/{kind}/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.svc.Withdraw)
}

func (h *Handler) move(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, userID string, kind model.WalletKind, amount money.Cents, reference string) (*model.Wallet, error)) {
	kind, err := walletKind(r)
	if err != nil {
		trade.WriteError(w, r, err)
		return
	}
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		trade.WriteError(w, r, fmt.Errorf("%w: invalid request body: %v", trade.ErrValidation, err))
		return
	}
	wallet, err := fn(r.Context(), chi.URLParam(r, "userID"), kind, req.Amount, req.Reference)
	if err != nil {
		trade.WriteError(w, r, err)
		return
	}
	trade.WriteJSON(w, http.StatusOK, wallet)
}

// ResetDemo handles POST /api/v1/wallets/{userID}/demo/reset
func (h *Handler) ResetDemo(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.svc.ResetDemo(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		trade.WriteError(w, r, err)
		return
	}
	trade.WriteJSON(w, http.StatusOK, wallet)
}

// ListTransactions handles GET /api/v1/wallets/{userID}/{kind}/transactions?limit=
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	kind, err := walletKind(r)
	if err != nil {
		trade.WriteError(w, r, err)
		return
	}
	limit, err := trade.QueryLimit(r)
	if err != nil {
		trade.WriteError(w, r, err)
		return
	}
	txns, err := h.svc.ListTransactions(r.Context(), chi.URLParam(r, "userID"), kind, limit)
	if err != nil {
		trade.WriteError(w, r, err)
		return
	}
	trade.WriteJSON(w, http.StatusOK, txns)
}

func walletKind(r *http.Request) (model.WalletKind, error) {
	kind, err := model.ParseWalletKind(chi.URLParam(r, "kind"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", trade.ErrValidation, err)
	}
	return kind, nil
}
