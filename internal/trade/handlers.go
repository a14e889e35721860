package trade

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/store"
)

// Handler exposes the engine over HTTP.
type Handler struct {
	engine *Engine
}

// NewHandler creates the trade HTTP handlers.
func NewHandler(e *Engine) *Handler {
	return &Handler{engine: e}
}

// PlaceTrade handles POST /api/v1/trades
func (h *Handler) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	var req PlaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, fmt.Errorf("%w: invalid request body: %v", ErrValidation, err))
		return
	}

	t, err := h.engine.PlaceTrade(r.Context(), req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, t)
}

// GetTrade handles GET /api/v1/trades/{tradeID}
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.GetTrade(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// SettleTrade handles POST /api/v1/trades/{tradeID}/settle
// Settling an already settled trade returns the stored outcome with
// already_settled=true.
func (h *Handler) SettleTrade(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.SettleTrade(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, s)
}

// ListTrades handles GET /api/v1/users/{userID}/trades?limit=
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := QueryLimit(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	trades, err := h.engine.ListTrades(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, trades)
}

// ListPairs handles GET /api/v1/pairs
func ListPairs(pairs store.PairStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := pairs.ListPairs(r.Context())
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if list == nil {
			list = []model.Pair{}
		}
		WriteJSON(w, http.StatusOK, list)
	}
}

// QueryLimit parses the optional ?limit= query parameter. Zero means the
// caller's default.
func QueryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", ErrValidation)
	}
	return n, nil
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// publicMessages replaces the error text for kinds whose cause comes from a
// database or an upstream price service.
var publicMessages = map[Kind]string{
	KindPriceUnavailable:      ErrPriceUnavailable.Error(),
	KindPriceResolutionFailed: ErrPriceResolutionFailed.Error(),
	KindInternal:              "internal error",
}

// WriteError writes a JSON error response with a stable kind. Server-side
// failures are logged with their full cause; the client only sees the kind's
// fixed message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	msg, fixed := publicMessages[kind]
	if !fixed {
		msg = err.Error()
	} else {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"kind", kind,
			"err", err,
		)
	}
	WriteJSON(w, kind.HTTPStatus(), errorBody{Error: errorDetail{Kind: kind, Message: msg}})
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
