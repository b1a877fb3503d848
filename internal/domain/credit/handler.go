package credit

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mwork/credit-ledger/internal/pkg/errorhandler"
	"github.com/mwork/credit-ledger/internal/pkg/response"
	"github.com/mwork/credit-ledger/internal/pkg/validator"
)

// Handler exposes the engine and query service over HTTP. The caller is
// identified by the {userID} path segment; authentication happens upstream.
type Handler struct {
	engine *Engine
	query  *QueryService
}

func NewHandler(engine *Engine, query *QueryService) *Handler {
	return &Handler{engine: engine, query: query}
}

// Routes returns the account-scoped router, mounted at /accounts/{userID}.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.OpenAccount)
	r.Get("/balance", h.Balance)
	r.Post("/reserve", h.Reserve)
	r.Post("/charge", h.Charge)
	r.Post("/refund", h.Refund)
	r.Get("/reservations", h.ActiveReservations)
	r.Get("/reservations/{reservationID}", h.GetReservation)
	r.Get("/transactions", h.Transactions)
	r.Post("/grants", h.Grant)
	return r
}

// Mount registers every credit route under r.
func (h *Handler) Mount(r chi.Router) {
	r.Mount("/accounts/{userID}", h.Routes())
	r.Post("/sweep", h.Sweep)
}

func userIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "userID"))
}

// OpenAccount handles POST /accounts/{userID}
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.engine.OpenAccount(r.Context(), userIDParam(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.Created(w, acc)
}

// Balance handles GET /balance
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := userIDParam(r)

	balance, err := h.query.GetBalance(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	available, err := h.query.GetAvailableBalance(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	response.OK(w, BalanceResponse{Balance: balance, AvailableBalance: available})
}

// Reserve handles POST /reserve
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.engine.Reserve(r.Context(), userIDParam(r), req.Amount, req.SessionID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	response.Created(w, ReserveResponse{ReservationID: res.ID, ExpiresAt: res.ExpiresAt})
}

// Charge handles POST /charge
func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	balanceAfter, err := h.engine.Charge(r.Context(), userIDParam(r), req.ReservationID, req.ActualAmount, req.UsageLogID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	response.OK(w, BalanceAfterResponse{BalanceAfter: balanceAfter})
}

// Refund handles POST /refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.engine.Refund(r.Context(), userIDParam(r), req.ReservationID, req.Reason); err != nil {
		h.handleError(w, r, err)
		return
	}

	response.OK(w, RefundResponse{Success: true})
}

// ActiveReservations handles GET /reservations
func (h *Handler) ActiveReservations(w http.ResponseWriter, r *http.Request) {
	items, err := h.query.GetActiveReservations(r.Context(), userIDParam(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, items)
}

// GetReservation handles GET /reservations/{reservationID}
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.query.GetReservation(r.Context(), userIDParam(r), chi.URLParam(r, "reservationID"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, res)
}

// Transactions handles GET /transactions?limit=&offset=
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	items, err := h.query.ListTransactions(r.Context(), userIDParam(r), limit, offset)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	response.WithMeta(w, items, response.Meta{
		Limit:   limit,
		Offset:  offset,
		Count:   len(items),
		HasNext: len(items) == limit,
	})
}

// Grant handles POST /grants
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	balanceAfter, err := h.engine.Grant(r.Context(), userIDParam(r), req.Amount, TxType(req.Type), req.Description, req.Metadata)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	response.OK(w, BalanceAfterResponse{BalanceAfter: balanceAfter})
}

// Sweep handles POST /sweep
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	cleaned, err := h.engine.Sweep(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	response.OK(w, SweepResponse{Cleaned: cleaned})
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := response.DecodeJSON(r.Body, dst); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return false
	}
	if errs := validator.Validate(dst); errs != nil {
		errorhandler.HandleValidation(r.Context(), w, errs)
		return false
	}
	return true
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	switch {
	case errors.Is(err, ErrInvalidAmount):
		errorhandler.HandleError(ctx, w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error(), err)
	case errors.Is(err, ErrInvalidTxType):
		errorhandler.HandleError(ctx, w, http.StatusBadRequest, "INVALID_TX_TYPE", err.Error(), err)
	case errors.Is(err, ErrAccountNotFound):
		errorhandler.HandleError(ctx, w, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Credit account not found", err)
	case errors.Is(err, ErrReservationNotFound):
		errorhandler.HandleError(ctx, w, http.StatusNotFound, "RESERVATION_NOT_FOUND", "Reservation not found", err)
	case errors.Is(err, ErrOwnership):
		errorhandler.HandleError(ctx, w, http.StatusForbidden, "FORBIDDEN", "Reservation belongs to another account", err)
	case errors.Is(err, ErrInsufficientBalance):
		errorhandler.HandleError(ctx, w, http.StatusConflict, "INSUFFICIENT_BALANCE", "Insufficient available balance", err)
	case errors.Is(err, ErrReservationExpired):
		errorhandler.HandleError(ctx, w, http.StatusConflict, "RESERVATION_EXPIRED", "Reservation expired", err)
	case errors.Is(err, ErrInvalidState):
		errorhandler.HandleError(ctx, w, http.StatusConflict, "INVALID_STATE", "Reservation is no longer active", err)
	case errors.Is(err, ErrAmountExceedsReservation):
		errorhandler.HandleError(ctx, w, http.StatusUnprocessableEntity, "AMOUNT_EXCEEDS_RESERVATION", err.Error(), err)
	case IsRetryable(err) && !errors.Is(err, ErrLedgerStore):
		errorhandler.HandleRetryable(ctx, w, http.StatusServiceUnavailable, "LOCK_UNAVAILABLE", "Account is busy, retry later", err)
	default:
		errorhandler.HandleError(ctx, w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", err)
	}
}
