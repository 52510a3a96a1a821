package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"cinecredit/internal/model"
	"cinecredit/internal/service"
	"cinecredit/internal/session"
)

type Handler struct {
	svc    service.LedgerService
	logger *zap.Logger
}

func NewHandler(svc service.LedgerService, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/credits/{userId}", h.GetBalance).Methods(http.MethodGet)
	r.HandleFunc("/credits/{userId}/init", h.Initialize).Methods(http.MethodPost)
	r.HandleFunc("/credits/{userId}/deduct", h.Deduct).Methods(http.MethodPost)
	r.HandleFunc("/credits/{userId}/topup", h.TopUp).Methods(http.MethodPost)
}

func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	credits, err := h.svc.InitializeBalance(r.Context(), userID)
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, model.BalanceResult{UserID: userID, Credits: credits})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	credits, err := h.svc.GetBalance(r.Context(), userID)
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, model.BalanceResult{UserID: userID, Credits: credits})
}

func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	credits, err := h.svc.DeductOne(r.Context(), userID)
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, model.BalanceResult{UserID: userID, Credits: credits})
}

// TopUp is reserved for service tokens (the purchase flow); users cannot
// grant themselves credits.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if err := session.RequireService(r.Context()); err != nil {
		h.respondLedgerError(w, err)
		return
	}
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", model.KindValidation)
		return
	}
	credits, err := h.svc.AddCredits(r.Context(), userID, req.Amount)
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, model.BalanceResult{UserID: userID, Credits: credits})
}

// respondLedgerError maps the ledger's error taxonomy to HTTP.
func (h *Handler) respondLedgerError(w http.ResponseWriter, err error) {
	kind := model.ErrorKind(err)
	switch kind {
	case model.KindAuth:
		if errors.Is(err, model.ErrPermissionDenied) {
			respondError(w, http.StatusForbidden, "Permission denied", kind)
			return
		}
		respondError(w, http.StatusUnauthorized, "Authentication required", kind)
	case model.KindInsufficientCredits:
		respondError(w, http.StatusPaymentRequired, "Insufficient credits, purchase more credits", kind)
	case model.KindValidation:
		respondError(w, http.StatusBadRequest, err.Error(), kind)
	case model.KindNotFound:
		respondError(w, http.StatusNotFound, "Account not found", kind)
	case model.KindVerificationMismatch:
		var mismatch *model.VerificationMismatchError
		errors.As(err, &mismatch)
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"error":   "Credit deduction failed verification",
			"type":    kind,
			"credits": mismatch.Actual,
		})
	case model.KindTransient:
		respondError(w, http.StatusServiceUnavailable, "Service temporarily unavailable. Please try again later.", kind)
	default:
		h.logger.Error("unexpected ledger error", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Internal server error", model.KindInternal)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message, kind string) {
	respondJSON(w, status, map[string]string{"error": message, "type": kind})
}
