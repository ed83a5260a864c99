/**
 * @description
 * This file contains the HTTP handler functions for the credit-service.
 * Handlers parse incoming requests, call the appropriate business logic, and
 * map ledger errors onto HTTP status codes. Recording a metered API call as a
 * deduction (POST /v1/usage) is the system's only live-traffic mutation path.
 */
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meterline/credit-service/internal/app"
	"github.com/meterline/credit-service/internal/domain"
	"github.com/meterline/credit-service/internal/store"
)

// Handler holds the application services that handlers interact with.
type Handler struct {
	ledger    *app.Service
	proration *app.ProrationEngine
	tiers     *app.TierService
	policy    *domain.IncrementPolicy
}

// NewHandler creates a new Handler with the given services.
func NewHandler(ledger *app.Service, proration *app.ProrationEngine, tiers *app.TierService, policy *domain.IncrementPolicy) *Handler {
	return &Handler{ledger: ledger, proration: proration, tiers: tiers, policy: policy}
}

// handleRecordUsage translates a metered API call into a deduction. The
// caller supplies an idempotency key in X-Request-ID; replays return the
// original result.
func (h *Handler) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUserID(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount   decimal.Decimal   `json:"amount"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	requestID := r.Header.Get("X-Request-ID")
	result, err := h.ledger.DeductCredits(r.Context(), userID, req.Amount, app.DeductionMetadata{
		RequestID: requestID,
		Details:   req.Metadata,
	})
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

// handleGetCredits returns the full pool breakdown for the current period.
func (h *Handler) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUserID(w, r)
	if !ok {
		return
	}

	credits, err := h.ledger.GetDetailedCredits(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, credits)
}

// handleCheckAvailable reports whether the user can cover a required amount.
func (h *Handler) handleCheckAvailable(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUserID(w, r)
	if !ok {
		return
	}

	required, err := decimal.NewFromString(r.URL.Query().Get("required"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid required amount")
		return
	}

	available, err := h.ledger.HasAvailableCredits(r.Context(), userID, required)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"available": available})
}

// handleAllocateCredits creates or replaces the account for a billing period.
func (h *Handler) handleAllocateCredits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       uuid.UUID       `json:"user_id"`
		PeriodStart  time.Time       `json:"period_start"`
		PeriodEnd    time.Time       `json:"period_end"`
		Free         decimal.Decimal `json:"free"`
		Subscription decimal.Decimal `json:"subscription"`
		Replace      bool            `json:"replace"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	account, err := h.ledger.AllocateCredits(r.Context(), req.UserID, req.PeriodStart, req.PeriodEnd, req.Free, req.Subscription, req.Replace)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, account)
}

func decodeTierChange(r *http.Request) (app.TierChangeRequest, error) {
	var req struct {
		SubscriptionID uuid.UUID `json:"subscription_id"`
		UserID         uuid.UUID `json:"user_id"`
		EventType      string    `json:"event_type"`
		FromTier       string    `json:"from_tier"`
		ToTier         string    `json:"to_tier"`
		Interval       string    `json:"interval"`
		Today          time.Time `json:"today"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return app.TierChangeRequest{}, err
	}
	return app.TierChangeRequest{
		SubscriptionID: req.SubscriptionID,
		UserID:         req.UserID,
		EventType:      domain.ProrationEventType(req.EventType),
		FromTier:       req.FromTier,
		ToTier:         req.ToTier,
		Interval:       req.Interval,
		Today:          req.Today,
	}, nil
}

// handlePreviewTierChange quotes a tier change without applying it.
func (h *Handler) handlePreviewTierChange(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTierChange(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	quote, err := h.proration.Preview(r.Context(), req)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, quote)
}

// handleApplyTierChange records a proration event and commits its delta.
func (h *Handler) handleApplyTierChange(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTierChange(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	event, quote, err := h.proration.Apply(r.Context(), req)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"event": event,
		"quote": quote,
	})
}

// handleReverseProration administratively reverses an applied event.
func (h *Handler) handleReverseProration(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid event id")
		return
	}

	reversal, err := h.proration.Reverse(r.Context(), eventID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, reversal)
}

// handleUpsertTier appends a new tier config version with its audit entries.
func (h *Handler) handleUpsertTier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TierName                string          `json:"tier_name"`
		MonthlyCreditAllocation decimal.Decimal `json:"monthly_credit_allocation"`
		MonthlyPriceUSD         decimal.Decimal `json:"monthly_price_usd"`
		AnnualPriceUSD          decimal.Decimal `json:"annual_price_usd"`
		IsActive                bool            `json:"is_active"`
		EffectiveFrom           time.Time       `json:"effective_from"`
		ActorID                 string          `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TierName == "" {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	cfg, err := h.tiers.UpsertTier(r.Context(), app.TierInput{
		TierName:                req.TierName,
		MonthlyCreditAllocation: req.MonthlyCreditAllocation,
		MonthlyPriceUSD:         req.MonthlyPriceUSD,
		AnnualPriceUSD:          req.AnnualPriceUSD,
		IsActive:                req.IsActive,
		EffectiveFrom:           req.EffectiveFrom,
	}, req.ActorID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, cfg)
}

// handleGetTier returns the newest active version of a tier.
func (h *Handler) handleGetTier(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.tiers.GetTier(r.Context(), chi.URLParam(r, "tierName"))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, cfg)
}

// handleTierHistory returns the append-only audit log for a tier.
func (h *Handler) handleTierHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.tiers.History(r.Context(), chi.URLParam(r, "tierName"))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entries)
}

// handleGetIncrement returns the current increment policy value.
func (h *Handler) handleGetIncrement(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"increment": h.policy.Increment().String()})
}

// handleSetIncrement changes the process-wide increment policy.
func (h *Handler) handleSetIncrement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Increment decimal.Decimal `json:"increment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.policy.SetIncrement(req.Increment); err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"increment": h.policy.Increment().String()})
}

func authedUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	subject, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(subject)
	if err != nil {
		http.Error(w, "Invalid user id in token", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	return userID, true
}

// respondWithServiceError maps ledger errors onto HTTP status codes.
func respondWithServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrInsufficientCredits):
		respondWithError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrTierNotFound),
		errors.Is(err, store.ErrProrationEventNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicatePeriod):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrConcurrentModification):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrInvalidBillingPeriod),
		errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrMissingRequestID),
		errors.Is(err, app.ErrEventNotReversible),
		errors.Is(err, domain.ErrInvalidConfiguration):
		respondWithError(w, http.StatusBadRequest, err.Error())
	default:
		respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
