/**
 * @description
 * HTTP handlers for the recurring-donation service. Handlers decode and validate the
 * request, resolve the calling actor and delegate to the application service. Domain
 * errors are translated to status codes in writeServiceError.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - gopkg.in/go-playground/validator.v9: Request payload validation.
 * - github.com/shopspring/decimal: Amount parsing.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	validator "gopkg.in/go-playground/validator.v9"

	"github.com/donorhub/recurring-donation-service/internal/app"
	"github.com/donorhub/recurring-donation-service/internal/domain"
	"github.com/donorhub/recurring-donation-service/internal/lifecycle"
)

// DonationService is the application behaviour the handlers depend on.
type DonationService interface {
	ResolveActor(ctx context.Context, subject string, admin bool) (domain.Actor, error)
	CreateRecurringDonation(ctx context.Context, actor domain.Actor, in domain.CreateRecurringDonationInput) (*domain.RecurringDonation, error)
	GetRecurringDonation(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.RecurringDonationView, error)
	ListRecurringDonations(ctx context.Context, actor domain.Actor, filter domain.ListFilter) ([]domain.RecurringDonationView, error)
	ChangeStatus(ctx context.Context, actor domain.Actor, id uuid.UUID, requested domain.DonationStatus) (*domain.RecurringDonation, error)
	AdvanceAfterCharge(ctx context.Context, id uuid.UUID, chargedFor time.Time) (*domain.RecurringDonation, error)
	PublishDueDonations(ctx context.Context, asOf time.Time) (*app.DueRunResult, error)
	RetireExhaustedDonations(ctx context.Context) (*app.RetireRunResult, error)
	DisplayInterval(start, end *time.Time) string
}

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service  DonationService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service DonationService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, validate: validator.New(), logger: logger}
}

type createRecurringDonationRequest struct {
	DonorID        string  `json:"donor_id" validate:"omitempty,uuid"`
	StartDate      string  `json:"start_date" validate:"required"`
	EndDate        *string `json:"end_date"`
	IntervalAmount string  `json:"interval_amount" validate:"required,numeric"`
	IntervalType   string  `json:"interval_type" validate:"required"`
	PaymentMethod  string  `json:"payment_method" validate:"required,oneof=card bank_transfer"`
}

type changeStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type advanceRequest struct {
	ChargedFor string `json:"charged_for" validate:"required"`
}

type dueRunRequest struct {
	AsOf string `json:"as_of"`
}

type displayIntervalResponse struct {
	DisplayInterval string `json:"display_interval"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req createRecurringDonationRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	in, err := req.toInput()
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	d, err := h.service.CreateRecurringDonation(r.Context(), actor, in)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, d)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	filter, err := listFilterFromQuery(r)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	views, err := h.service.ListRecurringDonations(r.Context(), actor, filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, views)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := donationIDParam(w, r)
	if !ok {
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	view, err := h.service.GetRecurringDonation(r.Context(), actor, id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (h *Handler) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := donationIDParam(w, r)
	if !ok {
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req changeStatusRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	requested, err := domain.ParseDonationStatus(req.Status)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	d, err := h.service.ChangeStatus(r.Context(), actor, id, requested)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, d)
}

func (h *Handler) handleDisplayInterval(w http.ResponseWriter, r *http.Request) {
	start, err := optionalDate(r.URL.Query().Get("start_date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start_date")
		return
	}
	end, err := optionalDate(r.URL.Query().Get("end_date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end_date")
		return
	}
	respondWithJSON(w, http.StatusOK, displayIntervalResponse{DisplayInterval: h.service.DisplayInterval(start, end)})
}

func (h *Handler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	id, ok := donationIDParam(w, r)
	if !ok {
		return
	}

	var req advanceRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	chargedFor, err := parseDate(req.ChargedFor)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid charged_for")
		return
	}

	d, err := h.service.AdvanceAfterCharge(r.Context(), id, chargedFor)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, d)
}

func (h *Handler) handleRunDue(w http.ResponseWriter, r *http.Request) {
	var req dueRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	asOf := time.Now().UTC()
	if req.AsOf != "" {
		parsed, err := parseDate(req.AsOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid as_of")
			return
		}
		asOf = parsed
	}

	result, err := h.service.PublishDueDonations(r.Context(), asOf)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRunExhausted(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RetireExhaustedDonations(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// actor resolves the authenticated caller and writes the error response itself.
func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return domain.Actor{}, false
	}
	actor, err := h.service.ResolveActor(r.Context(), principal.Subject, principal.Admin)
	if err != nil {
		h.writeServiceError(w, err)
		return domain.Actor{}, false
	}
	return actor, true
}

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// writeServiceError maps domain errors to HTTP status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var rateLimited *app.RateLimitError
	switch {
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrDonorNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrConcurrentModification):
		writeError(w, http.StatusConflict, "recurring donation was modified by another request; reload and try again")
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, lifecycle.ErrChargeAlreadyApplied):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrUnsupportedInterval):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("unhandled service error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// maxIntervalAmount is the first value that no longer fits NUMERIC(12, 2).
var maxIntervalAmount = decimal.New(1, 10)

func (req createRecurringDonationRequest) toInput() (domain.CreateRecurringDonationInput, error) {
	var in domain.CreateRecurringDonationInput

	if req.DonorID != "" {
		id, err := uuid.Parse(req.DonorID)
		if err != nil {
			return in, fmt.Errorf("%w: invalid donor_id", domain.ErrValidation)
		}
		in.DonorID = id
	}

	start, err := parseDate(req.StartDate)
	if err != nil {
		return in, fmt.Errorf("%w: invalid start_date", domain.ErrValidation)
	}
	in.StartDate = start

	if req.EndDate != nil && *req.EndDate != "" {
		end, err := parseDate(*req.EndDate)
		if err != nil {
			return in, fmt.Errorf("%w: invalid end_date", domain.ErrValidation)
		}
		in.EndDate = &end
	}

	amount, err := decimal.NewFromString(req.IntervalAmount)
	if err != nil {
		return in, fmt.Errorf("%w: invalid interval_amount", domain.ErrValidation)
	}
	if amount.Exponent() < -2 {
		return in, fmt.Errorf("%w: interval_amount has more than two decimal places", domain.ErrValidation)
	}
	if amount.GreaterThanOrEqual(maxIntervalAmount) {
		return in, fmt.Errorf("%w: interval_amount must be below %s", domain.ErrValidation, maxIntervalAmount)
	}
	in.IntervalAmount = amount

	if in.IntervalType, err = domain.ParseIntervalType(req.IntervalType); err != nil {
		return in, err
	}
	if in.PaymentMethod, err = domain.ParsePaymentMethod(req.PaymentMethod); err != nil {
		return in, err
	}
	return in, nil
}

func listFilterFromQuery(r *http.Request) (domain.ListFilter, error) {
	var filter domain.ListFilter
	q := r.URL.Query()

	if raw := q.Get("donor_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, fmt.Errorf("%w: invalid donor_id", domain.ErrValidation)
		}
		filter.DonorID = id
	}
	if raw := q.Get("status"); raw != "" {
		status, err := domain.ParseDonationStatus(raw)
		if err != nil {
			return filter, err
		}
		filter.Status = status
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("%w: invalid limit", domain.ErrValidation)
		}
		filter.Limit = limit
	}
	return filter, nil
}

func donationIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid recurring donation ID")
		return uuid.Nil, false
	}
	return id, true
}

// parseDate accepts a calendar date or an RFC 3339 timestamp and returns UTC midnight.
func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, raw); err != nil {
			return time.Time{}, err
		}
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}

func optionalDate(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := parseDate(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "invalid request"
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}

// respondWithJSON writes JSON responses.
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
