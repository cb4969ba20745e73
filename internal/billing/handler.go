package billing

import (
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/coachdesk/coachdesk/internal/platform/httpx"
	"github.com/coachdesk/coachdesk/internal/shared"
)

// IdempotencyKeyHeader carries the optional replay guard for payment registration.
const IdempotencyKeyHeader = "Idempotency-Key"

// Handler exposes the billing cycle manager over JSON.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the billing handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: NewValidator()}
}

// NewValidator returns a validator that understands decimal amounts and reports JSON field names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/plans", h.listPlans)
	r.Route("/clients/{clientID}", func(r chi.Router) {
		r.Get("/plan", h.getPlan)
		r.Put("/plan", h.configurePlan)
		r.Delete("/plan", h.deactivatePlan)
		r.Post("/payments", h.registerPayment)
	})
}

type configureRequest struct {
	Amount    decimal.Decimal `json:"amount" validate:"required,gt=0"`
	Frequency string          `json:"frequency" validate:"required,oneof=monthly quarterly biannual annual"`
	StartDate string          `json:"startDate" validate:"omitempty,datetime=2006-01-02"`
}

type registerPaymentRequest struct {
	PaymentDate string `json:"paymentDate" validate:"omitempty,datetime=2006-01-02"`
	Notes       string `json:"notes" validate:"max=500"`
}

// PlanView is the wire shape of a plan.
type PlanView struct {
	ClientID    int64     `json:"clientId"`
	Amount      string    `json:"amount"`
	Frequency   Frequency `json:"frequency"`
	StartDate   string    `json:"startDate"`
	NextDueDate string    `json:"nextDueDate"`
	Active      bool      `json:"active"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// EntryView is the wire shape of a ledger entry.
type EntryView struct {
	ID          int64     `json:"id"`
	ClientID    int64     `json:"clientId"`
	Amount      string    `json:"amount"`
	PaymentDate string    `json:"paymentDate"`
	PeriodStart string    `json:"periodStart"`
	PeriodEnd   string    `json:"periodEnd"`
	Frequency   Frequency `json:"frequency"`
	Notes       string    `json:"notes,omitempty"`
}

type planStatusView struct {
	ClientID         int64    `json:"clientId"`
	Plan             PlanView `json:"plan"`
	PaymentDue       bool     `json:"paymentDue"`
	DaysUntilPayment int      `json:"daysUntilPayment"`
}

type paymentView struct {
	NextDueDate string    `json:"nextDueDate"`
	Entry       EntryView `json:"entry"`
}

// NewPlanView converts a plan for the wire.
func NewPlanView(p PlanConfig) PlanView {
	return PlanView{
		ClientID:    p.ClientID,
		Amount:      p.Amount.StringFixed(2),
		Frequency:   p.Frequency,
		StartDate:   p.StartDate.Format(time.DateOnly),
		NextDueDate: p.NextDueDate.Format(time.DateOnly),
		Active:      p.Active,
		UpdatedAt:   p.UpdatedAt,
	}
}

// NewEntryView converts a ledger entry for the wire.
func NewEntryView(e LedgerEntry) EntryView {
	return EntryView{
		ID:          e.ID,
		ClientID:    e.ClientID,
		Amount:      e.Amount.StringFixed(2),
		PaymentDate: e.PaymentDate.Format(time.DateOnly),
		PeriodStart: e.PeriodStart.Format(time.DateOnly),
		PeriodEnd:   e.PeriodEnd.Format(time.DateOnly),
		Frequency:   e.Frequency,
		Notes:       e.Notes,
	}
}

func (h *Handler) configurePlan(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.clientID(w, r)
	if !ok {
		return
	}
	var req configureRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req.Frequency = strings.ToLower(strings.TrimSpace(req.Frequency))
	if fields := h.validate(req); fields != nil {
		httpx.ValidationProblem(w, fields)
		return
	}
	input := ConfigureInput{
		ClientID:  clientID,
		Amount:    req.Amount,
		Frequency: Frequency(req.Frequency),
		ActorID:   actorID(r),
	}
	if req.StartDate != "" {
		start, err := ParseDate(req.StartDate)
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		input.StartDate = &start
	}
	plan, err := h.service.Configure(r.Context(), input)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, NewPlanView(plan))
}

func (h *Handler) registerPayment(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.clientID(w, r)
	if !ok {
		return
	}
	var req registerPaymentRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	if fields := h.validate(req); fields != nil {
		httpx.ValidationProblem(w, fields)
		return
	}
	input := RegisterPaymentInput{
		ClientID:       clientID,
		Notes:          req.Notes,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
		ActorID:        actorID(r),
	}
	if req.PaymentDate != "" {
		paid, err := ParseDate(req.PaymentDate)
		if err != nil {
			WriteError(w, h.logger, err)
			return
		}
		input.PaymentDate = &paid
	}
	result, err := h.service.RegisterPayment(r.Context(), input)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, paymentView{
		NextDueDate: result.NextDueDate.Format(time.DateOnly),
		Entry:       NewEntryView(result.Entry),
	})
}

func (h *Handler) getPlan(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.clientID(w, r)
	if !ok {
		return
	}
	plan, err := h.service.GetPlan(r.Context(), clientID)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if plan == nil {
		httpx.JSON(w, http.StatusOK, nil)
		return
	}
	httpx.JSON(w, http.StatusOK, NewPlanView(*plan))
}

func (h *Handler) deactivatePlan(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.clientID(w, r)
	if !ok {
		return
	}
	if err := h.service.Deactivate(r.Context(), clientID, actorID(r)); err != nil {
		WriteError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPlans(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.service.ListPlanStatuses(r.Context())
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	out := make([]planStatusView, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, planStatusView{
			ClientID:         s.Plan.ClientID,
			Plan:             NewPlanView(s.Plan),
			PaymentDue:       s.PaymentDue,
			DaysUntilPayment: s.DaysUntilPayment,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) clientID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "clientID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.ValidationProblem(w, map[string]string{"clientID": "must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (h *Handler) validate(req any) map[string]string {
	err := h.validator.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"general": err.Error()}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = validationMessage(fe)
	}
	return fields
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "datetime":
		return "must be a date formatted YYYY-MM-DD"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	}
	return "is invalid"
}

func actorID(r *http.Request) int64 {
	caller, _ := shared.CallerFromContext(r.Context())
	return caller.UserID
}

// WriteError maps billing errors onto problem responses. Unknown errors are logged and hidden.
func WriteError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", err.Error())
	case errors.Is(err, ErrClientNotFound):
		httpx.Problem(w, http.StatusNotFound, "Client Not Found", err.Error())
	case errors.Is(err, ErrPlanNotFound):
		httpx.Problem(w, http.StatusNotFound, "Plan Not Found", err.Error())
	case errors.Is(err, ErrNoActivePlan):
		httpx.Problem(w, http.StatusConflict, "No Active Plan", err.Error())
	case errors.Is(err, ErrConcurrencyConflict):
		httpx.Problem(w, http.StatusConflict, "Concurrent Update", "the plan changed while the request was processed; retry from a fresh read")
	case errors.Is(err, ErrDuplicatePayment):
		httpx.Problem(w, http.StatusConflict, "Duplicate Payment", err.Error())
	default:
		if logger != nil {
			logger.Error("billing request failed", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}
