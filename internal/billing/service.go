package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachdesk/coachdesk/internal/shared"
)

// RepositoryPort abstracts the ledger store for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPlan(ctx context.Context, clientID int64) (PlanConfig, error)
	ListPlanStatuses(ctx context.Context, today time.Time) ([]PlanStatus, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CacheInvalidator drops cached report aggregates after the ledger changes.
type CacheInvalidator interface {
	Bump(ctx context.Context) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// Location decides which calendar day "today" is. Defaults to UTC.
	Location *time.Location
	Clock    func() time.Time
	Metrics  *Metrics
}

const (
	maxIdempotencyKeyLen = 128
	maxNotesLen          = 500
)

var maxAmount = decimal.New(1, 10)

// Service is the billing cycle manager. It is the only writer of plans and ledger entries.
type Service struct {
	repo      RepositoryPort
	directory ClientDirectory
	audit     AuditPort
	cache     CacheInvalidator
	logger    *slog.Logger
	metrics   *Metrics
	loc       *time.Location
	clock     func() time.Time
}

// NewService builds Service. audit and cache may be nil.
func NewService(repo RepositoryPort, directory ClientDirectory, audit AuditPort, cache CacheInvalidator, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		repo:      repo,
		directory: directory,
		audit:     audit,
		cache:     cache,
		logger:    logger,
		metrics:   cfg.Metrics,
		loc:       loc,
		clock:     clock,
	}
}

// Today returns the current calendar date in the billing location.
func (s *Service) Today() time.Time {
	return DateOf(s.clock(), s.loc)
}

// Configure creates the client's plan or fully resets an existing one, starting a fresh schedule at StartDate.
func (s *Service) Configure(ctx context.Context, input ConfigureInput) (PlanConfig, error) {
	plan, err := s.configure(ctx, input)
	s.metrics.observe("configure", err)
	return plan, err
}

func (s *Service) configure(ctx context.Context, input ConfigureInput) (PlanConfig, error) {
	if input.ClientID <= 0 {
		return PlanConfig{}, fmt.Errorf("%w: client id required", ErrInvalidInput)
	}
	if err := validateAmount(input.Amount); err != nil {
		return PlanConfig{}, err
	}
	if !input.Frequency.Valid() {
		return PlanConfig{}, fmt.Errorf("%w: unknown frequency %q", ErrInvalidInput, string(input.Frequency))
	}
	start := s.Today()
	if input.StartDate != nil {
		start = DateOf(*input.StartDate, input.StartDate.Location())
	}

	exists, err := s.directory.ClientExists(ctx, input.ClientID)
	if err != nil {
		return PlanConfig{}, err
	}
	if !exists {
		return PlanConfig{}, ErrClientNotFound
	}

	nextDue := NextDate(start, input.Frequency)
	var (
		plan  PlanConfig
		entry LedgerEntry
		reset bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := tx.GetPlanForUpdate(ctx, input.ClientID)
		switch {
		case err == nil:
			reset = true
		case !errors.Is(err, ErrPlanNotFound):
			return err
		}
		plan, err = tx.UpsertPlan(ctx, PlanConfig{
			ClientID:    input.ClientID,
			Amount:      input.Amount,
			Frequency:   input.Frequency,
			StartDate:   start,
			NextDueDate: nextDue,
			Active:      true,
		})
		if err != nil {
			return err
		}
		entry, err = tx.AppendLedgerEntry(ctx, LedgerEntry{
			ClientID:    input.ClientID,
			Amount:      input.Amount,
			PaymentDate: start,
			PeriodStart: start,
			PeriodEnd:   PeriodEnd(nextDue),
			Frequency:   input.Frequency,
			Notes:       InitialConfigurationNote,
		})
		return err
	})
	if err != nil {
		return PlanConfig{}, classifyStorageError("configure plan", err)
	}

	s.afterCommit(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "billing.plan.configure",
		Entity:   "billing_plan",
		EntityID: strconv.FormatInt(input.ClientID, 10),
		Meta: map[string]any{
			"amount":        input.Amount.String(),
			"frequency":     string(input.Frequency),
			"start_date":    start.Format(time.DateOnly),
			"next_due_date": nextDue.Format(time.DateOnly),
			"reset":         reset,
			"ledger_id":     entry.ID,
		},
	})
	s.logger.Info("billing plan configured",
		slog.Int64("client_id", input.ClientID),
		slog.String("frequency", string(input.Frequency)),
		slog.String("next_due_date", nextDue.Format(time.DateOnly)),
		slog.Bool("reset", reset),
	)
	return plan, nil
}

// RegisterPayment records one payment and advances the schedule by exactly one period.
// The new due date is computed from the scheduled due date, never from the payment date.
func (s *Service) RegisterPayment(ctx context.Context, input RegisterPaymentInput) (PaymentResult, error) {
	result, err := s.registerPayment(ctx, input)
	s.metrics.observe("register_payment", err)
	return result, err
}

func (s *Service) registerPayment(ctx context.Context, input RegisterPaymentInput) (PaymentResult, error) {
	if input.ClientID <= 0 {
		return PaymentResult{}, fmt.Errorf("%w: client id required", ErrInvalidInput)
	}
	key := strings.TrimSpace(input.IdempotencyKey)
	if len(key) > maxIdempotencyKeyLen {
		return PaymentResult{}, fmt.Errorf("%w: idempotency key longer than %d characters", ErrInvalidInput, maxIdempotencyKeyLen)
	}
	notes := strings.TrimSpace(input.Notes)
	if len(notes) > maxNotesLen {
		return PaymentResult{}, fmt.Errorf("%w: notes longer than %d characters", ErrInvalidInput, maxNotesLen)
	}
	paymentDate := s.Today()
	if input.PaymentDate != nil {
		paymentDate = DateOf(*input.PaymentDate, input.PaymentDate.Location())
	}

	var result PaymentResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		plan, err := tx.GetPlanForUpdate(ctx, input.ClientID)
		if errors.Is(err, ErrPlanNotFound) {
			return ErrNoActivePlan
		}
		if err != nil {
			return err
		}
		if !plan.Active {
			return ErrNoActivePlan
		}
		if key != "" {
			if err := tx.ClaimPaymentKey(ctx, input.ClientID, key); err != nil {
				return err
			}
		}

		periodStart := plan.NextDueDate
		nextDue := NextDate(periodStart, plan.Frequency)
		entry, err := tx.AppendLedgerEntry(ctx, LedgerEntry{
			ClientID:    input.ClientID,
			Amount:      plan.Amount,
			PaymentDate: paymentDate,
			PeriodStart: periodStart,
			PeriodEnd:   PeriodEnd(nextDue),
			Frequency:   plan.Frequency,
			Notes:       notes,
		})
		if err != nil {
			return err
		}
		updated, err := tx.AdvanceDueDate(ctx, input.ClientID, periodStart, nextDue)
		if err != nil {
			return err
		}
		result = PaymentResult{NextDueDate: updated.NextDueDate, Entry: entry}
		return nil
	})
	if err != nil {
		return PaymentResult{}, classifyStorageError("register payment", err)
	}

	s.afterCommit(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "billing.payment.register",
		Entity:   "billing_plan",
		EntityID: strconv.FormatInt(input.ClientID, 10),
		Meta: map[string]any{
			"ledger_id":     result.Entry.ID,
			"amount":        result.Entry.Amount.String(),
			"payment_date":  paymentDate.Format(time.DateOnly),
			"period_start":  result.Entry.PeriodStart.Format(time.DateOnly),
			"period_end":    result.Entry.PeriodEnd.Format(time.DateOnly),
			"next_due_date": result.NextDueDate.Format(time.DateOnly),
		},
	})
	s.logger.Info("billing payment registered",
		slog.Int64("client_id", input.ClientID),
		slog.Int64("ledger_id", result.Entry.ID),
		slog.String("next_due_date", result.NextDueDate.Format(time.DateOnly)),
	)
	return result, nil
}

// Deactivate marks the client's plan inactive. Deactivating an inactive plan is a no-op.
func (s *Service) Deactivate(ctx context.Context, clientID, actorID int64) error {
	err := s.deactivate(ctx, clientID, actorID)
	s.metrics.observe("deactivate", err)
	return err
}

func (s *Service) deactivate(ctx context.Context, clientID, actorID int64) error {
	if clientID <= 0 {
		return fmt.Errorf("%w: client id required", ErrInvalidInput)
	}
	var changed bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		plan, err := tx.GetPlanForUpdate(ctx, clientID)
		if err != nil {
			return err
		}
		if !plan.Active {
			return nil
		}
		changed, err = tx.DeactivatePlan(ctx, clientID)
		return err
	})
	if err != nil {
		return classifyStorageError("deactivate plan", err)
	}
	if !changed {
		return nil
	}
	s.afterCommit(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "billing.plan.deactivate",
		Entity:   "billing_plan",
		EntityID: strconv.FormatInt(clientID, 10),
	})
	s.logger.Info("billing plan deactivated", slog.Int64("client_id", clientID))
	return nil
}

// GetPlan returns the client's plan, or nil when none was ever configured.
func (s *Service) GetPlan(ctx context.Context, clientID int64) (*PlanConfig, error) {
	if clientID <= 0 {
		return nil, fmt.Errorf("%w: client id required", ErrInvalidInput)
	}
	plan, err := s.repo.GetPlan(ctx, clientID)
	if errors.Is(err, ErrPlanNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// ListPlanStatuses returns every plan with its due state as of today.
func (s *Service) ListPlanStatuses(ctx context.Context) ([]PlanStatus, error) {
	return s.repo.ListPlanStatuses(ctx, s.Today())
}

func (s *Service) afterCommit(ctx context.Context, log shared.AuditLog) {
	if s.cache != nil {
		if err := s.cache.Bump(ctx); err != nil {
			s.logger.Warn("bump report cache", slog.Any("error", err))
		}
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, log); err != nil {
			s.logger.Warn("record billing audit", slog.String("action", log.Action), slog.Any("error", err))
		}
	}
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidInput)
	}
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("%w: amount supports at most two decimal places", ErrInvalidInput)
	}
	if amount.GreaterThanOrEqual(maxAmount) {
		return fmt.Errorf("%w: amount must be below %s", ErrInvalidInput, maxAmount.String())
	}
	return nil
}
