package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Frequency enumerates the supported billing cadences.
type Frequency string

const (
	// FrequencyMonthly bills every calendar month.
	FrequencyMonthly Frequency = "monthly"
	// FrequencyQuarterly bills every three calendar months.
	FrequencyQuarterly Frequency = "quarterly"
	// FrequencyBiannual bills every six calendar months.
	FrequencyBiannual Frequency = "biannual"
	// FrequencyAnnual bills every calendar year.
	FrequencyAnnual Frequency = "annual"
)

// Frequencies lists every valid frequency in ascending period length.
var Frequencies = []Frequency{FrequencyMonthly, FrequencyQuarterly, FrequencyBiannual, FrequencyAnnual}

// Valid reports whether f is one of the supported frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyMonthly, FrequencyQuarterly, FrequencyBiannual, FrequencyAnnual:
		return true
	}
	return false
}

// ParseFrequency normalises user input into a Frequency.
func ParseFrequency(raw string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(raw)))
	if !f.Valid() {
		return "", fmt.Errorf("%w: unknown frequency %q", ErrInvalidInput, raw)
	}
	return f, nil
}

// InitialConfigurationNote marks the ledger entry written when a plan is configured.
const InitialConfigurationNote = "initial configuration"

// PlanConfig is the current billing plan of a client.
type PlanConfig struct {
	ClientID    int64
	Amount      decimal.Decimal
	Frequency   Frequency
	StartDate   time.Time
	NextDueDate time.Time
	Active      bool
	UpdatedAt   time.Time
}

// LedgerEntry is one immutable billing period record.
type LedgerEntry struct {
	ID          int64
	ClientID    int64
	Amount      decimal.Decimal
	PaymentDate time.Time
	PeriodStart time.Time
	PeriodEnd   time.Time
	Frequency   Frequency
	Notes       string
	CreatedAt   time.Time
}

// PlanStatus decorates a plan with its due state relative to a reference day.
type PlanStatus struct {
	Plan             PlanConfig
	PaymentDue       bool
	DaysUntilPayment int
}

// ConfigureInput describes a request to create or reset a client's plan.
type ConfigureInput struct {
	ClientID  int64
	Amount    decimal.Decimal
	Frequency Frequency
	// StartDate defaults to today when nil. Its calendar date is taken in its own location.
	StartDate *time.Time
	ActorID   int64
}

// RegisterPaymentInput describes a payment against the client's current plan.
type RegisterPaymentInput struct {
	ClientID int64
	// PaymentDate defaults to today when nil.
	PaymentDate *time.Time
	Notes       string
	// IdempotencyKey, when set, makes a replayed registration fail with ErrDuplicatePayment.
	IdempotencyKey string
	ActorID        int64
}

// PaymentResult is returned by RegisterPayment.
type PaymentResult struct {
	NextDueDate time.Time
	Entry       LedgerEntry
}
