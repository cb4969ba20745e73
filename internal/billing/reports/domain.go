// Package reports aggregates the billing ledger for dashboards and reminders. It never writes.
package reports

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachdesk/coachdesk/internal/billing"
)

const (
	// DefaultHistoryLimit caps History entries when the filter sets no limit.
	DefaultHistoryLimit = 100
	// MaxHistoryLimit is the largest accepted History limit.
	MaxHistoryLimit = 1000
	// DefaultTopClients is used when Stats is called with top <= 0.
	DefaultTopClients = 5
	// MaxTopClients bounds the top-client ranking.
	MaxTopClients = 50
	// MaxDueWindowDays bounds DueSoon.
	MaxDueWindowDays = 365
)

// HistoryFilter scopes a ledger query. Every set field is ANDed.
type HistoryFilter struct {
	ClientID *int64     `json:"clientId,omitempty"`
	Year     *int       `json:"year,omitempty"`
	Month    *int       `json:"month,omitempty"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

// HistoryResult lists matching entries newest first. TotalAmount and Count cover every match,
// not only the entries returned under Limit.
type HistoryResult struct {
	Entries     []billing.LedgerEntry `json:"entries"`
	TotalAmount decimal.Decimal       `json:"totalAmount"`
	Count       int                   `json:"count"`
}

// MonthlyTotal sums one calendar month of payments.
type MonthlyTotal struct {
	Month int             `json:"month"`
	Total decimal.Decimal `json:"total"`
	Count int             `json:"count"`
}

// ClientTotal ranks a client by what they paid.
type ClientTotal struct {
	ClientID int64           `json:"clientId"`
	Name     string          `json:"name"`
	Total    decimal.Decimal `json:"total"`
	Count    int             `json:"count"`
}

// Stats is the yearly billing summary. Months without payments are omitted.
type Stats struct {
	Year        int             `json:"year"`
	Monthly     []MonthlyTotal  `json:"monthly"`
	YearlyTotal decimal.Decimal `json:"yearlyTotal"`
	TopClients  []ClientTotal   `json:"topClients"`
}

// DueClient is an active plan whose next payment falls inside a reminder window.
type DueClient struct {
	ClientID     int64             `json:"clientId"`
	Name         string            `json:"name"`
	Email        string            `json:"email"`
	Amount       decimal.Decimal   `json:"amount"`
	Frequency    billing.Frequency `json:"frequency"`
	NextDueDate  time.Time         `json:"nextDueDate"`
	DaysUntilDue int               `json:"daysUntilDue"`
}
