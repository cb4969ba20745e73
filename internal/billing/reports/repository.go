package reports

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachdesk/coachdesk/internal/billing"
)

// Repository runs read-only ledger aggregations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListEntries returns entries matching f, newest payment first.
func (r *Repository) ListEntries(ctx context.Context, f HistoryFilter) ([]billing.LedgerEntry, error) {
	where, args := f.Build()
	args = append(args, f.EffectiveLimit())
	query := `
		SELECT l.id, l.client_id, l.amount::text, l.payment_date, l.period_start, l.period_end, l.frequency, l.notes, l.created_at
		FROM billing_ledger l
		` + where + `
		ORDER BY l.payment_date DESC, l.id DESC
		LIMIT $` + strconv.Itoa(len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageError("list entries", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.LedgerEntry, error) {
		var (
			e      billing.LedgerEntry
			amount string
			freq   string
			notes  pgtype.Text
		)
		if err := row.Scan(&e.ID, &e.ClientID, &amount, &e.PaymentDate, &e.PeriodStart, &e.PeriodEnd, &freq, &notes, &e.CreatedAt); err != nil {
			return e, err
		}
		e.Frequency = billing.Frequency(freq)
		e.Notes = notes.String
		var err error
		e.Amount, err = decimal.NewFromString(amount)
		return e, err
	})
	if err != nil {
		return nil, storageError("scan entries", err)
	}
	return entries, nil
}

// Totals sums every entry matching f, ignoring the limit.
func (r *Repository) Totals(ctx context.Context, f HistoryFilter) (decimal.Decimal, int, error) {
	where, args := f.Build()
	var (
		total string
		count int
	)
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(l.amount), 0)::text, COUNT(*) FROM billing_ledger l `+where, args...).Scan(&total, &count)
	if err != nil {
		return decimal.Zero, 0, storageError("sum entries", err)
	}
	sum, err := decimal.NewFromString(total)
	if err != nil {
		return decimal.Zero, 0, storageError("parse total", err)
	}
	return sum, count, nil
}

// MonthlyTotals returns one row per month of year that has payments.
func (r *Repository) MonthlyTotals(ctx context.Context, year int) ([]MonthlyTotal, error) {
	from, to := yearRange(year)
	rows, err := r.pool.Query(ctx, `
		SELECT EXTRACT(MONTH FROM payment_date)::int AS month, SUM(amount)::text, COUNT(*)
		FROM billing_ledger
		WHERE payment_date >= $1 AND payment_date < $2
		GROUP BY month
		ORDER BY month`, from, to)
	if err != nil {
		return nil, storageError("monthly totals", err)
	}
	totals, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (MonthlyTotal, error) {
		var (
			m     MonthlyTotal
			total string
		)
		if err := row.Scan(&m.Month, &total, &m.Count); err != nil {
			return m, err
		}
		var err error
		m.Total, err = decimal.NewFromString(total)
		return m, err
	})
	if err != nil {
		return nil, storageError("scan monthly totals", err)
	}
	return totals, nil
}

// TopClients ranks clients by total paid during year.
func (r *Repository) TopClients(ctx context.Context, year, limit int) ([]ClientTotal, error) {
	from, to := yearRange(year)
	rows, err := r.pool.Query(ctx, `
		SELECT l.client_id, COALESCE(u.name, ''), SUM(l.amount) AS total, COUNT(*)
		FROM billing_ledger l
		LEFT JOIN users u ON u.id = l.client_id
		WHERE l.payment_date >= $1 AND l.payment_date < $2
		GROUP BY l.client_id, u.name
		ORDER BY total DESC, l.client_id
		LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, storageError("top clients", err)
	}
	clients, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ClientTotal, error) {
		var (
			c     ClientTotal
			total pgtype.Numeric
		)
		if err := row.Scan(&c.ClientID, &c.Name, &total, &c.Count); err != nil {
			return c, err
		}
		var err error
		c.Total, err = numericToDecimal(total)
		return c, err
	})
	if err != nil {
		return nil, storageError("scan top clients", err)
	}
	return clients, nil
}

// DuePlans lists active plans due on or before until, soonest first.
func (r *Repository) DuePlans(ctx context.Context, today, until time.Time) ([]DueClient, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.client_id, u.name, u.email, p.amount::text, p.frequency, p.next_due_date,
			GREATEST(p.next_due_date - $1::date, 0)
		FROM billing_plans p
		JOIN users u ON u.id = p.client_id
		WHERE p.active AND p.next_due_date <= $2::date
		ORDER BY p.next_due_date, p.client_id`, today, until)
	if err != nil {
		return nil, storageError("due plans", err)
	}
	due, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DueClient, error) {
		var (
			d      DueClient
			amount string
			freq   string
			days   int32
		)
		if err := row.Scan(&d.ClientID, &d.Name, &d.Email, &amount, &freq, &d.NextDueDate, &days); err != nil {
			return d, err
		}
		d.Frequency = billing.Frequency(freq)
		d.DaysUntilDue = int(days)
		var err error
		d.Amount, err = decimal.NewFromString(amount)
		return d, err
	})
	if err != nil {
		return nil, storageError("scan due plans", err)
	}
	return due, nil
}

func yearRange(year int) (time.Time, time.Time) {
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(1, 0, 0)
}

func numericToDecimal(n pgtype.Numeric) (decimal.Decimal, error) {
	if !n.Valid {
		return decimal.Zero, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return decimal.Zero, fmt.Errorf("reports: non-finite numeric")
	}
	return decimal.NewFromBigInt(n.Int, n.Exp), nil
}

func storageError(op string, err error) error {
	return fmt.Errorf("reports: %s: %w: %v", op, billing.ErrStorage, err)
}
