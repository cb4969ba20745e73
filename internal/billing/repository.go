package billing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachdesk/coachdesk/internal/platform/db"
)

// Repository persists billing plans and the payment ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the operations that must run inside one billing transaction.
type TxRepository interface {
	// GetPlanForUpdate reads the plan and holds its row lock until the transaction ends.
	GetPlanForUpdate(ctx context.Context, clientID int64) (PlanConfig, error)
	UpsertPlan(ctx context.Context, plan PlanConfig) (PlanConfig, error)
	// AdvanceDueDate moves next_due_date from expected to next, failing with ErrConcurrencyConflict
	// when the stored value is no longer expected.
	AdvanceDueDate(ctx context.Context, clientID int64, expected, next time.Time) (PlanConfig, error)
	AppendLedgerEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)
	DeactivatePlan(ctx context.Context, clientID int64) (bool, error)
	ClaimPaymentKey(ctx context.Context, clientID int64, key string) error
}

type txRepo struct {
	tx pgx.Tx
}

const planColumns = `client_id, amount::text, frequency, start_date, next_due_date, active, updated_at`

// WithTx executes the callback inside a read-committed transaction. Writers serialize on the plan row lock
// taken by GetPlanForUpdate, so a blocked writer re-reads the committed due date once the lock is released.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	return classifyStorageError("transaction", err)
}

// GetPlan returns the client's plan or ErrPlanNotFound.
func (r *Repository) GetPlan(ctx context.Context, clientID int64) (PlanConfig, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM billing_plans WHERE client_id = $1`, clientID)
	plan, err := scanPlan(row)
	return plan, classifyStorageError("get plan", err)
}

// ListPlanStatuses returns every plan with its due state relative to today.
func (r *Repository) ListPlanStatuses(ctx context.Context, today time.Time) ([]PlanStatus, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+planColumns+`,
			active AND next_due_date <= $1::date AS payment_due,
			GREATEST(next_due_date - $1::date, 0) AS days_until_payment
		FROM billing_plans
		ORDER BY next_due_date, client_id`, today)
	if err != nil {
		return nil, classifyStorageError("list plans", err)
	}
	defer rows.Close()

	statuses := []PlanStatus{}
	for rows.Next() {
		var (
			status PlanStatus
			amount string
			freq   string
			days   int32
		)
		p := &status.Plan
		if err := rows.Scan(&p.ClientID, &amount, &freq, &p.StartDate, &p.NextDueDate, &p.Active, &p.UpdatedAt, &status.PaymentDue, &days); err != nil {
			return nil, classifyStorageError("scan plan status", err)
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, classifyStorageError("parse amount", err)
		}
		p.Frequency = Frequency(freq)
		status.DaysUntilPayment = int(days)
		statuses = append(statuses, status)
	}
	return statuses, classifyStorageError("list plans", rows.Err())
}

func (r *txRepo) GetPlanForUpdate(ctx context.Context, clientID int64) (PlanConfig, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+planColumns+` FROM billing_plans WHERE client_id = $1 FOR UPDATE`, clientID)
	return scanPlan(row)
}

func (r *txRepo) UpsertPlan(ctx context.Context, plan PlanConfig) (PlanConfig, error) {
	row := r.tx.QueryRow(ctx, `
		INSERT INTO billing_plans (client_id, amount, frequency, start_date, next_due_date, active, created_at, updated_at)
		VALUES ($1, $2::numeric, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (client_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			frequency = EXCLUDED.frequency,
			start_date = EXCLUDED.start_date,
			next_due_date = EXCLUDED.next_due_date,
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING `+planColumns,
		plan.ClientID, plan.Amount.String(), string(plan.Frequency), plan.StartDate, plan.NextDueDate, plan.Active)
	return scanPlan(row)
}

func (r *txRepo) AdvanceDueDate(ctx context.Context, clientID int64, expected, next time.Time) (PlanConfig, error) {
	row := r.tx.QueryRow(ctx, `
		UPDATE billing_plans
		SET next_due_date = $3, updated_at = NOW()
		WHERE client_id = $1 AND next_due_date = $2
		RETURNING `+planColumns, clientID, expected, next)
	plan, err := scanPlan(row)
	if errors.Is(err, ErrPlanNotFound) {
		return PlanConfig{}, ErrConcurrencyConflict
	}
	return plan, err
}

func (r *txRepo) AppendLedgerEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	notes := pgtype.Text{String: entry.Notes, Valid: entry.Notes != ""}
	err := r.tx.QueryRow(ctx, `
		INSERT INTO billing_ledger (client_id, amount, payment_date, period_start, period_end, frequency, notes, created_at)
		VALUES ($1, $2::numeric, $3, $4, $5, $6, $7, NOW())
		RETURNING id, created_at`,
		entry.ClientID, entry.Amount.String(), entry.PaymentDate, entry.PeriodStart, entry.PeriodEnd, string(entry.Frequency), notes,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return LedgerEntry{}, err
	}
	return entry, nil
}

func (r *txRepo) DeactivatePlan(ctx context.Context, clientID int64) (bool, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE billing_plans SET active = FALSE, updated_at = NOW() WHERE client_id = $1 AND active`, clientID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *txRepo) ClaimPaymentKey(ctx context.Context, clientID int64, key string) error {
	tag, err := r.tx.Exec(ctx, `INSERT INTO payment_idempotency_keys (client_id, key, created_at) VALUES ($1, $2, NOW()) ON CONFLICT DO NOTHING`, clientID, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicatePayment
	}
	return nil
}

func scanPlan(row pgx.Row) (PlanConfig, error) {
	var (
		plan   PlanConfig
		amount string
		freq   string
	)
	err := row.Scan(&plan.ClientID, &amount, &freq, &plan.StartDate, &plan.NextDueDate, &plan.Active, &plan.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PlanConfig{}, ErrPlanNotFound
	}
	if err != nil {
		return PlanConfig{}, err
	}
	plan.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return PlanConfig{}, err
	}
	plan.Frequency = Frequency(freq)
	return plan, nil
}
