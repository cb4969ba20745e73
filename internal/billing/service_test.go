package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachdesk/coachdesk/internal/shared"
)

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
	err  error
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return a.err
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type countingCache struct {
	mu    sync.Mutex
	bumps int
	err   error
}

func (c *countingCache) Bump(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bumps++
	return c.err
}

func ymd(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

type fixture struct {
	repo    *memoryRepo
	audit   *recordingAudit
	cache   *countingCache
	metrics *Metrics
	svc     *Service
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newMemoryRepo(),
		audit:   &recordingAudit{},
		cache:   &countingCache{},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	f.svc = NewService(f.repo, staticDirectory{7: true, 8: true}, f.audit, f.cache, nil, ServiceConfig{
		Clock:   fixedClock(now),
		Metrics: f.metrics,
	})
	return f
}

func (f *fixture) configure(t *testing.T, clientID int64, amount string, freq Frequency, start time.Time) PlanConfig {
	t.Helper()
	plan, err := f.svc.Configure(context.Background(), ConfigureInput{
		ClientID:  clientID,
		Amount:    decimal.RequireFromString(amount),
		Frequency: freq,
		StartDate: &start,
		ActorID:   1,
	})
	require.NoError(t, err)
	return plan
}

func TestConfigureAndRegisterScenario(t *testing.T) {
	f := newFixture(t, time.Date(2024, 2, 20, 9, 30, 0, 0, time.UTC))
	ctx := context.Background()

	plan := f.configure(t, 7, "50", FrequencyMonthly, ymd(2024, 1, 15))
	require.Equal(t, ymd(2024, 2, 15), plan.NextDueDate)
	require.Equal(t, ymd(2024, 1, 15), plan.StartDate)
	require.True(t, plan.Active)

	entries := f.repo.entriesFor(7)
	require.Len(t, entries, 1)
	require.Equal(t, ymd(2024, 1, 15), entries[0].PeriodStart)
	require.Equal(t, ymd(2024, 2, 14), entries[0].PeriodEnd)
	require.Equal(t, InitialConfigurationNote, entries[0].Notes)

	result, err := f.svc.RegisterPayment(ctx, RegisterPaymentInput{ClientID: 7})
	require.NoError(t, err)
	require.Equal(t, ymd(2024, 3, 15), result.NextDueDate)
	require.Equal(t, ymd(2024, 2, 15), result.Entry.PeriodStart)
	require.Equal(t, ymd(2024, 3, 14), result.Entry.PeriodEnd)
	require.Equal(t, ymd(2024, 2, 20), result.Entry.PaymentDate)
	require.True(t, result.Entry.Amount.Equal(decimal.NewFromInt(50)))
	require.Equal(t, FrequencyMonthly, result.Entry.Frequency)

	stored, err := f.svc.GetPlan(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, ymd(2024, 3, 15), stored.NextDueDate)
	require.Len(t, f.repo.entriesFor(7), 2)
}

func TestRegisterPaymentIgnoresPaymentDateForSchedule(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	f.configure(t, 7, "80", FrequencyQuarterly, ymd(2024, 1, 31))

	late := ymd(2024, 5, 28)
	result, err := f.svc.RegisterPayment(context.Background(), RegisterPaymentInput{ClientID: 7, PaymentDate: &late, Notes: "  transfer  "})
	require.NoError(t, err)
	require.Equal(t, ymd(2024, 5, 1), result.Entry.PeriodStart)
	require.Equal(t, ymd(2024, 8, 1), result.NextDueDate)
	require.Equal(t, late, result.Entry.PaymentDate)
	require.Equal(t, "transfer", result.Entry.Notes)
}

func TestRegisterPaymentPeriodsAreContiguous(t *testing.T) {
	for _, freq := range Frequencies {
		t.Run(string(freq), func(t *testing.T) {
			f := newFixture(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
			f.configure(t, 7, "19.99", freq, ymd(2024, 1, 31))
			for i := 0; i < 14; i++ {
				_, err := f.svc.RegisterPayment(context.Background(), RegisterPaymentInput{ClientID: 7})
				require.NoError(t, err)
			}
			entries := f.repo.entriesFor(7)
			require.Len(t, entries, 15)
			for i := 1; i < len(entries); i++ {
				require.Equal(t, entries[i-1].PeriodEnd.AddDate(0, 0, 1), entries[i].PeriodStart, "entry %d", i)
				require.True(t, entries[i].PeriodEnd.After(entries[i].PeriodStart))
			}
			plan, err := f.svc.GetPlan(context.Background(), 7)
			require.NoError(t, err)
			require.Equal(t, entries[len(entries)-1].PeriodEnd.AddDate(0, 0, 1), plan.NextDueDate)
		})
	}
}

func TestConfigureResetsSchedule(t *testing.T) {
	f := newFixture(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()
	f.configure(t, 7, "50", FrequencyMonthly, ymd(2024, 1, 15))
	for i := 0; i < 3; i++ {
		_, err := f.svc.RegisterPayment(ctx, RegisterPaymentInput{ClientID: 7})
		require.NoError(t, err)
	}
	require.NoError(t, f.svc.Deactivate(ctx, 7, 1))

	plan := f.configure(t, 7, "120", FrequencyAnnual, ymd(2024, 3, 1))
	require.Equal(t, NextDate(ymd(2024, 3, 1), FrequencyAnnual), plan.NextDueDate)
	require.True(t, plan.Active)
	require.True(t, plan.Amount.Equal(decimal.NewFromInt(120)))

	entries := f.repo.entriesFor(7)
	require.Len(t, entries, 5)
	last := entries[len(entries)-1]
	require.Equal(t, ymd(2024, 3, 1), last.PeriodStart)
	require.Equal(t, ymd(2025, 2, 28), last.PeriodEnd)
	require.Equal(t, InitialConfigurationNote, last.Notes)

	require.Equal(t, "billing.plan.configure", f.audit.logs[len(f.audit.logs)-1].Action)
	require.Equal(t, true, f.audit.logs[len(f.audit.logs)-1].Meta["reset"])
}

func TestConfigureDefaultsStartDateToToday(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	repo := newMemoryRepo()
	svc := NewService(repo, staticDirectory{7: true}, nil, nil, nil, ServiceConfig{
		Location: loc,
		Clock:    fixedClock(time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)),
	})
	plan, err := svc.Configure(context.Background(), ConfigureInput{ClientID: 7, Amount: decimal.NewFromInt(10), Frequency: FrequencyMonthly})
	require.NoError(t, err)
	require.Equal(t, ymd(2024, 2, 29), plan.StartDate)
	require.Equal(t, ymd(2024, 3, 29), plan.NextDueDate)
}

func TestConfigureValidation(t *testing.T) {
	f := newFixture(t, time.Now())
	ctx := context.Background()
	cases := []struct {
		name  string
		input ConfigureInput
		want  error
	}{
		{"missing client", ConfigureInput{Amount: decimal.NewFromInt(1), Frequency: FrequencyMonthly}, ErrInvalidInput},
		{"zero amount", ConfigureInput{ClientID: 7, Amount: decimal.Zero, Frequency: FrequencyMonthly}, ErrInvalidInput},
		{"negative amount", ConfigureInput{ClientID: 7, Amount: decimal.NewFromInt(-5), Frequency: FrequencyMonthly}, ErrInvalidInput},
		{"fractional cents", ConfigureInput{ClientID: 7, Amount: decimal.RequireFromString("1.005"), Frequency: FrequencyMonthly}, ErrInvalidInput},
		{"too large", ConfigureInput{ClientID: 7, Amount: decimal.New(1, 10), Frequency: FrequencyMonthly}, ErrInvalidInput},
		{"unknown frequency", ConfigureInput{ClientID: 7, Amount: decimal.NewFromInt(1), Frequency: "weekly"}, ErrInvalidInput},
		{"unknown client", ConfigureInput{ClientID: 99, Amount: decimal.NewFromInt(1), Frequency: FrequencyMonthly}, ErrClientNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Configure(ctx, tc.input)
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Empty(t, f.repo.plans)
	require.Empty(t, f.repo.ledger)
	require.Equal(t, float64(6), testutil.ToFloat64(f.metrics.operations.WithLabelValues("configure", "invalid_input")))
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.operations.WithLabelValues("configure", "not_found")))
}

func TestConfigureDirectoryFailure(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, failingDirectory{err: errInjected}, nil, nil, nil, ServiceConfig{})
	_, err := svc.Configure(context.Background(), ConfigureInput{ClientID: 7, Amount: decimal.NewFromInt(1), Frequency: FrequencyMonthly})
	require.ErrorIs(t, err, errInjected)
	require.Empty(t, repo.plans)
}

func TestRegisterPaymentRequiresActivePlan(t *testing.T) {
	f := newFixture(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := f.svc.RegisterPayment(ctx, RegisterPaymentInput{ClientID: 7})
	require.ErrorIs(t, err, ErrNoActivePlan)

	f.configure(t, 7, "50", FrequencyMonthly, ymd(2024, 1, 15))
	require.NoError(t, f.svc.Deactivate(ctx, 7, 1))
	_, err = f.svc.RegisterPayment(ctx, RegisterPaymentInput{ClientID: 7})
	require.ErrorIs(t, err, ErrNoActivePlan)

	require.Len(t, f.repo.entriesFor(7), 1)
	plan, err := f.svc.GetPlan(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, ymd(2024, 2, 15), plan.NextDueDate)
}

func TestRegisterPaymentValidation(t *testing.T) {
	f := newFixture(t, time.Now())
	ctx := context.Background()
	_, err := f.svc.RegisterPayment(ctx, RegisterPaymentInput{})
	require.ErrorIs(t, err, ErrInvalidInput)

	long := make([]byte, maxIdempotencyKeyLen+1)
	for i := range long {
		long[i] = 'k'
	}
	_, err = f.svc.RegisterPayment(ctx, RegisterPaymentInput{ClientID: 7, IdempotencyKey: string(long)})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestRegisterPaymentIdempotencyKey(t *testing.T) {
	f := newFixture(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()
	f.configure(t, 7, "50", FrequencyMonthly, ymd(2024, 1, 15))
	f.configure(t, 8, "50", FrequencyMonthly, ymd(2024, 1, 15))

	_, err := f.svc.RegisterPayment(ctx, RegisterPaymentInput{ClientID: 7, IdempotencyKey: "pay-1"})
	require.NoError(t, err)
	_, err = f.svc.RegisterPayment(ctx, RegisterPaymentInput{ClientID: 7, IdempotencyKey: "pay-1"})
	require.ErrorIs(t, err, ErrDuplicatePayment)

	// keys are scoped per client
	_, err = f.svc.RegisterPayment(ctx, RegisterPaymentInput{ClientID: 8, IdempotencyKey: "pay-1"})
	require.NoError(t, err)

	plan, err := f.svc.GetPlan(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, ymd(2024, 3, 15), plan.NextDueDate)
	require.Len(t, f.repo.entriesFor(7), 2)
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.operations.WithLabelValues("register_payment", "duplicate")))
}

func TestRegisterPaymentRollsBackOnFailure(t *testing.T) {
	f := newFixture(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()
	f.configure(t, 7, "50", FrequencyMonthly, ymd(2024, 1, 15))
	bumps := f.cache.bumps
	audits := len(f.audit.logs)

	f.repo.failAppend = errInjected
	_, err := f.svc.RegisterPayment(ctx, RegisterPaymentInput{ClientID: 7, IdempotencyKey: "retry-me"})
	require.ErrorIs(t, err, ErrStorage)
	f.repo.failAppend = nil

	f.repo.failCommit = errInjected
	_, err = f.svc.RegisterPayment(ctx, RegisterPaymentInput{ClientID: 7, IdempotencyKey: "retry-me"})
	require.ErrorIs(t, err, ErrStorage)
	f.repo.failCommit = nil

	plan, err := f.svc.GetPlan(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, ymd(2024, 2, 15), plan.NextDueDate)
	require.Len(t, f.repo.entriesFor(7), 1)
	require.Equal(t, bumps, f.cache.bumps)
	require.Len(t, f.audit.logs, audits)

	// the key was never committed, so the retry goes through
	_, err = f.svc.RegisterPayment(ctx, RegisterPaymentInput{ClientID: 7, IdempotencyKey: "retry-me"})
	require.NoError(t, err)
}

func TestDeactivateIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()
	f.configure(t, 7, "50", FrequencyMonthly, ymd(2024, 1, 15))

	require.NoError(t, f.svc.Deactivate(ctx, 7, 1))
	first, err := f.svc.GetPlan(ctx, 7)
	require.NoError(t, err)
	require.False(t, first.Active)

	require.NoError(t, f.svc.Deactivate(ctx, 7, 1))
	second, err := f.svc.GetPlan(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, *first, *second)
	require.Len(t, f.repo.entriesFor(7), 1)
	require.Equal(t, []string{"billing.plan.configure", "billing.plan.deactivate"}, f.audit.actions())

	require.ErrorIs(t, f.svc.Deactivate(ctx, 8, 1), ErrPlanNotFound)
	require.ErrorIs(t, f.svc.Deactivate(ctx, 0, 1), ErrInvalidInput)
}

func TestGetPlanAbsent(t *testing.T) {
	f := newFixture(t, time.Now())
	plan, err := f.svc.GetPlan(context.Background(), 7)
	require.NoError(t, err)
	require.Nil(t, plan)
}

func TestListPlanStatuses(t *testing.T) {
	f := newFixture(t, time.Date(2024, 2, 15, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	f.configure(t, 7, "50", FrequencyMonthly, ymd(2024, 1, 15))
	f.configure(t, 8, "90", FrequencyMonthly, ymd(2024, 2, 1))

	statuses, err := f.svc.ListPlanStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	require.Equal(t, int64(7), statuses[0].Plan.ClientID)
	require.True(t, statuses[0].PaymentDue)
	require.Equal(t, 0, statuses[0].DaysUntilPayment)
	require.Equal(t, int64(8), statuses[1].Plan.ClientID)
	require.False(t, statuses[1].PaymentDue)
	require.Equal(t, 15, statuses[1].DaysUntilPayment)

	require.NoError(t, f.svc.Deactivate(ctx, 7, 1))
	statuses, err = f.svc.ListPlanStatuses(ctx)
	require.NoError(t, err)
	require.False(t, statuses[0].PaymentDue)
}

func TestSideEffectFailuresDoNotFailCommand(t *testing.T) {
	f := newFixture(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	f.audit.err = errInjected
	f.cache.err = errInjected
	f.configure(t, 7, "50", FrequencyMonthly, ymd(2024, 1, 15))
	_, err := f.svc.RegisterPayment(context.Background(), RegisterPaymentInput{ClientID: 7})
	require.NoError(t, err)
	require.Equal(t, 2, f.cache.bumps)
	require.Len(t, f.audit.logs, 2)
}

func TestConcurrentRegisterPaymentsSerialize(t *testing.T) {
	f := newFixture(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	f.configure(t, 7, "50", FrequencyMonthly, ymd(2024, 1, 15))

	const workers = 24
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RegisterPayment(context.Background(), RegisterPaymentInput{ClientID: 7})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries := f.repo.entriesFor(7)
	require.Len(t, entries, workers+1)
	seen := make(map[time.Time]bool)
	for _, e := range entries {
		require.False(t, seen[e.PeriodStart], "period %s registered twice", e.PeriodStart.Format(time.DateOnly))
		seen[e.PeriodStart] = true
	}

	want := ymd(2024, 2, 15)
	for i := 0; i < workers; i++ {
		want = NextDate(want, FrequencyMonthly)
	}
	plan, err := f.svc.GetPlan(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, want, plan.NextDueDate)
}

func TestConcurrentRegisterPaymentsWithoutRowLockConflict(t *testing.T) {
	f := newFixture(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	f.configure(t, 7, "50", FrequencyMonthly, ymd(2024, 1, 15))

	// both transactions read the same due date before either writes
	f.repo.lockOnRead = false
	var barrier sync.WaitGroup
	barrier.Add(2)
	f.repo.onRead = func() {
		barrier.Done()
		barrier.Wait()
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.RegisterPayment(context.Background(), RegisterPaymentInput{ClientID: 7})
		}(i)
	}
	wg.Wait()

	var succeeded, conflicted int
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrConcurrencyConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, conflicted)

	plan, err := f.svc.GetPlan(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, ymd(2024, 3, 15), plan.NextDueDate)
	require.Len(t, f.repo.entriesFor(7), 2)
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.operations.WithLabelValues("register_payment", "conflict")))
}
