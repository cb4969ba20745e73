package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryRepo emulates the postgres store: writes are staged per transaction and applied on commit,
// row locks are held until the transaction ends, and GetPlanForUpdate optionally takes the lock.
type memoryRepo struct {
	mu       sync.Mutex
	plans    map[int64]PlanConfig
	ledger   []LedgerEntry
	keys     map[string]struct{}
	rowLocks map[int64]*sync.Mutex
	nextID   int64

	lockOnRead bool
	onRead     func()
	failAppend error
	failCommit error
}

type memoryTx struct {
	repo   *memoryRepo
	held   map[int64]bool
	plans  map[int64]PlanConfig
	ledger []LedgerEntry
	keys   []string
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		plans:      make(map[int64]PlanConfig),
		keys:       make(map[string]struct{}),
		rowLocks:   make(map[int64]*sync.Mutex),
		lockOnRead: true,
	}
}

func (r *memoryRepo) rowLock(clientID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.rowLocks[clientID]
	if !ok {
		l = &sync.Mutex{}
		r.rowLocks[clientID] = l
	}
	return l
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{repo: r, held: map[int64]bool{}, plans: map[int64]PlanConfig{}}
	defer tx.release()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if r.failCommit != nil {
		return r.failCommit
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, plan := range tx.plans {
		r.plans[id] = plan
	}
	r.ledger = append(r.ledger, tx.ledger...)
	for _, k := range tx.keys {
		r.keys[k] = struct{}{}
	}
	return nil
}

func (r *memoryRepo) GetPlan(ctx context.Context, clientID int64) (PlanConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plan, ok := r.plans[clientID]
	if !ok {
		return PlanConfig{}, ErrPlanNotFound
	}
	return plan, nil
}

func (r *memoryRepo) ListPlanStatuses(ctx context.Context, today time.Time) ([]PlanStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []PlanStatus{}
	for _, plan := range r.plans {
		days := int(plan.NextDueDate.Sub(today).Hours() / 24)
		if days < 0 {
			days = 0
		}
		out = append(out, PlanStatus{
			Plan:             plan,
			PaymentDue:       plan.Active && !plan.NextDueDate.After(today),
			DaysUntilPayment: days,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Plan.NextDueDate.Equal(out[j].Plan.NextDueDate) {
			return out[i].Plan.NextDueDate.Before(out[j].Plan.NextDueDate)
		}
		return out[i].Plan.ClientID < out[j].Plan.ClientID
	})
	return out, nil
}

func (r *memoryRepo) entriesFor(clientID int64) []LedgerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []LedgerEntry
	for _, e := range r.ledger {
		if e.ClientID == clientID {
			out = append(out, e)
		}
	}
	return out
}

func (tx *memoryTx) lock(clientID int64) {
	if tx.held[clientID] {
		return
	}
	tx.repo.rowLock(clientID).Lock()
	tx.held[clientID] = true
}

func (tx *memoryTx) release() {
	for id := range tx.held {
		tx.repo.rowLock(id).Unlock()
	}
	tx.held = nil
}

func (tx *memoryTx) current(clientID int64) (PlanConfig, bool) {
	if plan, ok := tx.plans[clientID]; ok {
		return plan, true
	}
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	plan, ok := tx.repo.plans[clientID]
	return plan, ok
}

func (tx *memoryTx) GetPlanForUpdate(ctx context.Context, clientID int64) (PlanConfig, error) {
	if tx.repo.lockOnRead {
		tx.lock(clientID)
	}
	plan, ok := tx.current(clientID)
	if tx.repo.onRead != nil {
		tx.repo.onRead()
	}
	if !ok {
		return PlanConfig{}, ErrPlanNotFound
	}
	return plan, nil
}

func (tx *memoryTx) UpsertPlan(ctx context.Context, plan PlanConfig) (PlanConfig, error) {
	tx.lock(plan.ClientID)
	plan.UpdatedAt = time.Now()
	tx.plans[plan.ClientID] = plan
	return plan, nil
}

func (tx *memoryTx) AdvanceDueDate(ctx context.Context, clientID int64, expected, next time.Time) (PlanConfig, error) {
	tx.lock(clientID)
	plan, ok := tx.current(clientID)
	if !ok || !plan.NextDueDate.Equal(expected) {
		return PlanConfig{}, ErrConcurrencyConflict
	}
	plan.NextDueDate = next
	plan.UpdatedAt = time.Now()
	tx.plans[clientID] = plan
	return plan, nil
}

func (tx *memoryTx) AppendLedgerEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	if tx.repo.failAppend != nil {
		return LedgerEntry{}, tx.repo.failAppend
	}
	tx.repo.mu.Lock()
	tx.repo.nextID++
	entry.ID = tx.repo.nextID
	tx.repo.mu.Unlock()
	entry.CreatedAt = time.Now()
	tx.ledger = append(tx.ledger, entry)
	return entry, nil
}

func (tx *memoryTx) DeactivatePlan(ctx context.Context, clientID int64) (bool, error) {
	tx.lock(clientID)
	plan, ok := tx.current(clientID)
	if !ok || !plan.Active {
		return false, nil
	}
	plan.Active = false
	tx.plans[clientID] = plan
	return true, nil
}

func (tx *memoryTx) ClaimPaymentKey(ctx context.Context, clientID int64, key string) error {
	k := fmt.Sprintf("%d:%s", clientID, key)
	tx.repo.mu.Lock()
	_, taken := tx.repo.keys[k]
	tx.repo.mu.Unlock()
	if taken {
		return ErrDuplicatePayment
	}
	for _, staged := range tx.keys {
		if staged == k {
			return ErrDuplicatePayment
		}
	}
	tx.keys = append(tx.keys, k)
	return nil
}

type staticDirectory map[int64]bool

func (d staticDirectory) ClientExists(ctx context.Context, clientID int64) (bool, error) {
	return d[clientID], nil
}

type failingDirectory struct{ err error }

func (d failingDirectory) ClientExists(ctx context.Context, clientID int64) (bool, error) {
	return false, d.err
}

var errInjected = errors.New("injected failure")
