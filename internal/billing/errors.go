package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/coachdesk/coachdesk/internal/shared"
)

var (
	// ErrInvalidInput indicates a caller-correctable request problem.
	ErrInvalidInput = errors.New("billing: invalid input")
	// ErrClientNotFound indicates the client id is unknown to the directory.
	ErrClientNotFound = errors.New("billing: client not found")
	// ErrPlanNotFound indicates the client never had a plan.
	ErrPlanNotFound = errors.New("billing: plan not found")
	// ErrNoActivePlan indicates a payment against a missing or deactivated plan.
	ErrNoActivePlan = errors.New("billing: no active plan")
	// ErrConcurrencyConflict indicates contention on the client's plan row; retry from a fresh read.
	ErrConcurrencyConflict = errors.New("billing: concurrent update on plan")
	// ErrDuplicatePayment indicates the idempotency key was already used for this client.
	ErrDuplicatePayment = errors.New("billing: payment already registered for idempotency key")
	// ErrStorage wraps transaction and connection failures.
	ErrStorage = errors.New("billing: storage failure")
)

var domainErrors = []error{
	ErrInvalidInput,
	ErrClientNotFound,
	ErrPlanNotFound,
	ErrNoActivePlan,
	ErrConcurrencyConflict,
	ErrDuplicatePayment,
	ErrStorage,
}

// classifyStorageError maps driver errors onto the billing taxonomy. Domain errors pass through untouched.
func classifyStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return err
		}
	}
	switch shared.PgErrorCode(err) {
	case shared.PgSerializationFailure, shared.PgDeadlockDetected, shared.PgLockNotAvailable:
		return fmt.Errorf("billing: %s: %w", op, ErrConcurrencyConflict)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("billing: %s: %w: %w", op, ErrStorage, err)
	}
	return fmt.Errorf("billing: %s: %w: %v", op, ErrStorage, err)
}
