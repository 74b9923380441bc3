package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/carawoo/mereal/internal/repositories"
)

var (
	// ErrValidation signals the caller provided invalid data.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates the caller does not own the record or lacks a permission.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict indicates a lost optimistic concurrency race or a duplicate write.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition indicates the order status change is not an edge of the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrVerificationFailed indicates the payment gateway did not confirm the payment.
	ErrVerificationFailed = errors.New("payment verification failed")
	// ErrAmountMismatch indicates the gateway confirmed a different amount than the order total.
	ErrAmountMismatch = errors.New("payment amount mismatch")
	// ErrPersistence indicates a storage failure. Callers may retry.
	ErrPersistence = errors.New("persistence failure")
)

// mapRepositoryError converts repository failures into service sentinels. Unclassified errors become
// ErrPersistence so raw database errors never reach the API boundary.
func mapRepositoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	kind := ErrPersistence
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			kind = ErrNotFound
		case repoErr.IsConflict():
			kind = ErrConflict
		}
	}
	return &storeError{kind: kind, op: op, cause: err}
}

// storeError is a classified repository failure. Error names only the sentinel and the operation;
// the database error stays in the chain for logging.
type storeError struct {
	kind  error
	op    string
	cause error
}

func (e *storeError) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.op)
}

func (e *storeError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

// isServiceError reports whether err already carries one of the service sentinels.
func isServiceError(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrNotFound, ErrForbidden, ErrConflict, ErrInvalidTransition,
		ErrVerificationFailed, ErrAmountMismatch, ErrPersistence,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
