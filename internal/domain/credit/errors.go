package credit

import (
	"errors"

	"github.com/mwork/credit-ledger/internal/pkg/lock"
)

var (
	// ErrInvalidAmount is returned when an amount is out of the accepted range
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrAccountNotFound is returned when the credit account doesn't exist
	ErrAccountNotFound = errors.New("account not found")

	// ErrInsufficientBalance is returned when available balance doesn't cover the request
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrReservationNotFound is returned when the reservation doesn't exist
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrOwnership is returned when the reservation belongs to another account
	ErrOwnership = errors.New("reservation belongs to another account")

	// ErrInvalidState is returned when the reservation is not ACTIVE
	ErrInvalidState = errors.New("invalid reservation state")

	// ErrReservationExpired is returned when the reservation passed its expiry
	ErrReservationExpired = errors.New("reservation expired")

	// ErrAmountExceedsReservation is returned when the charge is larger than the hold
	ErrAmountExceedsReservation = errors.New("amount exceeds reservation")

	// ErrInvalidTxType is returned for an unknown or disallowed transaction type
	ErrInvalidTxType = errors.New("invalid transaction type")

	// ErrConcurrentModification is returned when a balance compare-and-swap loses
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrLedgerStore wraps underlying persistence failures
	ErrLedgerStore = errors.New("ledger store error")

	// ErrLockTimeout is returned when the account lock could not be acquired in time
	ErrLockTimeout = lock.ErrLockTimeout
)

// IsRetryable reports whether the whole operation may be retried by the caller.
// Validation errors never are: retrying cannot change their outcome.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, lock.ErrBackend) ||
		errors.Is(err, ErrLedgerStore) ||
		errors.Is(err, ErrConcurrentModification)
}
