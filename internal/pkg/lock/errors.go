package lock

import "errors"

var (
	// ErrLockTimeout is returned when the lock could not be acquired within the retry budget
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrLockNotHeld is returned on release when the stored token no longer matches,
	// i.e. the lock expired and may have been taken by another holder
	ErrLockNotHeld = errors.New("lock not held")

	// ErrBackend is returned when the lock store itself fails
	ErrBackend = errors.New("lock backend unavailable")

	// ErrSharedStoreRequired is returned by New when there is no Redis client
	// and process-local locks are not allowed
	ErrSharedStoreRequired = errors.New("lock: shared lock store required")
)
