package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrSigningFailed = errors.New("signing failed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrContextDone   = errors.New("context cancelled")
	ErrLockHeld      = errors.New("lock already held")

	// ErrLeaseNotHeld is returned by the Lease Manager when an extend or
	// release is attempted by a worker that does not currently hold the
	// claim (lost it to expiry, or never held it).
	ErrLeaseNotHeld = errors.New("lease not held by this worker")

	// ErrAlreadyClaimed is returned by Acquire when another worker holds an
	// unexpired lease on the record.
	ErrAlreadyClaimed = errors.New("trade record already claimed")

	// ErrIdempotencyConflict is returned when a second execution attempt
	// tries to reserve an idempotency key already set on the record.
	ErrIdempotencyConflict = errors.New("idempotency key already reserved")

	// ErrRetryLimitExceeded marks a TradeRecord that has exhausted its
	// configured retry budget and must be left in failed state for good.
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")

	// ErrStaleTrade marks a detected trade whose timestamp has aged past
	// the configured freshness window before it could be claimed.
	ErrStaleTrade = errors.New("trade too stale to execute")
)
