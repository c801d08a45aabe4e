package payments

import "errors"

var (
	// ErrSessionNotFound is returned for unknown references.
	ErrSessionNotFound = errors.New("payments: session not found")

	// ErrDuplicateReference is returned when a purchase reuses an existing reference.
	// The existing session is never re-initialized.
	ErrDuplicateReference = errors.New("payments: reference already used")

	// ErrInvalidPurchase wraps request validation failures.
	ErrInvalidPurchase = errors.New("payments: invalid purchase request")

	// ErrEmailUnavailable is returned when no email is supplied and the user
	// directory cannot resolve one.
	ErrEmailUnavailable = errors.New("payments: no email for user")

	// ErrAmountMismatch is returned when a successful charge paid less than the
	// session priced, or in another currency. The session is failed.
	ErrAmountMismatch = errors.New("payments: charged amount does not match session")

	// ErrSessionClosed is returned when a success arrives for a failed or cancelled session.
	ErrSessionClosed = errors.New("payments: session already closed")
)
