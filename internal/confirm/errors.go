package confirm

import "errors"

// Store errors are stable machine-readable codes; the HTTP layer maps them
// to 409-class responses without adding detail about which check failed.
var (
	ErrPendingLimit  = errors.New("confirmation_pending_limit_reached")
	ErrNotFound      = errors.New("confirmation_request_not_found")
	ErrNotApproved   = errors.New("confirmation_not_approved")
	ErrInvalid       = errors.New("confirmation_invalid")
	ErrExpired       = errors.New("confirmation_expired")
	ErrNonceConsumed = errors.New("nonce_already_consumed")
)
