package formula

import "errors"

var (
	// ErrRateLimitExceeded is returned once a caller has used up its quota
	// for the current window.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrMissingFormula means the request carried no formula parameter.
	ErrMissingFormula = errors.New("formula parameter is required")
)
