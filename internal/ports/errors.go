package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown         = errors.New("unknown error occurred")
	ErrInvalidRequest  = errors.New("invalid request parameters or format")
	ErrTimeout         = errors.New("operation timed out")
	ErrContextCanceled = errors.New("operation canceled via context")

	// Upstream API Errors
	ErrConnectionFailed  = errors.New("failed to connect to the exchange")
	ErrRateLimited       = errors.New("API rate limit exceeded")
	ErrInvalidSymbol     = errors.New("symbol is unknown to the exchange")
	ErrNoData            = errors.New("no data available for the requested window")
	ErrMalformedResponse = errors.New("exchange response failed validation")

	// Fetch Validation Errors
	ErrDataGap = errors.New("gap detected in returned kline sequence")

	// Persistence Errors
	ErrStoreFailed      = errors.New("failed to persist kline batch")
	ErrCheckpointFailed = errors.New("failed to record checkpoint")
)

// IsTransient reports whether an error is worth retrying. Permanent errors
// (bad symbol, malformed response, window preceding data availability) are
// recorded as failed immediately; everything else, including persistence
// failures, leaves the sub-window resumable.
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidSymbol),
		errors.Is(err, ErrNoData),
		errors.Is(err, ErrMalformedResponse),
		errors.Is(err, ErrContextCanceled):
		return false
	}
	return true
}
