package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these so the core can
// classify failures with errors.Is without knowing the adapter.
var (
	// General
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrPositionNotFound     = errors.New("position not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")
	ErrDuplicateOrder       = errors.New("order with this client order id already exists")

	// Risk / engine control flow
	ErrTradingHalted       = errors.New("trading is halted")
	ErrPositionAlreadyOpen = errors.New("position already open for symbol")
	ErrBelowMinOrderSize   = errors.New("position size below exchange minimum")

	// Reconciliation
	ErrReconciliationMismatch = errors.New("local and exchange position state disagree")

	// Repository
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
)

// IsTransient reports whether an exchange error is worth retrying with
// backoff (timeouts, rate limits, connectivity blips).
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrExchangeUnavailable) ||
		errors.Is(err, ErrConnectionFailed)
}

// IsFatal reports whether an exchange error must never be retried
// (bad credentials, malformed request, not enough balance).
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrInvalidAPIKeys) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrOrderPlacementFailed)
}
