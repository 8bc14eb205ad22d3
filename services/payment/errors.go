package payment

// LifecycleError is the closed set of expected lifecycle outcomes. A
// Cancelled payment always carries one; retryable members only surface to
// the API as a climbing state_attempts counter.
type LifecycleError string

const (
	ErrQuoteExpired           LifecycleError = "QuoteExpired"
	ErrPricesUnavailable      LifecycleError = "PricesUnavailable"
	ErrDestinationUnreachable LifecycleError = "DestinationUnreachable"
	ErrInvalidQuote           LifecycleError = "InvalidQuote"
	ErrCancelledByAPI         LifecycleError = "CancelledByAPI"
	ErrInsufficientBalance    LifecycleError = "InsufficientBalance"
	ErrAccountServiceError    LifecycleError = "AccountServiceError"
	ErrBudgetExhausted        LifecycleError = "BudgetExhausted"
	ErrInvalidState           LifecycleError = "InvalidState"
	ErrUnknownPayment         LifecycleError = "UnknownPayment"
	ErrInvalidIntent          LifecycleError = "InvalidIntent"
)

func (e LifecycleError) Error() string { return string(e) }

// Retryable reports whether the condition is transient: the payment stays in
// its state and the attempt counter climbs.
func (e LifecycleError) Retryable() bool {
	switch e {
	case ErrPricesUnavailable, ErrDestinationUnreachable, ErrInsufficientBalance, ErrAccountServiceError:
		return true
	default:
		return false
	}
}
