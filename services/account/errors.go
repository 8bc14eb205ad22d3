package account

type Error string

const (
	ErrUnknownAccount            Error = "UnknownAccount"
	ErrUnknownSourceAccount      Error = "UnknownSourceAccount"
	ErrUnknownDestinationAccount Error = "UnknownDestinationAccount"
	ErrSameAccounts              Error = "SameAccounts"
	ErrInvalidSourceAmount       Error = "InvalidSourceAmount"
	ErrInvalidDestinationAmount  Error = "InvalidDestinationAmount"
	ErrMissingDestinationAmount  Error = "MissingDestinationAmount"
	ErrInsufficientBalance       Error = "InsufficientBalance"
	ErrInsufficientLiquidity     Error = "InsufficientLiquidity"
	ErrAccountDisabled           Error = "AccountDisabled"
)

func (e Error) Error() string { return string(e) }
