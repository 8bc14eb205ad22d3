package transfer

import "fmt"

// Error is the closed set of expected transfer outcomes. Values cross
// service boundaries as errors; callers switch on them exhaustively.
type Error string

const (
	ErrTransferExists            Error = "TransferExists"
	ErrUnknownTransfer           Error = "UnknownTransfer"
	ErrUnknownSourceBalance      Error = "UnknownSourceBalance"
	ErrUnknownDestinationBalance Error = "UnknownDestinationBalance"
	ErrInsufficientBalance       Error = "InsufficientBalance"
	ErrInsufficientDebitBalance  Error = "InsufficientDebitBalance"
	ErrDifferentAssets           Error = "DifferentAssets"
	ErrSameBalances              Error = "SameBalances"
	ErrInvalidAmount             Error = "InvalidAmount"
	ErrAlreadyCommitted          Error = "AlreadyCommitted"
	ErrAlreadyRolledBack         Error = "AlreadyRolledBack"
	ErrTransferExpired           Error = "TransferExpired"
)

func (e Error) Error() string { return string(e) }

// BatchError identifies the first failing entry of a voided batch.
type BatchError struct {
	Index int
	Err   Error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s at entry %d", e.Err, e.Index)
}

func (e *BatchError) Unwrap() error { return e.Err }
