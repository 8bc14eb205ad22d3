package ledger

// Code is the closed set of results the ledger reports per batch entry.
// Callers map these onto their own domain taxonomy; a code outside this set
// must be treated as fatal, never ignored.
type Code int

const (
	CodeOK Code = iota
	CodeExists
	CodeInvalidAmount
	CodeSameBalances
	CodeSourceNotFound
	CodeDestinationNotFound
	CodeDifferentUnits
	CodeExceedsCredits
	CodeExceedsDebits
	CodeTransferNotFound
	CodeAlreadyCommitted
	CodeAlreadyRolledBack
	CodeExpired
	CodeBalanceExists
	CodeBalanceNotFound
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeExists:
		return "exists"
	case CodeInvalidAmount:
		return "invalid_amount"
	case CodeSameBalances:
		return "same_balances"
	case CodeSourceNotFound:
		return "source_not_found"
	case CodeDestinationNotFound:
		return "destination_not_found"
	case CodeDifferentUnits:
		return "different_units"
	case CodeExceedsCredits:
		return "exceeds_credits"
	case CodeExceedsDebits:
		return "exceeds_debits"
	case CodeTransferNotFound:
		return "transfer_not_found"
	case CodeAlreadyCommitted:
		return "already_committed"
	case CodeAlreadyRolledBack:
		return "already_rolled_back"
	case CodeExpired:
		return "expired"
	case CodeBalanceExists:
		return "balance_exists"
	case CodeBalanceNotFound:
		return "balance_not_found"
	default:
		return "unknown"
	}
}

// BatchError reports the first failing entry of a linked batch. The whole
// batch is voided when one is returned.
type BatchError struct {
	Index int
	Code  Code
}
