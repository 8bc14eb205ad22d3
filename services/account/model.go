package account

import (
	"time"

	"github.com/google/uuid"
)

// Account owns one spendable balance plus four credit-accounting balances.
// Balance values are never stored here; they are recomputed from the ledger
// on every read.
//
// The credit-accounting pairs mirror each other across a credit edge, so the
// hierarchy invariants hold by construction of the transfers that move them:
//
//	availableCredit (credit)  unused credit extended to this account
//	creditExtended  (debit)   unused credit this account extended downward
//	borrowed        (credit)  what this account owes its super-account chain
//	lent            (debit)   what this account is owed by its sub-accounts
type Account struct {
	ID                       string     `gorm:"column:id;primaryKey;type:char(26)"`
	AssetID                  string     `gorm:"column:asset_id;index;type:char(26);not null"`
	SuperAccountID           *string    `gorm:"column:super_account_id;index;type:char(26)"`
	Disabled                 bool       `gorm:"column:disabled;not null;default:false"`
	BalanceID                string     `gorm:"column:balance_id;type:char(36);not null"`
	AvailableCreditBalanceID string     `gorm:"column:available_credit_balance_id;type:char(36);not null"`
	CreditExtendedBalanceID  string     `gorm:"column:credit_extended_balance_id;type:char(36);not null"`
	BorrowedBalanceID        string     `gorm:"column:borrowed_balance_id;type:char(36);not null"`
	LentBalanceID            string     `gorm:"column:lent_balance_id;type:char(36);not null"`
	SentBalanceID            *string    `gorm:"column:sent_balance_id;type:char(36)"`
	CreatedAt                time.Time  `gorm:"autoCreateTime"`
	UpdatedAt                time.Time  `gorm:"autoUpdateTime"`
	DeletedAt                *time.Time `gorm:"column:deleted_at"`
}

func (Account) TableName() string { return "accounts" }

func (a *Account) Balance() uuid.UUID {
	return uuid.MustParse(a.BalanceID)
}

func (a *Account) AvailableCreditBalance() uuid.UUID {
	return uuid.MustParse(a.AvailableCreditBalanceID)
}

func (a *Account) CreditExtendedBalance() uuid.UUID {
	return uuid.MustParse(a.CreditExtendedBalanceID)
}

func (a *Account) BorrowedBalance() uuid.UUID {
	return uuid.MustParse(a.BorrowedBalanceID)
}

func (a *Account) LentBalance() uuid.UUID {
	return uuid.MustParse(a.LentBalanceID)
}

func (a *Account) SentBalance() (uuid.UUID, bool) {
	if a.SentBalanceID == nil {
		return uuid.Nil, false
	}
	return uuid.MustParse(*a.SentBalanceID), true
}
