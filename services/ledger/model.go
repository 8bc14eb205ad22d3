package ledger

import (
	"time"
)

// Transfer states.
const (
	statePosted     = "posted"  // single-phase, settled on creation
	statePending    = "pending" // two-phase reservation awaiting commit/rollback
	stateCommitted  = "committed"
	stateRolledBack = "rolled_back"
	stateExpired    = "expired"
)

// Balance is one ledger-side balance. Its value is derived from the four
// totals, never stored.
type Balance struct {
	ID              string    `gorm:"column:id;primaryKey;type:char(36)"`
	Unit            int64     `gorm:"column:unit;not null"`
	DebitBalance    bool      `gorm:"column:debit_balance;not null"`
	DebitsAccepted  int64     `gorm:"column:debits_accepted;not null;default:0"`
	DebitsReserved  int64     `gorm:"column:debits_reserved;not null;default:0"`
	CreditsAccepted int64     `gorm:"column:credits_accepted;not null;default:0"`
	CreditsReserved int64     `gorm:"column:credits_reserved;not null;default:0"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

func (Balance) TableName() string { return "ledger_balances" }

// Transfer is one movement between two balances of the same unit.
type Transfer struct {
	ID            string     `gorm:"column:id;primaryKey;type:char(36)"`
	SourceID      string     `gorm:"column:source_id;index;type:char(36);not null"`
	DestinationID string     `gorm:"column:destination_id;index;type:char(36);not null"`
	Amount        int64      `gorm:"column:amount;not null"`
	State         string     `gorm:"column:state;type:varchar(20);not null"`
	ExpiresAt     *time.Time `gorm:"column:expires_at;index"`
	CreatedAt     time.Time  `gorm:"autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime"`
}

func (Transfer) TableName() string { return "ledger_transfers" }

// Snapshot is the read-side view of a balance.
type Snapshot struct {
	ID              string
	Unit            int64
	DebitBalance    bool
	DebitsAccepted  int64
	DebitsReserved  int64
	CreditsAccepted int64
	CreditsReserved int64
}

// Value computes the spendable/owed value under the balance's polarity.
// Reserved debits count against a credit balance before commit so that a
// two-phase reservation is visible to concurrent spenders, and count toward
// a debit balance's exposure for the same reason.
func (s Snapshot) Value() int64 {
	if s.DebitBalance {
		return s.DebitsAccepted - s.CreditsAccepted + s.DebitsReserved
	}
	return s.CreditsAccepted - s.DebitsAccepted - s.DebitsReserved
}

func snapshotOf(b *Balance) Snapshot {
	return Snapshot{
		ID:              b.ID,
		Unit:            b.Unit,
		DebitBalance:    b.DebitBalance,
		DebitsAccepted:  b.DebitsAccepted,
		DebitsReserved:  b.DebitsReserved,
		CreditsAccepted: b.CreditsAccepted,
		CreditsReserved: b.CreditsReserved,
	}
}
