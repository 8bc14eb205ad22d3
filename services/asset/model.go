package asset

import (
	"time"

	"github.com/google/uuid"
)

// Asset is a ledger unit. The three dedicated balances are provisioned with
// the asset and live for as long as the asset is referenced; assets are
// never deleted.
//
//	Settlement  debit polarity   funds entering/leaving the system
//	Liquidity   credit polarity  cross-account and cross-asset buffer
//	Sent        debit polarity   source for per-account sent accounting
type Asset struct {
	ID                   string    `gorm:"column:id;primaryKey;type:char(26)"`
	Code                 string    `gorm:"column:code;type:varchar(12);not null;uniqueIndex:idx_assets_code_scale"`
	Scale                int       `gorm:"column:scale;not null;uniqueIndex:idx_assets_code_scale"`
	Unit                 int64     `gorm:"column:unit;not null;uniqueIndex"`
	SettlementBalanceID  string    `gorm:"column:settlement_balance_id;type:char(36);not null"`
	LiquidityBalanceID   string    `gorm:"column:liquidity_balance_id;type:char(36);not null"`
	SentControlBalanceID string    `gorm:"column:sent_control_balance_id;type:char(36);not null"`
	CreatedAt            time.Time `gorm:"autoCreateTime"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime"`
}

func (Asset) TableName() string { return "assets" }

func (a *Asset) SettlementBalance() uuid.UUID {
	return uuid.MustParse(a.SettlementBalanceID)
}

func (a *Asset) LiquidityBalance() uuid.UUID {
	return uuid.MustParse(a.LiquidityBalanceID)
}

func (a *Asset) SentControlBalance() uuid.UUID {
	return uuid.MustParse(a.SentControlBalanceID)
}
