package liquidity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"paynode/pkg/config"
	"paynode/services/account"
	"paynode/services/asset"
	"paynode/services/ledger"
	"paynode/services/transfer"
)

type Error string

const (
	ErrUnknownWithdrawal Error = "UnknownWithdrawal"
	ErrAlreadyFinalized  Error = "AlreadyFinalized"
	ErrAlreadyRolledBack Error = "AlreadyRolledBack"
	ErrWithdrawalExpired Error = "WithdrawalExpired"
)

func (e Error) Error() string { return string(e) }

const idScope = "liquidity"

// Service moves liquidity between an asset's settlement balance and either
// an account balance or the asset-level liquidity buffer. Creation errors
// from the transfer engine (InsufficientBalance, TransferExists) pass
// through unchanged.
type Service struct {
	transfer *transfer.Service
	assets   *asset.Service
	accounts *account.Service

	withdrawalTimeout time.Duration
}

type Params struct {
	fx.In
	Transfer *transfer.Service
	Assets   *asset.Service
	Accounts *account.Service
	Config   *config.Config
}

func NewService(p Params) *Service {
	return &Service{
		transfer:          p.Transfer,
		assets:            p.Assets,
		accounts:          p.Accounts,
		withdrawalTimeout: p.Config.Withdrawal.Timeout,
	}
}

// Target selects either an account balance or an asset's liquidity buffer.
// Exactly one field must be set.
type Target struct {
	AccountID string
	AssetID   string
}

type AddParams struct {
	Target Target
	Amount int64
	// ID is the caller's idempotency key; one is generated when absent.
	ID string
}

// Add deposits liquidity: one single-phase transfer settlement -> target.
func (s *Service) Add(ctx context.Context, p AddParams) error {
	settlement, target, err := s.resolve(ctx, p.Target)
	if err != nil {
		return err
	}

	id := uuid.New()
	if p.ID != "" {
		id = ledger.DeterministicID(idScope, p.ID)
	}

	return s.transfer.Create(ctx, []transfer.Transfer{{
		ID:                   id,
		SourceBalanceID:      settlement,
		DestinationBalanceID: target,
		Amount:               p.Amount,
	}})
}

type WithdrawalParams struct {
	ID     string
	Target Target
	Amount int64
}

// CreateWithdrawal reserves liquidity for withdrawal: one two-phase transfer
// target -> settlement that must be finalized or rolled back before the
// timeout, or the ledger voids it.
func (s *Service) CreateWithdrawal(ctx context.Context, p WithdrawalParams) error {
	if p.ID == "" {
		return fmt.Errorf("liquidity: withdrawal id required")
	}
	settlement, target, err := s.resolve(ctx, p.Target)
	if err != nil {
		return err
	}

	return s.transfer.Create(ctx, []transfer.Transfer{{
		ID:                   ledger.DeterministicID(idScope, p.ID),
		SourceBalanceID:      target,
		DestinationBalanceID: settlement,
		Amount:               p.Amount,
		Timeout:              s.withdrawalTimeout,
	}})
}

func (s *Service) FinalizeWithdrawal(ctx context.Context, id string) error {
	return s.finish(ctx, id, false)
}

func (s *Service) RollbackWithdrawal(ctx context.Context, id string) error {
	return s.finish(ctx, id, true)
}

func (s *Service) finish(ctx context.Context, id string, reject bool) error {
	transferID := ledger.DeterministicID(idScope, id)

	var err error
	if reject {
		err = s.transfer.Rollback(ctx, []uuid.UUID{transferID})
	} else {
		err = s.transfer.Commit(ctx, []uuid.UUID{transferID})
	}
	if err == nil {
		return nil
	}

	var batchErr *transfer.BatchError
	if errors.As(err, &batchErr) {
		switch batchErr.Err {
		case transfer.ErrUnknownTransfer:
			return ErrUnknownWithdrawal
		case transfer.ErrAlreadyCommitted:
			return ErrAlreadyFinalized
		case transfer.ErrAlreadyRolledBack:
			return ErrAlreadyRolledBack
		case transfer.ErrTransferExpired:
			return ErrWithdrawalExpired
		}
	}
	zap.L().Error("liquidity withdrawal finish failed",
		zap.String("withdrawal_id", id),
		zap.Bool("reject", reject),
		zap.Error(err),
	)
	return err
}

// resolve returns (settlement balance, target balance) for the target's
// asset.
func (s *Service) resolve(ctx context.Context, t Target) (uuid.UUID, uuid.UUID, error) {
	switch {
	case t.AccountID != "" && t.AssetID == "":
		acct, err := s.accounts.Get(ctx, t.AccountID)
		if err != nil {
			return uuid.Nil, uuid.Nil, err
		}
		a, err := s.assets.Get(ctx, acct.AssetID)
		if err != nil {
			return uuid.Nil, uuid.Nil, err
		}
		return a.SettlementBalance(), acct.Balance(), nil

	case t.AssetID != "" && t.AccountID == "":
		a, err := s.assets.Get(ctx, t.AssetID)
		if err != nil {
			return uuid.Nil, uuid.Nil, err
		}
		return a.SettlementBalance(), a.LiquidityBalance(), nil

	default:
		return uuid.Nil, uuid.Nil, fmt.Errorf("liquidity: exactly one of account id or asset id must be set")
	}
}
