package deposit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"

	"paynode/pkg/config"
	"paynode/services/account"
	"paynode/services/asset"
	"paynode/services/ledger"
	"paynode/services/transfer"
)

type Error string

const (
	// ErrDepositExists / ErrWithdrawalExists surface any reuse of an
	// idempotency key, even with a different payload, so callers can detect
	// retried requests instead of silently succeeding.
	ErrDepositExists     Error = "DepositExists"
	ErrWithdrawalExists  Error = "WithdrawalExists"
	ErrUnknownWithdrawal Error = "UnknownWithdrawal"
	ErrAlreadyFinalized  Error = "AlreadyFinalized"
	ErrAlreadyRolledBack Error = "AlreadyRolledBack"
	ErrWithdrawalExpired Error = "WithdrawalExpired"
)

func (e Error) Error() string { return string(e) }

const (
	depositScope    = "deposit"
	withdrawalScope = "withdrawal"
)

// Service funds and defunds accounts against their asset's settlement
// balance. Each operation is a single idempotent transfer-engine call.
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

type DepositParams struct {
	ID        string
	AccountID string
	Amount    int64
}

// Deposit moves funds settlement -> account, settling immediately.
func (s *Service) Deposit(ctx context.Context, p DepositParams) error {
	settlement, balance, err := s.resolve(ctx, p.AccountID)
	if err != nil {
		return err
	}

	id := uuid.New()
	if p.ID != "" {
		id = ledger.DeterministicID(depositScope, p.ID)
	}

	err = s.transfer.Create(ctx, []transfer.Transfer{{
		ID:                   id,
		SourceBalanceID:      settlement,
		DestinationBalanceID: balance,
		Amount:               p.Amount,
	}})
	return translateCreate(err, ErrDepositExists)
}

type WithdrawalParams struct {
	ID        string
	AccountID string
	Amount    int64
}

// CreateWithdrawal reserves funds account -> settlement under a two-phase
// window; Finalize or Rollback must follow before the window closes.
func (s *Service) CreateWithdrawal(ctx context.Context, p WithdrawalParams) error {
	if p.ID == "" {
		return fmt.Errorf("deposit: withdrawal id required")
	}
	settlement, balance, err := s.resolve(ctx, p.AccountID)
	if err != nil {
		return err
	}

	err = s.transfer.Create(ctx, []transfer.Transfer{{
		ID:                   ledger.DeterministicID(withdrawalScope, p.ID),
		SourceBalanceID:      balance,
		DestinationBalanceID: settlement,
		Amount:               p.Amount,
		Timeout:              s.withdrawalTimeout,
	}})
	return translateCreate(err, ErrWithdrawalExists)
}

func (s *Service) FinalizeWithdrawal(ctx context.Context, id string) error {
	return s.finish(ctx, id, false)
}

func (s *Service) RollbackWithdrawal(ctx context.Context, id string) error {
	return s.finish(ctx, id, true)
}

func (s *Service) finish(ctx context.Context, id string, reject bool) error {
	transferID := ledger.DeterministicID(withdrawalScope, id)

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
	return err
}

func (s *Service) resolve(ctx context.Context, accountID string) (uuid.UUID, uuid.UUID, error) {
	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	a, err := s.assets.Get(ctx, acct.AssetID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return a.SettlementBalance(), acct.Balance(), nil
}

func translateCreate(err error, exists Error) error {
	if err == nil {
		return nil
	}
	var batchErr *transfer.BatchError
	if errors.As(err, &batchErr) && batchErr.Err == transfer.ErrTransferExists {
		return exists
	}
	return err
}
