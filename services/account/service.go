package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"paynode/pkg/repository"
	"paynode/services/asset"
	"paynode/services/ledger"
	"paynode/services/transfer"
)

// maxHierarchyDepth bounds the ancestor walk so that a corrupted parent
// pointer cannot loop forever.
const maxHierarchyDepth = 64

const defaultTransferTimeout = 60 * time.Second

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	ledger   ledger.Client
	transfer *transfer.Service
	assets   *asset.Service

	accounts repository.Repository[Account]
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Ledger   ledger.Client
	Transfer *transfer.Service
	Assets   *asset.Service
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		ledger:   p.Ledger,
		transfer: p.Transfer,
		assets:   p.Assets,
		accounts: repository.ProvideStore[Account](p.DB),
	}
}

type CreateParams struct {
	AssetID        string
	SuperAccountID *string
	WithSent       bool
}

// Create provisions the account's ledger balances in one batch and persists
// the row. A sub-account must share its super-account's asset.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Account, error) {
	a, err := s.assets.Get(ctx, p.AssetID)
	if err != nil {
		return nil, err
	}

	if p.SuperAccountID != nil {
		super, err := s.accounts.FindOne(ctx, &Account{ID: *p.SuperAccountID})
		if err != nil {
			return nil, err
		}
		if super == nil {
			return nil, ErrUnknownAccount
		}
		if super.AssetID != p.AssetID {
			return nil, fmt.Errorf("account: sub-account asset %s differs from super-account asset %s", p.AssetID, super.AssetID)
		}
	}

	acct := &Account{
		ID:                       s.node.Generate().String(),
		AssetID:                  a.ID,
		SuperAccountID:           p.SuperAccountID,
		BalanceID:                uuid.New().String(),
		AvailableCreditBalanceID: uuid.New().String(),
		CreditExtendedBalanceID:  uuid.New().String(),
		BorrowedBalanceID:        uuid.New().String(),
		LentBalanceID:            uuid.New().String(),
	}

	inputs := []ledger.CreateBalanceInput{
		{ID: acct.Balance(), Unit: a.Unit},
		{ID: acct.AvailableCreditBalance(), Unit: a.Unit},
		{ID: acct.CreditExtendedBalance(), Unit: a.Unit, DebitBalance: true},
		{ID: acct.BorrowedBalance(), Unit: a.Unit},
		{ID: acct.LentBalance(), Unit: a.Unit, DebitBalance: true},
	}
	if p.WithSent {
		sentID := uuid.New().String()
		acct.SentBalanceID = &sentID
		inputs = append(inputs, ledger.CreateBalanceInput{ID: uuid.MustParse(sentID), Unit: a.Unit})
	}

	batchErr, err := s.ledger.CreateBalances(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if batchErr != nil {
		return nil, fmt.Errorf("account: provision balances: %s at index %d", batchErr.Code, batchErr.Index)
	}

	if err := s.accounts.Create(ctx, acct); err != nil {
		return nil, err
	}

	zap.L().Info("account created",
		zap.String("account_id", acct.ID),
		zap.String("asset_id", acct.AssetID),
		zap.Bool("sub_account", p.SuperAccountID != nil),
	)

	return acct, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	acct, err := s.accounts.FindOne(ctx, &Account{ID: id})
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrUnknownAccount
	}
	return acct, nil
}

func (s *Service) Disable(ctx context.Context, id string) error {
	acct, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.accounts.Update(ctx, acct.ID, map[string]any{"disabled": true})
}

// GetBalance recomputes the spendable balance from the ledger.
func (s *Service) GetBalance(ctx context.Context, id string) (int64, error) {
	acct, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	value, ok, err := s.transfer.GetBalance(ctx, acct.Balance())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("account: balance %s missing from ledger", acct.BalanceID)
	}
	return value, nil
}

// AncestorPath walks the parent chain from sub toward the root and returns
// the accounts from super down to sub, both endpoints included, when super
// is a strict ancestor. A nil path means the accounts are unrelated. The
// walk is an explicit pointer lookup per hop, bounded by maxHierarchyDepth.
func (s *Service) AncestorPath(ctx context.Context, superID, subID string) ([]*Account, error) {
	if superID == subID {
		return nil, nil
	}
	var chain []*Account
	current := subID
	for depth := 0; depth < maxHierarchyDepth; depth++ {
		acct, err := s.accounts.FindOne(ctx, &Account{ID: current})
		if err != nil {
			return nil, err
		}
		if acct == nil {
			return nil, nil
		}
		chain = append(chain, acct)
		if acct.ID == superID {
			for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
				chain[i], chain[j] = chain[j], chain[i]
			}
			return chain, nil
		}
		if acct.SuperAccountID == nil {
			return nil, nil
		}
		current = *acct.SuperAccountID
	}
	return nil, fmt.Errorf("account: hierarchy deeper than %d at %s", maxHierarchyDepth, subID)
}

// IsStrictDescendant reports whether super appears strictly above sub in
// the hierarchy.
func (s *Service) IsStrictDescendant(ctx context.Context, superID, subID string) (bool, error) {
	path, err := s.AncestorPath(ctx, superID, subID)
	if err != nil {
		return false, err
	}
	return path != nil, nil
}

type TransferFundsParams struct {
	SourceAccountID      string
	DestinationAccountID string
	SourceAmount         int64
	// DestinationAmount must be set for cross-asset transfers and for
	// same-asset transfers that deliver a different amount than they take;
	// the asset liquidity balances absorb the difference.
	DestinationAmount *int64
	Timeout           time.Duration
}

// FundsTransfer is a pending two-phase movement. Exactly one of Commit or
// Rollback finishes it; the reservation expires on its own otherwise.
type FundsTransfer struct {
	ids []uuid.UUID
	svc *Service
}

func (t *FundsTransfer) Commit(ctx context.Context) error {
	return t.svc.transfer.Commit(ctx, t.ids)
}

func (t *FundsTransfer) Rollback(ctx context.Context) error {
	return t.svc.transfer.Rollback(ctx, t.ids)
}

// TransferFunds reserves a movement between two accounts, routing through
// asset liquidity when amounts or assets differ.
func (s *Service) TransferFunds(ctx context.Context, p TransferFundsParams) (*FundsTransfer, error) {
	if p.SourceAccountID == p.DestinationAccountID {
		return nil, ErrSameAccounts
	}
	if p.SourceAmount <= 0 {
		return nil, ErrInvalidSourceAmount
	}

	src, err := s.accounts.FindOne(ctx, &Account{ID: p.SourceAccountID})
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, ErrUnknownSourceAccount
	}
	if src.Disabled {
		return nil, ErrAccountDisabled
	}
	dst, err := s.accounts.FindOne(ctx, &Account{ID: p.DestinationAccountID})
	if err != nil {
		return nil, err
	}
	if dst == nil {
		return nil, ErrUnknownDestinationAccount
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultTransferTimeout
	}

	sameAsset := src.AssetID == dst.AssetID
	direct := sameAsset && (p.DestinationAmount == nil || *p.DestinationAmount == p.SourceAmount)

	var entries []transfer.Transfer
	var liquidityIndexes map[int]bool

	switch {
	case direct:
		entries = []transfer.Transfer{{
			ID:                   uuid.New(),
			SourceBalanceID:      src.Balance(),
			DestinationBalanceID: dst.Balance(),
			Amount:               p.SourceAmount,
			Timeout:              timeout,
		}}

	default:
		if p.DestinationAmount == nil {
			return nil, ErrMissingDestinationAmount
		}
		if *p.DestinationAmount <= 0 {
			return nil, ErrInvalidDestinationAmount
		}

		srcAsset, err := s.assets.Get(ctx, src.AssetID)
		if err != nil {
			return nil, err
		}
		dstAsset, err := s.assets.Get(ctx, dst.AssetID)
		if err != nil {
			return nil, err
		}

		entries = []transfer.Transfer{
			{
				ID:                   uuid.New(),
				SourceBalanceID:      src.Balance(),
				DestinationBalanceID: srcAsset.LiquidityBalance(),
				Amount:               p.SourceAmount,
				Timeout:              timeout,
			},
			{
				ID:                   uuid.New(),
				SourceBalanceID:      dstAsset.LiquidityBalance(),
				DestinationBalanceID: dst.Balance(),
				Amount:               *p.DestinationAmount,
				Timeout:              timeout,
			},
		}
		liquidityIndexes = map[int]bool{1: true}
	}

	if err := s.transfer.Create(ctx, entries); err != nil {
		var batchErr *transfer.BatchError
		if errors.As(err, &batchErr) {
			switch batchErr.Err {
			case transfer.ErrInsufficientBalance:
				if liquidityIndexes[batchErr.Index] {
					return nil, ErrInsufficientLiquidity
				}
				return nil, ErrInsufficientBalance
			case transfer.ErrUnknownSourceBalance:
				return nil, ErrUnknownSourceAccount
			case transfer.ErrUnknownDestinationBalance:
				return nil, ErrUnknownDestinationAccount
			}
		}
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return &FundsTransfer{ids: ids, svc: s}, nil
}
