package asset

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"paynode/pkg/repository"
	"paynode/services/ledger"
)

type Error string

const (
	ErrAssetExists  Error = "AssetExists"
	ErrUnknownAsset Error = "UnknownAsset"
)

func (e Error) Error() string { return string(e) }

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	ledger ledger.Client

	assets repository.Repository[Asset]
}

type Params struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Ledger ledger.Client
}

func NewService(p Params) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		ledger: p.Ledger,
		assets: repository.ProvideStore[Asset](p.DB),
	}
}

// Create registers an asset and provisions its settlement, liquidity, and
// sent-control balances in one ledger batch.
func (s *Service) Create(ctx context.Context, code string, scale int) (*Asset, error) {
	existing, err := s.assets.FindOne(ctx, &Asset{Code: code, Scale: scale})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAssetExists
	}

	a := &Asset{
		ID:                   s.node.Generate().String(),
		Code:                 code,
		Scale:                scale,
		Unit:                 s.node.Generate().Int64(),
		SettlementBalanceID:  uuid.New().String(),
		LiquidityBalanceID:   uuid.New().String(),
		SentControlBalanceID: uuid.New().String(),
	}

	batchErr, err := s.ledger.CreateBalances(ctx, []ledger.CreateBalanceInput{
		{ID: a.SettlementBalance(), Unit: a.Unit, DebitBalance: true},
		{ID: a.LiquidityBalance(), Unit: a.Unit},
		{ID: a.SentControlBalance(), Unit: a.Unit, DebitBalance: true},
	})
	if err != nil {
		return nil, err
	}
	if batchErr != nil {
		return nil, fmt.Errorf("asset: provision balances: %s at index %d", batchErr.Code, batchErr.Index)
	}

	if err := s.assets.Create(ctx, a); err != nil {
		return nil, err
	}

	zap.L().Info("asset created",
		zap.String("asset_id", a.ID),
		zap.String("code", a.Code),
		zap.Int("scale", a.Scale),
	)

	return a, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Asset, error) {
	a, err := s.assets.FindOne(ctx, &Asset{ID: id})
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrUnknownAsset
	}
	return a, nil
}

func (s *Service) GetByCode(ctx context.Context, code string, scale int) (*Asset, error) {
	a, err := s.assets.FindOne(ctx, &Asset{Code: code, Scale: scale})
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrUnknownAsset
	}
	return a, nil
}

// LiquidityBalanceValue reads the asset's liquidity buffer from the ledger.
func (s *Service) LiquidityBalanceValue(ctx context.Context, id string) (int64, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	snaps, err := s.ledger.LookupBalances(ctx, []uuid.UUID{a.LiquidityBalance()})
	if err != nil {
		return 0, err
	}
	if len(snaps) == 0 {
		return 0, fmt.Errorf("asset: liquidity balance %s missing from ledger", a.LiquidityBalanceID)
	}
	return snaps[0].Value(), nil
}
