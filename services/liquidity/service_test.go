package liquidity

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paynode/pkg/config"
	"paynode/services/account"
	"paynode/services/asset"
	"paynode/services/ledger"
	"paynode/services/testutil"
	"paynode/services/transfer"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	liquidity *Service
	assets    *asset.Service
	accounts  *account.Service
	usd       *asset.Asset
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, &ledger.Balance{}, &ledger.Transfer{}, &asset.Asset{}, &account.Account{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	lg := ledger.NewService(ledger.Params{DB: db})
	tr := transfer.NewService(transfer.Params{Ledger: lg})
	as := asset.NewService(asset.Params{DB: db, Node: node, Ledger: lg})
	accts := account.NewService(account.Params{DB: db, Node: node, Ledger: lg, Transfer: tr, Assets: as})

	cfg := &config.Config{}
	cfg.Withdrawal.Timeout = time.Hour

	usd, err := as.Create(context.Background(), "USD", 2)
	require.NoError(t, err)

	return &fixture{
		liquidity: NewService(Params{Transfer: tr, Assets: as, Accounts: accts, Config: cfg}),
		assets:    as,
		accounts:  accts,
		usd:       usd,
	}
}

func TestAddToAssetBuffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.liquidity.Add(ctx, AddParams{Target: Target{AssetID: f.usd.ID}, Amount: 100}))
	v, err := f.assets.LiquidityBalanceValue(ctx, f.usd.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), v)
}

func TestAddToAccountIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct, err := f.accounts.Create(ctx, account.CreateParams{AssetID: f.usd.ID})
	require.NoError(t, err)

	params := AddParams{Target: Target{AccountID: acct.ID}, Amount: 50, ID: "liq-1"}
	require.NoError(t, f.liquidity.Add(ctx, params))

	var batchErr *transfer.BatchError
	require.ErrorAs(t, f.liquidity.Add(ctx, params), &batchErr)
	require.Equal(t, transfer.ErrTransferExists, batchErr.Err)

	v, err := f.accounts.GetBalance(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, int64(50), v)
}

func TestTargetValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.Error(t, f.liquidity.Add(ctx, AddParams{Amount: 1}))
	require.Error(t, f.liquidity.Add(ctx, AddParams{
		Target: Target{AccountID: "a", AssetID: "b"}, Amount: 1,
	}))
	err := f.liquidity.Add(ctx, AddParams{Target: Target{AccountID: "missing"}, Amount: 1})
	require.ErrorIs(t, err, account.ErrUnknownAccount)
}

func TestWithdrawalFinalize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.liquidity.Add(ctx, AddParams{Target: Target{AssetID: f.usd.ID}, Amount: 100}))

	require.NoError(t, f.liquidity.CreateWithdrawal(ctx, WithdrawalParams{
		ID: "lw-1", Target: Target{AssetID: f.usd.ID}, Amount: 30,
	}))
	v, err := f.assets.LiquidityBalanceValue(ctx, f.usd.ID)
	require.NoError(t, err)
	require.Equal(t, int64(70), v)

	require.NoError(t, f.liquidity.FinalizeWithdrawal(ctx, "lw-1"))
	require.ErrorIs(t, f.liquidity.FinalizeWithdrawal(ctx, "lw-1"), ErrAlreadyFinalized)
	require.ErrorIs(t, f.liquidity.FinalizeWithdrawal(ctx, "missing"), ErrUnknownWithdrawal)
}

func TestWithdrawalRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.liquidity.Add(ctx, AddParams{Target: Target{AssetID: f.usd.ID}, Amount: 100}))

	require.NoError(t, f.liquidity.CreateWithdrawal(ctx, WithdrawalParams{
		ID: "lw-2", Target: Target{AssetID: f.usd.ID}, Amount: 30,
	}))
	require.NoError(t, f.liquidity.RollbackWithdrawal(ctx, "lw-2"))

	v, err := f.assets.LiquidityBalanceValue(ctx, f.usd.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), v)
	require.ErrorIs(t, f.liquidity.RollbackWithdrawal(ctx, "lw-2"), ErrAlreadyRolledBack)
}

func TestWithdrawalInsufficient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var batchErr *transfer.BatchError
	err := f.liquidity.CreateWithdrawal(ctx, WithdrawalParams{
		ID: "lw-3", Target: Target{AssetID: f.usd.ID}, Amount: 30,
	})
	require.ErrorAs(t, err, &batchErr)
	require.Equal(t, transfer.ErrInsufficientBalance, batchErr.Err)
}
