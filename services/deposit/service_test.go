package deposit

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
	deposit  *Service
	accounts *account.Service
	acct     *account.Account
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, &ledger.Balance{}, &ledger.Transfer{}, &asset.Asset{}, &account.Account{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	lg := ledger.NewService(ledger.Params{DB: db})
	tr := transfer.NewService(transfer.Params{Ledger: lg})
	as := asset.NewService(asset.Params{DB: db, Node: node, Ledger: lg})
	accts := account.NewService(account.Params{DB: db, Node: node, Ledger: lg, Transfer: tr, Assets: as})

	cfg := &config.Config{}
	cfg.Withdrawal.Timeout = timeout

	usd, err := as.Create(context.Background(), "USD", 2)
	require.NoError(t, err)
	acct, err := accts.Create(context.Background(), account.CreateParams{AssetID: usd.ID})
	require.NoError(t, err)

	return &fixture{
		deposit:  NewService(Params{Transfer: tr, Assets: as, Accounts: accts, Config: cfg}),
		accounts: accts,
		acct:     acct,
	}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	v, err := f.accounts.GetBalance(context.Background(), f.acct.ID)
	require.NoError(t, err)
	return v
}

func TestDepositIdempotency(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, f.deposit.Deposit(ctx, DepositParams{ID: "dep-1", AccountID: f.acct.ID, Amount: 100}))
	require.Equal(t, int64(100), f.balance(t))

	// Reuse of the key is reported even with a different amount.
	err := f.deposit.Deposit(ctx, DepositParams{ID: "dep-1", AccountID: f.acct.ID, Amount: 999})
	require.ErrorIs(t, err, ErrDepositExists)
	require.Equal(t, int64(100), f.balance(t))

	// Without a key every call is a fresh deposit.
	require.NoError(t, f.deposit.Deposit(ctx, DepositParams{AccountID: f.acct.ID, Amount: 10}))
	require.NoError(t, f.deposit.Deposit(ctx, DepositParams{AccountID: f.acct.ID, Amount: 10}))
	require.Equal(t, int64(120), f.balance(t))
}

func TestWithdrawalLifecycle(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	require.NoError(t, f.deposit.Deposit(ctx, DepositParams{AccountID: f.acct.ID, Amount: 100}))

	require.NoError(t, f.deposit.CreateWithdrawal(ctx, WithdrawalParams{ID: "wd-1", AccountID: f.acct.ID, Amount: 40}))
	require.Equal(t, int64(60), f.balance(t))

	err := f.deposit.CreateWithdrawal(ctx, WithdrawalParams{ID: "wd-1", AccountID: f.acct.ID, Amount: 40})
	require.ErrorIs(t, err, ErrWithdrawalExists)

	require.NoError(t, f.deposit.FinalizeWithdrawal(ctx, "wd-1"))
	require.Equal(t, int64(60), f.balance(t))

	require.ErrorIs(t, f.deposit.FinalizeWithdrawal(ctx, "wd-1"), ErrAlreadyFinalized)
	require.ErrorIs(t, f.deposit.RollbackWithdrawal(ctx, "wd-1"), ErrAlreadyFinalized)
	require.ErrorIs(t, f.deposit.FinalizeWithdrawal(ctx, "missing"), ErrUnknownWithdrawal)
}

func TestWithdrawalRollback(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	require.NoError(t, f.deposit.Deposit(ctx, DepositParams{AccountID: f.acct.ID, Amount: 100}))

	require.NoError(t, f.deposit.CreateWithdrawal(ctx, WithdrawalParams{ID: "wd-2", AccountID: f.acct.ID, Amount: 40}))
	require.NoError(t, f.deposit.RollbackWithdrawal(ctx, "wd-2"))
	require.Equal(t, int64(100), f.balance(t))
	require.ErrorIs(t, f.deposit.RollbackWithdrawal(ctx, "wd-2"), ErrAlreadyRolledBack)
}

func TestWithdrawalExpiry(t *testing.T) {
	f := newFixture(t, time.Nanosecond)
	ctx := context.Background()
	require.NoError(t, f.deposit.Deposit(ctx, DepositParams{AccountID: f.acct.ID, Amount: 100}))

	require.NoError(t, f.deposit.CreateWithdrawal(ctx, WithdrawalParams{ID: "wd-3", AccountID: f.acct.ID, Amount: 40}))
	time.Sleep(5 * time.Millisecond)

	require.ErrorIs(t, f.deposit.FinalizeWithdrawal(ctx, "wd-3"), ErrWithdrawalExpired)
	require.Equal(t, int64(100), f.balance(t))
}

func TestDepositAndWithdrawalScopesAreDisjoint(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	require.NoError(t, f.deposit.Deposit(ctx, DepositParams{ID: "same-key", AccountID: f.acct.ID, Amount: 100}))
	require.NoError(t, f.deposit.CreateWithdrawal(ctx, WithdrawalParams{ID: "same-key", AccountID: f.acct.ID, Amount: 40}))
}
