package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"paynode/pkg/config"
	"paynode/services/account"
	"paynode/services/asset"
	"paynode/services/credit"
	"paynode/services/ledger"
	"paynode/services/testutil"
	"paynode/services/transfer"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeStream fails every call unless a function field is set.
type fakeStream struct {
	setup func(ctx context.Context, destination string) (*Destination, error)
	quote func(ctx context.Context, d Destination) (*QuoteProbe, error)
	pay   func(ctx context.Context, p PayParams, onProgress func(int64, int64)) (*PayResult, error)
}

func (f *fakeStream) SetupPayment(ctx context.Context, destination string) (*Destination, error) {
	if f.setup == nil {
		return nil, &PayError{Code: "NoSetup"}
	}
	return f.setup(ctx, destination)
}

func (f *fakeStream) StartQuote(ctx context.Context, d Destination) (*QuoteProbe, error) {
	if f.quote == nil {
		return nil, &PayError{Code: "NoQuote"}
	}
	return f.quote(ctx, d)
}

func (f *fakeStream) Pay(ctx context.Context, p PayParams, onProgress func(int64, int64)) (*PayResult, error) {
	if f.pay == nil {
		return nil, &PayError{Code: "NoPay"}
	}
	return f.pay(ctx, p, onProgress)
}

func (f *fakeStream) CloseConnection(ctx context.Context, d Destination) error { return nil }

type fakeRates struct {
	mu     sync.Mutex
	prices map[string]float64
	err    error
}

func (f *fakeRates) Prices(ctx context.Context) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices, f.err
}

func (f *fakeRates) set(prices map[string]float64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices = prices
	f.err = err
}

type fixture struct {
	db       *gorm.DB
	svc      *Service
	accounts *account.Service
	credit   *credit.Service
	transfer *transfer.Service
	assets   *asset.Service
	usd      *asset.Asset
	stream   *fakeStream
	rates    *fakeRates
	cfg      *config.Config
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t,
		&ledger.Balance{}, &ledger.Transfer{},
		&asset.Asset{}, &account.Account{},
		&OutgoingPayment{}, &Progress{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Worker.PollInterval = 5 * time.Millisecond
	cfg.Worker.BackoffBase = time.Millisecond
	cfg.Worker.BackoffCap = 6
	cfg.Worker.MaxQuoteRetries = 5
	cfg.Worker.MaxSendRetries = 5
	cfg.Quote.Lifespan = time.Hour
	cfg.Quote.Slippage = 0

	lg := ledger.NewService(ledger.Params{DB: db})
	tr := transfer.NewService(transfer.Params{Ledger: lg})
	as := asset.NewService(asset.Params{DB: db, Node: node, Ledger: lg})
	accts := account.NewService(account.Params{DB: db, Node: node, Ledger: lg, Transfer: tr, Assets: as})
	cr := credit.NewService(credit.Params{Accounts: accts, Transfer: tr})

	stream := &fakeStream{}
	prices := &fakeRates{prices: map[string]float64{"USD": 1, "XRP": 2}}

	svc := NewService(Params{
		DB: db, Node: node, Config: cfg,
		Accounts: accts, Assets: as, Credit: cr, Transfer: tr,
		Rates: prices, Stream: stream,
	})

	f := &fixture{
		db: db, svc: svc,
		accounts: accts, credit: cr, transfer: tr, assets: as,
		stream: stream, rates: prices, cfg: cfg,
		clock: time.Now(),
	}
	svc.now = func() time.Time { return f.clock }

	f.usd, err = as.Create(context.Background(), "USD", 2)
	require.NoError(t, err)
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) fundedAccount(t *testing.T, amount int64) *account.Account {
	t.Helper()
	acct, err := f.accounts.Create(context.Background(), account.CreateParams{AssetID: f.usd.ID})
	require.NoError(t, err)
	if amount > 0 {
		require.NoError(t, f.transfer.Create(context.Background(), []transfer.Transfer{{
			ID:                   uuid.New(),
			SourceBalanceID:      f.usd.SettlementBalance(),
			DestinationBalanceID: acct.Balance(),
			Amount:               amount,
		}}))
	}
	return acct
}

func (f *fixture) fundedAccountTopUp(t *testing.T, accountID string, amount int64) {
	t.Helper()
	acct, err := f.accounts.Get(context.Background(), accountID)
	require.NoError(t, err)
	require.NoError(t, f.transfer.Create(context.Background(), []transfer.Transfer{{
		ID:                   uuid.New(),
		SourceBalanceID:      f.usd.SettlementBalance(),
		DestinationBalanceID: acct.Balance(),
		Amount:               amount,
	}}))
}

func (f *fixture) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	v, err := f.accounts.GetBalance(context.Background(), accountID)
	require.NoError(t, err)
	return v
}

// step runs one lifecycle step and returns the reloaded row.
func (f *fixture) step(t *testing.T, id string) *OutgoingPayment {
	t.Helper()
	ctx := context.Background()
	pmt, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.svc.ProcessStep(ctx, f.db, pmt))
	pmt, err = f.svc.Get(ctx, id)
	require.NoError(t, err)
	return pmt
}

// run steps until the payment is terminal and fully swept.
func (f *fixture) run(t *testing.T, id string) *OutgoingPayment {
	t.Helper()
	for i := 0; i < 50; i++ {
		pmt := f.step(t, id)
		if State(pmt.State).Terminal() && !pmt.WithdrawLiquidity {
			return pmt
		}
	}
	t.Fatalf("payment %s did not settle", id)
	return nil
}

// usdDestination resolves everything to a same-asset receiver.
func (f *fixture) usdDestination() {
	f.stream.setup = func(ctx context.Context, destination string) (*Destination, error) {
		return &Destination{Address: destination, AssetCode: "USD", AssetScale: 2}, nil
	}
	f.stream.quote = func(ctx context.Context, d Destination) (*QuoteProbe, error) {
		return &QuoteProbe{LowExchangeRate: 1, HighExchangeRate: 1, MaxPacketAmount: 1 << 20}, nil
	}
}

func int64p(v int64) *int64 { return &v }

func TestCreatePaymentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.fundedAccount(t, 100)

	_, err := f.svc.CreatePayment(ctx, CreateParams{SourceAccountID: src.ID, Destination: "$wallet/alice"})
	require.ErrorIs(t, err, ErrInvalidIntent)

	_, err = f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice",
		AmountToSend: int64p(10), AmountToDeliver: int64p(10),
	})
	require.ErrorIs(t, err, ErrInvalidIntent)

	_, err = f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "", AmountToSend: int64p(10),
	})
	require.ErrorIs(t, err, ErrInvalidIntent)

	_, err = f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice", AmountToSend: int64p(-1),
	})
	require.ErrorIs(t, err, ErrInvalidIntent)

	_, err = f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: "missing", Destination: "$wallet/alice", AmountToSend: int64p(10),
	})
	require.ErrorIs(t, err, account.ErrUnknownAccount)
}

func TestCreatePaymentProvisionsSubAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.fundedAccount(t, 100)

	pmt, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice", AmountToSend: int64p(10),
	})
	require.NoError(t, err)
	require.Equal(t, string(StateInactive), pmt.State)

	sub, err := f.accounts.Get(ctx, pmt.AccountID)
	require.NoError(t, err)
	require.Equal(t, src.ID, *sub.SuperAccountID)
	_, hasSent := sub.SentBalance()
	require.True(t, hasSent)

	prog, err := f.svc.GetProgress(ctx, pmt.ID)
	require.NoError(t, err)
	require.Zero(t, prog.AmountSent)
	require.Zero(t, prog.AmountDelivered)

	intent, err := pmt.DecodeIntent()
	require.NoError(t, err)
	require.Equal(t, int64(10), *intent.AmountToSend)
}

func TestApproveAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.usdDestination()
	src := f.fundedAccount(t, 100)

	pmt, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice", AmountToSend: int64p(10),
	})
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.Approve(ctx, pmt.ID), ErrInvalidState)

	got := f.step(t, pmt.ID)
	require.Equal(t, string(StateReady), got.State)

	require.NoError(t, f.svc.Approve(ctx, pmt.ID))
	got, err = f.svc.Get(ctx, pmt.ID)
	require.NoError(t, err)
	require.Equal(t, string(StateFunding), got.State)

	require.ErrorIs(t, f.svc.Approve(ctx, pmt.ID), ErrInvalidState)
	require.ErrorIs(t, f.svc.Cancel(ctx, pmt.ID), ErrInvalidState)

	// A second payment cancelled while awaiting approval.
	pmt2, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/bob", AmountToSend: int64p(10),
	})
	require.NoError(t, err)
	f.step(t, pmt2.ID)
	require.NoError(t, f.svc.Cancel(ctx, pmt2.ID))

	got, err = f.svc.Get(ctx, pmt2.ID)
	require.NoError(t, err)
	require.Equal(t, string(StateCancelled), got.State)
	require.Equal(t, string(ErrCancelledByAPI), *got.Error)
	require.True(t, got.WithdrawLiquidity)
}

func TestApproveExpiredQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.usdDestination()
	src := f.fundedAccount(t, 100)

	pmt, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice", AmountToSend: int64p(10),
	})
	require.NoError(t, err)
	f.step(t, pmt.ID)

	f.advance(2 * time.Hour)
	require.ErrorIs(t, f.svc.Approve(ctx, pmt.ID), ErrQuoteExpired)

	got, err := f.svc.Get(ctx, pmt.ID)
	require.NoError(t, err)
	require.Equal(t, string(StateCancelled), got.State)
	require.Equal(t, string(ErrQuoteExpired), *got.Error)
}

func TestRequote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.usdDestination()
	src := f.fundedAccount(t, 100)

	pmt, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice", AmountToSend: int64p(10),
	})
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.Requote(ctx, pmt.ID), ErrInvalidState)

	f.step(t, pmt.ID)
	require.NoError(t, f.svc.Cancel(ctx, pmt.ID))
	require.NoError(t, f.svc.Requote(ctx, pmt.ID))

	got, err := f.svc.Get(ctx, pmt.ID)
	require.NoError(t, err)
	require.Equal(t, string(StateInactive), got.State)
	require.Nil(t, got.Error)
	require.Empty(t, got.Quote)
	require.Nil(t, got.QuoteDeadline)
	require.False(t, got.WithdrawLiquidity)
	require.Zero(t, got.StateAttempts)
}

func TestUpdateProgressMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.fundedAccount(t, 100)

	pmt, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice", AmountToSend: int64p(10),
	})
	require.NoError(t, err)

	prog, err := f.svc.UpdateProgress(ctx, pmt.ID, 10, 5)
	require.NoError(t, err)
	require.Equal(t, int64(10), prog.AmountSent)
	require.Equal(t, int64(5), prog.AmountDelivered)

	// Stale reports never move progress backwards.
	prog, err = f.svc.UpdateProgress(ctx, pmt.ID, 7, 3)
	require.NoError(t, err)
	require.Equal(t, int64(10), prog.AmountSent)
	require.Equal(t, int64(5), prog.AmountDelivered)

	prog, err = f.svc.UpdateProgress(ctx, pmt.ID, 12, 5)
	require.NoError(t, err)
	require.Equal(t, int64(12), prog.AmountSent)
	require.Equal(t, int64(5), prog.AmountDelivered)

	_, err = f.svc.UpdateProgress(ctx, "missing", 1, 1)
	require.ErrorIs(t, err, ErrUnknownPayment)
}
