package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// xrpDestination resolves to a cross-asset receiver; with USD priced at 1
// and XRP at 2 the effective rate is 0.5.
func (f *fixture) xrpDestination() {
	f.stream.setup = func(ctx context.Context, destination string) (*Destination, error) {
		return &Destination{Address: destination, AssetCode: "XRP", AssetScale: 9}, nil
	}
	f.stream.quote = func(ctx context.Context, d Destination) (*QuoteProbe, error) {
		return &QuoteProbe{LowExchangeRate: 0.5, HighExchangeRate: 0.5, MaxPacketAmount: 1 << 20}, nil
	}
}

func TestQuoteFixedSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.xrpDestination()
	src := f.fundedAccount(t, 200)

	pmt, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice", AmountToSend: int64p(123),
	})
	require.NoError(t, err)

	got := f.step(t, pmt.ID)
	require.Equal(t, string(StateReady), got.State)

	quote, err := got.DecodeQuote()
	require.NoError(t, err)
	require.Equal(t, int64(123), quote.MaxSourceAmount)
	require.Equal(t, int64(61), quote.MinDeliveryAmount) // floor(123 * 0.5)
	require.Equal(t, f.clock.Add(f.cfg.Quote.Lifespan).Unix(), quote.ActivationDeadline.Unix())
	require.NotNil(t, got.QuoteDeadline)
}

func TestQuoteFixedDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.xrpDestination()
	src := f.fundedAccount(t, 200)

	pmt, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice", AmountToDeliver: int64p(61),
	})
	require.NoError(t, err)

	got := f.step(t, pmt.ID)
	require.Equal(t, string(StateReady), got.State)

	quote, err := got.DecodeQuote()
	require.NoError(t, err)
	require.Equal(t, int64(61), quote.MinDeliveryAmount)
	require.Equal(t, int64(122), quote.MaxSourceAmount) // ceil(61 / 0.5)
}

func TestQuoteRetriesThenCancels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.fundedAccount(t, 200)
	f.rates.set(nil, errors.New("provider down"))

	pmt, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice", AmountToSend: int64p(10),
	})
	require.NoError(t, err)

	for i := 1; i < f.cfg.Worker.MaxQuoteRetries; i++ {
		got := f.step(t, pmt.ID)
		require.Equal(t, string(StateInactive), got.State)
		require.Equal(t, i, got.StateAttempts)
		// Transient causes surface through stateAttempts only.
		require.Nil(t, got.Error)
	}

	got := f.step(t, pmt.ID)
	require.Equal(t, string(StateCancelled), got.State)
	require.Equal(t, string(ErrPricesUnavailable), *got.Error)
	require.True(t, got.WithdrawLiquidity)

	// Nothing was funded, so the sweep only clears the flag.
	got = f.step(t, pmt.ID)
	require.False(t, got.WithdrawLiquidity)
}

func TestQuoteRecoversAfterTransientFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.usdDestination()
	src := f.fundedAccount(t, 200)
	f.rates.set(nil, errors.New("provider down"))

	pmt, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice", AmountToSend: int64p(10),
	})
	require.NoError(t, err)

	got := f.step(t, pmt.ID)
	require.Equal(t, 1, got.StateAttempts)

	f.rates.set(map[string]float64{"USD": 1, "XRP": 2}, nil)
	got = f.step(t, pmt.ID)
	require.Equal(t, string(StateReady), got.State)
	require.Zero(t, got.StateAttempts)
}

func TestFundingReservesViaCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.xrpDestination()
	src := f.fundedAccount(t, 200)

	pmt, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice",
		AmountToSend: int64p(123), AutoApprove: true,
	})
	require.NoError(t, err)

	got := f.step(t, pmt.ID) // quote
	require.Equal(t, string(StateReady), got.State)
	got = f.step(t, pmt.ID) // auto approve
	require.Equal(t, string(StateFunding), got.State)
	got = f.step(t, pmt.ID) // fund
	require.Equal(t, string(StateSending), got.State)

	require.Equal(t, int64(123), f.balance(t, pmt.AccountID))
	require.Equal(t, int64(77), f.balance(t, src.ID))

	sum, err := f.credit.GetSummary(ctx, src.ID)
	require.NoError(t, err)
	require.Equal(t, int64(123), sum.TotalLent)
}

func TestFundingWaitsForBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.xrpDestination()
	src := f.fundedAccount(t, 50)

	pmt, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice",
		AmountToSend: int64p(123), AutoApprove: true,
	})
	require.NoError(t, err)

	f.step(t, pmt.ID)
	f.step(t, pmt.ID)
	got := f.step(t, pmt.ID)
	require.Equal(t, string(StateFunding), got.State)
	require.Equal(t, 1, got.StateAttempts)
	require.Nil(t, got.Error)

	// Funding retries indefinitely; a top-up unblocks it.
	f.fundedAccountTopUp(t, src.ID, 200)
	got = f.step(t, pmt.ID)
	require.Equal(t, string(StateSending), got.State)
	require.Equal(t, int64(123), f.balance(t, pmt.AccountID))
}

func TestQuoteExpiresBeforeFunding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.xrpDestination()
	src := f.fundedAccount(t, 200)

	pmt, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice",
		AmountToSend: int64p(123), AutoApprove: true,
	})
	require.NoError(t, err)

	f.step(t, pmt.ID)
	f.step(t, pmt.ID)
	f.advance(2 * time.Hour)

	got := f.step(t, pmt.ID)
	require.Equal(t, string(StateCancelled), got.State)
	require.Equal(t, string(ErrQuoteExpired), *got.Error)

	got = f.step(t, pmt.ID)
	require.False(t, got.WithdrawLiquidity)
	require.Equal(t, int64(200), f.balance(t, src.ID))
}

func TestSendCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.xrpDestination()
	src := f.fundedAccount(t, 200)

	f.stream.pay = func(ctx context.Context, p PayParams, onProgress func(int64, int64)) (*PayResult, error) {
		onProgress(60, 30)
		onProgress(122, 61)
		return &PayResult{AmountSent: 122, AmountDelivered: 61}, nil
	}

	pmt, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice",
		AmountToSend: int64p(123), AutoApprove: true,
	})
	require.NoError(t, err)

	got := f.run(t, pmt.ID)
	require.Equal(t, string(StateCompleted), got.State)
	require.Nil(t, got.Error)

	prog, err := f.svc.GetProgress(ctx, pmt.ID)
	require.NoError(t, err)
	require.Equal(t, int64(122), prog.AmountSent)
	require.Equal(t, int64(61), prog.AmountDelivered)

	// 123 reserved, 122 spent, 1 swept back.
	require.Equal(t, int64(78), f.balance(t, src.ID))
	require.Zero(t, f.balance(t, pmt.AccountID))

	sub, err := f.accounts.Get(ctx, pmt.AccountID)
	require.NoError(t, err)
	sentID, ok := sub.SentBalance()
	require.True(t, ok)
	sent, ok, err := f.transfer.GetBalance(ctx, sentID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(122), sent)

	// The remaining debt records exactly what the payment consumed.
	sum, err := f.credit.GetSummary(ctx, src.ID)
	require.NoError(t, err)
	require.Equal(t, int64(122), sum.TotalLent)
	subSum, err := f.credit.GetSummary(ctx, pmt.AccountID)
	require.NoError(t, err)
	require.Equal(t, sum.TotalLent, subSum.TotalBorrowed)
}

func TestSendPartialRetriesThenRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.xrpDestination()
	src := f.fundedAccount(t, 200)

	attempts := 0
	f.stream.pay = func(ctx context.Context, p PayParams, onProgress func(int64, int64)) (*PayResult, error) {
		attempts++
		onProgress(10, 5)
		if attempts < 5 {
			return &PayResult{AmountSent: 10, AmountDelivered: 5, Err: &PayError{Code: "ConnectorDropped", Retryable: true}}, nil
		}
		return &PayResult{AmountSent: 10, AmountDelivered: 5, Err: &PayError{Code: "ReceiverClosed", Retryable: false}}, nil
	}

	pmt, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice",
		AmountToSend: int64p(123), AutoApprove: true,
	})
	require.NoError(t, err)

	got := f.run(t, pmt.ID)
	require.Equal(t, string(StateCancelled), got.State)
	require.Equal(t, "ReceiverClosed", *got.Error)
	require.Equal(t, 5, attempts)

	prog, err := f.svc.GetProgress(ctx, pmt.ID)
	require.NoError(t, err)
	require.Equal(t, int64(50), prog.AmountSent)
	require.Equal(t, int64(25), prog.AmountDelivered)

	// 123 reserved, 50 spent across attempts, 73 refunded.
	require.Equal(t, int64(150), f.balance(t, src.ID))
	require.Zero(t, f.balance(t, pmt.AccountID))

	sum, err := f.credit.GetSummary(ctx, src.ID)
	require.NoError(t, err)
	require.Equal(t, int64(50), sum.TotalLent)
	subSum, err := f.credit.GetSummary(ctx, pmt.AccountID)
	require.NoError(t, err)
	require.Equal(t, sum.TotalLent, subSum.TotalBorrowed)
}

func TestSendBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.xrpDestination()
	src := f.fundedAccount(t, 200)

	// Spends the whole budget but the receiver keeps under-delivering.
	f.stream.pay = func(ctx context.Context, p PayParams, onProgress func(int64, int64)) (*PayResult, error) {
		onProgress(p.MaxSourceAmount, 1)
		return &PayResult{AmountSent: p.MaxSourceAmount, AmountDelivered: 1}, nil
	}

	pmt, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice",
		AmountToSend: int64p(123), AutoApprove: true,
	})
	require.NoError(t, err)

	got := f.run(t, pmt.ID)
	require.Equal(t, string(StateCancelled), got.State)
	require.Equal(t, string(ErrBudgetExhausted), *got.Error)

	prog, err := f.svc.GetProgress(ctx, pmt.ID)
	require.NoError(t, err)
	require.Equal(t, int64(123), prog.AmountSent)
}

func TestSendTransportErrorsRetryBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.xrpDestination()
	src := f.fundedAccount(t, 200)

	f.stream.pay = func(ctx context.Context, p PayParams, onProgress func(int64, int64)) (*PayResult, error) {
		return nil, errors.New("socket closed")
	}

	pmt, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice",
		AmountToSend: int64p(123), AutoApprove: true,
	})
	require.NoError(t, err)

	f.step(t, pmt.ID) // quote
	f.step(t, pmt.ID) // auto approve
	f.step(t, pmt.ID) // fund

	for i := 1; i < f.cfg.Worker.MaxSendRetries; i++ {
		got := f.step(t, pmt.ID)
		require.Equal(t, string(StateSending), got.State)
		require.Equal(t, i, got.StateAttempts)
		require.Nil(t, got.Error)
	}

	got := f.step(t, pmt.ID)
	require.Equal(t, string(StateCancelled), got.State)
	require.Equal(t, string(ErrDestinationUnreachable), *got.Error)

	// Nothing was sent; the sweep refunds the full reservation.
	got = f.step(t, pmt.ID)
	require.False(t, got.WithdrawLiquidity)
	require.Equal(t, int64(200), f.balance(t, src.ID))
}

func TestSweepFailureKeepsCompletedClean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.fundedAccount(t, 100)

	pmt, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice", AmountToSend: int64p(10),
	})
	require.NoError(t, err)

	// Funds on the sub-account without matching debt make the sweep fail.
	f.fundedAccountTopUp(t, pmt.AccountID, 5)
	require.NoError(t, f.db.Model(&OutgoingPayment{}).Where("id = ?", pmt.ID).
		Updates(map[string]any{"state": string(StateCompleted), "withdraw_liquidity": true}).Error)

	got := f.step(t, pmt.ID)
	require.Equal(t, string(StateCompleted), got.State)
	require.Equal(t, 1, got.StateAttempts)
	require.True(t, got.WithdrawLiquidity)
	// A completed payment never exposes an error, even while its sweep
	// retries.
	require.Nil(t, got.Error)
}

func TestSettleSentIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.fundedAccount(t, 200)

	pmt, err := f.svc.CreatePayment(ctx, CreateParams{
		SourceAccountID: src.ID, Destination: "$wallet/alice", AmountToSend: int64p(100),
	})
	require.NoError(t, err)
	f.fundedAccountTopUp(t, pmt.AccountID, 20)

	require.NoError(t, f.svc.settleSent(ctx, pmt, 10, 10))
	require.Equal(t, int64(10), f.balance(t, pmt.AccountID))

	// Replaying the same cumulative total moves nothing.
	require.NoError(t, f.svc.settleSent(ctx, pmt, 10, 10))
	require.Equal(t, int64(10), f.balance(t, pmt.AccountID))
}
