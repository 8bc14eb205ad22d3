package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"paynode/services/credit"
	"paynode/services/ledger"
	"paynode/services/transfer"
)

// ProcessStep advances a claimed payment by exactly one lifecycle step. It
// runs inside the poller's locking transaction: a nil return with no row
// update means there was nothing to do, an error rolls the claim back
// untouched so another pass retries it.
func (s *Service) ProcessStep(ctx context.Context, tx *gorm.DB, pmt *OutgoingPayment) error {
	switch State(pmt.State) {
	case StateInactive:
		return s.stepQuote(ctx, tx, pmt)
	case StateReady:
		return s.stepReady(ctx, tx, pmt)
	case StateFunding:
		return s.stepFunding(ctx, tx, pmt)
	case StateSending:
		return s.stepSending(ctx, tx, pmt)
	case StateCancelled, StateCompleted:
		if pmt.WithdrawLiquidity {
			return s.stepWithdraw(ctx, tx, pmt)
		}
		return nil
	default:
		return fmt.Errorf("payment: %s in unknown state %q", pmt.ID, pmt.State)
	}
}

// stepQuote resolves the destination, probes the path and fixes the quote
// bounds for this payment attempt.
func (s *Service) stepQuote(ctx context.Context, tx *gorm.DB, pmt *OutgoingPayment) error {
	intent, err := pmt.DecodeIntent()
	if err != nil {
		return s.cancel(ctx, tx, pmt, ErrInvalidIntent)
	}

	prices, err := s.rates.Prices(ctx)
	if err != nil {
		return s.retryOrCancel(ctx, tx, pmt, ErrPricesUnavailable, s.cfg.Worker.MaxQuoteRetries)
	}

	acct, err := s.accounts.Get(ctx, pmt.AccountID)
	if err != nil {
		return err
	}
	srcAsset, err := s.assets.Get(ctx, acct.AssetID)
	if err != nil {
		return err
	}

	dest, err := s.stream.SetupPayment(ctx, intent.Destination)
	if err != nil {
		return s.retryOrCancel(ctx, tx, pmt, ErrDestinationUnreachable, s.cfg.Worker.MaxQuoteRetries)
	}
	probe, err := s.stream.StartQuote(ctx, *dest)
	if err != nil {
		return s.retryOrCancel(ctx, tx, pmt, ErrDestinationUnreachable, s.cfg.Worker.MaxQuoteRetries)
	}

	rate, ok := exchangeRate(prices, srcAsset.Code, dest.AssetCode)
	if !ok {
		return s.retryOrCancel(ctx, tx, pmt, ErrPricesUnavailable, s.cfg.Worker.MaxQuoteRetries)
	}

	slippage := new(big.Rat).SetFloat64(s.cfg.Quote.Slippage)
	var maxSource, minDelivery int64
	switch {
	case intent.AmountToSend != nil:
		maxSource = *intent.AmountToSend
		// floor(send * rate * (1 - slippage))
		d := new(big.Rat).SetInt64(maxSource)
		d.Mul(d, rate)
		d.Mul(d, new(big.Rat).Sub(big.NewRat(1, 1), slippage))
		minDelivery = ratFloor(d)
	case intent.AmountToDeliver != nil:
		minDelivery = *intent.AmountToDeliver
		// ceil(deliver / rate * (1 + slippage))
		m := new(big.Rat).SetInt64(minDelivery)
		m.Quo(m, rate)
		m.Mul(m, new(big.Rat).Add(big.NewRat(1, 1), slippage))
		maxSource = ratCeil(m)
	default:
		return s.cancel(ctx, tx, pmt, ErrInvalidIntent)
	}
	if minDelivery <= 0 || maxSource <= 0 {
		// The amounts round away to nothing at this rate; retrying cannot fix it.
		return s.cancel(ctx, tx, pmt, ErrInvalidQuote)
	}

	now := s.now()
	quote := Quote{
		Timestamp:                now,
		ActivationDeadline:       now.Add(s.cfg.Quote.Lifespan),
		MaxSourceAmount:          maxSource,
		MinDeliveryAmount:        minDelivery,
		MaxPacketAmount:          probe.MaxPacketAmount,
		LowExchangeRateEstimate:  probe.LowExchangeRate,
		HighExchangeRateEstimate: probe.HighExchangeRate,
	}
	raw, err := json.Marshal(quote)
	if err != nil {
		return err
	}

	return s.transition(ctx, tx, pmt, StateReady, map[string]any{
		"quote":          raw,
		"quote_deadline": quote.ActivationDeadline,
		"error":          nil,
	})
}

// stepReady only sees rows the poller considers due: auto-approve payments
// and payments whose quote just expired. Manually approved ones transition
// through the API instead.
func (s *Service) stepReady(ctx context.Context, tx *gorm.DB, pmt *OutgoingPayment) error {
	if s.quoteExpired(pmt) {
		return s.cancel(ctx, tx, pmt, ErrQuoteExpired)
	}
	if pmt.AutoApprove {
		return s.transition(ctx, tx, pmt, StateFunding, nil)
	}
	return nil
}

// stepFunding reserves the quote's source amount on the payment sub-account
// by extending auto-applied credit from the funding account. Funds already
// sent or already sitting on the sub-account shrink the reservation, so a
// crashed or requoted payment never double-funds.
func (s *Service) stepFunding(ctx context.Context, tx *gorm.DB, pmt *OutgoingPayment) error {
	if s.quoteExpired(pmt) {
		return s.cancel(ctx, tx, pmt, ErrQuoteExpired)
	}
	quote, err := s.quoteFromRow(pmt)
	if err != nil {
		return err
	}
	prog, err := s.progress.WithTrx(tx).FindOne(ctx, &Progress{PaymentID: pmt.ID})
	if err != nil {
		return err
	}
	if prog == nil {
		return fmt.Errorf("payment: %s has no progress row", pmt.ID)
	}
	balance, err := s.accounts.GetBalance(ctx, pmt.AccountID)
	if err != nil {
		return err
	}

	needed := quote.MaxSourceAmount - prog.AmountSent - balance
	if needed > 0 {
		err := s.credit.ExtendCredit(ctx, credit.ExtendParams{
			AccountID:    pmt.SourceAccountID,
			SubAccountID: pmt.AccountID,
			Amount:       needed,
			AutoApply:    true,
		})
		if errors.Is(err, credit.ErrInsufficientBalance) {
			// The funding account may be topped up at any time; wait for it.
			return s.recordFailure(ctx, tx, pmt, ErrInsufficientBalance)
		}
		if err != nil {
			return err
		}
	}

	return s.transition(ctx, tx, pmt, StateSending, nil)
}

// stepSending performs one send attempt, settles whatever actually left and
// decides the outcome. Once packets have moved, quote expiry no longer
// aborts the attempt: abandoning a partially delivered payment strands more
// value than finishing it.
func (s *Service) stepSending(ctx context.Context, tx *gorm.DB, pmt *OutgoingPayment) error {
	quote, err := s.quoteFromRow(pmt)
	if err != nil {
		return err
	}
	prog, err := s.progress.WithTrx(tx).FindOne(ctx, &Progress{PaymentID: pmt.ID})
	if err != nil {
		return err
	}
	if prog == nil {
		return fmt.Errorf("payment: %s has no progress row", pmt.ID)
	}

	if prog.AmountDelivered >= quote.MinDeliveryAmount {
		return s.complete(ctx, tx, pmt)
	}
	if s.quoteExpired(pmt) && prog.AmountSent == 0 {
		return s.cancel(ctx, tx, pmt, ErrQuoteExpired)
	}
	remainingSource := quote.MaxSourceAmount - prog.AmountSent
	if remainingSource <= 0 {
		return s.cancel(ctx, tx, pmt, ErrBudgetExhausted)
	}

	intent, err := pmt.DecodeIntent()
	if err != nil {
		return s.cancel(ctx, tx, pmt, ErrInvalidIntent)
	}
	dest, err := s.stream.SetupPayment(ctx, intent.Destination)
	if err != nil {
		return s.retryOrCancel(ctx, tx, pmt, ErrDestinationUnreachable, s.cfg.Worker.MaxSendRetries)
	}

	balance, err := s.accounts.GetBalance(ctx, pmt.AccountID)
	if err != nil {
		return err
	}
	budget := remainingSource
	if balance < budget {
		budget = balance
	}
	if budget <= 0 {
		// Reserved funds went missing, most likely a crash between funding and
		// sending; go back and top the sub-account up again.
		return s.transition(ctx, tx, pmt, StateFunding, nil)
	}

	tracker := s.newProgressTracker(pmt.ID, prog.AmountSent, prog.AmountDelivered)
	tracker.Start()

	result, payErr := s.stream.Pay(ctx, PayParams{
		Destination:       *dest,
		MaxSourceAmount:   budget,
		MinDeliveryAmount: quote.MinDeliveryAmount - prog.AmountDelivered,
		MinExchangeRate:   quote.LowExchangeRateEstimate,
		MaxPacketAmount:   quote.MaxPacketAmount,
	}, tracker.Record)
	if payErr != nil {
		// A transport-level failure counts against the send attempts like any
		// other failed attempt.
		if err := tracker.Close(ctx); err != nil {
			return err
		}
		zap.L().Warn("send transport error",
			zap.String("payment_id", pmt.ID),
			zap.Error(payErr),
		)
		return s.retryOrCancel(ctx, tx, pmt, ErrDestinationUnreachable, s.cfg.Worker.MaxSendRetries)
	}

	tracker.Record(result.AmountSent, result.AmountDelivered)
	// The final progress write must land before any state change so the
	// stored totals never trail a terminal state.
	if err := tracker.Close(ctx); err != nil {
		return err
	}

	if result.AmountSent > 0 {
		if err := s.settleSent(ctx, pmt, prog.AmountSent+result.AmountSent, result.AmountSent); err != nil {
			return err
		}
	}

	newSent := prog.AmountSent + result.AmountSent
	newDelivered := prog.AmountDelivered + result.AmountDelivered

	switch {
	case newDelivered >= quote.MinDeliveryAmount:
		return s.complete(ctx, tx, pmt)
	case result.Err != nil && !result.Err.Retryable:
		return s.cancel(ctx, tx, pmt, LifecycleError(result.Err.Code))
	case quote.MaxSourceAmount-newSent <= 0:
		return s.cancel(ctx, tx, pmt, ErrBudgetExhausted)
	default:
		cause := ErrDestinationUnreachable
		if result.Err != nil {
			cause = LifecycleError(result.Err.Code)
		}
		return s.retryOrCancel(ctx, tx, pmt, cause, s.cfg.Worker.MaxSendRetries)
	}
}

// settleSent moves this attempt's spent amount off the payment sub-account
// into the asset settlement balance and mirrors it on the sent balance.
// Transfer ids derive from the cumulative sent total, so a crash between
// settling and the state update replays as TransferExists instead of moving
// the funds twice.
func (s *Service) settleSent(ctx context.Context, pmt *OutgoingPayment, totalSent, delta int64) error {
	acct, err := s.accounts.Get(ctx, pmt.AccountID)
	if err != nil {
		return err
	}
	a, err := s.assets.Get(ctx, acct.AssetID)
	if err != nil {
		return err
	}

	key := pmt.ID + ":" + strconv.FormatInt(totalSent, 10)
	entries := []transfer.Transfer{{
		ID:                   ledger.DeterministicID("payment-settle", key),
		SourceBalanceID:      acct.Balance(),
		DestinationBalanceID: a.SettlementBalance(),
		Amount:               delta,
	}}
	if sent, ok := acct.SentBalance(); ok {
		entries = append(entries, transfer.Transfer{
			ID:                   ledger.DeterministicID("payment-sent", key),
			SourceBalanceID:      a.SentControlBalance(),
			DestinationBalanceID: sent,
			Amount:               delta,
		})
	}

	err = s.transfer.Create(ctx, entries)
	var batchErr *transfer.BatchError
	if errors.As(err, &batchErr) && batchErr.Err == transfer.ErrTransferExists {
		zap.L().Warn("sent settlement already recorded",
			zap.String("payment_id", pmt.ID),
			zap.Int64("total_sent", totalSent),
		)
		return nil
	}
	return err
}

// stepWithdraw sweeps unspent funds off the payment sub-account once the
// payment is terminal. Settling the remaining debt without revolving undoes
// the funding reservation and credits the source account back.
func (s *Service) stepWithdraw(ctx context.Context, tx *gorm.DB, pmt *OutgoingPayment) error {
	leftover, err := s.accounts.GetBalance(ctx, pmt.AccountID)
	if err != nil {
		return err
	}
	if leftover > 0 {
		revolve := false
		err := s.credit.SettleDebt(ctx, credit.SettleParams{
			AccountID:    pmt.SourceAccountID,
			SubAccountID: pmt.AccountID,
			Amount:       leftover,
			Revolve:      &revolve,
		})
		var ce credit.Error
		if errors.As(err, &ce) {
			return s.recordFailure(ctx, tx, pmt, ErrAccountServiceError)
		}
		if err != nil {
			return err
		}
	}

	pmt.WithdrawLiquidity = false
	return s.payments.WithTrx(tx).Update(ctx, pmt.ID, map[string]any{
		"withdraw_liquidity": false,
		"updated_at":         s.now(),
	})
}

// retryOrCancel increments the attempt counter, cancelling once max attempts
// in the current state are used up. max <= 0 retries indefinitely.
func (s *Service) retryOrCancel(ctx context.Context, tx *gorm.DB, pmt *OutgoingPayment, cause LifecycleError, max int) error {
	if max > 0 && pmt.StateAttempts+1 >= max {
		return s.cancel(ctx, tx, pmt, cause)
	}
	return s.recordFailure(ctx, tx, pmt, cause)
}

func (s *Service) quoteExpired(pmt *OutgoingPayment) bool {
	return pmt.QuoteDeadline != nil && !s.now().Before(*pmt.QuoteDeadline)
}

// exchangeRate derives source->destination units from reference prices.
func exchangeRate(prices map[string]float64, srcCode, dstCode string) (*big.Rat, bool) {
	srcPrice, ok := prices[srcCode]
	if !ok || srcPrice <= 0 {
		return nil, false
	}
	dstPrice, ok := prices[dstCode]
	if !ok || dstPrice <= 0 {
		return nil, false
	}
	src := new(big.Rat).SetFloat64(srcPrice)
	dst := new(big.Rat).SetFloat64(dstPrice)
	if src == nil || dst == nil || dst.Sign() == 0 {
		return nil, false
	}
	return new(big.Rat).Quo(src, dst), true
}

func ratFloor(r *big.Rat) int64 {
	return new(big.Int).Quo(r.Num(), r.Denom()).Int64()
}

func ratCeil(r *big.Rat) int64 {
	num := new(big.Int).Set(r.Num())
	den := r.Denom()
	num.Add(num, new(big.Int).Sub(den, big.NewInt(1)))
	return num.Quo(num, den).Int64()
}
