package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"paynode/pkg/config"
	"paynode/pkg/db/option"
	"paynode/pkg/events"
	"paynode/pkg/repository"
	"paynode/services/account"
	"paynode/services/asset"
	"paynode/services/credit"
	"paynode/services/rates"
	"paynode/services/transfer"
)

// Service owns the outgoing payment lifecycle. API methods here perform the
// user-driven transitions (create, approve, cancel, requote); ProcessStep in
// lifecycle.go performs the worker-driven ones.
type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	cfg      *config.Config
	accounts *account.Service
	assets   *asset.Service
	credit   *credit.Service
	transfer *transfer.Service
	rates    rates.Provider
	stream   StreamClient
	events   *asynq.Client

	payments repository.Repository[OutgoingPayment]
	progress repository.Repository[Progress]

	now func() time.Time
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Accounts *account.Service
	Assets   *asset.Service
	Credit   *credit.Service
	Transfer *transfer.Service
	Rates    rates.Provider
	Stream   StreamClient
	Events   *asynq.Client `optional:"true"`
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		cfg:      p.Config,
		accounts: p.Accounts,
		assets:   p.Assets,
		credit:   p.Credit,
		transfer: p.Transfer,
		rates:    p.Rates,
		stream:   p.Stream,
		events:   p.Events,
		payments: repository.ProvideStore[OutgoingPayment](p.DB),
		progress: repository.ProvideStore[Progress](p.DB),
		now:      time.Now,
	}
}

type CreateParams struct {
	SourceAccountID string
	Destination     string
	AmountToSend    *int64
	AmountToDeliver *int64
	AutoApprove     bool
}

// CreatePayment records the intent and provisions a dedicated sub-account
// under the funding account. The sub-account isolates reserved funds: the
// sender can only spend what Funding moved there, and leftovers are traced
// back through its debt balances.
func (s *Service) CreatePayment(ctx context.Context, p CreateParams) (*OutgoingPayment, error) {
	if (p.AmountToSend == nil) == (p.AmountToDeliver == nil) {
		return nil, ErrInvalidIntent
	}
	if p.AmountToSend != nil && *p.AmountToSend <= 0 {
		return nil, ErrInvalidIntent
	}
	if p.AmountToDeliver != nil && *p.AmountToDeliver <= 0 {
		return nil, ErrInvalidIntent
	}
	if p.Destination == "" {
		return nil, ErrInvalidIntent
	}

	src, err := s.accounts.Get(ctx, p.SourceAccountID)
	if err != nil {
		return nil, err
	}

	sub, err := s.accounts.Create(ctx, account.CreateParams{
		AssetID:        src.AssetID,
		SuperAccountID: &src.ID,
		WithSent:       true,
	})
	if err != nil {
		return nil, err
	}

	intent := Intent{
		Destination:     p.Destination,
		AmountToSend:    p.AmountToSend,
		AmountToDeliver: p.AmountToDeliver,
		AutoApprove:     p.AutoApprove,
	}
	raw, err := json.Marshal(intent)
	if err != nil {
		return nil, err
	}

	pmt := &OutgoingPayment{
		ID:                 s.node.Generate().String(),
		State:              string(StateInactive),
		SourceAccountID:    src.ID,
		AccountID:          sub.ID,
		DestinationAccount: p.Destination,
		AutoApprove:        p.AutoApprove,
		Intent:             raw,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.payments.WithTrx(tx).Create(ctx, pmt); err != nil {
			return err
		}
		return s.progress.WithTrx(tx).Create(ctx, &Progress{PaymentID: pmt.ID})
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("payment created",
		zap.String("payment_id", pmt.ID),
		zap.String("source_account_id", src.ID),
		zap.Bool("auto_approve", p.AutoApprove),
	)

	return pmt, nil
}

func (s *Service) Get(ctx context.Context, id string) (*OutgoingPayment, error) {
	pmt, err := s.payments.FindOne(ctx, &OutgoingPayment{ID: id})
	if err != nil {
		return nil, err
	}
	if pmt == nil {
		return nil, ErrUnknownPayment
	}
	return pmt, nil
}

func (s *Service) GetProgress(ctx context.Context, paymentID string) (*Progress, error) {
	prog, err := s.progress.FindOne(ctx, &Progress{PaymentID: paymentID})
	if err != nil {
		return nil, err
	}
	if prog == nil {
		return nil, ErrUnknownPayment
	}
	return prog, nil
}

// Approve moves a quoted payment into Funding. An expired quote cancels the
// payment instead; the caller may Requote afterwards.
func (s *Service) Approve(ctx context.Context, id string) error {
	var expired bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		pmt, err := s.lockPayment(ctx, tx, id)
		if err != nil {
			return err
		}
		if State(pmt.State) != StateReady {
			return ErrInvalidState
		}
		if pmt.QuoteDeadline != nil && !s.now().Before(*pmt.QuoteDeadline) {
			// The cancellation must commit even though the approval fails.
			expired = true
			return s.cancel(ctx, tx, pmt, ErrQuoteExpired)
		}
		return s.transition(ctx, tx, pmt, StateFunding, nil)
	})
	if err != nil {
		return err
	}
	if expired {
		return ErrQuoteExpired
	}
	return nil
}

// Cancel is only honored before funds start moving, while the payment waits
// for approval.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		pmt, err := s.lockPayment(ctx, tx, id)
		if err != nil {
			return err
		}
		if State(pmt.State) != StateReady {
			return ErrInvalidState
		}
		return s.cancel(ctx, tx, pmt, ErrCancelledByAPI)
	})
}

// Requote restarts a cancelled payment from Inactive with a fresh attempt
// counter. Funds still sitting on the payment sub-account are reused: the
// next Funding pass reserves only the difference.
func (s *Service) Requote(ctx context.Context, id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		pmt, err := s.lockPayment(ctx, tx, id)
		if err != nil {
			return err
		}
		if State(pmt.State) != StateCancelled {
			return ErrInvalidState
		}
		return s.transition(ctx, tx, pmt, StateInactive, map[string]any{
			"error":              nil,
			"quote":              nil,
			"quote_deadline":     nil,
			"withdraw_liquidity": false,
		})
	})
}

// UpdateProgress merges a progress report with max(old, new) per field under
// a row lock. Concurrent reporters may race on the lock but never regress
// the stored amounts.
func (s *Service) UpdateProgress(ctx context.Context, paymentID string, amountSent, amountDelivered int64) (*Progress, error) {
	var out *Progress
	err := s.db.Transaction(func(tx *gorm.DB) error {
		prog, err := s.progress.WithTrx(tx).FindOne(ctx, &Progress{PaymentID: paymentID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if prog == nil {
			return ErrUnknownPayment
		}
		if amountSent > prog.AmountSent {
			prog.AmountSent = amountSent
		}
		if amountDelivered > prog.AmountDelivered {
			prog.AmountDelivered = amountDelivered
		}
		out = prog
		return tx.WithContext(ctx).Model(&Progress{}).
			Where("payment_id = ?", paymentID).
			Updates(map[string]any{
				"amount_sent":      prog.AmountSent,
				"amount_delivered": prog.AmountDelivered,
				"updated_at":       s.now(),
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) lockPayment(ctx context.Context, tx *gorm.DB, id string) (*OutgoingPayment, error) {
	pmt, err := s.payments.WithTrx(tx).FindOne(ctx, &OutgoingPayment{ID: id}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if pmt == nil {
		return nil, ErrUnknownPayment
	}
	return pmt, nil
}

// transition changes state and resets the attempt counter. extra carries
// columns that must change atomically with the state.
func (s *Service) transition(ctx context.Context, tx *gorm.DB, pmt *OutgoingPayment, to State, extra map[string]any) error {
	fields := map[string]any{
		"state":          string(to),
		"state_attempts": 0,
		"updated_at":     s.now(),
	}
	for k, v := range extra {
		fields[k] = v
	}
	if err := s.payments.WithTrx(tx).Update(ctx, pmt.ID, fields); err != nil {
		return err
	}

	zap.L().Info("payment state change",
		zap.String("payment_id", pmt.ID),
		zap.String("from", pmt.State),
		zap.String("to", string(to)),
	)

	pmt.State = string(to)
	pmt.StateAttempts = 0
	return nil
}

// recordFailure keeps the state and increments the attempt counter; the
// poller's backoff reads the counter and updated_at. The cause stays out of
// the error column: callers only ever see an error on a cancelled payment,
// transient failures surface through stateAttempts alone.
func (s *Service) recordFailure(ctx context.Context, tx *gorm.DB, pmt *OutgoingPayment, cause LifecycleError) error {
	pmt.StateAttempts++
	zap.L().Warn("payment step failed",
		zap.String("payment_id", pmt.ID),
		zap.String("state", pmt.State),
		zap.Int("attempts", pmt.StateAttempts),
		zap.String("cause", string(cause)),
	)
	return s.payments.WithTrx(tx).Update(ctx, pmt.ID, map[string]any{
		"state_attempts": pmt.StateAttempts,
		"updated_at":     s.now(),
	})
}

// cancel is terminal. withdraw_liquidity stays set until the leftover sweep
// returns unspent funds to the source account.
func (s *Service) cancel(ctx context.Context, tx *gorm.DB, pmt *OutgoingPayment, cause LifecycleError) error {
	msg := string(cause)
	pmt.Error = &msg
	if err := s.transition(ctx, tx, pmt, StateCancelled, map[string]any{
		"error":              msg,
		"withdraw_liquidity": true,
	}); err != nil {
		return err
	}
	pmt.WithdrawLiquidity = true
	s.emit(ctx, tx, pmt, events.PaymentCancelledTask)
	return nil
}

func (s *Service) complete(ctx context.Context, tx *gorm.DB, pmt *OutgoingPayment) error {
	if err := s.transition(ctx, tx, pmt, StateCompleted, map[string]any{
		"error":              nil,
		"withdraw_liquidity": true,
	}); err != nil {
		return err
	}
	pmt.Error = nil
	pmt.WithdrawLiquidity = true
	s.emit(ctx, tx, pmt, events.PaymentCompletedTask)
	return nil
}

// emit publishes a terminal transition to the task queue. Delivery is best
// effort; the payment row itself is the source of truth.
func (s *Service) emit(ctx context.Context, tx *gorm.DB, pmt *OutgoingPayment, taskType string) {
	if s.events == nil {
		return
	}

	payload := events.PaymentEventPayload{
		PaymentID:  pmt.ID,
		State:      pmt.State,
		OccurredAt: s.now(),
	}
	if pmt.Error != nil {
		payload.Error = *pmt.Error
	}
	if prog, err := s.progress.WithTrx(tx).FindOne(ctx, &Progress{PaymentID: pmt.ID}); err == nil && prog != nil {
		payload.AmountSent = prog.AmountSent
		payload.AmountDelivered = prog.AmountDelivered
	}

	task, err := events.NewPaymentTask(taskType, payload)
	if err != nil {
		zap.L().Error("build payment event", zap.String("payment_id", pmt.ID), zap.Error(err))
		return
	}
	if _, err := s.events.EnqueueContext(ctx, task); err != nil {
		zap.L().Error("enqueue payment event",
			zap.String("payment_id", pmt.ID),
			zap.String("task", taskType),
			zap.Error(err),
		)
	}
}

func (s *Service) quoteFromRow(pmt *OutgoingPayment) (*Quote, error) {
	q, err := pmt.DecodeQuote()
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, fmt.Errorf("payment: %s in state %s without a quote", pmt.ID, pmt.State)
	}
	return q, nil
}
