package worker

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"paynode/pkg/config"
	"paynode/pkg/db/option"
	"paynode/services/payment"
)

// claimBatch bounds how many due rows one pass locks while hunting for a
// payment whose backoff has elapsed.
const claimBatch = 10

// Poller claims one due payment at a time with SELECT ... FOR UPDATE SKIP
// LOCKED and runs a single lifecycle step inside the claiming transaction.
// The row lock is the lease: a crashed worker releases it with its
// transaction and another instance picks the payment up.
type Poller struct {
	db       *gorm.DB
	cfg      *config.Config
	payments *payment.Service

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Config   *config.Config
	Payments *payment.Service
}

func NewPoller(p Params) *Poller {
	return &Poller{
		db:       p.DB,
		cfg:      p.Config,
		payments: p.Payments,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// ProcessNext claims and advances at most one payment. worked reports
// whether a step ran; callers re-poll immediately after work and sleep
// otherwise.
func (p *Poller) ProcessNext(ctx context.Context) (worked bool, err error) {
	err = p.db.Transaction(func(tx *gorm.DB) error {
		now := p.now()

		// The candidate scan takes no locks; only the chosen row is locked,
		// so a worker never holds more than its own claim while a step runs.
		var rows []*payment.OutgoingPayment
		if err := p.eligible(tx.WithContext(ctx), now).
			Order("updated_at asc").
			Limit(claimBatch).
			Find(&rows).Error; err != nil {
			return err
		}

		for _, row := range rows {
			if !p.due(row, now) {
				continue
			}
			claimed, err := p.claim(ctx, tx, row.ID, now)
			if err != nil {
				return err
			}
			if claimed == nil {
				continue
			}
			worked = true
			return p.payments.ProcessStep(ctx, tx, claimed)
		}
		return nil
	})
	if err != nil {
		worked = false
	}
	return worked, err
}

// eligible narrows a query to payments the worker has something to do with.
// The expression is parenthesized so callers can AND further conditions.
func (p *Poller) eligible(q *gorm.DB, now time.Time) *gorm.DB {
	return q.Where(
		"(state IN ? OR (state = ? AND (auto_approve OR quote_deadline <= ?)) OR (state IN ? AND withdraw_liquidity))",
		[]string{string(payment.StateInactive), string(payment.StateFunding), string(payment.StateSending)},
		string(payment.StateReady), now,
		[]string{string(payment.StateCancelled), string(payment.StateCompleted)},
	)
}

// claim locks one candidate with FOR UPDATE SKIP LOCKED and re-checks
// eligibility and backoff against the locked row, which may have changed
// since the scan. nil means another worker holds it or it no longer
// qualifies.
func (p *Poller) claim(ctx context.Context, tx *gorm.DB, id string, now time.Time) (*payment.OutgoingPayment, error) {
	var rows []*payment.OutgoingPayment
	q := p.eligible(tx.WithContext(ctx).Where("id = ?", id), now)
	q = option.WithSkipLocked()(q)
	if err := q.Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 || !p.due(rows[0], now) {
		return nil, nil
	}
	return rows[0], nil
}

// due applies the retry backoff: attempts * base, with attempts capped so
// the wait stops growing.
func (p *Poller) due(row *payment.OutgoingPayment, now time.Time) bool {
	if row.StateAttempts == 0 {
		return true
	}
	n := row.StateAttempts
	if n > p.cfg.Worker.BackoffCap {
		n = p.cfg.Worker.BackoffCap
	}
	return !now.Before(row.UpdatedAt.Add(time.Duration(n) * p.cfg.Worker.BackoffBase))
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	zap.L().Info("payment poller started",
		zap.Duration("poll_interval", p.cfg.Worker.PollInterval),
	)
	for {
		worked, err := p.ProcessNext(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			zap.L().Error("payment poll", zap.Error(err))
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-time.After(p.cfg.Worker.PollInterval):
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx)
}

func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
