package payment

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const progressFlushInterval = 500 * time.Millisecond

// progressTracker buffers progress callbacks from the transport and persists
// a debounced snapshot on a ticker. Record runs on the packet loop and must
// never block on the database; persistence happens on a bounded group of
// background writers instead.
type progressTracker struct {
	svc       *Service
	paymentID string

	mu            sync.Mutex
	baseSent      int64
	baseDelivered int64
	sent          int64
	delivered     int64
	dirty         bool

	g    *errgroup.Group
	stop chan struct{}
	done chan struct{}
}

func (s *Service) newProgressTracker(paymentID string, amountSent, amountDelivered int64) *progressTracker {
	g := new(errgroup.Group)
	g.SetLimit(2)
	return &progressTracker{
		svc:           s,
		paymentID:     paymentID,
		baseSent:      amountSent,
		baseDelivered: amountDelivered,
		sent:          amountSent,
		delivered:     amountDelivered,
		g:             g,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Record reports cumulative amounts for the current attempt, on top of the
// totals carried over from earlier attempts. Amounts only move forward.
func (t *progressTracker) Record(attemptSent, attemptDelivered int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sent := t.baseSent + attemptSent; sent > t.sent {
		t.sent = sent
		t.dirty = true
	}
	if delivered := t.baseDelivered + attemptDelivered; delivered > t.delivered {
		t.delivered = delivered
		t.dirty = true
	}
}

func (t *progressTracker) Start() {
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(progressFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.flushAsync()
			case <-t.stop:
				return
			}
		}
	}()
}

func (t *progressTracker) flushAsync() {
	sent, delivered, dirty := t.snapshot()
	if !dirty {
		return
	}
	started := t.g.TryGo(func() error {
		if _, err := t.svc.UpdateProgress(context.Background(), t.paymentID, sent, delivered); err != nil {
			zap.L().Warn("flush payment progress",
				zap.String("payment_id", t.paymentID),
				zap.Error(err),
			)
		}
		return nil
	})
	if !started {
		// All writers busy; leave the snapshot dirty for the next tick.
		t.mu.Lock()
		t.dirty = true
		t.mu.Unlock()
	}
}

func (t *progressTracker) snapshot() (sent, delivered int64, dirty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dirty = t.dirty
	t.dirty = false
	return t.sent, t.delivered, dirty
}

// Close stops the flusher, waits for in-flight writes and persists the final
// totals. Callers must not transition the payment before Close returns.
func (t *progressTracker) Close(ctx context.Context) error {
	close(t.stop)
	<-t.done
	if err := t.g.Wait(); err != nil {
		return err
	}
	sent, delivered, _ := t.snapshot()
	if sent == t.baseSent && delivered == t.baseDelivered {
		return nil
	}
	_, err := t.svc.UpdateProgress(ctx, t.paymentID, sent, delivered)
	return err
}
