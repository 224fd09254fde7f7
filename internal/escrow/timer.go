package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/peertrade/settlement/internal/metrics"
)

// Timer periodically sweeps time-triggered transitions: payment timeouts,
// delivery deadlines, and auto-release. Each sweep action goes through
// the same service operations as the user-driven paths, so a sweep racing
// a user action resolves to exactly one movement.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new escrow sweep timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass over all due escrows.
func (t *Timer) Sweep(ctx context.Context) {
	now := time.Now()
	t.cancelUnpaid(ctx, now)
	t.refundUndelivered(ctx, now)
	t.autoRelease(ctx, now)
}

// cancelUnpaid closes trades whose payment window expired before funding.
func (t *Timer) cancelUnpaid(ctx context.Context, now time.Time) {
	due, err := t.store.ListDue(ctx, StatusPaymentPending, now, 100)
	if err != nil {
		t.logger.Warn("failed to list unpaid escrows", "error", err)
		return
	}
	for _, e := range due {
		if _, err := t.service.Cancel(ctx, e.ID, "", "payment_timeout"); err != nil {
			t.logger.Warn("failed to cancel unpaid escrow", "escrowId", e.ID, "error", err)
			continue
		}
		metrics.SweepReleasesTotal.WithLabelValues("payment_timeout").Inc()
		t.logger.Info("cancelled unpaid escrow", "escrowId", e.ID, "buyer", e.BuyerID)
	}
}

// refundUndelivered returns the holding to the buyer when the seller
// missed the delivery deadline.
func (t *Timer) refundUndelivered(ctx context.Context, now time.Time) {
	due, err := t.store.ListDue(ctx, StatusActive, now, 100)
	if err != nil {
		t.logger.Warn("failed to list overdue deliveries", "error", err)
		return
	}
	for _, e := range due {
		if _, err := t.service.Cancel(ctx, e.ID, "", "delivery_timeout"); err != nil {
			t.logger.Warn("failed to refund overdue escrow", "escrowId", e.ID, "error", err)
			continue
		}
		metrics.SweepReleasesTotal.WithLabelValues("delivery_timeout").Inc()
		t.logger.Info("refunded overdue escrow",
			"escrowId", e.ID, "buyer", e.BuyerID, "seller", e.SellerID)
	}
}

// autoRelease completes delivered trades whose release window lapsed
// without a buyer action or dispute.
func (t *Timer) autoRelease(ctx context.Context, now time.Time) {
	due, err := t.store.ListDue(ctx, StatusDelivered, now, 100)
	if err != nil {
		t.logger.Warn("failed to list auto-releasable escrows", "error", err)
		return
	}
	for _, e := range due {
		if _, err := t.service.Release(ctx, e.ID, ""); err != nil {
			t.logger.Warn("failed to auto-release escrow", "escrowId", e.ID, "error", err)
			continue
		}
		metrics.SweepReleasesTotal.WithLabelValues("auto_release").Inc()
		t.logger.Info("auto-released escrow",
			"escrowId", e.ID, "seller", e.SellerID, "amount", e.Principal)
	}
}
