package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/okoval/bingxbot/internal/domain"
)

// Loop is the reconciliation scheduler: one worker, one cycle per interval,
// positions evaluated strictly sequentially with a fixed pause between them.
// The exchange API is the shared bottleneck, not CPU, so there is no
// parallelism across positions.
//
// Cancellation is cooperative and observed at the top of each cycle, between
// positions, and during the inter-cycle sleep. In-flight exchange calls run
// to completion so a breakeven transition is never torn mid-sequence.
type Loop struct {
	store     domain.PositionStore
	evaluator *Evaluator
	log       *slog.Logger

	interval time.Duration
	pace     time.Duration

	// wake triggers an early cycle, fed by the order-update stream. Nil
	// when the websocket feed is disabled; a nil channel never fires.
	wake <-chan struct{}
}

func NewLoop(store domain.PositionStore, evaluator *Evaluator, interval, pace time.Duration, wake <-chan struct{}, logger *slog.Logger) *Loop {
	return &Loop{
		store:     store,
		evaluator: evaluator,
		interval:  interval,
		pace:      pace,
		wake:      wake,
		log:       logger.With(slog.String("component", "reconciler")),
	}
}

// Run blocks until ctx is cancelled or the persistence layer becomes
// unreachable. Losing the store is fatal: the loop cannot reconcile without
// reliable state and expects its supervisor to restart it.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("reconciliation loop started",
		slog.Duration("interval", l.interval),
		slog.Duration("pace", l.pace))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("reconciliation loop stopping")
			return ctx.Err()
		case <-timer.C:
		case <-l.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			l.log.Debug("woken early by order update")
		}

		if err := l.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Error("reconciliation loop stopping on persistence failure", slog.Any("error", err))
			return err
		}

		timer.Reset(l.interval)
	}
}

// cycle evaluates every active position once. Per-position errors are
// logged and isolated; only a failure to list positions — the persistence
// connection itself — is returned.
func (l *Loop) cycle(ctx context.Context) error {
	positions, err := l.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: list active positions: %w", err)
	}

	l.log.Debug("cycle started", slog.Int("active_positions", len(positions)))

	for i := range positions {
		if ctx.Err() != nil {
			return nil
		}

		pos := &positions[i]
		if err := l.evaluator.Evaluate(ctx, pos); err != nil {
			l.log.Warn("position evaluation failed, will retry next cycle",
				slog.String("position_id", pos.ID),
				slog.String("symbol", pos.Symbol),
				slog.Any("error", err))
		}

		if i < len(positions)-1 {
			if err := sleepCtx(ctx, l.pace); err != nil {
				return nil
			}
		}
	}

	return nil
}

// sleepCtx sleeps for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
