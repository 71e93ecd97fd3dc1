package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/okoval/bingxbot/internal/domain"
	"github.com/okoval/bingxbot/internal/notify"
)

// BreakevenTransition moves a position's protective stop to its entry price
// once the first take-profit has executed, sized to the remaining volume.
//
// The sequence is cancel -> verify -> create -> verify -> persist. Every step
// either tolerates "already done" on replay or aborts while the old stop is
// still protecting the position. The one genuinely dangerous window — old
// stop verified gone, new stop creation failed — is surfaced as a critical
// operator alert instead of a silent retry.
type BreakevenTransition struct {
	gateway  domain.ExchangeGateway
	store    domain.PositionStore
	audit    domain.AuditStore
	slots    domain.SlotTracker
	notifier *notify.Notifier
	log      *slog.Logger

	// settleDelay is the pause between issuing the cancel and re-fetching
	// the old stop; the exchange needs a moment before the status flips.
	settleDelay time.Duration
	// createDelay is the pause before placing the replacement stop.
	createDelay time.Duration

	// pending maps position id to a replacement stop that was created on
	// the exchange but whose persist failed. A replay reuses that order
	// instead of placing a second one. The reconcile loop is the only
	// caller, so no locking is needed.
	pending map[string]string
}

func NewBreakevenTransition(
	gateway domain.ExchangeGateway,
	store domain.PositionStore,
	audit domain.AuditStore,
	slots domain.SlotTracker,
	notifier *notify.Notifier,
	settleDelay, createDelay time.Duration,
	logger *slog.Logger,
) *BreakevenTransition {
	return &BreakevenTransition{
		gateway:     gateway,
		store:       store,
		audit:       audit,
		slots:       slots,
		notifier:    notifier,
		settleDelay: settleDelay,
		createDelay: createDelay,
		pending:     map[string]string{},
		log:         logger.With(slog.String("component", "breakeven")),
	}
}

// Run executes the transition for one position. slOut is the stop-loss
// outcome the caller just observed; when it is already cancelled-equivalent
// the cancel step is skipped (replay after an interrupted earlier attempt).
//
// applied=true means the store now records the new stop and isBreakeven.
// applied=false with a nil error means the transition was aborted safely
// (old stop untouched) and will be retried next cycle.
func (t *BreakevenTransition) Run(ctx context.Context, pos *domain.Position, slOut Outcome) (applied bool, err error) {
	if pos.IsBreakeven {
		return false, nil
	}

	log := t.log.With(
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("old_stop_order_id", pos.StopLossOrderID),
	)

	// CANCEL. Skipped when the old stop is already terminal or gone.
	if slOut.Kind == OutcomeOpen {
		ok, cerr := t.gateway.CancelOrder(ctx, pos.Symbol, pos.StopLossOrderID)
		if cerr != nil {
			return false, fmt.Errorf("reconciler: cancel old stop %s: %w", pos.StopLossOrderID, cerr)
		}
		if !ok {
			log.Warn("cancel of old stop not confirmed, aborting transition this cycle")
			return false, nil
		}
	}

	// VERIFY the cancel actually took. An order still Open after the settle
	// delay means the old stop is live; aborting here keeps the position
	// protected.
	if err := sleepCtx(ctx, t.settleDelay); err != nil {
		return false, err
	}
	ro, ferr := t.gateway.FetchOrder(ctx, pos.Symbol, pos.StopLossOrderID)
	if ferr != nil {
		return false, fmt.Errorf("reconciler: verify cancel of %s: %w", pos.StopLossOrderID, ferr)
	}
	switch verified := Classify(ro); verified.Kind {
	case OutcomeOpen:
		log.Warn("old stop still open after cancel, aborting transition this cycle")
		return false, nil
	case OutcomeFilledFully, OutcomeFilledPartially:
		// The stop fired in the race between observation and cancel. The
		// next cycle will close the position as stopped out.
		log.Warn("old stop filled during cancel race, deferring to next cycle",
			slog.Float64("filled_qty", verified.FilledQty))
		return false, nil
	}

	if err := sleepCtx(ctx, t.createDelay); err != nil {
		return false, err
	}

	// CREATE the replacement at entry price for the remaining volume. A
	// nearly fully closed position gets no replacement stop.
	newStopID := ""
	remaining := pos.Remaining()
	if remaining > volumeEpsilon {
		// An earlier attempt may have created the stop and then failed to
		// persist it. Reuse that order while it is still open rather than
		// placing a second one.
		if id, ok := t.pending[pos.ID]; ok {
			ro, ferr := t.gateway.FetchOrder(ctx, pos.Symbol, id)
			if ferr != nil {
				return false, fmt.Errorf("reconciler: verify unpersisted stop %s: %w", id, ferr)
			}
			if out := Classify(ro); out.Kind == OutcomeOpen {
				log.Info("reusing stop created by an earlier attempt",
					slog.String("new_stop_order_id", id))
				newStopID = id
			} else {
				delete(t.pending, pos.ID)
			}
		}
		if newStopID == "" {
			order, serr := t.gateway.SetStopLoss(ctx, pos.Symbol, pos.Side, pos.EntryPrice, remaining)
			if serr != nil || order == nil {
				t.alertUnprotected(ctx, pos, remaining, serr)
				if serr == nil {
					serr = fmt.Errorf("exchange returned no order")
				}
				return false, fmt.Errorf("reconciler: create breakeven stop for %s: %w", pos.ID, serr)
			}
			newStopID = order.ID
			t.pending[pos.ID] = newStopID
		}
	} else {
		log.Info("remaining volume effectively zero, skipping replacement stop")
	}

	// PERSIST stop id and breakeven flag in one write. On failure the
	// exchange and the store diverge until the next cycle replays this
	// transition; the replay tolerates the already-cancelled old stop.
	if perr := t.store.UpdateStopLossAndBreakeven(ctx, pos.ID, newStopID, true); perr != nil {
		log.Error("breakeven persist failed, exchange and store diverge until replay",
			slog.String("new_stop_order_id", newStopID),
			slog.Any("error", perr))
		if t.notifier != nil {
			_ = t.notifier.Critical(ctx,
				fmt.Sprintf("Breakeven persist failed on %s", pos.Symbol),
				fmt.Sprintf("position %s: new stop %s exists on the exchange but is not recorded; will replay next cycle",
					pos.ID, newStopID))
		}
		return false, fmt.Errorf("reconciler: persist breakeven for %s: %w", pos.ID, perr)
	}
	delete(t.pending, pos.ID)

	t.auditEvent(ctx, "breakeven", map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"old_stop":    pos.StopLossOrderID,
		"new_stop":    newStopID,
		"entry_price": pos.EntryPrice,
		"remaining":   remaining,
	})

	pos.StopLossOrderID = newStopID
	pos.IsBreakeven = true

	// Risk-free now; sources configured to free capacity at breakeven get
	// their slot back here rather than at closure.
	t.slots.NotifySlotReleased(ctx, pos.SourceKey, pos.ID, true)

	if t.notifier != nil {
		_ = t.notifier.Notify(ctx, notify.EventBreakeven,
			fmt.Sprintf("Breakeven %s", pos.Symbol),
			fmt.Sprintf("position %s: stop moved to entry %.8f for remaining %.8f", pos.ID, pos.EntryPrice, remaining))
	}

	log.Info("stop moved to breakeven",
		slog.String("new_stop_order_id", newStopID),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("remaining", remaining))
	return true, nil
}

func (t *BreakevenTransition) alertUnprotected(ctx context.Context, pos *domain.Position, remaining float64, cause error) {
	t.log.Error("POSITION UNPROTECTED: old stop cancelled, replacement creation failed",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Float64("remaining", remaining),
		slog.Any("error", cause))
	t.auditEvent(ctx, "unprotected_position", map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"remaining":   remaining,
	})
	if t.notifier != nil {
		_ = t.notifier.Critical(ctx,
			fmt.Sprintf("UNPROTECTED position %s", pos.Symbol),
			fmt.Sprintf("position %s: old stop is cancelled and placing the breakeven stop failed; %.8f open without protection, manual action required",
				pos.ID, remaining))
	}
}

func (t *BreakevenTransition) auditEvent(ctx context.Context, event string, detail map[string]any) {
	if t.audit == nil {
		return
	}
	if err := t.audit.Log(ctx, event, detail); err != nil {
		t.log.Warn("audit write failed", slog.String("event", event), slog.Any("error", err))
	}
}
