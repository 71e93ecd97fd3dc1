package reconciler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/okoval/bingxbot/internal/domain"
	"github.com/okoval/bingxbot/internal/notify"
)

// volumeEpsilon is the tolerance for treating a remaining amount as zero.
// Exchange quantities are decimal strings with a handful of fractional
// digits, so anything below this is float noise.
const volumeEpsilon = 1e-9

// Evaluator decides, for one active position per call, which transition
// applies: none, breakeven, or closure. It fetches order state through the
// gateway and never mutates the store directly except for partial-fill
// volume updates; breakeven and closure writes belong to their handlers.
type Evaluator struct {
	gateway   domain.ExchangeGateway
	store     domain.PositionStore
	audit     domain.AuditStore
	breakeven *BreakevenTransition
	closure   *ClosureHandler
	notifier  *notify.Notifier
	log       *slog.Logger
}

func NewEvaluator(
	gateway domain.ExchangeGateway,
	store domain.PositionStore,
	audit domain.AuditStore,
	breakeven *BreakevenTransition,
	closure *ClosureHandler,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Evaluator {
	return &Evaluator{
		gateway:   gateway,
		store:     store,
		audit:     audit,
		breakeven: breakeven,
		closure:   closure,
		notifier:  notifier,
		log:       logger.With(slog.String("component", "evaluator")),
	}
}

// Evaluate reconciles one position against exchange order state. The
// position is mutated in place so callers observe the post-cycle working
// copy. A returned error means the cycle for this position was inconclusive
// and should be retried next interval; it never implies the position is in
// a bad state.
func (e *Evaluator) Evaluate(ctx context.Context, pos *domain.Position) error {
	log := e.log.With(
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
	)

	// Stop-loss first: a stopped-out position must never also be processed
	// for take-profit bookkeeping.
	slOut := Outcome{Kind: OutcomeUnreachable}
	if pos.StopLossOrderID != "" {
		ro, err := e.gateway.FetchOrder(ctx, pos.Symbol, pos.StopLossOrderID)
		if err != nil {
			return fmt.Errorf("reconciler: fetch stop-loss %s: %w", pos.StopLossOrderID, err)
		}
		slOut = Classify(ro)
	}

	switch {
	case slOut.Filled() && slOut.FilledQty > 0:
		log.Info("stop-loss filled, closing position",
			slog.Float64("filled_qty", slOut.FilledQty),
			slog.Float64("avg_price", slOut.AvgPrice))
		return e.closure.Close(ctx, pos, domain.CloseReasonStopLossHit,
			fmt.Sprintf("stop order %s filled %.8f @ %.8f", pos.StopLossOrderID, slOut.FilledQty, slOut.AvgPrice))

	case slOut.Kind == OutcomeCancelled:
		done, err := e.handleCancelledStop(ctx, pos, log)
		if done || err != nil {
			return err
		}
		// Interrupted breakeven transition was replayed; fall through to
		// regular take-profit bookkeeping with the refreshed stop.
		slOut = Outcome{Kind: OutcomeOpen}

	case slOut.Kind == OutcomeUnreachable && pos.StopLossOrderID != "":
		// May mean "filled and purged" just as well as "cancelled"; carry
		// on with take-profit bookkeeping and let the all-orders-gone
		// check below decide.
		log.Warn("stop-loss order unreachable", slog.String("order_id", pos.StopLossOrderID))
	}

	outs, err := e.fetchTakeProfits(ctx, pos)
	if err != nil {
		return err
	}

	// Every order id the exchange has forgotten, stop-loss included, means
	// the position itself is gone (closed long ago, records purged).
	if slOut.Kind == OutcomeUnreachable && allUnreachable(outs) && len(outs) > 0 {
		log.Warn("no order of this position is known to the exchange, closing")
		return e.closure.Close(ctx, pos, domain.CloseReasonPositionNotFound,
			"stop and take-profit orders all absent from the exchange")
	}

	var executedVolume float64
	open := 0
	executed := 0
	terminal := 0
	for _, out := range outs {
		switch {
		case executedTakeProfit(out):
			// Requested quantity, not reported fill: TP_MARKET orders can
			// report filled=0 on a terminal close even though they fully
			// executed.
			executedVolume += out.OrderedQty
			executed++
			terminal++
		case out.Kind == OutcomeOpen:
			open++
		case out.Kind == OutcomeCancelled:
			terminal++
		}
	}

	remaining := pos.InitialAmount - executedVolume
	if remaining < 0 {
		remaining = 0
	}

	allTerminal := len(outs) > 0 && terminal == len(outs)

	switch {
	case remaining <= volumeEpsilon:
		log.Info("all take-profit volume executed, closing position")
		return e.closure.Close(ctx, pos, domain.CloseReasonAllTPHit,
			fmt.Sprintf("%d/%d take-profits executed, remaining %.8f", executed, len(outs), remaining))

	case allTerminal && executed > 0:
		log.Info("every take-profit terminal, closing position",
			slog.Int("executed", executed), slog.Float64("remaining", remaining))
		return e.closure.Close(ctx, pos, domain.CloseReasonAllTPHit,
			fmt.Sprintf("%d/%d take-profits executed, remaining %.8f", executed, len(outs), remaining))

	case allTerminal && executed == 0:
		// Every take-profit cancelled without a single fill while volume
		// remains open. Ambiguous: the position may have been dismantled by
		// hand. Keep it active and flag it rather than guessing.
		log.Warn("all take-profits cancelled with volume remaining, keeping position active",
			slog.Float64("remaining", remaining))
		e.auditEvent(ctx, "tp_all_cancelled", map[string]any{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
			"remaining":   remaining,
		})
	}

	if remaining < pos.CurrentAmount-volumeEpsilon {
		if err := e.store.UpdateCurrentAmount(ctx, pos.ID, remaining); err != nil {
			return fmt.Errorf("reconciler: persist current amount for %s: %w", pos.ID, err)
		}
		log.Info("partial take-profit volume booked",
			slog.Float64("previous", pos.CurrentAmount),
			slog.Float64("remaining", remaining))
		pos.CurrentAmount = remaining
		if e.notifier != nil {
			_ = e.notifier.Notify(ctx, notify.EventPartialFill,
				fmt.Sprintf("Partial fill %s", pos.Symbol),
				fmt.Sprintf("position %s remaining %.8f of %.8f", pos.ID, remaining, pos.InitialAmount))
		}
	}

	if !pos.IsBreakeven && len(outs) > 0 && executedTakeProfit(outs[0]) && slOut.Kind == OutcomeOpen {
		applied, err := e.breakeven.Run(ctx, pos, slOut)
		if err != nil {
			return fmt.Errorf("reconciler: breakeven transition for %s: %w", pos.ID, err)
		}
		if applied {
			log.Info("breakeven transition applied",
				slog.String("stop_loss_order_id", pos.StopLossOrderID))
		}
	}

	return nil
}

// handleCancelledStop decides what an externally observed stop cancellation
// means. A cancelled stop on a pre-breakeven position whose TP1 already
// executed is an interrupted breakeven transition (the previous cycle
// cancelled the stop but crashed before persisting); it is replayed, and
// done=false tells the caller to continue with bookkeeping. Anything else is
// an external intervention and closes the position.
func (e *Evaluator) handleCancelledStop(ctx context.Context, pos *domain.Position, log *slog.Logger) (done bool, err error) {
	if !pos.IsBreakeven && len(pos.TakeProfitOrderIDs) > 0 {
		ro, ferr := e.gateway.FetchOrder(ctx, pos.Symbol, pos.TakeProfitOrderIDs[0])
		if ferr != nil {
			return true, fmt.Errorf("reconciler: fetch TP1 %s: %w", pos.TakeProfitOrderIDs[0], ferr)
		}
		if tp1 := Classify(ro); executedTakeProfit(tp1) {
			log.Warn("stop cancelled with TP1 executed before breakeven, replaying interrupted transition")
			applied, berr := e.breakeven.Run(ctx, pos, Outcome{Kind: OutcomeCancelled, Status: domain.OrderStatusCancelled})
			if berr != nil {
				return true, fmt.Errorf("reconciler: replay breakeven for %s: %w", pos.ID, berr)
			}
			if !applied {
				return true, nil
			}
			return false, nil
		}
	}

	log.Error("stop-loss cancelled externally, closing position",
		slog.String("order_id", pos.StopLossOrderID))
	if e.notifier != nil {
		_ = e.notifier.Critical(ctx,
			fmt.Sprintf("Stop cancelled externally on %s", pos.Symbol),
			fmt.Sprintf("position %s: stop order %s was cancelled outside the engine (liquidation or manual intervention); no corrective order placed",
				pos.ID, pos.StopLossOrderID))
	}
	return true, e.closure.Close(ctx, pos, domain.CloseReasonSLCancelledExternal,
		fmt.Sprintf("stop order %s cancelled outside the engine", pos.StopLossOrderID))
}

func (e *Evaluator) fetchTakeProfits(ctx context.Context, pos *domain.Position) ([]Outcome, error) {
	outs := make([]Outcome, 0, len(pos.TakeProfitOrderIDs))
	for _, id := range pos.TakeProfitOrderIDs {
		ro, err := e.gateway.FetchOrder(ctx, pos.Symbol, id)
		if err != nil {
			return nil, fmt.Errorf("reconciler: fetch take-profit %s: %w", id, err)
		}
		outs = append(outs, Classify(ro))
	}
	return outs, nil
}

func (e *Evaluator) auditEvent(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.log.Warn("audit write failed", slog.String("event", event), slog.Any("error", err))
	}
}

func allUnreachable(outs []Outcome) bool {
	for _, out := range outs {
		if out.Kind != OutcomeUnreachable {
			return false
		}
	}
	return true
}
