// Package service contains the order placement flow that turns structured
// trade intents into protected positions.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/okoval/bingxbot/internal/domain"
	"github.com/okoval/bingxbot/internal/notify"
)

// Placement opens positions from trade intents: slot reservation, market
// entry, protective stop, distributed take-profits, then persistence. After
// the entry order fills, every subsequent failure is surfaced loudly but
// the position is still persisted so the reconciler can take over.
type Placement struct {
	gateway  domain.ExchangeGateway
	store    domain.PositionStore
	audit    domain.AuditStore
	slots    domain.SlotTracker
	notifier *notify.Notifier
	log      *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewPlacement(
	gateway domain.ExchangeGateway,
	store domain.PositionStore,
	audit domain.AuditStore,
	slots domain.SlotTracker,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Placement {
	return &Placement{
		gateway:  gateway,
		store:    store,
		audit:    audit,
		slots:    slots,
		notifier: notifier,
		log:      logger.With(slog.String("component", "placement")),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// Open executes one trade intent end to end and returns the persisted
// position. ErrSlotLimit means the source is at capacity and the intent was
// dropped without touching the exchange.
func (p *Placement) Open(ctx context.Context, intent domain.TradeIntent) (*domain.Position, error) {
	if err := validateIntent(intent); err != nil {
		return nil, fmt.Errorf("service: invalid intent: %w", err)
	}

	log := p.log.With(
		slog.String("source_key", intent.SourceKey),
		slog.String("symbol", intent.Symbol),
		slog.String("side", string(intent.Side)),
	)

	positionID := p.newID()
	if p.slots.Tracks(intent.SourceKey) {
		if err := p.slots.Reserve(ctx, intent.SourceKey, positionID); err != nil {
			if errors.Is(err, domain.ErrSlotLimit) {
				log.Info("source at slot capacity, dropping intent")
				return nil, err
			}
			return nil, fmt.Errorf("service: reserve slot: %w", err)
		}
	}

	entry, err := p.gateway.PlaceMarketOrder(ctx, intent.Symbol, intent.Side, intent.Amount, intent.Leverage)
	if err != nil {
		p.releaseSlot(ctx, intent.SourceKey, positionID)
		return nil, fmt.Errorf("service: place entry order: %w", err)
	}
	entryPrice := entry.AvgPrice
	log.Info("entry order filled",
		slog.String("order_id", entry.ID),
		slog.Float64("avg_price", entryPrice),
		slog.Float64("amount", intent.Amount))

	// From here on the position exists on the exchange. A failed stop or
	// take-profit placement must not lose the record: the position is
	// persisted regardless and the operator is alerted to the gap.
	stopOrderID := ""
	sl, err := p.gateway.SetStopLoss(ctx, intent.Symbol, intent.Side, intent.StopLossPrice, intent.Amount)
	if err != nil {
		log.Error("protective stop placement failed", slog.Any("error", err))
		if p.notifier != nil {
			_ = p.notifier.Critical(ctx,
				fmt.Sprintf("UNPROTECTED entry %s", intent.Symbol),
				fmt.Sprintf("entry %s filled but the stop at %.8f could not be placed: %v",
					entry.ID, intent.StopLossPrice, err))
		}
	} else {
		stopOrderID = sl.ID
	}

	var tpIDs []string
	tps, err := p.gateway.SetTakeProfits(ctx, intent.Symbol, intent.Side, intent.Amount, intent.TakeProfits, intent.TPDistribution)
	if err != nil {
		log.Error("take-profit placement incomplete", slog.Any("error", err))
		if p.notifier != nil {
			_ = p.notifier.Critical(ctx,
				fmt.Sprintf("Take-profits incomplete on %s", intent.Symbol),
				fmt.Sprintf("entry %s: placed %d of %d take-profits: %v", entry.ID, len(tps), len(intent.TakeProfits), err))
		}
	}
	for _, tp := range tps {
		tpIDs = append(tpIDs, tp.ID)
	}

	pos := domain.Position{
		ID:                 positionID,
		SourceKey:          intent.SourceKey,
		Symbol:             intent.Symbol,
		Side:               intent.Side,
		EntryPrice:         entryPrice,
		InitialAmount:      intent.Amount,
		CurrentAmount:      intent.Amount,
		Leverage:           intent.Leverage,
		StopLossOrderID:    stopOrderID,
		TakeProfitOrderIDs: tpIDs,
		IsActive:           true,
		CreatedAt:          p.now().UTC(),
		UpdatedAt:          p.now().UTC(),
	}

	if err := p.store.Create(ctx, pos); err != nil {
		log.Error("position persist failed, exchange orders are live", slog.Any("error", err))
		if p.notifier != nil {
			_ = p.notifier.Critical(ctx,
				fmt.Sprintf("Untracked position %s", intent.Symbol),
				fmt.Sprintf("entry %s is live on the exchange but could not be recorded: %v", entry.ID, err))
		}
		return nil, fmt.Errorf("service: persist position: %w", err)
	}

	if p.audit != nil {
		if aerr := p.audit.Log(ctx, "position_opened", map[string]any{
			"position_id": pos.ID,
			"source_key":  pos.SourceKey,
			"symbol":      pos.Symbol,
			"side":        string(pos.Side),
			"entry_price": entryPrice,
			"amount":      intent.Amount,
			"stop_order":  stopOrderID,
			"tp_orders":   tpIDs,
		}); aerr != nil {
			log.Warn("audit write failed", slog.Any("error", aerr))
		}
	}

	if p.notifier != nil {
		_ = p.notifier.Notify(ctx, notify.EventPositionOpened,
			fmt.Sprintf("Opened %s %s", intent.Symbol, intent.Side),
			fmt.Sprintf("position %s: %.8f @ %.8f, stop %.8f, %d take-profits",
				pos.ID, intent.Amount, entryPrice, intent.StopLossPrice, len(tpIDs)))
	}

	log.Info("position opened",
		slog.String("position_id", pos.ID),
		slog.String("stop_order_id", stopOrderID),
		slog.Int("take_profits", len(tpIDs)))
	return &pos, nil
}

// releaseSlot undoes a reservation when the entry never happened.
func (p *Placement) releaseSlot(ctx context.Context, sourceKey, positionID string) {
	if p.slots.Tracks(sourceKey) {
		p.slots.NotifySlotReleased(ctx, sourceKey, positionID, false)
	}
}

func validateIntent(intent domain.TradeIntent) error {
	switch {
	case intent.Symbol == "":
		return fmt.Errorf("empty symbol")
	case intent.Side != domain.PositionSideLong && intent.Side != domain.PositionSideShort:
		return fmt.Errorf("side %q", intent.Side)
	case intent.Amount <= 0:
		return fmt.Errorf("amount %v", intent.Amount)
	case intent.StopLossPrice <= 0:
		return fmt.Errorf("stop loss price %v", intent.StopLossPrice)
	case len(intent.TakeProfits) == 0:
		return fmt.Errorf("no take-profit levels")
	case len(intent.TPDistribution) != len(intent.TakeProfits):
		return fmt.Errorf("%d take-profits with %d distribution entries",
			len(intent.TakeProfits), len(intent.TPDistribution))
	}
	return nil
}
