package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/okoval/bingxbot/internal/domain"
	"github.com/okoval/bingxbot/internal/notify"
)

// ClosureHandler finalizes a position exactly once. The isActive=false write
// is the point of no return: once it lands, the loop never visits the
// position again, and the slot release and notification fire at most once.
// Remaining open protective orders are left to the exchange's own order
// lifecycle.
type ClosureHandler struct {
	store    domain.PositionStore
	audit    domain.AuditStore
	slots    domain.SlotTracker
	notifier *notify.Notifier
	log      *slog.Logger

	now func() time.Time
}

func NewClosureHandler(
	store domain.PositionStore,
	audit domain.AuditStore,
	slots domain.SlotTracker,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *ClosureHandler {
	return &ClosureHandler{
		store:    store,
		audit:    audit,
		slots:    slots,
		notifier: notifier,
		log:      logger.With(slog.String("component", "closure")),
		now:      time.Now,
	}
}

// Close persists the terminal state and routes the slot release. A position
// that is already closed (the status write matches no active row) is a
// no-op: neither the slot release nor the notification is repeated.
func (h *ClosureHandler) Close(ctx context.Context, pos *domain.Position, reason domain.CloseReason, detail string) error {
	log := h.log.With(
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("reason", string(reason)),
	)

	statusInfo := fmt.Sprintf("%s at %s", reason, h.now().UTC().Format(time.RFC3339))
	if detail != "" {
		statusInfo += ": " + detail
	}

	if err := h.store.UpdateStatus(ctx, pos.ID, false, statusInfo); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Debug("position already finalized, skipping")
			return nil
		}
		// The position will be re-evaluated forever if this never lands.
		log.Error("closure persist failed, position will be re-evaluated",
			slog.Any("error", err))
		if h.notifier != nil {
			_ = h.notifier.Critical(ctx,
				fmt.Sprintf("Closure persist failed on %s", pos.Symbol),
				fmt.Sprintf("position %s closed (%s) on the exchange but the store write failed: %v", pos.ID, reason, err))
		}
		return fmt.Errorf("reconciler: finalize position %s: %w", pos.ID, err)
	}

	pos.IsActive = false
	pos.StatusInfo = statusInfo

	// Breakeven already released the slot for sources that free capacity at
	// breakeven; everything else releases here.
	if h.slots.Tracks(pos.SourceKey) {
		if !pos.IsBreakeven || !h.slots.ReleasesOnBreakeven(pos.SourceKey) {
			h.slots.NotifySlotReleased(ctx, pos.SourceKey, pos.ID, false)
		}
	}

	if h.audit != nil {
		if err := h.audit.Log(ctx, "position_closed", map[string]any{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
			"source_key":  pos.SourceKey,
			"reason":      string(reason),
			"detail":      detail,
			"breakeven":   pos.IsBreakeven,
		}); err != nil {
			log.Warn("audit write failed", slog.Any("error", err))
		}
	}

	if h.notifier != nil {
		_ = h.notifier.Notify(ctx, notify.EventPositionClosed,
			fmt.Sprintf("Closed %s (%s)", pos.Symbol, reason),
			statusInfo)
	}

	log.Info("position finalized", slog.String("status_info", statusInfo))
	return nil
}
