package reconciler

import (
	"context"
	"errors"
	"testing"

	"github.com/okoval/bingxbot/internal/domain"
)

// Cancel reported success but the verify fetch still sees the old stop
// open: the transition must abort with the old protection intact.
func TestBreakevenAbortsWhenCancelDidNotTake(t *testing.T) {
	pos := testPosition()
	pos.CurrentAmount = 0.3
	h := newHarness(t, pos)
	h.gateway.set("sl-1", domain.OrderStatusOpen, 1.0, 0)
	h.gateway.cancelOK = false // cancel confirmed nothing; order stays open

	applied, err := h.breakeven.Run(context.Background(), pos, Outcome{Kind: OutcomeOpen})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if applied {
		t.Fatal("transition must not apply while the old stop is open")
	}

	if len(h.gateway.stopCalls) != 0 {
		t.Errorf("stop creations = %+v, want none", h.gateway.stopCalls)
	}
	if len(h.store.breakevenCalls) != 0 {
		t.Errorf("breakeven persists = %+v, want none", h.store.breakevenCalls)
	}
	if pos.IsBreakeven || pos.StopLossOrderID != "sl-1" {
		t.Errorf("working copy changed: breakeven=%v stop=%q", pos.IsBreakeven, pos.StopLossOrderID)
	}
}

// "Order not exist" on the verify fetch counts as verified-cancelled; the
// transition proceeds to create the replacement stop.
func TestBreakevenTreatsMissingOldStopAsCancelled(t *testing.T) {
	pos := testPosition()
	pos.CurrentAmount = 0.3
	h := newHarness(t, pos)
	// sl-1 deliberately absent from the gateway: both the cancel and the
	// verify fetch see an order the exchange has already forgotten.

	applied, err := h.breakeven.Run(context.Background(), pos, Outcome{Kind: OutcomeOpen})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !applied {
		t.Fatal("transition should apply when the old stop is already gone")
	}

	if got := h.gateway.stopCalls; len(got) != 1 || got[0].amount != 0.3 || got[0].price != 50000 {
		t.Errorf("stop creations = %+v, want one at 50000 sized 0.3", got)
	}
	if got := h.store.breakevenCalls; len(got) != 1 || got[0].stopOrderID != "sl-new" {
		t.Errorf("breakeven persists = %+v, want one with sl-new", got)
	}
}

// An old stop that filled in the race between observation and cancel defers
// to the next cycle, which will close the position as stopped out.
func TestBreakevenDefersWhenOldStopFilledInRace(t *testing.T) {
	pos := testPosition()
	h := newHarness(t, pos)
	h.gateway.set("sl-1", domain.OrderStatusOpen, 1.0, 0)
	h.gateway.cancelNoEffect = true // exchange acks the cancel but the order fills anyway
	h.gateway.orders["sl-1"].Status = domain.OrderStatusClosed
	h.gateway.orders["sl-1"].FilledQty = 1.0

	applied, err := h.breakeven.Run(context.Background(), pos, Outcome{Kind: OutcomeOpen})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if applied || len(h.gateway.stopCalls) != 0 || len(h.store.breakevenCalls) != 0 {
		t.Error("race with a filling stop must leave everything untouched")
	}
}

// A nearly fully closed position gets no replacement stop, but the
// breakeven flag is still persisted so the transition is not replayed.
func TestBreakevenSkipsCreationWhenNothingRemains(t *testing.T) {
	pos := testPosition()
	pos.CurrentAmount = 0
	h := newHarness(t, pos)
	h.gateway.set("sl-1", domain.OrderStatusOpen, 1.0, 0)

	applied, err := h.breakeven.Run(context.Background(), pos, Outcome{Kind: OutcomeOpen})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !applied {
		t.Fatal("transition should still persist with zero remaining")
	}

	if len(h.gateway.stopCalls) != 0 {
		t.Errorf("stop creations = %+v, want none", h.gateway.stopCalls)
	}
	if got := h.store.breakevenCalls; len(got) != 1 || got[0].stopOrderID != "" || !got[0].isBreakeven {
		t.Errorf("breakeven persists = %+v, want one with empty stop id", got)
	}
}

// Old stop verified gone, replacement creation fails: the position is
// unprotected and the failure must be loud.
func TestBreakevenAlertsOnUnprotectedPosition(t *testing.T) {
	pos := testPosition()
	pos.CurrentAmount = 0.3
	h := newHarness(t, pos)
	h.gateway.set("sl-1", domain.OrderStatusOpen, 1.0, 0)
	h.gateway.setStopErr = errors.New("exchange 500")

	applied, err := h.breakeven.Run(context.Background(), pos, Outcome{Kind: OutcomeOpen})
	if err == nil {
		t.Fatal("Run should surface the creation failure")
	}
	if applied {
		t.Fatal("transition must not report applied")
	}

	if h.sender.criticalCount() == 0 {
		t.Error("expected a critical unprotected-position alert")
	}
	if !h.audit.has("unprotected_position") {
		t.Error("expected an unprotected_position audit event")
	}
	if len(h.store.breakevenCalls) != 0 {
		t.Errorf("breakeven persists = %+v, want none", h.store.breakevenCalls)
	}
}

// A failed persist leaves the new stop on the exchange; the error and alert
// make the divergence visible, and the flags stay false for the replay.
func TestBreakevenSurfacesPersistFailure(t *testing.T) {
	pos := testPosition()
	pos.CurrentAmount = 0.3
	h := newHarness(t, pos)
	h.gateway.set("sl-1", domain.OrderStatusOpen, 1.0, 0)
	h.store.breakevenErr = errors.New("connection reset")

	applied, err := h.breakeven.Run(context.Background(), pos, Outcome{Kind: OutcomeOpen})
	if err == nil {
		t.Fatal("Run should surface the persist failure")
	}
	if applied || pos.IsBreakeven {
		t.Error("breakeven must not be reported applied after a failed persist")
	}
	if h.sender.criticalCount() == 0 {
		t.Error("expected a critical alert for the store divergence")
	}
	if len(h.slots.releases) != 0 {
		t.Errorf("slot releases = %+v, want none before the persist lands", h.slots.releases)
	}
}

// A replay after a failed persist must reuse the stop created by the first
// attempt instead of placing a second one at entry price.
func TestBreakevenReplayAfterPersistFailureReusesStop(t *testing.T) {
	pos := testPosition()
	pos.CurrentAmount = 0.3
	h := newHarness(t, pos)
	h.gateway.set("sl-1", domain.OrderStatusOpen, 1.0, 0)
	h.store.breakevenErr = errors.New("connection reset")

	// First attempt: stop created on the exchange, persist fails.
	applied, err := h.breakeven.Run(context.Background(), pos, Outcome{Kind: OutcomeOpen})
	if err == nil || applied {
		t.Fatalf("first attempt should fail the persist: applied=%v err=%v", applied, err)
	}

	// Next cycle: the store recovered and the old stop is observed cancelled.
	h.store.breakevenErr = nil
	applied, err = h.breakeven.Run(context.Background(), pos, Outcome{Kind: OutcomeCancelled, Status: domain.OrderStatusCancelled})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !applied {
		t.Fatal("replay should complete the transition")
	}

	if got := len(h.gateway.stopCalls); got != 1 {
		t.Fatalf("stop created %d times across both attempts, want 1: %+v", got, h.gateway.stopCalls)
	}
	if pos.StopLossOrderID != "sl-new" || !pos.IsBreakeven {
		t.Errorf("working copy: stop=%q breakeven=%v, want sl-new at breakeven", pos.StopLossOrderID, pos.IsBreakeven)
	}
	stored, err := h.store.GetByID(context.Background(), pos.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.StopLossOrderID != "sl-new" || !stored.IsBreakeven {
		t.Errorf("stored: stop=%q breakeven=%v, want sl-new at breakeven", stored.StopLossOrderID, stored.IsBreakeven)
	}
	if len(h.breakeven.pending) != 0 {
		t.Errorf("pending stops = %v, want cleared after persist", h.breakeven.pending)
	}
}

// Replaying against a position already at breakeven performs no order
// operations at all.
func TestBreakevenIsIdempotentOnceApplied(t *testing.T) {
	pos := testPosition()
	pos.IsBreakeven = true
	h := newHarness(t, pos)

	applied, err := h.breakeven.Run(context.Background(), pos, Outcome{Kind: OutcomeOpen})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if applied {
		t.Fatal("already-breakeven position must be a no-op")
	}
	if len(h.gateway.fetched) != 0 || len(h.gateway.cancelled) != 0 || len(h.gateway.stopCalls) != 0 {
		t.Error("no gateway call is allowed for an already-breakeven position")
	}
}
