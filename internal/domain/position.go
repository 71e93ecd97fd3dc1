package domain

import "time"

// PositionSide is the futures position direction.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// CloseReason explains why a position was finalized.
type CloseReason string

const (
	CloseReasonStopLossHit         CloseReason = "stop_loss_hit"
	CloseReasonSLCancelledExternal CloseReason = "sl_cancelled_externally"
	CloseReasonAllTPHit            CloseReason = "all_tp_hit"
	CloseReasonPositionNotFound    CloseReason = "position_not_found"
)

// Position is a locally tracked derivatives position. It is created by the
// order placement flow and thereafter owned exclusively by the reconciler
// until IsActive flips to false.
//
// Invariants maintained by the reconciler:
//   - 0 <= CurrentAmount <= InitialAmount, monotonically non-increasing
//   - IsBreakeven transitions false -> true at most once, never back
//   - IsActive transitions true -> false exactly once and is terminal
type Position struct {
	ID            string
	SourceKey     string // originating signal source, used for slot routing
	Symbol        string
	Side          PositionSide
	EntryPrice    float64
	InitialAmount float64
	CurrentAmount float64
	InitialMargin float64
	Leverage      int

	// StopLossOrderID is empty only transiently, mid breakeven transition.
	StopLossOrderID string

	// TakeProfitOrderIDs is ordered by priority; index 0 is TP1, the
	// breakeven trigger.
	TakeProfitOrderIDs []string

	IsBreakeven bool
	IsActive    bool
	StatusInfo  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining returns CurrentAmount clamped to zero.
func (p Position) Remaining() float64 {
	if p.CurrentAmount < 0 {
		return 0
	}
	return p.CurrentAmount
}
