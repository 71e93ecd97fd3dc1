package domain

import (
	"context"
	"time"
)

// PositionStore persists positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error

	// ListActive returns all positions with IsActive=true, ordered by
	// creation time.
	ListActive(ctx context.Context) ([]Position, error)

	GetByID(ctx context.Context, id string) (Position, error)

	// UpdateCurrentAmount lowers the open amount after a partial fill.
	UpdateCurrentAmount(ctx context.Context, id string, amount float64) error

	// UpdateStopLossAndBreakeven replaces the protective order id and sets
	// the breakeven flag in a single atomic write.
	UpdateStopLossAndBreakeven(ctx context.Context, id, stopLossOrderID string, isBreakeven bool) error

	// UpdateStatus finalizes a position. It only touches rows that are
	// still active, so a second call for the same id reports ErrNotFound.
	UpdateStatus(ctx context.Context, id string, isActive bool, statusInfo string) error

	// ListClosedBefore returns closed positions finalized before the cutoff.
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Position, error)

	// DeleteClosed prunes the closed positions with the given ids and
	// returns the number of rows removed. Still-active rows never match.
	DeleteClosed(ctx context.Context, ids []string) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of engine decisions.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	ListRecent(ctx context.Context, limit int) ([]AuditEntry, error)
}
