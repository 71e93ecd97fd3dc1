package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okoval/bingxbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given connection
// pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, source_key, symbol, side, entry_price,
	initial_amount, current_amount, initial_margin, leverage,
	sl_order_id, tp_order_ids, is_breakeven, is_active, status_info,
	created_at, updated_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side string

	err := row.Scan(
		&p.ID, &p.SourceKey, &p.Symbol, &side, &p.EntryPrice,
		&p.InitialAmount, &p.CurrentAmount, &p.InitialMargin, &p.Leverage,
		&p.StopLossOrderID, &p.TakeProfitOrderIDs, &p.IsBreakeven,
		&p.IsActive, &p.StatusInfo,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.PositionSide(side)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, source_key, symbol, side, entry_price,
			initial_amount, current_amount, initial_margin, leverage,
			sl_order_id, tp_order_ids, is_breakeven, is_active, status_info,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.SourceKey, p.Symbol, string(p.Side), p.EntryPrice,
		p.InitialAmount, p.CurrentAmount, p.InitialMargin, p.Leverage,
		p.StopLossOrderID, p.TakeProfitOrderIDs, p.IsBreakeven,
		p.IsActive, p.StatusInfo,
		p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// ListActive returns all open positions ordered by creation time, oldest
// first, so long-lived positions are always reconciled before newer ones.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE is_active
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return positions, nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// UpdateCurrentAmount lowers the open amount after a partial take-profit
// fill. The guard against raising the amount keeps the column monotonically
// non-increasing even under replayed updates; a rejected raise is a no-op,
// not an error, so a stale working copy never retries forever.
func (s *PositionStore) UpdateCurrentAmount(ctx context.Context, id string, amount float64) error {
	const query = `
		UPDATE positions SET
			current_amount = $2,
			updated_at     = NOW()
		WHERE id = $1 AND is_active AND current_amount >= $2`

	tag, err := s.pool.Exec(ctx, query, id, amount)
	if err != nil {
		return fmt.Errorf("postgres: update amount for position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var current float64
		err := s.pool.QueryRow(ctx,
			`SELECT current_amount FROM positions WHERE id = $1 AND is_active`, id).Scan(&current)
		if err == pgx.ErrNoRows {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("postgres: recheck amount for position %s: %w", id, err)
		}
	}
	return nil
}

// UpdateStopLossAndBreakeven replaces the stop-loss order id and flips the
// breakeven flag in one write.
func (s *PositionStore) UpdateStopLossAndBreakeven(ctx context.Context, id, stopLossOrderID string, isBreakeven bool) error {
	const query = `
		UPDATE positions SET
			sl_order_id  = $2,
			is_breakeven = $3,
			updated_at   = NOW()
		WHERE id = $1 AND is_active`

	tag, err := s.pool.Exec(ctx, query, id, stopLossOrderID, isBreakeven)
	if err != nil {
		return fmt.Errorf("postgres: update stop loss for position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateStatus finalizes a position. Only still-active rows match, so a
// repeated closure of the same id reports domain.ErrNotFound instead of
// overwriting the original status_info.
func (s *PositionStore) UpdateStatus(ctx context.Context, id string, isActive bool, statusInfo string) error {
	const query = `
		UPDATE positions SET
			is_active   = $2,
			status_info = $3,
			updated_at  = NOW()
		WHERE id = $1 AND is_active`

	tag, err := s.pool.Exec(ctx, query, id, isActive, statusInfo)
	if err != nil {
		return fmt.Errorf("postgres: update status for position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListClosedBefore returns closed positions last touched before the cutoff,
// oldest first, up to limit rows.
func (s *PositionStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE NOT is_active AND updated_at < $1
		 ORDER BY updated_at ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// DeleteClosed prunes the closed positions with the given ids. The is_active
// guard keeps a concurrently reopened id out of the delete.
func (s *PositionStore) DeleteClosed(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE NOT is_active AND id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed positions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
