package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/okoval/bingxbot/internal/domain"
)

// archiveBatch caps how many closed positions one export reads at a time.
const archiveBatch = 500

// Archiver periodically exports closed positions older than the retention
// window to object storage as JSONL, then prunes them from the primary
// store. Pruning only happens after the upload succeeded, so a failed
// export never loses data.
type Archiver struct {
	writer    domain.BlobWriter
	store     domain.PositionStore
	audit     domain.AuditStore
	retention time.Duration
	interval  time.Duration
	log       *slog.Logger

	now func() time.Time
}

func NewArchiver(writer domain.BlobWriter, store domain.PositionStore, audit domain.AuditStore, retention, interval time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:    writer,
		store:     store,
		audit:     audit,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		log:       logger.With(slog.String("component", "archiver")),
	}
}

// Run executes one export per interval until ctx is cancelled. Export
// failures are logged and retried next interval; they are never fatal.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := a.ArchiveOnce(ctx); err != nil {
				a.log.Warn("archive pass failed", slog.Any("error", err))
			} else if n > 0 {
				a.log.Info("archived closed positions", slog.Int("count", n))
			}
		}
	}
}

// ArchiveOnce exports and prunes one batch of closed positions finalized
// before the retention cutoff. It returns the number of archived positions.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	cutoff := a.now().Add(-a.retention)
	positions, err := a.store.ListClosedBefore(ctx, cutoff, archiveBatch)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list closed positions: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: marshal archive: %w", err)
	}

	path := archivePath(a.now())
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: upload archive: %w", err)
	}

	// Prune exactly the exported rows. Closed positions beyond this batch
	// stay in the store until a later pass has uploaded them too.
	ids := make([]string, len(positions))
	for i, p := range positions {
		ids[i] = p.ID
	}
	pruned, err := a.store.DeleteClosed(ctx, ids)
	if err != nil {
		// The export landed; the rows will be re-exported and pruned next
		// pass, which only duplicates archive objects, never loses them.
		return len(positions), fmt.Errorf("s3blob: prune archived positions: %w", err)
	}

	if a.audit != nil {
		if aerr := a.audit.Log(ctx, "positions_archived", map[string]any{
			"path":   path,
			"count":  len(positions),
			"pruned": pruned,
			"cutoff": cutoff.UTC().Format(time.RFC3339),
		}); aerr != nil {
			a.log.Warn("audit write failed", slog.Any("error", aerr))
		}
	}

	return len(positions), nil
}

// archiveRecord is the stable JSONL shape of one archived position.
type archiveRecord struct {
	ID            string    `json:"id"`
	SourceKey     string    `json:"source_key"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	EntryPrice    float64   `json:"entry_price"`
	InitialAmount float64   `json:"initial_amount"`
	CurrentAmount float64   `json:"current_amount"`
	Leverage      int       `json:"leverage"`
	IsBreakeven   bool      `json:"is_breakeven"`
	StatusInfo    string    `json:"status_info"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func marshalJSONL(positions []domain.Position) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range positions {
		rec := archiveRecord{
			ID:            p.ID,
			SourceKey:     p.SourceKey,
			Symbol:        p.Symbol,
			Side:          string(p.Side),
			EntryPrice:    p.EntryPrice,
			InitialAmount: p.InitialAmount,
			CurrentAmount: p.CurrentAmount,
			Leverage:      p.Leverage,
			IsBreakeven:   p.IsBreakeven,
			StatusInfo:    p.StatusInfo,
			CreatedAt:     p.CreatedAt,
			UpdatedAt:     p.UpdatedAt,
		}
		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// archivePath names exports by day plus a timestamp so repeated passes
// never overwrite each other.
func archivePath(now time.Time) string {
	return fmt.Sprintf("archive/positions/%s/%d.jsonl", now.UTC().Format("2006-01-02"), now.UnixNano())
}
