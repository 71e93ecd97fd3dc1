// Package ingest consumes structured trade intents from a durable stream
// and feeds them to the placement flow.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/okoval/bingxbot/internal/domain"
	"github.com/okoval/bingxbot/internal/service"
)

const failBackoff = 5 * time.Second

// Consumer reads trade intents off the stream and opens positions. Intents
// for a symbol seen recently are dropped: duplicate signals for the same
// market within the window are re-sends, not new trades. The seen set is an
// explicit keyed map with TTL eviction owned by the consumer.
type Consumer struct {
	bus       domain.SignalBus
	placement *service.Placement
	log       *slog.Logger

	stream    string
	batch     int
	idlePoll  time.Duration
	dedupeTTL time.Duration
	seen      map[string]time.Time
	now       func() time.Time
}

func NewConsumer(bus domain.SignalBus, placement *service.Placement, stream string, batch int, idlePoll, dedupeTTL time.Duration, logger *slog.Logger) *Consumer {
	if batch <= 0 {
		batch = 16
	}
	if idlePoll <= 0 {
		idlePoll = 2 * time.Second
	}
	return &Consumer{
		bus:       bus,
		placement: placement,
		stream:    stream,
		batch:     batch,
		idlePoll:  idlePoll,
		dedupeTTL: dedupeTTL,
		seen:      make(map[string]time.Time),
		now:       time.Now,
		log:       logger.With(slog.String("component", "ingest")),
	}
}

// Run blocks reading the stream until ctx is cancelled. Malformed or
// duplicate entries are skipped and acknowledged by advancing the cursor;
// transient read failures back off and resume from the same cursor.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("intent consumer started", slog.String("stream", c.stream))

	lastID := "$" // only intents arriving after startup
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := c.bus.StreamRead(ctx, c.stream, lastID, c.batch)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("stream read failed, backing off", slog.Any("error", err))
			if serr := sleepCtx(ctx, failBackoff); serr != nil {
				return serr
			}
			continue
		}
		if len(msgs) == 0 {
			if serr := sleepCtx(ctx, c.idlePoll); serr != nil {
				return serr
			}
			continue
		}

		for _, msg := range msgs {
			lastID = msg.ID
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg domain.StreamMessage) {
	var intent domain.TradeIntent
	if err := json.Unmarshal(msg.Payload, &intent); err != nil {
		c.log.Warn("malformed intent, skipping",
			slog.String("stream_id", msg.ID),
			slog.Any("error", err))
		return
	}
	if intent.ReceivedAt.IsZero() {
		intent.ReceivedAt = c.now()
	}

	if c.isDuplicate(intent.Symbol) {
		c.log.Info("duplicate intent within dedupe window, skipping",
			slog.String("symbol", intent.Symbol),
			slog.String("source_key", intent.SourceKey))
		return
	}

	pos, err := c.placement.Open(ctx, intent)
	switch {
	case errors.Is(err, domain.ErrSlotLimit):
		// Capacity, not failure; the signal is simply not taken.
		return
	case err != nil:
		c.log.Error("intent placement failed",
			slog.String("symbol", intent.Symbol),
			slog.String("source_key", intent.SourceKey),
			slog.Any("error", err))
		return
	}

	c.markSeen(intent.Symbol)
	c.log.Info("intent placed",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol))
}

func (c *Consumer) isDuplicate(symbol string) bool {
	if c.dedupeTTL <= 0 {
		return false
	}
	cutoff := c.now().Add(-c.dedupeTTL)
	for sym, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.seen, sym)
		}
	}
	_, ok := c.seen[symbol]
	return ok
}

func (c *Consumer) markSeen(symbol string) {
	if c.dedupeTTL > 0 {
		c.seen[symbol] = c.now()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
