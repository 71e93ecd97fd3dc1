package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/okoval/bingxbot/internal/domain"
)

// reserveLua atomically claims a slot: the position id is added to the
// source's member set only while the set is below the configured limit.
// Returns 1 on success, 0 when the source is at capacity.
const reserveLua = `
if redis.call('SCARD', KEYS[1]) >= tonumber(ARGV[2]) then
    return 0
end
redis.call('SADD', KEYS[1], ARGV[1])
return 1
`

// SlotPolicy configures capacity accounting for one signal source.
type SlotPolicy struct {
	Limit              int
	ReleaseOnBreakeven bool
}

// SlotTracker implements domain.SlotTracker using a Redis set per signal
// source. Membership rather than a bare counter makes release idempotent:
// removing an id that is already gone is a no-op, so a replayed release
// signal never frees a second slot.
type SlotTracker struct {
	rdb       *redis.Client
	reserveSc *redis.Script
	policies  map[string]SlotPolicy
	logger    *slog.Logger
}

// NewSlotTracker creates a SlotTracker backed by the given Client. Sources
// absent from policies do not participate in slot accounting.
func NewSlotTracker(c *Client, policies map[string]SlotPolicy, logger *slog.Logger) *SlotTracker {
	return &SlotTracker{
		rdb:       c.Underlying(),
		reserveSc: redis.NewScript(reserveLua),
		policies:  policies,
		logger:    logger.With(slog.String("component", "slot_tracker")),
	}
}

func slotKey(sourceKey string) string {
	return "slots:" + sourceKey
}

// Tracks reports whether the source participates in slot accounting.
func (t *SlotTracker) Tracks(sourceKey string) bool {
	_, ok := t.policies[sourceKey]
	return ok
}

// ReleasesOnBreakeven reports whether the source frees its slot at
// breakeven.
func (t *SlotTracker) ReleasesOnBreakeven(sourceKey string) bool {
	return t.policies[sourceKey].ReleaseOnBreakeven
}

// Reserve claims a slot for the source. Untracked sources always succeed.
func (t *SlotTracker) Reserve(ctx context.Context, sourceKey, positionID string) error {
	policy, ok := t.policies[sourceKey]
	if !ok {
		return nil
	}

	res, err := t.reserveSc.Run(ctx, t.rdb, []string{slotKey(sourceKey)}, positionID, policy.Limit).Int64()
	if err != nil {
		return fmt.Errorf("redis: reserve slot for %s: %w", sourceKey, err)
	}
	if res == 0 {
		return domain.ErrSlotLimit
	}
	return nil
}

// InUse reports the number of slots currently held by the source.
func (t *SlotTracker) InUse(ctx context.Context, sourceKey string) (int, error) {
	n, err := t.rdb.SCard(ctx, slotKey(sourceKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: count slots for %s: %w", sourceKey, err)
	}
	return int(n), nil
}

// NotifySlotReleased frees the slot held by the position. Delivery is
// at-most-once: failures are logged and dropped, never retried, because the
// caller's state transition must not depend on the capacity tracker.
//
// A release triggered by a breakeven transition only frees the slot for
// sources whose policy treats risk-free positions as closed for capacity
// purposes.
func (t *SlotTracker) NotifySlotReleased(ctx context.Context, sourceKey, positionID string, becameBreakeven bool) {
	policy, ok := t.policies[sourceKey]
	if !ok {
		return
	}
	if becameBreakeven && !policy.ReleaseOnBreakeven {
		return
	}

	if err := t.rdb.SRem(ctx, slotKey(sourceKey), positionID).Err(); err != nil {
		t.logger.WarnContext(ctx, "slot release dropped",
			slog.String("source", sourceKey),
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
	}
}

// Compile-time interface check.
var _ domain.SlotTracker = (*SlotTracker)(nil)
