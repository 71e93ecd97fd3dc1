package domain

import (
	"context"
	"io"
	"time"
)

// SlotReleaseNotifier receives fire-and-forget slot release signals. Delivery
// is at-most-once; callers must not depend on it for correctness.
type SlotReleaseNotifier interface {
	NotifySlotReleased(ctx context.Context, sourceKey, positionID string, becameBreakeven bool)
}

// SlotTracker accounts for the number of concurrently open positions a
// signal source may hold.
type SlotTracker interface {
	SlotReleaseNotifier

	// Reserve claims a slot for the source, returning ErrSlotLimit when the
	// source is at capacity.
	Reserve(ctx context.Context, sourceKey, positionID string) error

	// InUse reports the number of slots currently held by the source.
	InUse(ctx context.Context, sourceKey string) (int, error)

	// Tracks reports whether the source participates in slot accounting.
	Tracks(sourceKey string) bool

	// ReleasesOnBreakeven reports whether the source's slot is freed as
	// soon as a position reaches breakeven, rather than at full closure.
	ReleasesOnBreakeven(sourceKey string) bool
}

// RateLimiter bounds the request rate against a shared resource.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// SignalBus carries ephemeral pub/sub events and durable ordered streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream, lastID string, count int) ([]StreamMessage, error)
}

// BlobWriter stores immutable objects in cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
