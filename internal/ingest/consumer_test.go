package ingest

import (
	"testing"
	"time"
)

func TestDedupeWindow(t *testing.T) {
	c := NewConsumer(nil, nil, "trade_intents", 16, time.Second, time.Minute, testLogger())
	base := time.Unix(1000, 0)
	c.now = func() time.Time { return base }

	if c.isDuplicate("BTC-USDT") {
		t.Error("fresh symbol must not be a duplicate")
	}
	c.markSeen("BTC-USDT")
	if !c.isDuplicate("BTC-USDT") {
		t.Error("symbol seen within the window must be a duplicate")
	}

	// Past the TTL the entry is evicted.
	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if c.isDuplicate("BTC-USDT") {
		t.Error("expired entry must not count as duplicate")
	}
	if len(c.seen) != 0 {
		t.Errorf("seen map not evicted: %v", c.seen)
	}
}

func TestDedupeDisabled(t *testing.T) {
	c := NewConsumer(nil, nil, "trade_intents", 16, time.Second, 0, testLogger())
	c.markSeen("BTC-USDT")
	if c.isDuplicate("BTC-USDT") {
		t.Error("zero TTL disables deduplication")
	}
}
