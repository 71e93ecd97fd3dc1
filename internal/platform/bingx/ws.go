package bingx

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okoval/bingxbot/internal/domain"
)

const (
	handshakeTimeout  = 15 * time.Second
	readTimeout       = 90 * time.Second
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second

	// keepAlivePeriod refreshes the listen key well inside its one-hour
	// validity window.
	keepAlivePeriod = 30 * time.Minute

	// OrderUpdateChannel is the bus channel carrying raw order-update
	// payloads from the user data stream.
	OrderUpdateChannel = "bingx:order_updates"
)

// OrderFeed consumes the BingX user data stream and turns order-trade
// updates into reconciliation wake-ups. Polling remains the source of truth;
// the feed only shortens the latency between an exchange-side fill and the
// cycle that books it.
type OrderFeed struct {
	client *Client
	wsURL  string
	bus    domain.SignalBus
	log    *slog.Logger

	wake chan struct{}
}

// wsEvent is the minimal envelope of a pushed user-data message.
type wsEvent struct {
	EventType string `json:"e"`
}

func NewOrderFeed(client *Client, wsURL string, bus domain.SignalBus, logger *slog.Logger) *OrderFeed {
	return &OrderFeed{
		client: client,
		wsURL:  wsURL,
		bus:    bus,
		log:    logger.With(slog.String("component", "order_feed")),
		wake:   make(chan struct{}, 1),
	}
}

// Wake returns the channel pulsed whenever an order update arrives. The
// channel has capacity one; coalescing bursts into a single early cycle is
// the point.
func (f *OrderFeed) Wake() <-chan struct{} { return f.wake }

// Run connects, reads until the connection drops, and reconnects with
// exponential backoff until ctx is cancelled. A feed failure is never fatal
// to the engine.
func (f *OrderFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		if err := f.session(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("order feed session ended, reconnecting",
				slog.Any("error", err),
				slog.Duration("delay", delay))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// session runs one connection lifetime: obtain a listen key, dial, keep the
// key alive, and pump messages until something breaks.
func (f *OrderFeed) session(ctx context.Context) error {
	key, err := f.client.createListenKey(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.wsURL+"?listenKey="+key, nil)
	if err != nil {
		return fmt.Errorf("bingx: dial user stream: %w", err)
	}
	defer conn.Close()

	f.log.Info("order feed connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.keepAliveLoop(sessionCtx, conn, key)

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("bingx: read user stream: %w", err)
		}

		msg, err := inflate(raw)
		if err != nil {
			f.log.Warn("undecodable stream message", slog.Any("error", err))
			continue
		}

		// The stream's keep-alive is a plain text Ping answered in kind.
		if bytes.Equal(msg, []byte("Ping")) {
			conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("Pong")); err != nil {
				return fmt.Errorf("bingx: answer ping: %w", err)
			}
			continue
		}

		var ev wsEvent
		if err := json.Unmarshal(msg, &ev); err != nil || ev.EventType != "ORDER_TRADE_UPDATE" {
			continue
		}

		if f.bus != nil {
			if err := f.bus.Publish(ctx, OrderUpdateChannel, msg); err != nil {
				f.log.Warn("publish order update", slog.Any("error", err))
			}
		}

		select {
		case f.wake <- struct{}{}:
		default:
		}
	}
}

func (f *OrderFeed) keepAliveLoop(ctx context.Context, conn *websocket.Conn, key string) {
	ticker := time.NewTicker(keepAlivePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.client.keepAliveListenKey(ctx, key); err != nil {
				f.log.Warn("listen key keepalive failed, dropping connection", slog.Any("error", err))
				conn.Close()
				return
			}
		}
	}
}

// inflate decompresses a stream frame. BingX gzips pushed messages; the
// plain-text Ping frames are passed through unchanged.
func inflate(raw []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return raw, nil
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("bingx: inflate message: %w", err)
	}
	return out, nil
}
