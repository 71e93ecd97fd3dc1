// Package bingx implements the exchange gateway against the BingX perpetual
// swap REST and WebSocket APIs.
package bingx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/okoval/bingxbot/internal/domain"
)

const (
	// rateKey is the limiter bucket shared by all REST calls; the API is
	// the bottleneck resource, so every request waits on the same window.
	rateKey = "bingx:rest"

	// qtyDecimals bounds contract quantities; BingX rejects more fractional
	// digits than the instrument step allows, and flooring never oversizes
	// an order.
	qtyDecimals = 6
)

// Config carries the REST client settings.
type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// Client is the REST gateway to the BingX swap API. It satisfies
// domain.ExchangeGateway and paces every request through the shared rate
// limiter before touching the network.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	limiter    domain.RateLimiter
	log        *slog.Logger
	now        func() time.Time
}

var _ domain.ExchangeGateway = (*Client)(nil)

func New(cfg Config, limiter domain.RateLimiter, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		log:        logger.With(slog.String("component", "bingx")),
		now:        time.Now,
	}
}

// FetchOrder returns the current order state, or (nil, nil) when the
// exchange no longer knows the id.
func (c *Client) FetchOrder(ctx context.Context, symbol, orderID string) (*domain.RemoteOrder, error) {
	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	params.Set("orderId", orderID)

	data, err := c.do(ctx, http.MethodGet, "/openApi/swap/v2/trade/order", params)
	if err != nil {
		if isOrderNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bingx: fetch order %s: %w", orderID, err)
	}

	var payload orderData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("bingx: decode order %s: %w", orderID, err)
	}
	return payload.Order.toDomain(), nil
}

// CancelOrder returns true once the order is confirmed absent or cancelled.
// "Order not exist" counts as success: the goal state is reached either way.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	params.Set("orderId", orderID)

	_, err := c.do(ctx, http.MethodDelete, "/openApi/swap/v2/trade/order", params)
	if err != nil {
		if isOrderNotExist(err) {
			c.log.Debug("cancel of already-gone order", slog.String("order_id", orderID))
			return true, nil
		}
		return false, fmt.Errorf("bingx: cancel order %s: %w", orderID, err)
	}
	return true, nil
}

// SetStopLoss places a STOP_MARKET order closing the position at the trigger
// price, using the mark price as working type.
func (c *Client) SetStopLoss(ctx context.Context, symbol string, side domain.PositionSide, price, amount float64) (*domain.RemoteOrder, error) {
	qty := floorQty(amount)
	if qty <= 0 {
		return nil, fmt.Errorf("bingx: set stop loss: amount %v rounds to zero", amount)
	}

	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	params.Set("type", "STOP_MARKET")
	params.Set("side", closeSide(side))
	params.Set("positionSide", string(side))
	params.Set("stopPrice", formatFloat(price))
	params.Set("quantity", formatFloat(qty))
	params.Set("workingType", "MARK_PRICE")

	data, err := c.do(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", params)
	if err != nil {
		return nil, fmt.Errorf("bingx: set stop loss on %s: %w", symbol, err)
	}

	var payload orderData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("bingx: decode stop loss response: %w", err)
	}
	order := payload.Order.toDomain()
	c.log.Info("stop order placed",
		slog.String("symbol", symbol),
		slog.String("order_id", order.ID),
		slog.Float64("stop_price", price),
		slog.Float64("quantity", qty))
	return order, nil
}

// SetTakeProfits places one TAKE_PROFIT_MARKET order per price level. The
// amount is split by distributionPct; the last level absorbs rounding
// leftovers so the sum never exceeds amount. Levels whose size floors to
// zero are skipped.
func (c *Client) SetTakeProfits(ctx context.Context, symbol string, side domain.PositionSide, amount float64, prices, distributionPct []float64) ([]domain.RemoteOrder, error) {
	if len(prices) == 0 {
		return nil, nil
	}
	if len(distributionPct) != len(prices) {
		return nil, fmt.Errorf("bingx: set take profits: %d prices but %d distribution entries", len(prices), len(distributionPct))
	}

	var placed []domain.RemoteOrder
	left := amount
	for i, price := range prices {
		var qty float64
		if i == len(prices)-1 {
			qty = floorQty(left)
		} else {
			qty = floorQty(amount * distributionPct[i] / 100)
		}
		if qty > left {
			qty = floorQty(left)
		}
		if qty <= 0 {
			c.log.Warn("take-profit level rounds to zero, skipping",
				slog.String("symbol", symbol),
				slog.Float64("price", price))
			continue
		}

		params := url.Values{}
		params.Set("symbol", NormalizeSymbol(symbol))
		params.Set("type", "TAKE_PROFIT_MARKET")
		params.Set("side", closeSide(side))
		params.Set("positionSide", string(side))
		params.Set("stopPrice", formatFloat(price))
		params.Set("quantity", formatFloat(qty))
		params.Set("workingType", "MARK_PRICE")

		data, err := c.do(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", params)
		if err != nil {
			return placed, fmt.Errorf("bingx: set take profit %d on %s: %w", i+1, symbol, err)
		}
		var payload orderData
		if err := json.Unmarshal(data, &payload); err != nil {
			return placed, fmt.Errorf("bingx: decode take profit response: %w", err)
		}
		placed = append(placed, *payload.Order.toDomain())
		left -= qty
	}

	return placed, nil
}

// PlaceMarketOrder sets the position-side leverage and opens the position at
// market.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side domain.PositionSide, amount float64, leverage int) (*domain.RemoteOrder, error) {
	if leverage > 0 {
		if err := c.setLeverage(ctx, symbol, side, leverage); err != nil {
			return nil, err
		}
	}

	qty := floorQty(amount)
	if qty <= 0 {
		return nil, fmt.Errorf("bingx: place market order: amount %v rounds to zero", amount)
	}

	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	params.Set("type", "MARKET")
	params.Set("side", openSide(side))
	params.Set("positionSide", string(side))
	params.Set("quantity", formatFloat(qty))

	data, err := c.do(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", params)
	if err != nil {
		return nil, fmt.Errorf("bingx: place market order on %s: %w", symbol, err)
	}

	var payload orderData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("bingx: decode market order response: %w", err)
	}
	order := payload.Order.toDomain()
	c.log.Info("market order placed",
		slog.String("symbol", symbol),
		slog.String("order_id", order.ID),
		slog.String("side", string(side)),
		slog.Float64("quantity", qty))
	return order, nil
}

func (c *Client) setLeverage(ctx context.Context, symbol string, side domain.PositionSide, leverage int) error {
	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	params.Set("side", string(side))
	params.Set("leverage", strconv.Itoa(leverage))

	if _, err := c.do(ctx, http.MethodPost, "/openApi/swap/v2/trade/leverage", params); err != nil {
		return fmt.Errorf("bingx: set leverage on %s: %w", symbol, err)
	}
	return nil
}

// do executes one signed request. It waits on the shared rate limiter
// first, appends the timestamp, signs the sorted query, and unwraps the
// response envelope; a non-zero code becomes an *apiError.
func (c *Client) do(ctx context.Context, method, path string, params url.Values) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, rateKey); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	query := params.Encode()
	query += "&signature=" + sign(c.apiSecret, query)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-BX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != 0 {
		return nil, &apiError{Code: env.Code, Msg: env.Msg}
	}
	return env.Data, nil
}

// createListenKey obtains a user-data-stream key for the order-update
// WebSocket feed.
func (c *Client) createListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/openApi/user/auth/userDataStream", nil)
	if err != nil {
		return "", fmt.Errorf("bingx: create listen key request: %w", err)
	}
	req.Header.Set("X-BX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("bingx: create listen key: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("bingx: read listen key response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bingx: listen key HTTP %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var payload struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("bingx: decode listen key: %w", err)
	}
	if payload.ListenKey == "" {
		return "", fmt.Errorf("bingx: empty listen key")
	}
	return payload.ListenKey, nil
}

// keepAliveListenKey extends the key's validity; BingX expires idle keys
// after an hour.
func (c *Client) keepAliveListenKey(ctx context.Context, key string) error {
	u := c.baseURL + "/openApi/user/auth/userDataStream?listenKey=" + url.QueryEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, nil)
	if err != nil {
		return fmt.Errorf("bingx: keepalive request: %w", err)
	}
	req.Header.Set("X-BX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bingx: keepalive listen key: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bingx: keepalive HTTP %d", resp.StatusCode)
	}
	return nil
}

// closeSide is the order side that reduces the given position side.
func closeSide(side domain.PositionSide) string {
	if side == domain.PositionSideLong {
		return "SELL"
	}
	return "BUY"
}

func openSide(side domain.PositionSide) string {
	if side == domain.PositionSideLong {
		return "BUY"
	}
	return "SELL"
}

func floorQty(amount float64) float64 {
	scale := math.Pow10(qtyDecimals)
	return math.Floor(amount*scale) / scale
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
