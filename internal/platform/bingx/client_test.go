package bingx

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/okoval/bingxbot/internal/domain"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:   srv.URL,
		APIKey:    "key",
		APISecret: "secret",
	}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFetchOrderMapsResponse(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-BX-APIKEY") != "key" {
			t.Errorf("missing API key header")
		}
		q := r.URL.Query()
		if q.Get("timestamp") == "" || q.Get("signature") == "" {
			t.Errorf("request not signed: %s", r.URL.RawQuery)
		}
		if q.Get("symbol") != "BTC-USDT" {
			t.Errorf("symbol = %q, want BTC-USDT", q.Get("symbol"))
		}
		io.WriteString(w, `{"code":0,"msg":"","data":{"order":{
			"orderId":12345,"symbol":"BTC-USDT","status":"FILLED",
			"origQty":"0.7","executedQty":"0.7","avgPrice":"51000.5"}}}`)
	})

	order, err := c.FetchOrder(context.Background(), "BTCUSDT", "12345")
	if err != nil {
		t.Fatalf("FetchOrder: %v", err)
	}
	if order.ID != "12345" || order.Status != domain.OrderStatusClosed ||
		order.OrderedQty != 0.7 || order.FilledQty != 0.7 || order.AvgPrice != 51000.5 {
		t.Errorf("order = %+v", order)
	}
}

// "Order not exist" is a lookup miss: nil order, nil error.
func TestFetchOrderNotExist(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"code":109414,"msg":"order not exist"}`)
	})

	order, err := c.FetchOrder(context.Background(), "BTC-USDT", "999")
	if err != nil {
		t.Fatalf("FetchOrder: %v", err)
	}
	if order != nil {
		t.Errorf("order = %+v, want nil", order)
	}
}

// Cancelling an order the exchange already forgot reaches the goal state.
func TestCancelOrderAlreadyGone(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"code":109414,"msg":"order not exist"}`)
	})

	ok, err := c.CancelOrder(context.Background(), "BTC-USDT", "999")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if !ok {
		t.Error("already-gone cancel must report success")
	}
}

func TestCancelOrderFailure(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"code":100500,"msg":"internal error"}`)
	})

	ok, err := c.CancelOrder(context.Background(), "BTC-USDT", "1")
	if err == nil || ok {
		t.Errorf("CancelOrder = (%v, %v), want failure", ok, err)
	}
}

func TestSetStopLossPlacesClosingOrder(t *testing.T) {
	var got map[string]string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = map[string]string{}
		for k, v := range r.URL.Query() {
			got[k] = v[0]
		}
		io.WriteString(w, `{"code":0,"data":{"order":{"orderId":777,"status":"NEW","origQty":"0.3"}}}`)
	})

	order, err := c.SetStopLoss(context.Background(), "BTC-USDT", domain.PositionSideLong, 50000, 0.3)
	if err != nil {
		t.Fatalf("SetStopLoss: %v", err)
	}
	if order.ID != "777" {
		t.Errorf("order id = %q, want 777", order.ID)
	}
	if got["type"] != "STOP_MARKET" || got["side"] != "SELL" || got["positionSide"] != "LONG" ||
		got["workingType"] != "MARK_PRICE" || got["stopPrice"] != "50000" || got["quantity"] != "0.3" {
		t.Errorf("request params = %v", got)
	}
}

// A 70/30 split of 1.0: two orders, last level absorbs the remainder.
func TestSetTakeProfitsDistribution(t *testing.T) {
	var quantities []string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		quantities = append(quantities, r.URL.Query().Get("quantity"))
		io.WriteString(w, `{"code":0,"data":{"order":{"orderId":1,"status":"NEW"}}}`)
	})

	orders, err := c.SetTakeProfits(context.Background(), "BTC-USDT", domain.PositionSideShort,
		1.0, []float64{49000, 48000}, []float64{70, 30})
	if err != nil {
		t.Fatalf("SetTakeProfits: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("placed %d orders, want 2", len(orders))
	}
	if len(quantities) != 2 || quantities[0] != "0.7" || quantities[1] != "0.3" {
		t.Errorf("quantities = %v, want [0.7 0.3]", quantities)
	}
}

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":      "BTC-USDT",
		"btc/usdt":     "BTC-USDT",
		"ETH-USDT":     "ETH-USDT",
		" solusdt ":    "SOL-USDT",
		"1000PEPEUSDT": "1000PEPE-USDT",
	}
	for in, want := range cases {
		if got := NormalizeSymbol(in); got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMapStatus(t *testing.T) {
	cases := map[string]domain.OrderStatus{
		"NEW":              domain.OrderStatusNew,
		"PENDING":          domain.OrderStatusNew,
		"WORKING":          domain.OrderStatusOpen,
		"PARTIALLY_FILLED": domain.OrderStatusPartiallyFilled,
		"FILLED":           domain.OrderStatusClosed,
		"CANCELLED":        domain.OrderStatusCancelled,
		"canceled":         domain.OrderStatusCancelled,
		"EXPIRED":          domain.OrderStatusExpired,
		"SOMETHING_NEW":    domain.OrderStatus("something_new"),
	}
	for in, want := range cases {
		if got := mapStatus(in); got != want {
			t.Errorf("mapStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSignIsDeterministic(t *testing.T) {
	a := sign("secret", "symbol=BTC-USDT&timestamp=1")
	b := sign("secret", "symbol=BTC-USDT&timestamp=1")
	if a != b {
		t.Error("same input must produce the same signature")
	}
	if len(a) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(a))
	}
	if sign("other", "symbol=BTC-USDT&timestamp=1") == a {
		t.Error("different secrets must produce different signatures")
	}
}

func TestFloorQtyNeverRoundsUp(t *testing.T) {
	if got := floorQty(0.12345678); got != 0.123456 {
		t.Errorf("floorQty = %v, want 0.123456", got)
	}
	if got := floorQty(0.3); got > 0.3 {
		t.Errorf("floorQty(0.3) = %v, must not exceed input", got)
	}
}
