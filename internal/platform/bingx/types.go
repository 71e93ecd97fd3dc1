package bingx

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/okoval/bingxbot/internal/domain"
)

// apiEnvelope is the outer shape of every BingX swap API response.
type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// apiError is a non-zero BingX response code with its message.
type apiError struct {
	Code int
	Msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("bingx: code %d: %s", e.Code, e.Msg)
}

// codeOrderNotExist is returned for fetch/cancel of an order id the
// exchange no longer knows. It is a lookup miss, not a failure.
const codeOrderNotExist = 109414

func isOrderNotExist(err error) bool {
	ae, ok := err.(*apiError)
	if !ok {
		return false
	}
	return ae.Code == codeOrderNotExist || strings.Contains(strings.ToLower(ae.Msg), "order not exist")
}

// apiOrder is one order object as returned by the swap trade endpoints.
// Numeric fields arrive as strings.
type apiOrder struct {
	OrderID      json.Number `json:"orderId"`
	Symbol       string      `json:"symbol"`
	Status       string      `json:"status"`
	Type         string      `json:"type"`
	Side         string      `json:"side"`
	PositionSide string      `json:"positionSide"`
	OrigQty      string      `json:"origQty"`
	ExecutedQty  string      `json:"executedQty"`
	AvgPrice     string      `json:"avgPrice"`
	StopPrice    string      `json:"stopPrice"`
}

// orderData wraps the single-order payload of fetch/create responses.
type orderData struct {
	Order apiOrder `json:"order"`
}

func (o apiOrder) toDomain() *domain.RemoteOrder {
	return &domain.RemoteOrder{
		ID:         o.OrderID.String(),
		Status:     mapStatus(o.Status),
		OrderedQty: parseFloat(o.OrigQty),
		FilledQty:  parseFloat(o.ExecutedQty),
		AvgPrice:   parseFloat(o.AvgPrice),
	}
}

// mapStatus translates BingX order statuses into the internal vocabulary.
// Unknown statuses pass through lowercased so the classifier treats them as
// unreachable rather than guessing.
func mapStatus(s string) domain.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW", "PENDING":
		return domain.OrderStatusNew
	case "WORKING", "TRIGGERED":
		return domain.OrderStatusOpen
	case "PARTIALLY_FILLED":
		return domain.OrderStatusPartiallyFilled
	case "FILLED":
		return domain.OrderStatusClosed
	case "CANCELED", "CANCELLED":
		return domain.OrderStatusCancelled
	case "EXPIRED":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatus(strings.ToLower(s))
	}
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// NormalizeSymbol converts the spot-style forms seen in signals ("BTCUSDT",
// "BTC/USDT", "btc-usdt") to the BASE-QUOTE form the swap API expects.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "-")
	if strings.Contains(s, "-") {
		return s
	}
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "-" + quote
		}
	}
	return s
}
