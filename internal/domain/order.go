package domain

// OrderStatus is the raw lifecycle status reported by the exchange for an
// order, normalized to the ccxt-style lowercase vocabulary BingX responses
// are mapped onto.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusClosed          OrderStatus = "closed"
	OrderStatusCancelled       OrderStatus = "canceled"
	OrderStatusExpired         OrderStatus = "expired"
)

// RemoteOrder is the exchange-reported state of a single order, fetched per
// reconciliation cycle and never persisted.
//
// OrderedQty is the quantity the order was placed for. For TP_MARKET style
// conditional orders BingX reports FilledQty = 0 on some terminal "closed"
// responses even though the order executed in full, so OrderedQty is the
// reliable signal of execution size.
type RemoteOrder struct {
	ID         string
	Status     OrderStatus
	OrderedQty float64
	FilledQty  float64
	AvgPrice   float64
}
