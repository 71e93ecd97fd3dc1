package domain

import "context"

// ExchangeGateway executes order operations against the derivatives exchange.
// Implementations are expected to be safe for sequential use by a single
// worker; all methods block on the network.
type ExchangeGateway interface {
	// FetchOrder returns the current state of an order, or (nil, nil) when
	// the exchange no longer knows the order id ("order not exist" is a
	// lookup miss, not an error). A non-nil error indicates a transport or
	// exchange failure and tells the caller nothing about the order.
	FetchOrder(ctx context.Context, symbol, orderID string) (*RemoteOrder, error)

	// CancelOrder returns true when the order is confirmed absent or
	// cancelled, including the case where it was already gone before the
	// call.
	CancelOrder(ctx context.Context, symbol, orderID string) (bool, error)

	// SetStopLoss places a protective stop-market order for the given
	// remaining amount.
	SetStopLoss(ctx context.Context, symbol string, side PositionSide, price, amount float64) (*RemoteOrder, error)

	// SetTakeProfits places one take-profit order per price level, sized by
	// the percentage distribution of amount. Levels whose rounded size is
	// zero are skipped; the returned slice preserves price order.
	SetTakeProfits(ctx context.Context, symbol string, side PositionSide, amount float64, prices, distributionPct []float64) ([]RemoteOrder, error)

	// PlaceMarketOrder opens a position at market and returns the entry
	// order with its average fill price.
	PlaceMarketOrder(ctx context.Context, symbol string, side PositionSide, amount float64, leverage int) (*RemoteOrder, error)
}
