// Package reconciler keeps locally tracked positions synchronized with
// exchange-reported order state. A single worker periodically inspects every
// active position, books partially filled take-profit volume, moves the
// protective stop to breakeven when the first take-profit fires, and
// finalizes positions that closed on the exchange.
package reconciler

import "github.com/okoval/bingxbot/internal/domain"

// OutcomeKind is the semantic classification of one fetched order state.
type OutcomeKind int

const (
	// OutcomeUnreachable means the order could not be observed: the fetch
	// failed, returned nothing, or reported a status outside the known
	// vocabulary. It carries no information; in particular it does NOT
	// imply cancellation, since a purged order may simply have filled long
	// ago.
	OutcomeUnreachable OutcomeKind = iota

	// OutcomeOpen means the order is resting and may still execute.
	OutcomeOpen

	// OutcomeFilledFully means the order reached its filled-terminal state
	// with a positive executed quantity.
	OutcomeFilledFully

	// OutcomeFilledPartially means the order reports a partial execution.
	OutcomeFilledPartially

	// OutcomeCancelled means the order is terminal without a reported
	// fill: explicitly cancelled, expired, or closed with zero executed
	// quantity.
	OutcomeCancelled
)

// Outcome is the result of classifying one order. Status preserves the raw
// exchange status so callers can distinguish an explicit cancellation from
// the filled-terminal state that conditional market orders report with a
// zero executed quantity.
type Outcome struct {
	Kind       OutcomeKind
	Status     domain.OrderStatus
	OrderedQty float64
	FilledQty  float64
	AvgPrice   float64
}

// Filled reports whether the outcome represents an execution.
func (o Outcome) Filled() bool {
	return o.Kind == OutcomeFilledFully || o.Kind == OutcomeFilledPartially
}

// Terminal reports whether the order can no longer execute.
func (o Outcome) Terminal() bool {
	return o.Kind == OutcomeFilledFully || o.Kind == OutcomeCancelled
}

// Classify turns a raw fetched order (or its absence) into a semantic
// outcome. It is pure: all network access happens in the caller.
//
// Fill detection requires both the filled-terminal status and a positive
// executed quantity; a terminal status with zero executed quantity is
// cancelled-equivalent, not a fill.
func Classify(o *domain.RemoteOrder) Outcome {
	if o == nil {
		return Outcome{Kind: OutcomeUnreachable}
	}

	out := Outcome{
		Status:     o.Status,
		OrderedQty: o.OrderedQty,
		FilledQty:  o.FilledQty,
		AvgPrice:   o.AvgPrice,
	}

	switch o.Status {
	case domain.OrderStatusNew, domain.OrderStatusOpen:
		out.Kind = OutcomeOpen
	case domain.OrderStatusPartiallyFilled:
		out.Kind = OutcomeFilledPartially
	case domain.OrderStatusClosed:
		if o.FilledQty > 0 {
			out.Kind = OutcomeFilledFully
		} else {
			out.Kind = OutcomeCancelled
		}
	case domain.OrderStatusCancelled, domain.OrderStatusExpired:
		out.Kind = OutcomeCancelled
	default:
		out.Kind = OutcomeUnreachable
	}

	return out
}

// executedTakeProfit reports whether a take-profit order's outcome counts as
// an execution for volume bookkeeping. Beyond regular fills, TP_MARKET
// orders on the BingX swap API report filled=0 on some terminal "closed"
// responses even though the order fully executed, so a cancelled-equivalent
// outcome whose raw status is the filled-terminal one still counts. The
// order's requested quantity is the reliable signal of execution size in
// that case.
func executedTakeProfit(out Outcome) bool {
	if out.Filled() {
		return true
	}
	return out.Kind == OutcomeCancelled && out.Status == domain.OrderStatusClosed
}
