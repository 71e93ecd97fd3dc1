package domain

import "time"

// TradeIntent is a fully structured trade instruction produced by the signal
// ingestion layer. Parsing raw signal text into an intent happens upstream;
// by the time an intent reaches this system it is unambiguous.
type TradeIntent struct {
	SourceKey      string       `json:"source_key"`
	Symbol         string       `json:"symbol"`
	Side           PositionSide `json:"side"`
	Amount         float64      `json:"amount"`
	Leverage       int          `json:"leverage"`
	StopLossPrice  float64      `json:"stop_loss_price"`
	TakeProfits    []float64    `json:"take_profits"`
	TPDistribution []float64    `json:"tp_distribution"` // percentages, same length as TakeProfits
	ReceivedAt     time.Time    `json:"received_at"`
}

// StreamMessage is one entry read from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}
