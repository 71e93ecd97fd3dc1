package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyClosed = errors.New("position already closed")
	ErrSlotLimit     = errors.New("slot limit reached")
	ErrRateLimited   = errors.New("rate limited")
	ErrOrderRejected = errors.New("order rejected by exchange")
	ErrWSDisconnect  = errors.New("websocket disconnected")
)
