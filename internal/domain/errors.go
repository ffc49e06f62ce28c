package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidOrder   = errors.New("invalid order parameters")
	ErrSigningFailed  = errors.New("signing failed")
	ErrWSDisconnect   = errors.New("websocket disconnected")
	ErrLockHeld       = errors.New("lock already held")
	ErrSequenceGap    = errors.New("sequence gap detected")
	ErrStaleBook      = errors.New("orderbook is stale")
	ErrExposureLimit  = errors.New("exposure limit reached")
	ErrIntentInFlight = errors.New("intent already in flight for market")
	ErrMarketClosed   = errors.New("market closed")
)
