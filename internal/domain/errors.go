package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidOrder        = errors.New("invalid order parameters")
	ErrSigningFailed       = errors.New("signing failed")
	ErrWSDisconnect        = errors.New("websocket disconnected")
	ErrNotConnected        = errors.New("not connected")
	ErrFeedExhausted       = errors.New("feed reconnect attempts exhausted")
	ErrLockHeld            = errors.New("lock already held")
	ErrCapacity            = errors.New("max concurrent trades reached")
	ErrKillSwitch          = errors.New("kill switch engaged")
	ErrSimulation          = errors.New("simulation mode: execution disabled")
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	ErrTxReverted          = errors.New("transaction reverted")
)
