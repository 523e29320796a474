package store

import "errors"

var (
	ErrQueueNotFound     = errors.New("queue not found")
	ErrQueueClosed       = errors.New("queue closed")
	ErrQueueFull         = errors.New("queue full")
	ErrAlreadyQueued     = errors.New("customer already queued")
	ErrEmptyQueue        = errors.New("no ticket waiting")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrAccessDenied      = errors.New("access denied")
	ErrSessionNotFound   = errors.New("session not found")
)
