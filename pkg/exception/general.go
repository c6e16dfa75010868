package exception

import "github.com/yanun0323/errors"

// Invariant violations are fatal to the affected position only.
var (
	ErrNegativeSize   = errors.New("invariant: negative size")
	ErrStopLoosened   = errors.New("invariant: stop loosened")
	ErrTargetLoosened = errors.New("invariant: target loosened")
)

// Lifecycle errors.
var (
	ErrUnknownPosition   = errors.New("position: not found")
	ErrPositionClosed    = errors.New("position: closed")
	ErrInvalidTransition = errors.New("position: invalid state transition")
)
