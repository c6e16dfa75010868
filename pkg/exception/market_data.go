package exception

import "github.com/yanun0323/errors"

// Data errors. Events failing these checks are dropped, never fatal.
var (
	ErrOutOfOrderEvent   = errors.New("market data: out of order event")
	ErrMalformedEvent    = errors.New("market data: malformed event")
	ErrUnknownInstrument = errors.New("market data: unknown instrument")
)
