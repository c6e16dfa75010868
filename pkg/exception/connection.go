package exception

import "github.com/yanun0323/errors"

var (
	ErrBreakerOpen     = errors.New("execution: circuit breaker open")
	ErrSubmitTimeout   = errors.New("execution: submit timeout")
	ErrInvalidArgument = errors.New("invalid argument")
)
