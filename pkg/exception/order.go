package exception

import "github.com/yanun0323/errors"

// Execution errors.
var (
	ErrFillTimeout     = errors.New("execution: fill timeout")
	ErrFillFailed      = errors.New("execution: fill failed")
	ErrIntentThrottled = errors.New("execution: intent throttled")
	ErrNilSink         = errors.New("execution: nil sink")
	ErrDuplicateIntent = errors.New("execution: duplicate intent")
	ErrUnknownIntent   = errors.New("execution: unknown intent")
	ErrDuplicateFill   = errors.New("execution: duplicate fill")
)
