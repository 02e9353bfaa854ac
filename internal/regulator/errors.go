package regulator

import "errors"

var (
	ErrInvalidMode         = errors.New("invalid regulator mode")
	ErrInvalidOutputLimits = errors.New("output min must not exceed output max")
)
