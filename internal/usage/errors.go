package usage

import "errors"

// ErrLimitReached indicates the owner hit their run allowance for the period.
var ErrLimitReached = errors.New("limit reached")
