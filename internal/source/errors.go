package source

import "errors"

var (
	ErrMissingParam = errors.New("missing param")
	ErrNoSnapshot   = errors.New("no stored snapshot")
	ErrBreakerOpen  = errors.New("circuit breaker open")
)
