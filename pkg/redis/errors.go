package redis

import "errors"

var (
	ErrEmptyURL   = errors.New("empty redis connection URL")
	ErrInvalidURL = errors.New("invalid redis connection URL")
	ErrNotReady   = errors.New("redis did not answer within the connect timeout")
	ErrPingFailed = errors.New("redis ping failed")
)
