package alert

import "errors"

var (
	ErrFailedToSendAlert = errors.New("failed to send billing alert")
	ErrInvalidConfig     = errors.New("invalid alert config")
)
