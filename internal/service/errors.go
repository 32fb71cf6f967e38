package service

import "errors"

var (
	ErrJobsDisabled   = errors.New("background jobs are not configured")
	ErrUnknownMode    = errors.New("no strategy for fetch mode")
	ErrInvalidRequest = errors.New("invalid request")
)
