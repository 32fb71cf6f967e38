package job

import "errors"

var (
	ErrNotFound    = errors.New("job not found")
	ErrInvalidMode = errors.New("invalid fetch mode")
	ErrInvalidURL  = errors.New("invalid url")
)
