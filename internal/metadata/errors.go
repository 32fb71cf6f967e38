package metadata

import "errors"

var (
	ErrFetchFailed = errors.New("page fetch failed")
	ErrNotHTML     = errors.New("response is not html")
)
