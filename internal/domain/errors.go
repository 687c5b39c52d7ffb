package domain

import "errors"

var (
	ErrExtractionGap = errors.New("fragment lacks required fields")
	ErrMarkerTimeout = errors.New("content marker did not appear")
	ErrRateLimited   = errors.New("rate limited by source")
	ErrTransport     = errors.New("transport failure")
	ErrPersistence   = errors.New("persistence failure")
	ErrConfiguration = errors.New("invalid configuration")
)
