package model

import "errors"

var (
	// ErrNotFound is returned by stores when a key or record does not exist.
	ErrNotFound = errors.New("not found")

	ErrJobNotFound          = errors.New("job not found")
	ErrUpstreamNotFound     = errors.New("upstream returned no results")
	ErrUpstreamUnavailable  = errors.New("upstream unavailable")
	ErrDecode               = errors.New("decode image")
	ErrConfigurationMissing = errors.New("configuration missing")
)
