package upstream

import "errors"

var (
	// ErrClosed is returned by Forward after Close.
	ErrClosed = errors.New("upstream: closed")
)
