package tracker

import "errors"

var (
	// ErrDropped is reported for a detached write the dispatcher refused.
	ErrDropped = errors.New("write dropped: dispatcher queue full")
	// ErrClosed is reported for a write issued after Close.
	ErrClosed = errors.New("tracker closed")
)
