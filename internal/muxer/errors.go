package muxer

import "errors"

var (
	// ErrNotImplemented is returned by a Listener that declines an
	// optional query. The muxer then answers locally.
	ErrNotImplemented = errors.New("muxer: not implemented")

	// ErrPushDisabled is reported to StartPush callbacks when push support
	// is turned off.
	ErrPushDisabled = errors.New("muxer: push is not enabled")

	// ErrNoSink is returned when a reader asks for a sink kind the stream
	// does not have.
	ErrNoSink = errors.New("muxer: no such sink")

	// ErrClosed is reported once the muxer has been closed.
	ErrClosed = errors.New("muxer: closed")
)
