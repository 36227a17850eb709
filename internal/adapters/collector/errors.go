package collector

import "errors"

var (
	// ErrTemporary marks handler failures the client should retry. Any other
	// handler error is answered with a permanent nack.
	ErrTemporary = errors.New("temporary failure")
	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("collector closed")
)
