package relay

import "errors"

var (
	// ErrIncompatibleVersion is returned when the remote service rejects
	// every protocol version this client offers.
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
	// ErrAckTimeout is returned when no acknowledgment arrives in time.
	ErrAckTimeout = errors.New("acknowledgment timeout")
	// ErrRejected is returned for a permanent nack. The result is dropped.
	ErrRejected = errors.New("result rejected")
	// ErrRetryLater is returned for a retryable nack. The result is requeued.
	ErrRetryLater = errors.New("result deferred by remote")
)
