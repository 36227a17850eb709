package relay

import (
	"time"

	"github.com/okian/healstats/pkg/logger"
)

// Option applies a configuration option to the Client.
type Option func(*Client)

// WithQueueSize bounds the outbound queue.
func WithQueueSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithAckTimeout sets how long to wait for an acknowledgment.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.ackTimeout = d
		}
	}
}

// WithDialTimeout bounds a single connection attempt including the handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithBackoff sets the reconnect backoff bounds.
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(c *Client) {
		if initial > 0 {
			c.backoff.InitialInterval = initial
		}
		if maxInterval >= c.backoff.InitialInterval {
			c.backoff.MaxInterval = maxInterval
		}
	}
}

// WithDialer replaces the network dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithLogger sets a custom logger for the client.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}
