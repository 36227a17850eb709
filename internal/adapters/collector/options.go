package collector

import (
	"github.com/okian/healstats/pkg/logger"
)

// Option applies a configuration option to the Server.
type Option func(*Server)

// WithHandler sets the handler receiving every first delivery of a result.
func WithHandler(h Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.handler = h
		}
	}
}

// WithVersions sets the accepted protocol version range.
func WithVersions(lo, hi int) Option {
	return func(s *Server) {
		if lo > 0 && hi >= lo {
			s.minVersion, s.maxVersion = lo, hi
		}
	}
}

// WithDedupeSize sets how many result keys are remembered for redelivery
// detection.
func WithDedupeSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.dedupeSize = n
		}
	}
}

// WithLogger sets a custom logger for the server.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}
