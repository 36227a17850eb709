package api

// Default limits.
const (
	defaultMaxBodyBytes = 4 << 20
	defaultMaxResults   = 100
)

type options struct {
	maxBodyBytes int64
	maxResults   int
}

func defaultOptions() options {
	return options{
		maxBodyBytes: defaultMaxBodyBytes,
		maxResults:   defaultMaxResults,
	}
}

// Option configures the Server.
type Option func(*options)

// WithMaxBodyBytes caps the size of a POST /events body.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBodyBytes = n
		}
	}
}

// WithMaxResults caps GET /results?limit.
func WithMaxResults(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxResults = n
		}
	}
}
