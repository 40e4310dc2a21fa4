package client

import "time"

// Option configures a Client at dial time.
type Option func(*options)

type options struct {
	dialTimeout time.Duration
	sendTimeout time.Duration
}

func defaultOptions() *options {
	return &options{
		dialTimeout: 10 * time.Second,
		sendTimeout: 30 * time.Second,
	}
}

// WithDialTimeout bounds how long Dial/DialUnix wait for the TCP/Unix
// connect, TLS handshake, and shared-secret challenge combined.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithSendTimeout bounds how long Send waits for a non-streaming reply.
// It does not apply to Log's Follow mode, which can legitimately block
// indefinitely waiting on new output.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) { o.sendTimeout = d }
}
