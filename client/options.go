package client

import (
	"time"

	"github.com/go-kit/log"
	"github.com/hashicorp/go-metrics"
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultRetries = 2
)

// CallOptions bound a single Call. Timeout applies to each attempt on its
// own; Retries is the number of extra attempts after the first.
type CallOptions struct {
	Timeout time.Duration
	Retries int
}

// CallOption overrides one field of the client's default CallOptions.
type CallOption func(*CallOptions)

func WithTimeout(d time.Duration) CallOption {
	return func(o *CallOptions) { o.Timeout = d }
}

func WithRetries(n int) CallOption {
	return func(o *CallOptions) { o.Retries = n }
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(logger log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithMetricSink(sink metrics.MetricSink) Option {
	return func(c *Client) { c.msink = sink }
}

// WithDefaults replaces the per-call defaults (5s, 2 retries).
func WithDefaults(o CallOptions) Option {
	return func(c *Client) { c.defaults = o }
}
