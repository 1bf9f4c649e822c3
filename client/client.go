// Package client is the call surface services use to reach each other:
// request/response calls with a per-attempt timeout and bounded immediate
// retry, fire-and-forget events, and failure-driven invalidation of the
// pooled connection.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FLCN-16/nest-microservices/internal/helpers"
	"github.com/FLCN-16/nest-microservices/telemetry"
	"github.com/FLCN-16/nest-microservices/transport"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-metrics"
)

// Connector hands out pooled connections per service name.
// *transport.Pool implements it.
type Connector interface {
	GetConnection(ctx context.Context, name string) (*transport.ClientTransport, error)
	Invalidate(name string)
	CloseAll()
}

type Client struct {
	pool     Connector
	logger   log.Logger
	msink    metrics.MetricSink
	defaults CallOptions

	shutdownOnce sync.Once
}

// New panics on a nil pool.
func New(pool Connector, opts ...Option) *Client {
	c := &Client{
		pool:     helpers.NilPanic(pool, "client: connection pool is required"),
		defaults: CallOptions{Timeout: DefaultTimeout, Retries: DefaultRetries},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.NewNopLogger()
	}
	c.logger = log.With(c.logger, "component", "rpc_client")
	c.msink = telemetry.SinkOrDefault(c.msink)
	return c
}

func (c *Client) callOptions(opts []CallOption) CallOptions {
	o := c.defaults
	for _, opt := range opts {
		opt(&o)
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	return o
}

// Call sends pattern with the JSON encoding of payload to the service name
// and returns the raw JSON result.
//
// Each attempt gets its own timeout; a failed attempt is retried at once, up
// to Retries more times. If the last error is connection-level the pooled
// connection and cached address for name are invalidated before returning.
// The error is always returned.
func (c *Client) Call(ctx context.Context, name, pattern string, payload any, opts ...CallOption) (json.RawMessage, error) {
	o := c.callOptions(opts)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: encode payload: %w", name, pattern, err)
	}

	labels := []metrics.Label{telemetry.LabelService.M(name), telemetry.LabelPattern.M(pattern)}
	var lastErr error
	for attempt := 0; attempt <= o.Retries; attempt++ {
		c.msink.IncrCounterWithLabels(telemetry.MetricClientCallAttemptCount, 1, labels)
		result, err := c.attempt(ctx, name, pattern, body, o.Timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCallTimeout) {
			c.msink.IncrCounterWithLabels(telemetry.MetricClientCallTimeoutCount, 1, labels)
		}
		if ctx.Err() != nil {
			break
		}
		level.Debug(c.logger).Log("msg", "attempt failed", "service", name, "pattern", pattern, "attempt", attempt+1, "err", err)
	}

	c.msink.IncrCounterWithLabels(telemetry.MetricClientCallErrorCount, 1, labels)
	level.Error(c.logger).Log("msg", "call failed", "service", name, "pattern", pattern, "err", lastErr)
	if isConnectionError(lastErr) {
		c.pool.Invalidate(name)
	}
	return nil, lastErr
}

// attempt runs one bounded exchange. A timed-out attempt leaves the pooled
// connection in place.
func (c *Client) attempt(ctx context.Context, name, pattern string, body []byte, timeout time.Duration) (json.RawMessage, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.pool.GetConnection(actx, name)
	if err != nil {
		return nil, c.deadline(ctx, actx, name, pattern, timeout, err)
	}
	resp, err := conn.Call(actx, pattern, body)
	if err != nil {
		return nil, c.deadline(ctx, actx, name, pattern, timeout, err)
	}
	if resp.Failed() {
		return nil, &RemoteError{Service: name, Pattern: pattern, Message: resp.Error}
	}
	return json.RawMessage(resp.Payload), nil
}

// deadline turns the attempt's own deadline into ErrCallTimeout. A
// cancelled parent ctx is returned as is.
func (c *Client) deadline(parent, actx context.Context, name, pattern string, timeout time.Duration, err error) error {
	if parent.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s.%s after %s: %w", name, pattern, timeout, ErrCallTimeout)
	}
	return err
}

// Emit sends a one-way event to name. No response is awaited and nothing
// is retried.
func (c *Client) Emit(ctx context.Context, name, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s.%s: encode payload: %w", name, event, err)
	}
	conn, err := c.pool.GetConnection(ctx, name)
	if err != nil {
		return err
	}
	if err := conn.Emit(event, body); err != nil {
		level.Warn(c.logger).Log("msg", "emit failed", "service", name, "event", event, "err", err)
		return err
	}
	c.msink.IncrCounterWithLabels(telemetry.MetricClientEmitCount, 1,
		[]metrics.Label{telemetry.LabelService.M(name), telemetry.LabelPattern.M(event)})
	return nil
}

// Shutdown closes every pooled connection. Only the first call has effect.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() {
		level.Info(c.logger).Log("msg", "closing all connections")
		c.pool.CloseAll()
	})
}
