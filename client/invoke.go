package client

import (
	"context"
	"encoding/json"
	"fmt"
)

// Invoke calls pattern on name and decodes the result into T.
func Invoke[T any](ctx context.Context, c *Client, name, pattern string, payload any, opts ...CallOption) (T, error) {
	var out T
	raw, err := c.Call(ctx, name, pattern, payload, opts...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%s.%s: decode result: %w", name, pattern, err)
	}
	return out, nil
}

// Well-known service names.
const (
	ServiceAuth    = "auth"
	ServiceFeed    = "feed"
	ServiceMedia   = "media"
	ServiceGateway = "gateway"
)

func SendAuthCommand[T any](ctx context.Context, c *Client, cmd string, data any, opts ...CallOption) (T, error) {
	return Invoke[T](ctx, c, ServiceAuth, cmd, data, opts...)
}

func SendFeedCommand[T any](ctx context.Context, c *Client, cmd string, data any, opts ...CallOption) (T, error) {
	return Invoke[T](ctx, c, ServiceFeed, cmd, data, opts...)
}

func SendMediaCommand[T any](ctx context.Context, c *Client, cmd string, data any, opts ...CallOption) (T, error) {
	return Invoke[T](ctx, c, ServiceMedia, cmd, data, opts...)
}

func SendGatewayCommand[T any](ctx context.Context, c *Client, cmd string, data any, opts ...CallOption) (T, error) {
	return Invoke[T](ctx, c, ServiceGateway, cmd, data, opts...)
}
