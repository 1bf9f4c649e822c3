// Package gateway forwards requests from outside the mesh to the services
// behind it: RPC commands over the pooled client, and plain HTTP through a
// reverse proxy to an instance picked by the resolver.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/FLCN-16/nest-microservices/auth"
	"github.com/FLCN-16/nest-microservices/client"
	"github.com/FLCN-16/nest-microservices/internal/helpers"
	"github.com/FLCN-16/nest-microservices/registry"
	"github.com/FLCN-16/nest-microservices/server"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/labstack/echo/v4"
)

// PatternProxy is the RPC pattern other services use to reach a service
// through the gateway.
const PatternProxy = "gateway.proxy"

// HeaderDeviceID must be present on proxied HTTP requests.
const HeaderDeviceID = "X-Device-ID"

// ProxyRequest is the gateway.proxy payload.
type ProxyRequest struct {
	Service string          `json:"service"`
	Cmd     string          `json:"cmd"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Caller is the part of *client.Client the proxy needs.
type Caller interface {
	Call(ctx context.Context, name, pattern string, payload any, opts ...client.CallOption) (json.RawMessage, error)
}

// AddressResolver maps a service name to an instance for HTTP proxying.
// *resolver.Resolver implements it.
type AddressResolver interface {
	Resolve(ctx context.Context, name string, forceRefresh bool) (registry.ServiceAddress, error)
	Invalidate(name string)
}

// Config for New.
type Config struct {
	// Self is this gateway's service name; proxying to it is refused.
	Self string
	// Secret is injected as X-Gateway-Secret on proxied HTTP requests.
	Secret string
	Logger log.Logger
}

type Proxy struct {
	caller   Caller
	resolver AddressResolver
	self     string
	secret   string
	logger   log.Logger
}

// New panics on a nil caller or resolver.
func New(caller Caller, res AddressResolver, cfg Config) *Proxy {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Proxy{
		caller:   helpers.NilPanic(caller, "gateway: caller is required"),
		resolver: helpers.NilPanic(res, "gateway: resolver is required"),
		self:     cfg.Self,
		secret:   cfg.Secret,
		logger:   log.WithPrefix(logger, "component", "gateway"),
	}
}

// Register installs the gateway.proxy handler on srv.
func (p *Proxy) Register(srv *server.Server) {
	srv.Handle(PatternProxy, p.handleRPC)
}

// Routes installs the HTTP proxy routes on e:
//
//	POST /proxy/:service/:cmd          RPC command, body is the payload
//	ANY  /api/:version/:service[/*]    HTTP, forwarded to {instance}/:version/:service/*
//	ANY  /graphql/:service             HTTP, forwarded to {instance}/graphql
func (p *Proxy) Routes(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	e.POST("/proxy/:service/:cmd", p.handleCommand, mw...)
	e.Any("/api/:version/:service", p.handleHTTP(false), mw...)
	e.Any("/api/:version/:service/*", p.handleHTTP(false), mw...)
	e.Any("/graphql/:service", p.handleHTTP(true), mw...)
}

// Forward calls cmd on service through the pooled client.
func (p *Proxy) Forward(ctx context.Context, req ProxyRequest) (json.RawMessage, error) {
	if req.Service == "" || req.Cmd == "" {
		return nil, errors.New("service and cmd are required")
	}
	if p.self != "" && req.Service == p.self {
		return nil, fmt.Errorf("refusing to proxy to %s itself", req.Service)
	}
	data := req.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	level.Debug(p.logger).Log("msg", "proxying command", "service", req.Service, "cmd", req.Cmd)
	return p.caller.Call(ctx, req.Service, req.Cmd, data)
}

func (p *Proxy) handleRPC(ctx context.Context, payload json.RawMessage) (any, error) {
	var req ProxyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid proxy request: %w", err)
	}
	result, err := p.Forward(ctx, req)
	if err != nil {
		level.Error(p.logger).Log("msg", "proxy failed", "service", req.Service, "cmd", req.Cmd, "err", err)
		var remote *client.RemoteError
		if errors.As(err, &remote) {
			// Hand the downstream message back unchanged.
			return nil, errors.New(remote.Message)
		}
		return nil, err
	}
	return result, nil
}

func (p *Proxy) handleCommand(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body").SetInternal(err)
	}
	if len(body) > 0 && !json.Valid(body) {
		return echo.NewHTTPError(http.StatusBadRequest, "body must be JSON")
	}

	result, err := p.Forward(c.Request().Context(), ProxyRequest{
		Service: c.Param("service"),
		Cmd:     c.Param("cmd"),
		Data:    body,
	})
	if err != nil {
		return httpError(err)
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return c.JSONBlob(http.StatusOK, result)
}

// httpError maps a client error onto a status: unreachable 503, timeout
// 504, downstream failure 502.
func httpError(err error) *echo.HTTPError {
	var remote *client.RemoteError
	switch {
	case client.IsDependencyUnavailable(err):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service unavailable").SetInternal(err)
	case errors.Is(err, client.ErrCallTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "service timed out").SetInternal(err)
	case errors.As(err, &remote):
		return echo.NewHTTPError(http.StatusBadGateway, remote.Message).SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
}

func (p *Proxy) handleHTTP(graphQL bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		service := c.Param("service")
		if c.Request().Header.Get(HeaderDeviceID) == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Missing X-Device-ID header")
		}

		addr, err := p.resolver.Resolve(c.Request().Context(), service, false)
		if err != nil {
			level.Warn(p.logger).Log("msg", "resolve failed", "service", service, "err", err)
			return httpError(err)
		}
		target, err := url.Parse(addr.URL())
		if err != nil {
			return echo.NewHTTPError(http.StatusBadGateway, "bad instance address").SetInternal(err)
		}

		path := strings.TrimPrefix(c.Request().URL.Path, "/api")
		if graphQL {
			path = "/graphql"
		}
		level.Debug(p.logger).Log("msg", "proxying request", "method", c.Request().Method, "path", c.Request().URL.Path, "target", target.String()+path)

		rp := &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(target)
				pr.Out.URL.Path = path
				pr.Out.URL.RawPath = ""
				pr.SetXForwarded()
				if p.secret != "" {
					pr.Out.Header.Set(auth.HeaderGatewaySecret, p.secret)
				}
			},
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				level.Error(p.logger).Log("msg", "proxy error", "service", service, "err", err)
				// The cached instance may be gone.
				p.resolver.Invalidate(service)
				w.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
				w.WriteHeader(http.StatusBadGateway)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "Bad Gateway",
					"message": "Failed to reach " + service + " service",
				})
			},
		}
		rp.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}
