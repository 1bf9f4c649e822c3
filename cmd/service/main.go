// Command service runs one node of the mesh: the framed TCP RPC server, the
// HTTP surface (health, metrics and, on the gateway, the proxy routes) and
// the discovery-backed client used to reach other services.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/FLCN-16/nest-microservices/auth"
	"github.com/FLCN-16/nest-microservices/client"
	"github.com/FLCN-16/nest-microservices/codec"
	"github.com/FLCN-16/nest-microservices/config"
	"github.com/FLCN-16/nest-microservices/gateway"
	"github.com/FLCN-16/nest-microservices/loadbalance"
	"github.com/FLCN-16/nest-microservices/middleware"
	"github.com/FLCN-16/nest-microservices/registry"
	"github.com/FLCN-16/nest-microservices/resolver"
	"github.com/FLCN-16/nest-microservices/server"
	"github.com/FLCN-16/nest-microservices/telemetry"
	"github.com/FLCN-16/nest-microservices/transport"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-metrics"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	dialTimeout     = 3 * time.Second
	registryTimeout = 10 * time.Second
)

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.WithPrefix(logger, "ts", log.DefaultTimestampUTC)
	logger = log.WithPrefix(logger, "caller", log.DefaultCaller)

	cfg, err := config.Load()
	if err != nil {
		level.Error(logger).Log("msg", "Failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger = level.NewFilter(logger, levelOption(cfg.LogLevel))
	logger = log.With(logger, "service", cfg.ServiceName)

	if err := run(cfg, logger); err != nil {
		level.Error(logger).Log("msg", "Service stopped with error", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "Service stopped")
}

func run(cfg config.Config, logger log.Logger) error {
	level.Info(logger).Log(
		"msg", "Configuration loaded",
		"host", cfg.ServiceHost,
		"http_port", cfg.HTTPPort,
		"tcp_port", cfg.TCPPort,
		"registry", cfg.RegistryBackend,
		"balancer", cfg.Balancer,
	)

	sink, metricsHandler, err := telemetry.Setup(cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("setup metrics: %w", err)
	}

	reg, closeRegistry, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRegistry()

	// The caller identity keys the consistent hash so this instance sticks
	// to the same downstream instance.
	bal, err := loadbalance.New(cfg.Balancer, registry.InstanceID(cfg.ServiceName, cfg.ServiceHost, cfg.TCPPort))
	if err != nil {
		return err
	}
	codecType, _ := codec.ParseCodecType(cfg.Codec)

	res := resolver.New(reg, resolver.Config{
		TTL:        cfg.AddressCacheTTL,
		Balancer:   bal,
		MetricSink: sink,
		Logger:     logger,
	})
	defer res.Close()

	pool := transport.NewPool(res, transport.TCPDialer(codecType, dialTimeout, logger), logger, sink)
	cli := client.New(pool,
		client.WithLogger(logger),
		client.WithMetricSink(sink),
		client.WithDefaults(client.CallOptions{Timeout: cfg.RPCTimeout, Retries: cfg.RPCRetries}),
	)
	defer cli.Shutdown()

	srv := newRPCServer(cfg, reg, sink, logger)
	e := newHTTPServer(cfg, cli, metricsHandler, logger)
	if cfg.ServiceName == client.ServiceGateway {
		proxy := gateway.New(cli, res, gateway.Config{
			Self:   cfg.ServiceName,
			Secret: cfg.GatewaySecret,
			Logger: logger,
		})
		proxy.Register(srv)
		proxy.Routes(e)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.TCPPort)))
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Registers with the registry once listening.
		return srv.ServeListener(ln)
	})
	g.Go(func() error {
		addr := net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort))
		level.Info(logger).Log("msg", "Starting HTTP server", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		level.Info(logger).Log("msg", "Shutting down")

		// Deregister first so peers stop resolving this instance.
		if err := srv.Shutdown(shutdownTimeout); err != nil {
			level.Warn(logger).Log("msg", "RPC server shutdown", "err", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			level.Warn(logger).Log("msg", "HTTP server shutdown", "err", err)
		}
		return nil
	})

	return g.Wait()
}

func levelOption(name string) level.Option {
	switch name {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

// newRegistry returns the configured backend and its release function.
func newRegistry(cfg config.Config, logger log.Logger) (registry.Registry, func(), error) {
	switch cfg.RegistryBackend {
	case config.BackendEtcd:
		reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect etcd: %w", err)
		}
		return reg, func() {
			if err := reg.Close(); err != nil {
				level.Warn(logger).Log("msg", "close etcd", "err", err)
			}
		}, nil
	default:
		reg, err := registry.NewConsulRegistry(registry.ConsulURL(cfg.ConsulHost, cfg.ConsulPort), &http.Client{Timeout: registryTimeout}, logger)
		if err != nil {
			return nil, nil, err
		}
		return reg, func() {}, nil
	}
}

func newRPCServer(cfg config.Config, reg registry.Registry, sink metrics.MetricSink, logger log.Logger) *server.Server {
	srv := server.NewServer(
		server.WithName(cfg.ServiceName),
		server.WithLogger(logger),
		server.WithRegistry(reg, registry.Registration{
			Name:      cfg.ServiceName,
			Host:      cfg.ServiceHost,
			HTTPPort:  cfg.HTTPPort,
			TCPPort:   cfg.TCPPort,
			Transport: registry.TransportKind(cfg.Transport),
		}),
	)
	srv.Use(middleware.RecoveryMiddleware(logger))
	srv.Use(middleware.LoggingMiddleware(logger))
	srv.Use(middleware.MetricsMiddleware(sink))
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = int(cfg.RateLimitRPS) + 1
		}
		srv.Use(middleware.RateLimitMiddleware(cfg.RateLimitRPS, burst))
	}
	srv.Use(middleware.TimeoutMiddleware(cfg.RPCTimeout))
	return srv
}

func newHTTPServer(cfg config.Config, cli *client.Client, metricsHandler http.Handler, logger log.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	public := func(c echo.Context) bool {
		switch c.Path() {
		case "/health", "/metrics":
			return true
		}
		return false
	}
	// Services behind the gateway only accept traffic it forwarded.
	if cfg.GatewaySecret != "" && cfg.ServiceName != client.ServiceGateway {
		e.Use(auth.GatewaySecret(cfg.GatewaySecret, public))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": cfg.ServiceName})
	})
	e.GET("/metrics", echo.WrapHandler(metricsHandler))
	e.GET("/me", func(c echo.Context) error {
		user, _ := auth.UserFrom(c)
		return c.JSON(http.StatusOK, user)
	}, auth.Guard(cli, auth.GuardConfig{Logger: logger}))
	return e
}
