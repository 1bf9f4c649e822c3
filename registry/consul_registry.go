package registry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/FLCN-16/nest-microservices/internal/helpers"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	consul "github.com/hashicorp/consul/api"
)

const (
	checkInterval = "10s"
	checkTimeout  = "5s"

	consulRequestTimeout = 5 * time.Second
)

// ConsulRegistry implements Registry on top of the Consul agent: service
// register/deregister on the local agent and passing-only health queries.
type ConsulRegistry struct {
	client *consul.Client
	logger log.Logger

	mu        sync.Mutex
	serviceID string // set by a successful RegisterSelf, cleared by DeregisterSelf
}

// NewConsulRegistry builds a registry for the agent at addr
// (e.g. http://consul:8500). Panics on empty addr or nil client/logger.
func NewConsulRegistry(addr string, httpClient *http.Client, logger log.Logger) (*ConsulRegistry, error) {
	cfg := consul.DefaultConfig()
	cfg.Address = helpers.StrPanic(addr, "registry: consul address is required")
	cfg.HttpClient = helpers.NilPanic(httpClient, "registry: http client is required")
	c, err := consul.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulRegistry{
		client: c,
		logger: log.With(helpers.NilPanic(logger, "registry: logger is required"), "component", "consul_registry"),
	}, nil
}

// ConsulURL builds the agent base URL from host and port.
func ConsulURL(host string, port int) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

func buildCheck(reg Registration) *consul.AgentServiceCheck {
	check := &consul.AgentServiceCheck{Interval: checkInterval, Timeout: checkTimeout, Status: consul.HealthPassing}
	if reg.Transport == TransportTCP && reg.TCPPort > 0 {
		check.TCP = net.JoinHostPort(reg.Host, strconv.Itoa(reg.TCPPort))
		return check
	}
	path := reg.HealthPath
	if path == "" {
		path = "/health"
	}
	check.HTTP = "http://" + net.JoinHostPort(reg.Host, strconv.Itoa(reg.HTTPPort)) + path
	return check
}

func buildRegistration(reg Registration) *consul.AgentServiceRegistration {
	kind := reg.Transport
	if kind == "" {
		kind = TransportHTTP
	}
	return &consul.AgentServiceRegistration{
		ID:      reg.ID(),
		Name:    reg.Name,
		Address: reg.Host,
		Port:    reg.Port(),
		Tags:    []string{"go-service", "transport-" + string(kind)},
		Meta:    reg.Meta(),
		Check:   buildCheck(reg),
	}
}

// RegisterSelf logs and swallows failures so a registry outage never stops
// startup.
func (r *ConsulRegistry) RegisterSelf(ctx context.Context, reg Registration) {
	ctx, cancel := context.WithTimeout(ctx, consulRequestTimeout)
	defer cancel()

	body := buildRegistration(reg)
	if err := r.client.Agent().ServiceRegisterOpts(body, consul.ServiceRegisterOpts{}.WithContext(ctx)); err != nil {
		level.Error(r.logger).Log("msg", "register failed", "service", reg.Name, "id", body.ID, "err", err)
		return
	}

	r.mu.Lock()
	r.serviceID = body.ID
	r.mu.Unlock()
	level.Info(r.logger).Log("msg", "registered", "service", reg.Name, "id", body.ID, "transport", body.Tags[1])
}

func (r *ConsulRegistry) DeregisterSelf(ctx context.Context) {
	r.mu.Lock()
	id := r.serviceID
	r.serviceID = ""
	r.mu.Unlock()
	if id == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, consulRequestTimeout)
	defer cancel()
	q := (&consul.QueryOptions{}).WithContext(ctx)
	if err := r.client.Agent().ServiceDeregisterOpts(id, q); err != nil {
		level.Error(r.logger).Log("msg", "deregister failed", "id", id, "err", err)
		return
	}
	level.Info(r.logger).Log("msg", "deregistered", "id", id)
}

func (r *ConsulRegistry) QueryHealthyInstances(ctx context.Context, name string) ([]ServiceAddress, error) {
	ctx, cancel := context.WithTimeout(ctx, consulRequestTimeout)
	defer cancel()

	q := (&consul.QueryOptions{}).WithContext(ctx)
	entries, _, err := r.client.Health().Service(name, "", true, q)
	if err != nil {
		return nil, fmt.Errorf("query %s: %v: %w", name, err, ErrRegistryUnreachable)
	}

	out := make([]ServiceAddress, 0, len(entries))
	for _, e := range entries {
		if e == nil || e.Service == nil {
			continue
		}
		out = append(out, ServiceAddress{
			Host: normalizeHost(e.Service.Address),
			Port: e.Service.Port,
			Meta: e.Service.Meta,
		})
	}
	level.Debug(r.logger).Log("msg", "healthy instances", "service", name, "count", len(out))
	return out, nil
}
