// Package registry talks to the service registry: it registers this process,
// deregisters it on shutdown and answers which healthy instances exist for a
// named service.
package registry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"

	"github.com/juju/errors"
)

const (
	// ErrRegistryUnreachable means the registry endpoint could not be contacted
	// or answered with a failure status.
	ErrRegistryUnreachable = errors.ConstError("registry unreachable")

	// ErrNoHealthyInstance means the registry answered but no instance of the
	// service is passing its health checks.
	ErrNoHealthyInstance = errors.ConstError("no healthy instance")
)

// dockerHostAlias is rewritten to localhost when building a ServiceAddress.
const dockerHostAlias = "host.docker.internal"

// ServiceAddress is one healthy instance as reported by the registry.
// Treat it as immutable once returned.
type ServiceAddress struct {
	Host string            `json:"host"`
	Port int               `json:"port"`
	Meta map[string]string `json:"meta,omitempty"`
}

func normalizeHost(host string) string {
	if host == dockerHostAlias {
		return "localhost"
	}
	return host
}

func (a ServiceAddress) metaPort(key string) (int, bool) {
	v, ok := a.Meta[key]
	if !ok {
		return 0, false
	}
	p, err := strconv.Atoi(v)
	if err != nil || p <= 0 {
		return 0, false
	}
	return p, true
}

// TransportPort is the port the RPC transport should dial. Meta "tcpPort"
// wins over the registered port when present and numeric.
func (a ServiceAddress) TransportPort() int {
	if p, ok := a.metaPort(MetaTCPPort); ok {
		return p
	}
	return a.Port
}

// HTTPPort prefers Meta "httpPort" over the registered port.
func (a ServiceAddress) HTTPPort() int {
	if p, ok := a.metaPort(MetaHTTPPort); ok {
		return p
	}
	return a.Port
}

// Addr is host:TransportPort, ready for net.Dial.
func (a ServiceAddress) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.TransportPort()))
}

// URL is the base HTTP URL of the instance.
func (a ServiceAddress) URL() string {
	return "http://" + net.JoinHostPort(a.Host, strconv.Itoa(a.HTTPPort()))
}

func (a ServiceAddress) String() string {
	return a.Addr()
}

// TransportKind selects how the registry health-checks this process.
type TransportKind string

const (
	TransportTCP  TransportKind = "tcp"
	TransportHTTP TransportKind = "http"
)

// Meta keys published at registration.
const (
	MetaTransport = "transport"
	MetaHTTPPort  = "httpPort"
	MetaTCPPort   = "tcpPort"
	MetaWeight    = "weight"
)

// Registration describes this process to the registry.
type Registration struct {
	Name      string
	Host      string
	HTTPPort  int
	TCPPort   int // zero when the process does not serve the TCP transport
	Transport TransportKind

	// HealthPath is the HTTP health-check path, "/health" when empty.
	HealthPath string
	// Weight is published as Meta "weight" when positive.
	Weight int
}

// Port is the port published to the registry: the TCP port for the TCP
// transport, the HTTP port otherwise.
func (r Registration) Port() int {
	if r.Transport == TransportTCP && r.TCPPort > 0 {
		return r.TCPPort
	}
	return r.HTTPPort
}

// ID is the deterministic instance identifier, stable across restarts.
func (r Registration) ID() string {
	return InstanceID(r.Name, r.Host, r.Port())
}

// Meta is the metadata map published with the registration.
func (r Registration) Meta() map[string]string {
	kind := r.Transport
	if kind == "" {
		kind = TransportHTTP
	}
	meta := map[string]string{
		MetaTransport: string(kind),
		MetaHTTPPort:  strconv.Itoa(r.HTTPPort),
	}
	if r.TCPPort > 0 {
		meta[MetaTCPPort] = strconv.Itoa(r.TCPPort)
	}
	if r.Weight > 0 {
		meta[MetaWeight] = strconv.Itoa(r.Weight)
	}
	return meta
}

// Address is the ServiceAddress other processes will resolve for r.
func (r Registration) Address() ServiceAddress {
	return ServiceAddress{Host: r.Host, Port: r.Port(), Meta: r.Meta()}
}

// InstanceID joins name, host and port into an instance identifier.
func InstanceID(name, host string, port int) string {
	return fmt.Sprintf("%s-%s-%d", name, host, port)
}

// Registry is implemented by the registry backends.
type Registry interface {
	// RegisterSelf publishes reg. It is idempotent and never fails the
	// caller: errors are logged so a process can start degraded.
	RegisterSelf(ctx context.Context, reg Registration)
	// DeregisterSelf removes the last registration. No-op when nothing was
	// registered; errors are logged only.
	DeregisterSelf(ctx context.Context)
	// QueryHealthyInstances lists instances passing health checks. An empty
	// list is not an error.
	QueryHealthyInstances(ctx context.Context, name string) ([]ServiceAddress, error)
}

// Balancer picks one instance out of a non-empty candidate list.
type Balancer interface {
	Pick(instances []ServiceAddress) (ServiceAddress, error)
}

// PickInstance queries healthy instances of name and selects one with bal,
// or uniformly at random when bal is nil.
func PickInstance(ctx context.Context, reg Registry, bal Balancer, name string) (ServiceAddress, error) {
	instances, err := reg.QueryHealthyInstances(ctx, name)
	if err != nil {
		return ServiceAddress{}, err
	}
	if len(instances) == 0 {
		return ServiceAddress{}, fmt.Errorf("%s: %w", name, ErrNoHealthyInstance)
	}
	if bal == nil {
		return instances[rand.IntN(len(instances))], nil
	}
	return bal.Pick(instances)
}
