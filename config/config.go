// Package config loads the process configuration: defaults, then an optional
// YAML file named by CONFIG_PATH, then environment variables, later sources
// winning.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Env variable names.
const (
	envConfigPath      = "CONFIG_PATH"
	envServiceName     = "SERVICE_NAME"
	envServiceHost     = "SERVICE_HOST"
	envHTTPPort        = "PORT"
	envTCPPort         = "TCP_PORT"
	envTransport       = "TRANSPORT"
	envCodec           = "CODEC"
	envLogLevel        = "LOG_LEVEL"
	envRegistryBackend = "REGISTRY_BACKEND"
	envConsulHost      = "CONSUL_HOST"
	envConsulPort      = "CONSUL_PORT"
	envEtcdEndpoints   = "ETCD_ENDPOINTS"
	envBalancer        = "BALANCER"
	envCacheTTLMs      = "ADDRESS_CACHE_TTL_MS"
	envRPCTimeoutMs    = "RPC_TIMEOUT_MS"
	envRPCRetries      = "RPC_RETRIES"
	envRateLimitRPS    = "RATE_LIMIT_RPS"
	envRateLimitBurst  = "RATE_LIMIT_BURST"
	envGatewaySecret   = "GATEWAY_SECRET"
)

const (
	BackendConsul = "consul"
	BackendEtcd   = "etcd"
)

// Config is the resolved process configuration.
type Config struct {
	ServiceName string
	ServiceHost string
	HTTPPort    int
	TCPPort     int
	Transport   string // tcp|http, what the registry health check dials
	Codec       string // json|binary
	LogLevel    string

	RegistryBackend string
	ConsulHost      string
	ConsulPort      int
	EtcdEndpoints   []string
	Balancer        string

	AddressCacheTTL time.Duration
	RPCTimeout      time.Duration
	RPCRetries      int

	// RateLimitRPS of 0 disables the server rate limiter.
	RateLimitRPS   float64
	RateLimitBurst int

	// GatewaySecret is injected by the gateway and required by services
	// when set.
	GatewaySecret string
}

// yamlConfig mirrors Config with file-friendly names and millisecond durations.
type yamlConfig struct {
	ServiceName     string   `yaml:"service_name"`
	ServiceHost     string   `yaml:"service_host"`
	HTTPPort        int      `yaml:"port"`
	TCPPort         int      `yaml:"tcp_port"`
	Transport       string   `yaml:"transport"`
	Codec           string   `yaml:"codec"`
	LogLevel        string   `yaml:"log_level"`
	RegistryBackend string   `yaml:"registry_backend"`
	ConsulHost      string   `yaml:"consul_host"`
	ConsulPort      int      `yaml:"consul_port"`
	EtcdEndpoints   []string `yaml:"etcd_endpoints"`
	Balancer        string   `yaml:"balancer"`
	CacheTTLMs      int      `yaml:"address_cache_ttl_ms"`
	RPCTimeoutMs    int      `yaml:"rpc_timeout_ms"`
	RPCRetries      *int     `yaml:"rpc_retries"`
	RateLimitRPS    float64  `yaml:"rate_limit_rps"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	GatewaySecret   string   `yaml:"gateway_secret"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return Config{
		ServiceHost:     host,
		HTTPPort:        3000,
		TCPPort:         5000,
		Transport:       "tcp",
		Codec:           "json",
		LogLevel:        "info",
		RegistryBackend: BackendConsul,
		ConsulHost:      "consul",
		ConsulPort:      8500,
		EtcdEndpoints:   []string{"localhost:2379"},
		Balancer:        "random",
		AddressCacheTTL: 30 * time.Second,
		RPCTimeout:      5 * time.Second,
		RPCRetries:      2,
	}
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom is Load with an explicit environment lookup.
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path, ok := lookup(envConfigPath); ok && strings.TrimSpace(path) != "" {
		path = strings.TrimSpace(path)
		if !filepath.IsAbs(path) {
			abs, err := filepath.Abs(path)
			if err != nil {
				return Config{}, err
			}
			path = abs
		}
		raw, err := loadYAMLConfig(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		raw.apply(&cfg)
	}

	env := envReader{lookup: lookup}
	env.str(envServiceName, &cfg.ServiceName)
	env.str(envServiceHost, &cfg.ServiceHost)
	env.int(envHTTPPort, &cfg.HTTPPort)
	env.int(envTCPPort, &cfg.TCPPort)
	env.str(envTransport, &cfg.Transport)
	env.str(envCodec, &cfg.Codec)
	env.str(envLogLevel, &cfg.LogLevel)
	env.str(envRegistryBackend, &cfg.RegistryBackend)
	env.str(envConsulHost, &cfg.ConsulHost)
	env.int(envConsulPort, &cfg.ConsulPort)
	env.list(envEtcdEndpoints, &cfg.EtcdEndpoints)
	env.str(envBalancer, &cfg.Balancer)
	env.millis(envCacheTTLMs, &cfg.AddressCacheTTL)
	env.millis(envRPCTimeoutMs, &cfg.RPCTimeout)
	env.int(envRPCRetries, &cfg.RPCRetries)
	env.float(envRateLimitRPS, &cfg.RateLimitRPS)
	env.int(envRateLimitBurst, &cfg.RateLimitBurst)
	env.str(envGatewaySecret, &cfg.GatewaySecret)
	if env.err != nil {
		return Config{}, env.err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("%s is required", envServiceName)
	}
	for key, port := range map[string]int{envHTTPPort: c.HTTPPort, envTCPPort: c.TCPPort, envConsulPort: c.ConsulPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s must be 1-65535, got %d", key, port)
		}
	}
	switch c.Transport {
	case "tcp", "http":
	default:
		return fmt.Errorf("%s must be tcp|http, got %q", envTransport, c.Transport)
	}
	switch c.Codec {
	case "json", "binary":
	default:
		return fmt.Errorf("%s must be json|binary, got %q", envCodec, c.Codec)
	}
	switch c.RegistryBackend {
	case BackendConsul:
	case BackendEtcd:
		if len(c.EtcdEndpoints) == 0 {
			return fmt.Errorf("%s is required for the etcd backend", envEtcdEndpoints)
		}
	default:
		return fmt.Errorf("%s must be consul|etcd, got %q", envRegistryBackend, c.RegistryBackend)
	}
	if c.AddressCacheTTL <= 0 {
		return fmt.Errorf("%s must be positive", envCacheTTLMs)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("%s must be positive", envRPCTimeoutMs)
	}
	if c.RPCRetries < 0 {
		return fmt.Errorf("%s must not be negative", envRPCRetries)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("%s and %s must not be negative", envRateLimitRPS, envRateLimitBurst)
	}
	return nil
}

func loadYAMLConfig(path string) (*yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out yamlConfig
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// apply copies every field the file sets onto cfg.
func (y *yamlConfig) apply(cfg *Config) {
	setStr := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setStr(&cfg.ServiceName, y.ServiceName)
	setStr(&cfg.ServiceHost, y.ServiceHost)
	setInt(&cfg.HTTPPort, y.HTTPPort)
	setInt(&cfg.TCPPort, y.TCPPort)
	setStr(&cfg.Transport, y.Transport)
	setStr(&cfg.Codec, y.Codec)
	setStr(&cfg.LogLevel, y.LogLevel)
	setStr(&cfg.RegistryBackend, y.RegistryBackend)
	setStr(&cfg.ConsulHost, y.ConsulHost)
	setInt(&cfg.ConsulPort, y.ConsulPort)
	if len(y.EtcdEndpoints) > 0 {
		cfg.EtcdEndpoints = y.EtcdEndpoints
	}
	setStr(&cfg.Balancer, y.Balancer)
	if y.CacheTTLMs > 0 {
		cfg.AddressCacheTTL = time.Duration(y.CacheTTLMs) * time.Millisecond
	}
	if y.RPCTimeoutMs > 0 {
		cfg.RPCTimeout = time.Duration(y.RPCTimeoutMs) * time.Millisecond
	}
	if y.RPCRetries != nil {
		cfg.RPCRetries = *y.RPCRetries
	}
	if y.RateLimitRPS != 0 {
		cfg.RateLimitRPS = y.RateLimitRPS
	}
	setInt(&cfg.RateLimitBurst, y.RateLimitBurst)
	setStr(&cfg.GatewaySecret, y.GatewaySecret)
}

// envReader applies set variables and keeps the first parse error.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok || e.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("%s must be an integer, got %q", key, v)
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := e.get(key)
	if !ok || e.err != nil {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.err = fmt.Errorf("%s must be a number, got %q", key, v)
		return
	}
	*dst = f
}

func (e *envReader) millis(key string, dst *time.Duration) {
	var n int
	before := e.err
	e.int(key, &n)
	if e.err != before {
		return
	}
	if _, ok := e.get(key); ok {
		*dst = time.Duration(n) * time.Millisecond
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}
