package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-kit/log"
	consul "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConsul struct {
	mu           sync.Mutex
	registered   []consul.AgentServiceRegistration
	deregistered []string
	health       map[string]string // service name → raw JSON body
	status       int
}

func (f *fakeConsul) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /v1/agent/service/register", func(w http.ResponseWriter, r *http.Request) {
		var body consul.AgentServiceRegistration
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.registered = append(f.registered, body)
		f.mu.Unlock()
	})
	mux.HandleFunc("PUT /v1/agent/service/deregister/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deregistered = append(f.deregistered, r.PathValue("id"))
		f.mu.Unlock()
	})
	mux.HandleFunc("GET /v1/health/service/{name}", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.URL.Query()["passing"]; !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if f.status != 0 {
			w.WriteHeader(f.status)
			return
		}
		body, ok := f.health[r.PathValue("name")]
		if !ok {
			body = "[]"
		}
		_, _ = io.WriteString(w, body)
	})
	return mux
}

func newTestConsul(t *testing.T, f *fakeConsul) *ConsulRegistry {
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	reg, err := NewConsulRegistry(srv.URL, srv.Client(), log.NewNopLogger())
	require.NoError(t, err)
	return reg
}

func TestNewConsulRegistry_Panics(t *testing.T) {
	assert.PanicsWithValue(t, "registry: consul address is required", func() {
		_, _ = NewConsulRegistry("", &http.Client{}, log.NewNopLogger())
	})
	assert.PanicsWithValue(t, "registry: http client is required", func() {
		_, _ = NewConsulRegistry("http://consul:8500", nil, log.NewNopLogger())
	})
}

func TestConsulRegisterSelf(t *testing.T) {
	f := &fakeConsul{}
	reg := newTestConsul(t, f)
	ctx := context.Background()

	t.Run("tcp_check", func(t *testing.T) {
		reg.RegisterSelf(ctx, Registration{Name: "auth", Host: "auth-1", HTTPPort: 3000, TCPPort: 5000, Transport: TransportTCP})

		f.mu.Lock()
		defer f.mu.Unlock()
		require.Len(t, f.registered, 1)
		got := f.registered[0]
		require.NotNil(t, got.Check)
		assert.Equal(t, "auth", got.Name)
		assert.Equal(t, "auth-auth-1-5000", got.ID)
		assert.Equal(t, 5000, got.Port)
		assert.Equal(t, "auth-1:5000", got.Check.TCP)
		assert.Empty(t, got.Check.HTTP)
		assert.Equal(t, "10s", got.Check.Interval)
		assert.Equal(t, "5s", got.Check.Timeout)
		assert.Equal(t, "passing", got.Check.Status)
		assert.Equal(t, []string{"go-service", "transport-tcp"}, got.Tags)
		assert.Equal(t, "5000", got.Meta[MetaTCPPort])
	})

	t.Run("http_check", func(t *testing.T) {
		reg.RegisterSelf(ctx, Registration{Name: "gateway", Host: "gw", HTTPPort: 3000, Transport: TransportHTTP})

		f.mu.Lock()
		defer f.mu.Unlock()
		require.Len(t, f.registered, 2)
		assert.Equal(t, "http://gw:3000/health", f.registered[1].Check.HTTP)
		assert.Empty(t, f.registered[1].Check.TCP)
	})
}

func TestConsulRegisterSelf_FailureSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	reg, err := NewConsulRegistry(srv.URL, srv.Client(), log.NewNopLogger())
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		reg.RegisterSelf(context.Background(), Registration{Name: "auth", Host: "h", HTTPPort: 3000})
	})
	// A failed registration leaves nothing to deregister.
	reg.DeregisterSelf(context.Background())
}

func TestConsulDeregisterSelf(t *testing.T) {
	f := &fakeConsul{}
	reg := newTestConsul(t, f)
	ctx := context.Background()

	reg.DeregisterSelf(ctx)
	reg.RegisterSelf(ctx, Registration{Name: "feed", Host: "f", HTTPPort: 3000, TCPPort: 5000, Transport: TransportTCP})
	reg.DeregisterSelf(ctx)
	reg.DeregisterSelf(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"feed-f-5000"}, f.deregistered)
}

func TestConsulQueryHealthyInstances(t *testing.T) {
	f := &fakeConsul{health: map[string]string{
		"auth": `[
			{"Service":{"ID":"auth-1","Address":"host.docker.internal","Port":5000,"Meta":{"httpPort":"3000","tcpPort":"5000"}}},
			{"Service":{"ID":"auth-2","Address":"10.0.0.7","Port":5000,"Meta":null}}
		]`,
	}}
	reg := newTestConsul(t, f)

	got, err := reg.QueryHealthyInstances(context.Background(), "auth")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "localhost", got[0].Host)
	assert.Equal(t, "http://localhost:3000", got[0].URL())
	assert.Equal(t, "10.0.0.7:5000", got[1].Addr())

	empty, err := reg.QueryHealthyInstances(context.Background(), "feed")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestConsulQueryHealthyInstances_Errors(t *testing.T) {
	t.Run("non_200", func(t *testing.T) {
		reg := newTestConsul(t, &fakeConsul{status: http.StatusServiceUnavailable})
		_, err := reg.QueryHealthyInstances(context.Background(), "auth")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrRegistryUnreachable))
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		reg, err := NewConsulRegistry(url, &http.Client{}, log.NewNopLogger())
		require.NoError(t, err)
		_, err = reg.QueryHealthyInstances(context.Background(), "auth")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrRegistryUnreachable))
	})
}
