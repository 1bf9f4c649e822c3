// Package server implements the TCP side of the RPC transport: pattern
// handlers, one-way event handlers, a middleware chain, parallel request
// processing and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each frame: go handleFrame (parallel processing)
//	    → Codec.Decode → Middleware Chain → dispatch → Codec.Encode → write response
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FLCN-16/nest-microservices/codec"
	"github.com/FLCN-16/nest-microservices/message"
	"github.com/FLCN-16/nest-microservices/middleware"
	"github.com/FLCN-16/nest-microservices/protocol"
	"github.com/FLCN-16/nest-microservices/registry"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// HandlerFunc answers a request. The result is JSON-encoded into the
// response payload; a non-nil error is sent back as the response error.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// EventFunc consumes a one-way event. Nothing is sent back.
type EventFunc func(ctx context.Context, payload json.RawMessage)

// Server is the RPC server.
type Server struct {
	name   string
	logger log.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	events   map[string]EventFunc

	middlewares  []middleware.Middleware
	handler      middleware.HandlerFunc // middlewares around dispatch, built once in Serve
	eventHandler middleware.HandlerFunc

	registry     registry.Registry // nil when not using discovery
	registration registry.Registration

	lnMu     sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	wg       sync.WaitGroup // in-flight frames
	shutdown atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithName sets the service name reported by the built-in health pattern.
func WithName(name string) Option {
	return func(s *Server) { s.name = name }
}

func WithLogger(logger log.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRegistry registers reg once the listener is up and deregisters it
// first thing on Shutdown.
func WithRegistry(reg registry.Registry, self registry.Registration) Option {
	return func(s *Server) {
		s.registry = reg
		s.registration = self
	}
}

// NewServer creates a server with the built-in ping and health patterns.
func NewServer(opts ...Option) *Server {
	s := &Server{
		handlers: make(map[string]HandlerFunc),
		events:   make(map[string]EventFunc),
		conns:    make(map[net.Conn]struct{}),
		logger:   log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.With(s.logger, "component", "rpc_server")

	s.Handle("ping", func(context.Context, json.RawMessage) (any, error) {
		return "pong", nil
	})
	s.Handle("health", func(context.Context, json.RawMessage) (any, error) {
		return map[string]string{"status": "ok", "service": s.name}, nil
	})
	return s
}

// Handle registers fn for pattern, replacing any previous handler.
func (s *Server) Handle(pattern string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[pattern] = fn
}

// HandleEvent registers fn for the one-way event.
func (s *Server) HandleEvent(event string, fn EventFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event] = fn
}

// Register exposes every method of rcvr with the signature
// Method(ctx, *Args, *Reply) error under the pattern "Type.Method".
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	for name, mt := range svc.method {
		s.Handle(svc.name+"."+name, svc.handler(mt))
	}
	return nil
}

// Use appends a middleware. Call before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve listens on address and blocks in the accept loop.
func (s *Server) Serve(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(ln)
}

// ServeListener serves on an existing listener. It returns nil after
// Shutdown and the accept error otherwise.
func (s *Server) ServeListener(ln net.Listener) error {
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	s.eventHandler = middleware.Chain(s.middlewares...)(s.dispatchEvent)

	s.lnMu.Lock()
	s.listener = ln
	s.lnMu.Unlock()

	level.Info(s.logger).Log("msg", "listening", "addr", ln.Addr())
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.registry.RegisterSelf(ctx, s.registration)
		cancel()
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Shutdown closes the listener, which surfaces here.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		go s.handleConn(conn)
	}
}

// Addr is the listener address, nil before ServeListener runs.
func (s *Server) Addr() net.Addr {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) track(conn net.Conn) bool {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.lnMu.Lock()
	delete(s.conns, conn)
	s.lnMu.Unlock()
}

// handleConn reads frames sequentially and handles each in its own
// goroutine. The write mutex is shared by every response on this conn.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.untrack(conn)
		_ = conn.Close()
	}()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		switch header.MsgType {
		case protocol.MsgTypeHeartbeat, protocol.MsgTypeResponse:
			continue
		}
		if !s.admit() {
			level.Debug(s.logger).Log("msg", "dropping frame during shutdown", "seq", header.Seq)
			continue
		}
		go s.handleFrame(header, body, conn, writeMu)
	}
}

// admit counts a frame as in flight unless Shutdown has begun. The check and
// the Add share lnMu with Shutdown, so wg.Wait never races a late Add.
func (s *Server) admit() bool {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) handleFrame(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer s.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	req := message.RPCMessage{}
	if err := c.Decode(body, &req); err != nil {
		level.Warn(s.logger).Log("msg", "undecodable frame", "seq", header.Seq, "err", err)
		if header.MsgType == protocol.MsgTypeRequest {
			s.reply(conn, writeMu, header, &message.RPCMessage{Error: "malformed request"})
		}
		return
	}

	if header.MsgType == protocol.MsgTypeEvent {
		s.eventHandler(context.Background(), &req)
		return
	}
	s.reply(conn, writeMu, header, s.handler(context.Background(), &req))
}

func (s *Server) reply(conn net.Conn, writeMu *sync.Mutex, header *protocol.Header, resp *message.RPCMessage) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))
	body, err := c.Encode(resp)
	if err != nil {
		level.Error(s.logger).Log("msg", "encode response failed", "pattern", resp.Pattern, "err", err)
		return
	}
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq, // same seq as the request
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, body); err != nil {
		level.Debug(s.logger).Log("msg", "write response failed", "pattern", resp.Pattern, "err", err)
	}
}

// dispatch runs inside the middleware chain and calls the pattern handler.
func (s *Server) dispatch(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	s.mu.RLock()
	fn, ok := s.handlers[req.Pattern]
	s.mu.RUnlock()
	if !ok {
		return &message.RPCMessage{Pattern: req.Pattern, Error: fmt.Sprintf("no handler for pattern %q", req.Pattern)}
	}

	result, err := fn(ctx, req.Payload)
	if err != nil {
		return &message.RPCMessage{Pattern: req.Pattern, Error: err.Error()}
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return &message.RPCMessage{Pattern: req.Pattern, Error: fmt.Sprintf("encode result: %v", err)}
	}
	return &message.RPCMessage{Pattern: req.Pattern, Payload: payload}
}

func (s *Server) dispatchEvent(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	s.mu.RLock()
	fn, ok := s.events[req.Pattern]
	s.mu.RUnlock()
	if !ok {
		level.Debug(s.logger).Log("msg", "no event handler", "event", req.Pattern)
		return &message.RPCMessage{Pattern: req.Pattern}
	}
	fn(ctx, req.Payload)
	return &message.RPCMessage{Pattern: req.Pattern}
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry so callers stop resolving this instance
//  2. Close the listener
//  3. Wait for in-flight frames, up to timeout
//  4. Close the remaining client connections
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		s.registry.DeregisterSelf(ctx)
		cancel()
	}

	// Flag first, so the Accept error is recognized as intentional.
	s.lnMu.Lock()
	s.shutdown.Store(true)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.lnMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	s.lnMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.lnMu.Unlock()
	level.Info(s.logger).Log("msg", "shut down", "err", err)
	return err
}
