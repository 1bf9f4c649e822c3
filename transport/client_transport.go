// Package transport implements the client side of the TCP transport: one
// multiplexed connection per remote instance, and a Pool keeping at most one
// such connection per service name.
//
// ClientTransport carries many concurrent calls over a single connection.
// Each request gets a sequence ID; a background goroutine (recvLoop) reads
// responses and routes each one to its caller through a pending channel.
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Emit(seq=0)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan → goroutine-2 wakes up
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/FLCN-16/nest-microservices/codec"
	"github.com/FLCN-16/nest-microservices/message"
	"github.com/FLCN-16/nest-microservices/protocol"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/juju/errors"
)

// ErrConnectionFailed marks transport-level failures: the connection could
// not be established, or the stream broke while a call was pending.
const ErrConnectionFailed = errors.ConstError("connection failed")

// DefaultHeartbeatInterval is how often an idle-or-not connection is pinged.
const DefaultHeartbeatInterval = 30 * time.Second

type result struct {
	msg *message.RPCMessage
	err error
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	logger  log.Logger
	seq     uint32     // guarded by sending
	pending sync.Map   // map[uint32]chan result
	sending sync.Mutex // serializes whole frames so headers and bodies never interleave

	done     chan struct{} // closed once recvLoop exits
	errMu    sync.Mutex
	err      error
	closeOne sync.Once
}

// NewClientTransport wraps conn and starts the receive and heartbeat loops.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, logger log.Logger) *ClientTransport {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	t := &ClientTransport{
		conn:   conn,
		codec:  codecType,
		logger: log.With(logger, "component", "client_transport", "remote", conn.RemoteAddr()),
		done:   make(chan struct{}),
	}
	go t.recvLoop()
	go t.heartbeatLoop(DefaultHeartbeatInterval)
	return t
}

func (t *ClientTransport) encode(pattern string, payload []byte) ([]byte, error) {
	return codec.GetCodec(t.codec).Encode(&message.RPCMessage{
		Pattern: pattern,
		Payload: payload,
	})
}

// send writes a request frame and returns the channel its response will be
// delivered on. The channel is registered before the write so recvLoop can
// never see a response it does not know about.
func (t *ClientTransport) send(pattern string, payload []byte) (uint32, <-chan result, error) {
	if t.Broken() {
		return 0, nil, t.Err()
	}
	body, err := t.encode(pattern, payload)
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	if t.seq == 0 { // zero is reserved for events
		t.seq++
	}
	seq := t.seq

	respChan := make(chan result, 1)
	t.pending.Store(seq, respChan)

	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, fmt.Errorf("write %s: %v: %w", pattern, err, ErrConnectionFailed)
	}
	return seq, respChan, nil
}

// Call sends a request and waits for its response or for ctx. A call
// abandoned on ctx leaves the connection untouched; a late response is
// dropped by recvLoop.
func (t *ClientTransport) Call(ctx context.Context, pattern string, payload []byte) (*message.RPCMessage, error) {
	seq, ch, err := t.send(pattern, payload)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res.msg, res.err
	case <-t.done:
		// The request may have been registered after fail() drained pending.
		t.pending.Delete(seq)
		select {
		case res := <-ch:
			return res.msg, res.err
		default:
			return nil, t.Err()
		}
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, ctx.Err()
	}
}

// Emit writes a one-way event frame. Nothing is awaited.
func (t *ClientTransport) Emit(event string, payload []byte) error {
	if t.Broken() {
		return t.Err()
	}
	body, err := t.encode(event, payload)
	if err != nil {
		return err
	}
	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeEvent,
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		return fmt.Errorf("emit %s: %v: %w", event, err, ErrConnectionFailed)
	}
	return nil
}

// recvLoop is the only reader of the connection; frame boundaries can only
// be parsed sequentially.
func (t *ClientTransport) recvLoop() {
	defer close(t.done)
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &resp); err != nil {
			level.Warn(t.logger).Log("msg", "undecodable response", "seq", header.Seq, "err", err)
			if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
				ch.(chan result) <- result{err: fmt.Errorf("decode response: %w", err)}
			}
			continue
		}
		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan result) <- result{msg: &resp}
		}
	}
}

// fail records why the stream ended and wakes every pending caller.
func (t *ClientTransport) fail(cause error) {
	t.errMu.Lock()
	if t.err == nil {
		t.err = fmt.Errorf("connection lost: %v: %w", cause, ErrConnectionFailed)
	}
	err := t.err
	t.errMu.Unlock()

	t.pending.Range(func(key, value any) bool {
		t.pending.Delete(key)
		value.(chan result) <- result{err: err}
		return true
	})
}

// Broken reports whether the stream has ended.
func (t *ClientTransport) Broken() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed once the stream has ended.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Err is the reason the stream ended, nil while it is healthy.
func (t *ClientTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Close closes the connection. Pending calls fail with ErrConnectionFailed.
func (t *ClientTransport) Close() error {
	var err error
	t.closeOne.Do(func() {
		t.errMu.Lock()
		if t.err == nil {
			t.err = fmt.Errorf("connection closed: %w", ErrConnectionFailed)
		}
		t.errMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// RemoteAddr of the underlying connection.
func (t *ClientTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// heartbeatLoop keeps the server from reaping an idle connection. Heartbeat
// frames have no body.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat, CodecType: byte(t.codec)}
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}
