// Package message defines the RPC message structure exchanged between client and server.
//
// RPCMessage is the "envelope" for every call and event. It gets serialized by the codec layer
// and wrapped in a protocol frame for transmission over TCP.
package message

// RPCMessage carries the data for a single request, response or event.
//
//   - On request:  Pattern is set, Payload contains the JSON-encoded data, Error is empty.
//   - On event:    Same as a request, but no response frame is ever written back.
//   - On response: Payload contains the JSON-encoded result, Error is non-empty if the handler failed.
type RPCMessage struct {
	Pattern string // Message pattern, e.g. "validate_token" or "Arith.Add"
	Error   string // Non-empty if the server-side handler returned an error
	Payload []byte // JSON-encoded data (request/event) or result (response)
}

// Failed reports whether the message carries a handler error.
func (m *RPCMessage) Failed() bool {
	return m.Error != ""
}
