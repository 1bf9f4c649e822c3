package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/FLCN-16/nest-microservices/message"
)

var errNotRPCMessage = errors.New("BinaryCodec: v must be *RPCMessage")

// BinaryCodec lays out an RPCMessage as length-prefixed fields:
//
//	patternLen(2) pattern | payloadLen(4) payload | errorLen(2) error
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errNotRPCMessage
	}
	if len(msg.Pattern) > 0xFFFF || len(msg.Error) > 0xFFFF {
		return nil, fmt.Errorf("BinaryCodec: pattern or error longer than %d bytes", 0xFFFF)
	}
	total := 2 + len(msg.Pattern) + 4 + len(msg.Payload) + 2 + len(msg.Error)
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.Pattern)))
	offset += 2
	offset += copy(buf[offset:], msg.Pattern)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(msg.Payload)))
	offset += 4
	offset += copy(buf[offset:], msg.Payload)

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.Error)))
	offset += 2
	copy(buf[offset:], msg.Error)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errNotRPCMessage
	}

	r := binaryReader{data: data}
	pattern := r.next(int(r.uint16()))
	payload := r.next(int(r.uint32()))
	errText := r.next(int(r.uint16()))
	if r.short {
		return fmt.Errorf("BinaryCodec: truncated body (%d bytes)", len(data))
	}

	msg.Pattern = string(pattern)
	msg.Payload = append([]byte(nil), payload...)
	msg.Error = string(errText)
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// binaryReader walks a body and records, rather than panics on, a short read.
type binaryReader struct {
	data  []byte
	off   int
	short bool
}

func (r *binaryReader) next(n int) []byte {
	if r.short || n < 0 || r.off+n > len(r.data) {
		r.short = true
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binaryReader) uint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *binaryReader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
