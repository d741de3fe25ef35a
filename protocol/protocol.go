// Package protocol implements the length-framed binary wire protocol.
//
// Every frame starts with a 4-byte magic number so a receiver that lost its
// place in the stream (corruption, a half-written frame from a dead peer) can
// scan forward byte by byte until it finds the next frame boundary.
//
// Frame format (all integers big-endian):
//
//	0        4              8            12              16
//	┌────────┬──────────────┬────────────┬───────────────┬────────────────┐
//	│ magic  │ serializerId │ packetType │ payloadLength │ payload ...    │
//	│ "mrpc" │   uint32     │  uint32    │    uint32     │ payloadLength  │
//	└────────┴──────────────┴────────────┴───────────────┴────────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"poolrpc/codec"
	"poolrpc/message"
)

const (
	MagicNumber uint32 = 0x6d727063 // "mrpc"
	HeaderSize  int    = 16         // 4 (magic) + 4 (serializer) + 4 (packet type) + 4 (payload length)

	// DefaultMaxPayload bounds a declared payload length. Anything larger is
	// treated as a corrupted stream rather than waited for.
	DefaultMaxPayload = 16 << 20
)

// PacketType selects the message struct a payload decodes into.
type PacketType uint32

const (
	PacketRequest   PacketType = 1 // Consumer → provider call
	PacketResponse  PacketType = 2 // Provider → consumer result
	PacketHeartbeat PacketType = 3 // Keep-alive probe, empty payload
)

var (
	// ErrMalformedFrame reports a stream the decoder cannot make progress on.
	// Connections drop the link when they see it.
	ErrMalformedFrame = errors.New("protocol: malformed frame")

	errUnknownBody = errors.New("protocol: unsupported packet body")
)

func (t PacketType) String() string {
	switch t {
	case PacketRequest:
		return "request"
	case PacketResponse:
		return "response"
	case PacketHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

// Frame is one decoded wire frame; magic number and payload length are implicit.
type Frame struct {
	Serializer codec.Type
	Type       PacketType
	Payload    []byte
}

// Packet is a frame whose payload has been deserialized into its message type.
type Packet struct {
	Serializer codec.Type
	Type       PacketType
	Body       any
}

// NewFrame serializes body with c. Heartbeats carry no payload.
func NewFrame(c codec.Codec, typ PacketType, body any) (*Frame, error) {
	f := &Frame{Serializer: c.Type(), Type: typ}
	if typ == PacketHeartbeat {
		return f, nil
	}
	payload, err := c.Encode(body)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", typ)
	}
	f.Payload = payload
	return f, nil
}

// EncodePacket returns the full frame bytes for p.
func EncodePacket(p Packet) ([]byte, error) {
	c, err := codec.Get(p.Serializer)
	if err != nil {
		return nil, err
	}
	f, err := NewFrame(c, p.Type, p.Body)
	if err != nil {
		return nil, err
	}
	return f.Encode(), nil
}

// Encode returns the frame as one contiguous byte slice.
func (f *Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], MagicNumber)
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.Serializer))
	binary.BigEndian.PutUint32(buf[8:12], uint32(f.Type))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// WriteFrame writes f to w in a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different calls will interleave and corrupt the stream.
func WriteFrame(w io.Writer, f *Frame) error {
	_, err := w.Write(f.Encode())
	return err
}

// Unmarshal resolves the frame's serializer and packet type and decodes the payload.
func (f *Frame) Unmarshal() (Packet, error) {
	p := Packet{Serializer: f.Serializer, Type: f.Type}

	var body any
	switch f.Type {
	case PacketRequest:
		body = &message.Request{}
	case PacketResponse:
		body = &message.Response{}
	case PacketHeartbeat:
		p.Body = &message.Heartbeat{}
		return p, nil
	default:
		return p, errors.Wrapf(ErrMalformedFrame, "unknown packet type %d", uint32(f.Type))
	}

	c, err := codec.Get(f.Serializer)
	if err != nil {
		return p, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	if err := c.Decode(f.Payload, body); err != nil {
		return p, errors.Wrapf(ErrMalformedFrame, "decode %s payload: %v", f.Type, err)
	}
	p.Body = body
	return p, nil
}

// TypeOf returns the packet type for a message body.
func TypeOf(body any) (PacketType, error) {
	switch body.(type) {
	case *message.Request:
		return PacketRequest, nil
	case *message.Response:
		return PacketResponse, nil
	case *message.Heartbeat:
		return PacketHeartbeat, nil
	}
	return 0, errors.Wrapf(errUnknownBody, "%T", body)
}
