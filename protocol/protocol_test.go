package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"testing/iotest"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"poolrpc/codec"
	"poolrpc/message"
)

func greeterPacket() Packet {
	return Packet{
		Serializer: codec.TypeJSON,
		Type:       PacketRequest,
		Body: &message.Request{
			Service:  "Greeter",
			Method:   "sayHello",
			ArgTypes: []string{"string"},
			Args:     []any{"world"},
		},
	}
}

func mustEncode(t *testing.T, p Packet) []byte {
	t.Helper()
	data, err := EncodePacket(p)
	if err != nil {
		t.Fatalf("EncodePacket failed: %v", err)
	}
	return data
}

func TestEncodeDecode(t *testing.T) {
	want := greeterPacket()
	data := mustEncode(t, want)

	if got := binary.BigEndian.Uint32(data[0:4]); got != MagicNumber {
		t.Fatalf("magic mismatch: got %#x, want %#x", got, MagicNumber)
	}
	if got := binary.BigEndian.Uint32(data[12:16]); int(got) != len(data)-HeaderSize {
		t.Fatalf("payload length mismatch: got %d, want %d", got, len(data)-HeaderSize)
	}

	dec := NewDecoder(0)
	dec.Write(data)
	pkts, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(pkts) != 1 {
		t.Fatalf("expect 1 packet, got %d", len(pkts))
	}
	if diff := cmp.Diff(want, pkts[0]); diff != "" {
		t.Fatalf("decode(encode(p)) mismatch (-want +got):\n%s", diff)
	}

	// and the other direction: re-encoding the decoded packet gives the same bytes
	if again := mustEncode(t, pkts[0]); !bytes.Equal(again, data) {
		t.Fatalf("encode(decode(b)) mismatch:\n got %q\nwant %q", again, data)
	}
	if dec.Buffered() != 0 {
		t.Fatalf("expect empty buffer, %d bytes left", dec.Buffered())
	}
}

func TestDecodeResync(t *testing.T) {
	garbage := []byte("\x00\x01\x02noise-before-the-frame\xff")
	frame := mustEncode(t, greeterPacket())

	dec := NewDecoder(0)
	dec.Write(append(append([]byte{}, garbage...), frame...))

	frames, err := dec.Frames()
	if err != nil {
		t.Fatalf("Frames failed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expect exactly 1 frame, got %d", len(frames))
	}
	if !bytes.Equal(frames[0].Encode(), frame) {
		t.Fatalf("recovered frame differs from the one sent")
	}
	if dec.Discarded() != len(garbage) {
		t.Fatalf("expect %d discarded bytes, got %d", len(garbage), dec.Discarded())
	}
	if dec.Buffered() != 0 {
		t.Fatalf("expect empty buffer, %d bytes left", dec.Buffered())
	}
}

// A peer died after writing part of a magic number; the next frame must still
// be found one byte later.
func TestDecodeResyncAfterTruncatedMagic(t *testing.T) {
	frame := mustEncode(t, greeterPacket())
	stream := append(append([]byte{}, frame[:3]...), frame...)

	dec := NewDecoder(0)
	dec.Write(stream)
	frames, err := dec.Frames()
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("expect 1 frame, got %d", len(frames))
	}
	if dec.Discarded() != 3 {
		t.Fatalf("expect 3 discarded bytes, got %d", dec.Discarded())
	}
}

func TestDecodePartialFrame(t *testing.T) {
	frame := mustEncode(t, greeterPacket())

	for split := 1; split < len(frame); split++ {
		dec := NewDecoder(0)

		dec.Write(frame[:split])
		first, err := dec.Frames()
		if err != nil {
			t.Fatalf("split %d: first call failed: %v", split, err)
		}
		if len(first) != 0 {
			t.Fatalf("split %d: expect 0 frames from a partial write, got %d", split, len(first))
		}
		if dec.Buffered() != split {
			t.Fatalf("split %d: expect all %d bytes kept, got %d", split, split, dec.Buffered())
		}

		dec.Write(frame[split:])
		second, err := dec.Frames()
		if err != nil {
			t.Fatalf("split %d: second call failed: %v", split, err)
		}
		if len(second) != 1 {
			t.Fatalf("split %d: expect 1 frame, got %d", split, len(second))
		}
		if !bytes.Equal(second[0].Encode(), frame) {
			t.Fatalf("split %d: frame bytes lost or duplicated", split)
		}
		if dec.Discarded() != 0 || dec.Buffered() != 0 {
			t.Fatalf("split %d: discarded=%d buffered=%d", split, dec.Discarded(), dec.Buffered())
		}
	}
}

func TestDecodeMultipleFrames(t *testing.T) {
	resp := Packet{
		Serializer: codec.TypeJSON,
		Type:       PacketResponse,
		Body:       &message.Response{Result: "hello world"},
	}
	a := mustEncode(t, greeterPacket())
	b := mustEncode(t, resp)
	c := mustEncode(t, Packet{Serializer: codec.TypeMsgPack, Type: PacketHeartbeat, Body: &message.Heartbeat{}})

	stream := append(append(append([]byte{}, a...), b...), c[:5]...)

	dec := NewDecoder(0)
	dec.Write(stream)
	pkts, err := dec.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if len(pkts) != 2 {
		t.Fatalf("expect 2 packets, got %d", len(pkts))
	}
	if diff := cmp.Diff(resp, pkts[1]); diff != "" {
		t.Fatalf("second packet mismatch (-want +got):\n%s", diff)
	}

	dec.Write(c[5:])
	pkts, err = dec.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if len(pkts) != 1 || pkts[0].Type != PacketHeartbeat {
		t.Fatalf("expect the heartbeat once the rest arrived, got %+v", pkts)
	}
	if len(c) != HeaderSize {
		t.Fatalf("heartbeat should have an empty payload, frame is %d bytes", len(c))
	}
}

func TestDecodeMalformedLength(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header[0:4], MagicNumber)
	binary.BigEndian.PutUint32(header[4:8], uint32(codec.TypeJSON))
	binary.BigEndian.PutUint32(header[8:12], uint32(PacketRequest))
	binary.BigEndian.PutUint32(header[12:16], 1<<30)

	dec := NewDecoder(1024)
	dec.Write(header)
	_, err := dec.Frames()
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expect ErrMalformedFrame, got %v", err)
	}
}

func TestDecodeUnknownPacketType(t *testing.T) {
	f := &Frame{Serializer: codec.TypeJSON, Type: PacketType(99), Payload: []byte("{}")}

	dec := NewDecoder(0)
	dec.Write(f.Encode())
	_, err := dec.Decode()
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expect ErrMalformedFrame, got %v", err)
	}
}

func TestDecodeLargeBody(t *testing.T) {
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}
	f := &Frame{Serializer: codec.TypeMsgPack, Type: PacketRequest, Payload: largeBody}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	dec := NewDecoder(0)
	dec.Write(buf.Bytes())
	frames, err := dec.Frames()
	if err != nil {
		t.Fatalf("Frames failed: %v", err)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0].Payload, largeBody) {
		t.Fatalf("large payload did not survive")
	}

	t.Logf("decoded %d byte payload", len(largeBody))
}

func TestReader(t *testing.T) {
	a := mustEncode(t, greeterPacket())
	b := mustEncode(t, Packet{Serializer: codec.TypeJSON, Type: PacketResponse, Body: &message.Response{Error: "boom"}})

	r := NewReader(iotest.OneByteReader(bytes.NewReader(append(a, b...))), 0)

	p, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if p.Type != PacketRequest {
		t.Fatalf("expect request first, got %v", p.Type)
	}
	p, err = r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if resp, ok := p.Body.(*message.Response); !ok || resp.Error != "boom" {
		t.Fatalf("unexpected second packet %+v", p.Body)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expect io.EOF, got %v", err)
	}
}
