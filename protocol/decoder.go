package protocol

import (
	"io"

	"github.com/pkg/errors"

	"poolrpc/codec"
)

// Decoder incrementally parses frames out of a growing byte stream. Bytes that
// don't yet form a complete frame stay buffered for the next call.
//
// A Decoder is not safe for concurrent use; each connection owns one.
type Decoder struct {
	in         buffer
	maxPayload uint32
	discarded  int
}

// NewDecoder returns a decoder rejecting payloads larger than maxPayload.
// A non-positive maxPayload selects DefaultMaxPayload.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{maxPayload: uint32(maxPayload)}
}

// Write appends received bytes. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.in.write(p)
	return len(p), nil
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int { return d.in.readable() }

// Discarded returns how many bytes were skipped while resynchronizing.
func (d *Decoder) Discarded() int { return d.discarded }

// Frames returns every complete frame currently buffered.
//
// It scans for the magic number one byte at a time, requiring a full header's
// worth of bytes at each candidate offset. When a header is found but its
// payload hasn't fully arrived, the reader rolls back to the start of the frame
// so the header is parsed again once more bytes are written.
func (d *Decoder) Frames() (out []*Frame, err error) {
	defer d.in.compact()

	for {
		found := false
		for d.in.readable() >= HeaderSize {
			d.in.mark()
			if d.in.readUint32() == MagicNumber {
				found = true
				break
			}
			d.in.reset()
			d.in.skip(1)
			d.discarded++
		}
		if !found {
			return out, nil
		}

		// the mark sits on the first byte of the magic number
		serializer := d.in.readUint32()
		typ := d.in.readUint32()
		length := d.in.readUint32()

		if length > d.maxPayload {
			return out, errors.Wrapf(ErrMalformedFrame, "payload length %d exceeds limit %d", length, d.maxPayload)
		}
		if d.in.readable() < int(length) {
			d.in.reset()
			return out, nil
		}

		out = append(out, &Frame{
			Serializer: codec.Type(serializer),
			Type:       PacketType(typ),
			Payload:    d.in.next(int(length)),
		})
	}
}

// Decode returns every complete packet currently buffered, deserialized.
// Packets decoded before an error are still returned.
func (d *Decoder) Decode() ([]Packet, error) {
	frames, ferr := d.Frames()
	out := make([]Packet, 0, len(frames))
	for _, f := range frames {
		p, err := f.Unmarshal()
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, ferr
}

// Reader pulls packets off a stream, reading more bytes only when no decoded
// packet is waiting.
type Reader struct {
	r       io.Reader
	dec     *Decoder
	buf     []byte
	pending []Packet
	err     error
}

// NewReader wraps r. maxPayload is passed to NewDecoder.
func NewReader(r io.Reader, maxPayload int) *Reader {
	return &Reader{
		r:   r,
		dec: NewDecoder(maxPayload),
		buf: make([]byte, 4096),
	}
}

// Decoder exposes the underlying decoder, e.g. for its Discarded counter.
func (r *Reader) Decoder() *Decoder { return r.dec }

// Next blocks until a packet is available or the stream fails.
func (r *Reader) Next() (Packet, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return Packet{}, r.err
		}
		n, err := r.r.Read(r.buf)
		if n > 0 {
			r.dec.Write(r.buf[:n])
			pkts, derr := r.dec.Decode()
			r.pending = append(r.pending, pkts...)
			if derr != nil {
				r.err = derr
			}
		}
		if err != nil && r.err == nil {
			r.err = err
		}
	}
	p := r.pending[0]
	r.pending[0] = Packet{}
	r.pending = r.pending[1:]
	return p, nil
}
