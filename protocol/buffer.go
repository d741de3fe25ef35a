package protocol

import "encoding/binary"

// buffer is a growable byte buffer with a reader index that can be marked and
// reset, so the decoder can look ahead and roll back without copying.
type buffer struct {
	buf    []byte
	r      int
	marked int
}

func (b *buffer) write(p []byte) { b.buf = append(b.buf, p...) }

func (b *buffer) readable() int { return len(b.buf) - b.r }

func (b *buffer) mark() { b.marked = b.r }

func (b *buffer) reset() { b.r = b.marked }

func (b *buffer) skip(n int) { b.r += n }

func (b *buffer) readUint32() uint32 {
	v := binary.BigEndian.Uint32(b.buf[b.r:])
	b.r += 4
	return v
}

// next returns a copy of the next n bytes and advances past them.
func (b *buffer) next(n int) []byte {
	out := make([]byte, n)
	copy(out, b.buf[b.r:b.r+n])
	b.r += n
	return out
}

// compact drops consumed bytes. Marks do not survive it.
func (b *buffer) compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.r:])
	b.buf = b.buf[:n]
	b.r = 0
	b.marked = 0
}
