package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	blockSize = 0x100

	// MaxStringSize is the longest counted string which fits the 16-bit length prefix.
	MaxStringSize = 0xffff
)

var (
	// ErrShortRead is reported when a read goes past the written data.
	ErrShortRead = errors.New("read past the end of buffer")

	// ErrStringTooLong is reported when counted string does not fit the 16-bit length prefix.
	ErrStringTooLong = errors.New("counted string too long")

	// ErrBufferLimit is reported when write would grow the buffer beyond its limit.
	ErrBufferLimit = errors.New("buffer limit exceeded")
)

// Buffer is a growable byte container with independent read and write cursors.
// Once any operation fails the buffer stays in the error state and every following
// read and write fails too, until Reset is called.
type Buffer struct {
	data  []byte
	r     int
	w     int
	limit int
	err   error
}

// NewBuffer creates empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{data: make([]byte, blockSize)}
}

// NewLimitedBuffer creates empty buffer which refuses to grow beyond limit bytes.
func NewLimitedBuffer(limit int) *Buffer {
	b := NewBuffer()
	b.limit = limit
	return b
}

// NewBufferFrom creates buffer containing a copy of p, ready to be read.
func NewBufferFrom(p []byte) *Buffer {
	b := &Buffer{}
	b.WriteBytes(p)
	return b
}

// Err returns the sticky error of the buffer.
func (b *Buffer) Err() error {
	return b.err
}

// Size returns number of bytes written.
func (b *Buffer) Size() int {
	return b.w
}

// Len returns number of bytes left to read.
func (b *Buffer) Len() int {
	return b.w - b.r
}

// Cap returns current capacity of the buffer.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Bytes returns unread part of the buffer. The slice is valid until next write.
func (b *Buffer) Bytes() []byte {
	return b.data[b.r:b.w]
}

// Written returns all the bytes written so far, regardless of the read cursor.
func (b *Buffer) Written() []byte {
	return b.data[:b.w]
}

// Reset rewinds both cursors and clears the error.
func (b *Buffer) Reset() {
	b.r = 0
	b.w = 0
	b.err = nil
}

// Shift drops n bytes from the front of the written data, moving the rest to the beginning.
func (b *Buffer) Shift(n int) {
	if n <= 0 {
		return
	}
	if n >= b.w {
		b.r = 0
		b.w = 0
		return
	}
	copy(b.data, b.data[n:b.w])
	b.w -= n
	b.r -= n
	if b.r < 0 {
		b.r = 0
	}
}

// Append copies written content of src at the end of the buffer.
func (b *Buffer) Append(src *Buffer) {
	if src.err != nil {
		b.fail(src.err)
		return
	}
	b.WriteBytes(src.Written())
}

// WriteBytes appends raw bytes.
func (b *Buffer) WriteBytes(p []byte) {
	if !b.grow(len(p)) {
		return
	}
	b.w += copy(b.data[b.w:], p)
}

// WriteByte appends single byte.
func (b *Buffer) WriteByte(v byte) error {
	if b.grow(1) {
		b.data[b.w] = v
		b.w++
	}
	return b.err
}

// WriteBool appends boolean encoded as single byte.
func (b *Buffer) WriteBool(v bool) {
	var x byte
	if v {
		x = 1
	}
	_ = b.WriteByte(x)
}

// WriteUint16 appends 16-bit integer in network byte order.
func (b *Buffer) WriteUint16(v uint16) {
	if b.grow(2) {
		binary.BigEndian.PutUint16(b.data[b.w:], v)
		b.w += 2
	}
}

// WriteUint32 appends 32-bit integer in network byte order.
func (b *Buffer) WriteUint32(v uint32) {
	if b.grow(4) {
		binary.BigEndian.PutUint32(b.data[b.w:], v)
		b.w += 4
	}
}

// WriteUint64 appends 64-bit integer as two 32-bit halves, high half first.
func (b *Buffer) WriteUint64(v uint64) {
	b.WriteUint32(uint32(v >> 32))
	b.WriteUint32(uint32(v))
}

// WriteString appends counted string: 16-bit length followed by raw bytes.
func (b *Buffer) WriteString(s string) {
	if len(s) > MaxStringSize {
		b.fail(errors.Wrapf(ErrStringTooLong, "length %d", len(s)))
		return
	}
	if !b.grow(2 + len(s)) {
		return
	}
	binary.BigEndian.PutUint16(b.data[b.w:], uint16(len(s)))
	b.w += 2
	b.w += copy(b.data[b.w:], s)
}

// ReadBytes reads n raw bytes. Returned slice is a copy.
func (b *Buffer) ReadBytes(n int) []byte {
	p := b.next(n)
	if p == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, p)
	return out
}

// ReadInto fills dst with raw bytes.
func (b *Buffer) ReadInto(dst []byte) {
	if p := b.next(len(dst)); p != nil {
		copy(dst, p)
	}
}

// ReadRemaining reads everything left in the buffer.
func (b *Buffer) ReadRemaining() []byte {
	if b.err != nil {
		return nil
	}
	return b.ReadBytes(b.Len())
}

// ReadByte reads single byte.
func (b *Buffer) ReadByte() (byte, error) {
	p := b.next(1)
	if p == nil {
		return 0, b.err
	}
	return p[0], nil
}

// ReadBool reads boolean encoded as single byte.
func (b *Buffer) ReadBool() bool {
	v, _ := b.ReadByte()
	return v != 0
}

// ReadUint16 reads 16-bit integer in network byte order.
func (b *Buffer) ReadUint16() uint16 {
	p := b.next(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

// ReadUint32 reads 32-bit integer in network byte order.
func (b *Buffer) ReadUint32() uint32 {
	p := b.next(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

// ReadUint64 reads 64-bit integer stored as two 32-bit halves, high half first.
func (b *Buffer) ReadUint64() uint64 {
	hi := b.ReadUint32()
	lo := b.ReadUint32()
	if b.err != nil {
		return 0
	}
	return uint64(hi)<<32 | uint64(lo)
}

// ReadString reads counted string.
func (b *Buffer) ReadString() string {
	n := b.ReadUint16()
	p := b.next(int(n))
	if p == nil {
		return ""
	}
	return string(p)
}

func (b *Buffer) next(n int) []byte {
	if b.err != nil {
		return nil
	}
	if n < 0 || b.r+n > b.w {
		b.fail(errors.Wrapf(ErrShortRead, "need %d bytes, %d available", n, b.w-b.r))
		return nil
	}
	p := b.data[b.r : b.r+n]
	b.r += n
	return p
}

func (b *Buffer) grow(n int) bool {
	if b.err != nil {
		return false
	}
	need := b.w + n
	if b.limit > 0 && need > b.limit {
		b.fail(errors.Wrapf(ErrBufferLimit, "need %d bytes, limit %d", need, b.limit))
		return false
	}
	if need <= len(b.data) {
		return true
	}

	size := (need + blockSize - 1) &^ (blockSize - 1)
	data := make([]byte, size)
	copy(data, b.data[:b.w])
	b.data = data
	return true
}

func (b *Buffer) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}
