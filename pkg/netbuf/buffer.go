// Package netbuf implements the fixed-capacity message buffer used to compose
// outbound tracker packets. All multi-byte values are written in network byte
// order (big-endian) by explicit shifting, so the encoding never depends on the
// host's native layout.
package netbuf

import (
	"errors"
	"math"
)

const (
	// MaxShortString is the longest string a 1-byte length prefix can describe.
	MaxShortString = math.MaxUint8
	// MaxLongString is the longest string a 4-byte length prefix can describe.
	MaxLongString = math.MaxUint32
)

var (
	ErrBufferOverflow = errors.New("netbuf: write exceeds buffer capacity")
	ErrInvalidSeek    = errors.New("netbuf: seek position beyond capacity")
	ErrStringTooLong  = errors.New("netbuf: string too long for length prefix")
)

// Buffer is a cursor-based writer over a byte array allocated once.
// A write that does not fit is rejected as a whole and leaves the buffer
// untouched. A Buffer is not safe for concurrent use.
type Buffer struct {
	data   []byte
	cursor int
}

// New allocates a Buffer with the given capacity.
func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{data: make([]byte, capacity)}
}

// Reset rewinds the cursor to zero without reallocating.
func (b *Buffer) Reset() { b.cursor = 0 }

// Seek moves the cursor to pos.
func (b *Buffer) Seek(pos int) error {
	if pos < 0 || pos > len(b.data) {
		return ErrInvalidSeek
	}
	b.cursor = pos
	return nil
}

// Bytes returns the written prefix of the buffer. The slice aliases the
// buffer and is only valid until the next write or Reset.
func (b *Buffer) Bytes() []byte { return b.data[:b.cursor] }

// Len returns the current cursor position.
func (b *Buffer) Len() int { return b.cursor }

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Available returns the number of bytes that can still be written.
func (b *Buffer) Available() int { return len(b.data) - b.cursor }

// reserve returns the next n bytes and advances the cursor, or fails
// without side effects.
func (b *Buffer) reserve(n int) ([]byte, error) {
	if n < 0 || b.cursor+n > len(b.data) {
		return nil, ErrBufferOverflow
	}
	p := b.data[b.cursor : b.cursor+n]
	b.cursor += n
	return p, nil
}

func (b *Buffer) WriteUint8(v uint8) error {
	p, err := b.reserve(1)
	if err != nil {
		return err
	}
	p[0] = v
	return nil
}

func (b *Buffer) WriteInt8(v int8) error { return b.WriteUint8(uint8(v)) }

func (b *Buffer) WriteBool(v bool) error {
	if v {
		return b.WriteUint8(1)
	}
	return b.WriteUint8(0)
}

func (b *Buffer) WriteUint32(v uint32) error {
	p, err := b.reserve(4)
	if err != nil {
		return err
	}
	putUint32(p, v)
	return nil
}

func (b *Buffer) WriteInt32(v int32) error { return b.WriteUint32(uint32(v)) }

func (b *Buffer) WriteUint64(v uint64) error {
	p, err := b.reserve(8)
	if err != nil {
		return err
	}
	putUint64(p, v)
	return nil
}

func (b *Buffer) WriteInt64(v int64) error { return b.WriteUint64(uint64(v)) }

// WriteFloat32 writes the IEEE 754 bit pattern of v.
func (b *Buffer) WriteFloat32(v float32) error { return b.WriteUint32(math.Float32bits(v)) }

// WriteBytes copies raw bytes into the buffer.
func (b *Buffer) WriteBytes(data []byte) error {
	p, err := b.reserve(len(data))
	if err != nil {
		return err
	}
	copy(p, data)
	return nil
}

// WriteShortString writes a 1-byte length followed by the raw bytes of s.
// No terminator is written.
func (b *Buffer) WriteShortString(s string) error {
	if len(s) > MaxShortString {
		return ErrStringTooLong
	}
	p, err := b.reserve(1 + len(s))
	if err != nil {
		return err
	}
	p[0] = uint8(len(s))
	copy(p[1:], s)
	return nil
}

// WriteLongString writes a 4-byte big-endian length followed by the raw bytes of s.
func (b *Buffer) WriteLongString(s string) error {
	if uint64(len(s)) > MaxLongString {
		return ErrStringTooLong
	}
	p, err := b.reserve(4 + len(s))
	if err != nil {
		return err
	}
	putUint32(p, uint32(len(s)))
	copy(p[4:], s)
	return nil
}

func putUint32(p []byte, v uint32) {
	p[0] = byte(v >> 24)
	p[1] = byte(v >> 16)
	p[2] = byte(v >> 8)
	p[3] = byte(v)
}

func putUint64(p []byte, v uint64) {
	p[0] = byte(v >> 56)
	p[1] = byte(v >> 48)
	p[2] = byte(v >> 40)
	p[3] = byte(v >> 32)
	p[4] = byte(v >> 24)
	p[5] = byte(v >> 16)
	p[6] = byte(v >> 8)
	p[7] = byte(v)
}
