package netbuf

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteBigEndian(t *testing.T) {
	b := New(64)
	require.NoError(t, b.WriteUint8(0xAB))
	require.NoError(t, b.WriteInt8(-2))
	require.NoError(t, b.WriteUint32(0x01020304))
	require.NoError(t, b.WriteInt32(-1))
	require.NoError(t, b.WriteUint64(0x0102030405060708))
	require.NoError(t, b.WriteInt64(math.MinInt64))
	require.NoError(t, b.WriteFloat32(1.5))
	require.NoError(t, b.WriteBool(true))
	require.NoError(t, b.WriteBool(false))

	want := []byte{
		0xAB,
		0xFE,
		0x01, 0x02, 0x03, 0x04,
		0xFF, 0xFF, 0xFF, 0xFF,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x80, 0, 0, 0, 0, 0, 0, 0,
		0x3F, 0xC0, 0x00, 0x00,
		0x01,
		0x00,
	}
	assert.Equal(t, want, b.Bytes())
	assert.Equal(t, len(want), b.Len())
}

func TestRoundTripAgainstEncodingBinary(t *testing.T) {
	u32 := []uint32{0, 1, 0x7F, 0x80, 0xDEADBEEF, math.MaxUint32}
	for _, v := range u32 {
		b := New(4)
		require.NoError(t, b.WriteUint32(v))
		assert.Equal(t, v, binary.BigEndian.Uint32(b.Bytes()))
	}
	i32 := []int32{0, -1, math.MinInt32, math.MaxInt32, 12345}
	for _, v := range i32 {
		b := New(4)
		require.NoError(t, b.WriteInt32(v))
		assert.Equal(t, v, int32(binary.BigEndian.Uint32(b.Bytes())))
	}
	u64 := []uint64{0, 1, 0xFFFFFFFF, 0x0123456789ABCDEF, math.MaxUint64}
	for _, v := range u64 {
		b := New(8)
		require.NoError(t, b.WriteUint64(v))
		assert.Equal(t, v, binary.BigEndian.Uint64(b.Bytes()))
	}
	i64 := []int64{0, -1, math.MinInt64, math.MaxInt64}
	for _, v := range i64 {
		b := New(8)
		require.NoError(t, b.WriteInt64(v))
		assert.Equal(t, v, int64(binary.BigEndian.Uint64(b.Bytes())))
	}
	f32 := []float32{0, -0.5, 3.1415927, math.MaxFloat32, math.SmallestNonzeroFloat32}
	for _, v := range f32 {
		b := New(4)
		require.NoError(t, b.WriteFloat32(v))
		assert.Equal(t, v, math.Float32frombits(binary.BigEndian.Uint32(b.Bytes())))
	}
	for _, v := range []int8{0, 1, -1, math.MinInt8, math.MaxInt8} {
		b := New(1)
		require.NoError(t, b.WriteInt8(v))
		assert.Equal(t, v, int8(b.Bytes()[0]))
	}
}

func TestReaderDecodesWrites(t *testing.T) {
	b := New(128)
	require.NoError(t, b.WriteUint8(7))
	require.NoError(t, b.WriteInt32(-42))
	require.NoError(t, b.WriteUint64(1<<40+3))
	require.NoError(t, b.WriteFloat32(0.25))
	require.NoError(t, b.WriteBool(true))
	require.NoError(t, b.WriteShortString("0.3.3"))
	require.NoError(t, b.WriteLongString("long"))

	r := NewReader(b.Bytes())
	u8, err := r.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(7), u8)
	i32, err := r.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-42), i32)
	u64, err := r.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40+3), u64)
	f, err := r.ReadFloat32()
	require.NoError(t, err)
	assert.Equal(t, float32(0.25), f)
	bl, err := r.ReadBool()
	require.NoError(t, err)
	assert.True(t, bl)
	s, err := r.ReadShortString()
	require.NoError(t, err)
	assert.Equal(t, "0.3.3", s)
	s, err = r.ReadLongString()
	require.NoError(t, err)
	assert.Equal(t, "long", s)
	assert.Equal(t, 0, r.Remaining())

	_, err = r.ReadUint8()
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestShortStringEncoding(t *testing.T) {
	b := New(16)
	require.NoError(t, b.WriteShortString("abc"))
	assert.Equal(t, []byte{3, 'a', 'b', 'c'}, b.Bytes())

	b.Reset()
	require.NoError(t, b.WriteLongString("abc"))
	assert.Equal(t, []byte{0, 0, 0, 3, 'a', 'b', 'c'}, b.Bytes())

	b.Reset()
	require.NoError(t, b.WriteShortString(""))
	assert.Equal(t, []byte{0}, b.Bytes())
}

func TestShortStringTooLong(t *testing.T) {
	b := New(512)
	err := b.WriteShortString(strings.Repeat("x", 256))
	assert.ErrorIs(t, err, ErrStringTooLong)
	assert.Equal(t, 0, b.Len())
}

func TestOverflowLeavesStateUnchanged(t *testing.T) {
	writes := map[string]func(*Buffer) error{
		"uint8":       func(b *Buffer) error { return b.WriteUint8(1) },
		"int8":        func(b *Buffer) error { return b.WriteInt8(1) },
		"bool":        func(b *Buffer) error { return b.WriteBool(true) },
		"uint32":      func(b *Buffer) error { return b.WriteUint32(1) },
		"int32":       func(b *Buffer) error { return b.WriteInt32(1) },
		"uint64":      func(b *Buffer) error { return b.WriteUint64(1) },
		"int64":       func(b *Buffer) error { return b.WriteInt64(1) },
		"float32":     func(b *Buffer) error { return b.WriteFloat32(1) },
		"bytes":       func(b *Buffer) error { return b.WriteBytes([]byte{1, 2}) },
		"shortString": func(b *Buffer) error { return b.WriteShortString("a") },
		"longString":  func(b *Buffer) error { return b.WriteLongString("") },
	}
	for name, write := range writes {
		t.Run(name, func(t *testing.T) {
			b := New(3)
			require.NoError(t, b.WriteBytes([]byte{0xAA, 0xBB, 0xCC}))
			require.NoError(t, b.Seek(3))
			before := bytes.Clone(b.data)

			err := write(b)
			require.ErrorIs(t, err, ErrBufferOverflow)
			assert.Equal(t, 3, b.Len())
			assert.Equal(t, before, b.data)
		})
	}
}

func TestPartialStringIsRejected(t *testing.T) {
	b := New(4)
	require.NoError(t, b.WriteUint8(9))
	err := b.WriteShortString("abcd")
	require.ErrorIs(t, err, ErrBufferOverflow)
	assert.Equal(t, []byte{9}, b.Bytes())
	assert.Equal(t, []byte{9, 0, 0, 0}, b.data)
}

func TestResetAndSeek(t *testing.T) {
	b := New(8)
	require.NoError(t, b.WriteUint64(42))
	assert.Equal(t, 0, b.Available())

	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 8, b.Cap())

	require.NoError(t, b.Seek(8))
	assert.ErrorIs(t, b.Seek(9), ErrInvalidSeek)
	assert.ErrorIs(t, b.Seek(-1), ErrInvalidSeek)
	assert.Equal(t, 8, b.Len())

	require.NoError(t, b.Seek(4))
	require.NoError(t, b.WriteUint32(0x0A0B0C0D))
	assert.Equal(t, []byte{0, 0, 0, 0, 0x0A, 0x0B, 0x0C, 0x0D}, b.Bytes())
}

func TestReaderFailureDoesNotAdvance(t *testing.T) {
	r := NewReader([]byte{5, 'a', 'b'})
	_, err := r.ReadShortString()
	assert.ErrorIs(t, err, ErrShortRead)
	assert.Equal(t, 0, r.Offset())

	_, err = r.ReadUint32()
	assert.ErrorIs(t, err, ErrShortRead)
	assert.Equal(t, 3, r.Remaining())

	r = NewReader([]byte{0, 0, 0, 9, 'x'})
	_, err = r.ReadLongString()
	assert.ErrorIs(t, err, ErrShortRead)
	assert.Equal(t, 0, r.Offset())
}
