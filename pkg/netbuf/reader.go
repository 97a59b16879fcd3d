package netbuf

import (
	"errors"
	"math"
)

var ErrShortRead = errors.New("netbuf: not enough bytes to read")

// Reader decodes big-endian values from a byte slice. A failed read does not
// advance the cursor.
type Reader struct {
	data   []byte
	cursor int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.cursor }

// Offset returns the current read position.
func (r *Reader) Offset() int { return r.cursor }

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n int) error {
	_, err := r.take(n)
	return err
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.cursor+n > len(r.data) {
		return nil, ErrShortRead
	}
	p := r.data[r.cursor : r.cursor+n]
	r.cursor += n
	return p, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	p, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadUint8()
	return int8(v), err
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

func (r *Reader) ReadUint32() (uint32, error) {
	p, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3]), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	p, err := r.take(8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range p {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

// ReadBytes returns the next n bytes. The slice aliases the input.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	return r.take(n)
}

func (r *Reader) ReadShortString() (string, error) {
	start := r.cursor
	n, err := r.ReadUint8()
	if err != nil {
		return "", err
	}
	p, err := r.take(int(n))
	if err != nil {
		r.cursor = start
		return "", err
	}
	return string(p), nil
}

func (r *Reader) ReadLongString() (string, error) {
	start := r.cursor
	n, err := r.ReadUint32()
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(r.Remaining()) {
		r.cursor = start
		return "", ErrShortRead
	}
	p, _ := r.take(int(n))
	return string(p), nil
}
