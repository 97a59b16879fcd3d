// Package capture stores the datagrams exchanged by the tracker in a
// zstd-compressed file for offline inspection.
//
// Each record is: direction (u8), unix time in nanoseconds (i64), peer
// address (short string), payload length (u32) and the payload, all big
// endian.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"slimetracker-go/pkg/netbuf"
)

type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "rx"
	}
	return "tx"
}

// MaxPayload bounds a single captured datagram.
const MaxPayload = 64 * 1024

const fixedSize = 1 + 8 + 1

var ErrCorrupt = errors.New("capture: corrupt record")

// Record is one captured datagram.
type Record struct {
	Direction Direction
	Time      time.Time
	Peer      string
	Payload   []byte
}

// Writer appends records to a compressed capture stream.
type Writer struct {
	mu  sync.Mutex
	f   *os.File
	enc *zstd.Encoder
	buf *netbuf.Buffer
	now func() time.Time
}

// Create truncates path and starts a capture.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.f = f
	return w, nil
}

// NewWriter compresses records into out. Close does not close out.
func NewWriter(out io.Writer) (*Writer, error) {
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("capture: failed to initialize encoder: %w", err)
	}
	return &Writer{
		enc: enc,
		buf: netbuf.New(fixedSize + netbuf.MaxShortString + 4 + MaxPayload),
		now: time.Now,
	}, nil
}

// Record appends a datagram. It has the signature the engine expects.
func (w *Writer) Record(inbound bool, addr *net.UDPAddr, payload []byte) error {
	dir := Outbound
	if inbound {
		dir = Inbound
	}
	peer := ""
	if addr != nil {
		peer = addr.String()
	}
	return w.Write(Record{Direction: dir, Time: w.now(), Peer: peer, Payload: payload})
}

func (w *Writer) Write(r Record) error {
	if len(r.Payload) > MaxPayload {
		return fmt.Errorf("capture: payload of %d bytes exceeds %d", len(r.Payload), MaxPayload)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return os.ErrClosed
	}

	b := w.buf
	b.Reset()
	for _, err := range []error{
		b.WriteUint8(uint8(r.Direction)),
		b.WriteInt64(r.Time.UnixNano()),
		b.WriteShortString(r.Peer),
		b.WriteLongString(string(r.Payload)),
	} {
		if err != nil {
			return fmt.Errorf("capture: encode record: %w", err)
		}
	}
	if _, err := w.enc.Write(b.Bytes()); err != nil {
		return fmt.Errorf("capture: write: %w", err)
	}
	return nil
}

// Close flushes the compressed stream and closes the file opened by Create.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return nil
	}
	err := w.enc.Close()
	w.enc = nil
	if w.f != nil {
		if cerr := w.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Reader iterates the records of a capture stream.
type Reader struct {
	dec *zstd.Decoder
	r   *bufio.Reader
	f   *os.File
}

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.f = f
	return r, nil
}

func NewReader(in io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("capture: failed to initialize decoder: %w", err)
	}
	return &Reader{dec: dec, r: bufio.NewReader(dec)}, nil
}

// Next returns the next record, or io.EOF at the end of the stream.
func (r *Reader) Next() (Record, error) {
	fixed := make([]byte, fixedSize)
	if _, err := io.ReadFull(r.r, fixed); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	hdr := netbuf.NewReader(fixed)
	dir, _ := hdr.ReadUint8()
	nanos, _ := hdr.ReadInt64()
	peerLen, _ := hdr.ReadUint8()

	rest := make([]byte, int(peerLen)+4)
	if _, err := io.ReadFull(r.r, rest); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	body := netbuf.NewReader(rest)
	peer, _ := body.ReadBytes(int(peerLen))
	size, _ := body.ReadUint32()
	if size > MaxPayload {
		return Record{}, fmt.Errorf("%w: payload length %d", ErrCorrupt, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return Record{
		Direction: Direction(dir),
		Time:      time.Unix(0, nanos),
		Peer:      string(peer),
		Payload:   payload,
	}, nil
}

// ReadAll drains the reader.
func (r *Reader) ReadAll() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

func (r *Reader) Close() error {
	r.dec.Close()
	if r.f != nil {
		return r.f.Close()
	}
	return nil
}
