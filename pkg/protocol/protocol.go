// Package protocol encodes and decodes the tracker's UDP packets.
//
// Every outbound packet starts with a 12-byte header: three reserved zero
// bytes, the packet type and a big-endian 64-bit packet counter. Inbound
// framing differs by session state: before the handshake completes the
// server's packet type is the first byte of the datagram, afterwards it sits
// at offset 3 behind the same reserved prefix the tracker uses.
package protocol

import (
	"errors"
	"fmt"

	"slimetracker-go/pkg/netbuf"
	"slimetracker-go/pkg/protocol/spec"
)

const (
	ReservedSize = 3
	HeaderSize   = ReservedSize + 1 + 8

	// TypeOffsetDisconnected is where the type byte sits before the handshake.
	TypeOffsetDisconnected = 0
	// TypeOffsetConnected is where the type byte sits once connected.
	TypeOffsetConnected = ReservedSize

	// MinSensorInfoSize is the shortest sensor info packet accepted from the server.
	MinSensorInfoSize = 6

	// MaxPacketSize bounds every datagram the tracker sends or expects.
	MaxPacketSize = 1500
)

var (
	ErrShortPacket = errors.New("protocol: packet too short")
	ErrWrongType   = errors.New("protocol: unexpected packet type")
)

// Header is the decoded connected-framing header.
type Header struct {
	Type    uint8
	Counter uint64
}

// WriteHeader resets buf and writes the packet header.
func WriteHeader(buf *netbuf.Buffer, pt spec.PacketType, counter uint64) error {
	buf.Reset()
	if buf.Available() < HeaderSize {
		return netbuf.ErrBufferOverflow
	}
	for i := 0; i < ReservedSize; i++ {
		if err := buf.WriteUint8(0); err != nil {
			return err
		}
	}
	if err := buf.WriteUint8(uint8(pt)); err != nil {
		return err
	}
	return buf.WriteUint64(counter)
}

// TypeAt returns the packet type byte for the given session state.
func TypeAt(packet []byte, connected bool) (uint8, error) {
	off := TypeOffsetDisconnected
	if connected {
		off = TypeOffsetConnected
	}
	if len(packet) <= off {
		return 0, fmt.Errorf("%w: %d bytes, type at offset %d", ErrShortPacket, len(packet), off)
	}
	return packet[off], nil
}

// ParseHeader decodes a full connected-framing header.
func ParseHeader(packet []byte) (Header, error) {
	r := netbuf.NewReader(packet)
	if err := r.Skip(ReservedSize); err != nil {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(packet))
	}
	t, err := r.ReadUint8()
	if err != nil {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(packet))
	}
	c, err := r.ReadUint64()
	if err != nil {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(packet))
	}
	return Header{Type: t, Counter: c}, nil
}
