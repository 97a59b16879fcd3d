package protocol

import (
	"slimetracker-go/pkg/netbuf"
	"slimetracker-go/pkg/protocol/spec"
)

// Server-side encoders, used by the tracking server simulator.

// ServerHandshakeGreeting follows the handshake type byte in the server's reply.
const ServerHandshakeGreeting = "Hey OVR =D 5"

// WriteServerHandshake encodes the server's handshake reply. It uses the
// pre-handshake framing, so the type is the first byte.
func WriteServerHandshake(buf *netbuf.Buffer) error {
	buf.Reset()
	if err := buf.WriteUint8(uint8(spec.ReceiveHandshake)); err != nil {
		return err
	}
	return buf.WriteBytes([]byte(ServerHandshakeGreeting))
}

// WriteServerPacket encodes a connected-framing packet of an arbitrary type
// with an optional raw body.
func WriteServerPacket(buf *netbuf.Buffer, packetType uint8, counter uint64, body []byte) error {
	if err := WriteHeader(buf, spec.PacketType(packetType), counter); err != nil {
		return err
	}
	return buf.WriteBytes(body)
}

// WriteServerPing encodes a ping carrying an opaque id the tracker echoes back.
func WriteServerPing(buf *netbuf.Buffer, counter uint64, id int32) error {
	if err := WriteHeader(buf, spec.TypePingPong, counter); err != nil {
		return err
	}
	return buf.WriteInt32(id)
}
