package protocol

import (
	"fmt"
	"net"

	"slimetracker-go/pkg/netbuf"
	"slimetracker-go/pkg/protocol/spec"
)

// Handshake is a decoded tracker handshake.
type Handshake struct {
	Header
	DeviceInfo
}

// SensorInfo is a decoded sensor descriptor.
type SensorInfo struct {
	Header
	SensorID uint8
	Status   spec.SensorStatus
	IMUType  uint8
}

// Accel is a decoded acceleration sample.
type Accel struct {
	Header
	X, Y, Z  float32
	SensorID uint8
}

// BatteryLevel is a decoded battery report.
type BatteryLevel struct {
	Header
	Voltage float32
	Level   float32
}

// SignalStrength is a decoded RSSI report.
type SignalStrength struct {
	Header
	SensorID uint8
	RSSI     int8
}

func readHeader(r *netbuf.Reader, want spec.PacketType) (Header, error) {
	if err := r.Skip(ReservedSize); err != nil {
		return Header{}, ErrShortPacket
	}
	t, err := r.ReadUint8()
	if err != nil {
		return Header{}, ErrShortPacket
	}
	if spec.PacketType(t) != want {
		return Header{}, fmt.Errorf("%w: got %s, want %s", ErrWrongType, spec.PacketType(t), want)
	}
	c, err := r.ReadUint64()
	if err != nil {
		return Header{}, ErrShortPacket
	}
	return Header{Type: t, Counter: c}, nil
}

// decodeErr maps reader underflow onto ErrShortPacket.
func decodeErr(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrShortPacket, what, err)
}

func DecodeHandshake(packet []byte) (Handshake, error) {
	r := netbuf.NewReader(packet)
	h, err := readHeader(r, spec.TypeHandshake)
	if err != nil {
		return Handshake{}, err
	}
	var fields [7]int32
	for i := range fields {
		if fields[i], err = r.ReadInt32(); err != nil {
			return Handshake{}, decodeErr("handshake fields", err)
		}
	}
	version, err := r.ReadShortString()
	if err != nil {
		return Handshake{}, decodeErr("firmware version", err)
	}
	mac, err := r.ReadBytes(HardwareAddrSize)
	if err != nil {
		return Handshake{}, decodeErr("hardware address", err)
	}
	return Handshake{
		Header: h,
		DeviceInfo: DeviceInfo{
			BoardType:       fields[0],
			IMUType:         fields[1],
			CPUCount:        fields[2],
			BuildVersion:    fields[6],
			FirmwareVersion: version,
			HardwareAddr:    net.HardwareAddr(append([]byte(nil), mac...)),
		},
	}, nil
}

func DecodeSensorInfo(packet []byte) (SensorInfo, error) {
	r := netbuf.NewReader(packet)
	h, err := readHeader(r, spec.TypeSensorInfo)
	if err != nil {
		return SensorInfo{}, err
	}
	b, err := r.ReadBytes(3)
	if err != nil {
		return SensorInfo{}, decodeErr("sensor info", err)
	}
	return SensorInfo{Header: h, SensorID: b[0], Status: spec.SensorStatus(b[1]), IMUType: b[2]}, nil
}

func DecodeAccel(packet []byte) (Accel, error) {
	r := netbuf.NewReader(packet)
	h, err := readHeader(r, spec.TypeAccel)
	if err != nil {
		return Accel{}, err
	}
	var v [3]float32
	for i := range v {
		if v[i], err = r.ReadFloat32(); err != nil {
			return Accel{}, decodeErr("accel", err)
		}
	}
	id, err := r.ReadUint8()
	if err != nil {
		return Accel{}, decodeErr("accel sensor id", err)
	}
	return Accel{Header: h, X: v[0], Y: v[1], Z: v[2], SensorID: id}, nil
}

func DecodeBatteryLevel(packet []byte) (BatteryLevel, error) {
	r := netbuf.NewReader(packet)
	h, err := readHeader(r, spec.TypeBatteryLevel)
	if err != nil {
		return BatteryLevel{}, err
	}
	voltage, err := r.ReadFloat32()
	if err != nil {
		return BatteryLevel{}, decodeErr("battery voltage", err)
	}
	level, err := r.ReadFloat32()
	if err != nil {
		return BatteryLevel{}, decodeErr("battery level", err)
	}
	return BatteryLevel{Header: h, Voltage: voltage, Level: level}, nil
}

func DecodeSignalStrength(packet []byte) (SignalStrength, error) {
	r := netbuf.NewReader(packet)
	h, err := readHeader(r, spec.TypeSignalStrength)
	if err != nil {
		return SignalStrength{}, err
	}
	id, err := r.ReadUint8()
	if err != nil {
		return SignalStrength{}, decodeErr("signal sensor id", err)
	}
	rssi, err := r.ReadInt8()
	if err != nil {
		return SignalStrength{}, decodeErr("rssi", err)
	}
	return SignalStrength{Header: h, SensorID: id, RSSI: rssi}, nil
}
