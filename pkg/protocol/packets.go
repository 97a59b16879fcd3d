package protocol

import (
	"slimetracker-go/pkg/netbuf"
	"slimetracker-go/pkg/protocol/spec"
)

// Packet encoders. Each resets buf, writes one complete packet and leaves
// the result in buf.Bytes(). On error the content of buf is unspecified and
// must not be sent.

func WriteHeartbeat(buf *netbuf.Buffer, counter uint64) error {
	return WriteHeader(buf, spec.TypeHeartbeat, counter)
}

// WriteHandshake encodes the discovery reply announcing the device.
func WriteHandshake(buf *netbuf.Buffer, counter uint64, info DeviceInfo) error {
	if err := WriteHeader(buf, spec.TypeHandshake, counter); err != nil {
		return err
	}
	fields := []int32{info.BoardType, info.IMUType, info.CPUCount, 0, 0, 0, info.BuildVersion}
	for _, v := range fields {
		if err := buf.WriteInt32(v); err != nil {
			return err
		}
	}
	if err := buf.WriteShortString(info.FirmwareVersion); err != nil {
		return err
	}
	return buf.WriteBytes(info.hardwareAddr())
}

// WriteSensorInfo encodes the descriptor of one sensor slot.
func WriteSensorInfo(buf *netbuf.Buffer, counter uint64, sensorID uint8, status spec.SensorStatus, imuType int32) error {
	if err := WriteHeader(buf, spec.TypeSensorInfo, counter); err != nil {
		return err
	}
	if err := buf.WriteUint8(sensorID); err != nil {
		return err
	}
	if err := buf.WriteUint8(uint8(status)); err != nil {
		return err
	}
	return buf.WriteUint8(uint8(imuType))
}

// WriteAccel encodes one acceleration sample for a sensor slot.
func WriteAccel(buf *netbuf.Buffer, counter uint64, sensorID uint8, x, y, z float32) error {
	if err := WriteHeader(buf, spec.TypeAccel, counter); err != nil {
		return err
	}
	for _, v := range [3]float32{x, y, z} {
		if err := buf.WriteFloat32(v); err != nil {
			return err
		}
	}
	return buf.WriteUint8(sensorID)
}

// WriteBatteryLevel encodes the battery voltage and charge level in [0,1].
func WriteBatteryLevel(buf *netbuf.Buffer, counter uint64, voltage, level float32) error {
	if err := WriteHeader(buf, spec.TypeBatteryLevel, counter); err != nil {
		return err
	}
	if err := buf.WriteFloat32(voltage); err != nil {
		return err
	}
	return buf.WriteFloat32(level)
}

// WriteSignalStrength encodes the link RSSI in dBm.
func WriteSignalStrength(buf *netbuf.Buffer, counter uint64, rssi int8) error {
	if err := WriteHeader(buf, spec.TypeSignalStrength, counter); err != nil {
		return err
	}
	if err := buf.WriteUint8(spec.SignalSensorID); err != nil {
		return err
	}
	return buf.WriteInt8(rssi)
}
