package spec

import "fmt"

// PacketType identifies an outbound packet, or an inbound packet that shares
// its number with the outbound one (heartbeat, handshake, ping, sensor info).
type PacketType uint8

const (
	TypeHeartbeat            PacketType = 0
	TypeHandshake            PacketType = 3
	TypeAccel                PacketType = 4
	TypeRawCalibrationData   PacketType = 6
	TypeCalibrationFinished  PacketType = 7
	TypeConfig               PacketType = 8
	TypePingPong             PacketType = 10
	TypeSerial               PacketType = 11
	TypeBatteryLevel         PacketType = 12
	TypeTap                  PacketType = 13
	TypeError                PacketType = 14
	TypeSensorInfo           PacketType = 15
	TypeRotationData         PacketType = 17
	TypeMagnetometerAccuracy PacketType = 18
	TypeSignalStrength       PacketType = 19
	TypeTemperature          PacketType = 20
	TypeInspection           PacketType = 105
)

// String returns a human-readable name for the packet type
func (pt PacketType) String() string {
	switch pt {
	case TypeHeartbeat:
		return "Heartbeat"
	case TypeHandshake:
		return "Handshake"
	case TypeAccel:
		return "Accel"
	case TypeRawCalibrationData:
		return "RawCalibrationData"
	case TypeCalibrationFinished:
		return "CalibrationFinished"
	case TypeConfig:
		return "Config"
	case TypePingPong:
		return "PingPong"
	case TypeSerial:
		return "Serial"
	case TypeBatteryLevel:
		return "BatteryLevel"
	case TypeTap:
		return "Tap"
	case TypeError:
		return "Error"
	case TypeSensorInfo:
		return "SensorInfo"
	case TypeRotationData:
		return "RotationData"
	case TypeMagnetometerAccuracy:
		return "MagnetometerAccuracy"
	case TypeSignalStrength:
		return "SignalStrength"
	case TypeTemperature:
		return "Temperature"
	case TypeInspection:
		return "Inspection"
	default:
		return "Unknown"
	}
}

// ReceiveType identifies server-originated packets in connected framing.
// Its numbering overlaps PacketType (4 is Accel outbound, Command inbound).
type ReceiveType uint8

const (
	ReceiveHeartbeat ReceiveType = 1
	ReceiveVibrate   ReceiveType = 2
	ReceiveHandshake ReceiveType = 3
	ReceiveCommand   ReceiveType = 4
)

func (rt ReceiveType) String() string {
	switch rt {
	case ReceiveHeartbeat:
		return "ReceiveHeartbeat"
	case ReceiveVibrate:
		return "ReceiveVibrate"
	case ReceiveHandshake:
		return "ReceiveHandshake"
	case ReceiveCommand:
		return "ReceiveCommand"
	default:
		return "Unknown"
	}
}

// SensorStatus is reported in the sensor info packet.
type SensorStatus uint8

const (
	SensorOffline SensorStatus = 0
	SensorOK      SensorStatus = 1
	SensorError   SensorStatus = 2
)

func (s SensorStatus) String() string {
	switch s {
	case SensorOffline:
		return "offline"
	case SensorOK:
		return "ok"
	case SensorError:
		return "error"
	default:
		return fmt.Sprintf("SensorStatus(%d)", uint8(s))
	}
}

// Board and IMU identifiers announced in the handshake.
const (
	BoardUnknown int32 = 0
	BoardCustom  int32 = 4
	BoardWROOM32 int32 = 5
	IMUUnknown   int32 = 0
	IMUMPU6050   int32 = 6
	IMUBMI160    int32 = 8
	IMUICM20948  int32 = 9
)

// SignalSensorID is the sensor id the signal strength packet is reported under.
const SignalSensorID uint8 = 255
