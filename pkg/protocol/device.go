package protocol

import (
	"net"

	"slimetracker-go/pkg/protocol/spec"
)

// HardwareAddrSize is the length of the MAC address field in the handshake.
const HardwareAddrSize = 6

// DeviceInfo is what the tracker announces about itself in the handshake.
type DeviceInfo struct {
	BoardType       int32
	IMUType         int32
	CPUCount        int32
	BuildVersion    int32
	FirmwareVersion string
	HardwareAddr    net.HardwareAddr
}

// DefaultDeviceInfo describes a dual-core ESP32 board with a BMI160.
func DefaultDeviceInfo() DeviceInfo {
	return DeviceInfo{
		BoardType:       spec.BoardWROOM32,
		IMUType:         spec.IMUBMI160,
		CPUCount:        2,
		BuildVersion:    16,
		FirmwareVersion: "0.3.3",
		HardwareAddr:    net.HardwareAddr{0xC4, 0xDE, 0xE2, 0x13, 0x95, 0xEC},
	}
}

// hardwareAddr returns exactly HardwareAddrSize bytes, zero padded.
func (d DeviceInfo) hardwareAddr() []byte {
	mac := make([]byte, HardwareAddrSize)
	copy(mac, d.HardwareAddr)
	return mac
}
