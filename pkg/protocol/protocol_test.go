package protocol

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slimetracker-go/pkg/netbuf"
	"slimetracker-go/pkg/protocol/spec"
)

func TestWriteHeader(t *testing.T) {
	buf := netbuf.New(64)
	require.NoError(t, buf.WriteUint32(0xffffffff))

	require.NoError(t, WriteHeader(buf, spec.TypeAccel, 0x0102030405060708))
	assert.Equal(t, []byte{0, 0, 0, 4, 1, 2, 3, 4, 5, 6, 7, 8}, buf.Bytes())

	h, err := ParseHeader(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, Header{Type: 4, Counter: 0x0102030405060708}, h)
}

func TestHandshakeLayout(t *testing.T) {
	buf := netbuf.New(128)
	require.NoError(t, WriteHandshake(buf, 1, DefaultDeviceInfo()))

	want := []byte{
		0, 0, 0, 3, 0, 0, 0, 0, 0, 0, 0, 1,
		0, 0, 0, 5,
		0, 0, 0, 8,
		0, 0, 0, 2,
		0, 0, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 16,
		5, '0', '.', '3', '.', '3',
		0xc4, 0xde, 0xe2, 0x13, 0x95, 0xec,
	}
	assert.Equal(t, want, buf.Bytes())

	hs, err := DecodeHandshake(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), hs.Counter)
	assert.Equal(t, DefaultDeviceInfo(), hs.DeviceInfo)
}

func TestHandshakePadsShortHardwareAddress(t *testing.T) {
	info := DefaultDeviceInfo()
	info.HardwareAddr = net.HardwareAddr{0xaa, 0xbb}
	buf := netbuf.New(128)
	require.NoError(t, WriteHandshake(buf, 0, info))

	b := buf.Bytes()
	assert.Equal(t, []byte{0xaa, 0xbb, 0, 0, 0, 0}, b[len(b)-HardwareAddrSize:])
}

func TestHandshakeOverflow(t *testing.T) {
	buf := netbuf.New(HeaderSize + 8)
	err := WriteHandshake(buf, 7, DefaultDeviceInfo())
	assert.ErrorIs(t, err, netbuf.ErrBufferOverflow)

	buf = netbuf.New(HeaderSize - 1)
	assert.ErrorIs(t, WriteHeartbeat(buf, 0), netbuf.ErrBufferOverflow)
	assert.Equal(t, 0, buf.Len())
}

func TestTypeAtAsymmetry(t *testing.T) {
	packet := []byte{3, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 9}

	pt, err := TypeAt(packet, false)
	require.NoError(t, err)
	assert.Equal(t, uint8(spec.TypeHandshake), pt)

	pt, err = TypeAt(packet, true)
	require.NoError(t, err)
	assert.Equal(t, uint8(spec.TypeHeartbeat), pt)

	_, err = TypeAt([]byte{0, 0, 0}, true)
	assert.ErrorIs(t, err, ErrShortPacket)
	_, err = TypeAt(nil, false)
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestSensorPackets(t *testing.T) {
	buf := netbuf.New(64)

	require.NoError(t, WriteSensorInfo(buf, 2, 3, spec.SensorOK, spec.IMUBMI160))
	assert.Equal(t, []byte{0, 0, 0, 15, 0, 0, 0, 0, 0, 0, 0, 2, 3, 1, 8}, buf.Bytes())
	si, err := DecodeSensorInfo(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint8(3), si.SensorID)
	assert.Equal(t, spec.SensorOK, si.Status)

	require.NoError(t, WriteAccel(buf, 3, 6, 0.5, 0.25, 1))
	assert.Len(t, buf.Bytes(), HeaderSize+13)
	a, err := DecodeAccel(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, Accel{Header: Header{Type: 4, Counter: 3}, X: 0.5, Y: 0.25, Z: 1, SensorID: 6}, a)
}

func TestBatteryAndSignal(t *testing.T) {
	buf := netbuf.New(64)

	require.NoError(t, WriteBatteryLevel(buf, 10, 3.7, 0.8))
	bl, err := DecodeBatteryLevel(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, float32(3.7), bl.Voltage)
	assert.Equal(t, float32(0.8), bl.Level)

	require.NoError(t, WriteSignalStrength(buf, 11, -60))
	assert.Equal(t, []byte{255, 0xc4}, buf.Bytes()[HeaderSize:])
	ss, err := DecodeSignalStrength(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, spec.SignalSensorID, ss.SensorID)
	assert.Equal(t, int8(-60), ss.RSSI)
}

func TestDecodeRejectsWrongTypeAndTruncation(t *testing.T) {
	buf := netbuf.New(64)
	require.NoError(t, WriteHeartbeat(buf, 1))

	_, err := DecodeAccel(buf.Bytes())
	assert.True(t, errors.Is(err, ErrWrongType))

	require.NoError(t, WriteAccel(buf, 1, 1, 0, 0, 0))
	_, err = DecodeAccel(buf.Bytes()[:buf.Len()-1])
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestServerPackets(t *testing.T) {
	buf := netbuf.New(64)
	require.NoError(t, WriteServerHandshake(buf))
	assert.Equal(t, append([]byte{3}, ServerHandshakeGreeting...), buf.Bytes())

	require.NoError(t, WriteServerPing(buf, 5, 0x01020304))
	assert.Equal(t, []byte{0, 0, 0, 10, 0, 0, 0, 0, 0, 0, 0, 5, 1, 2, 3, 4}, buf.Bytes())
}
