package engine

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slimetracker-go/pkg/clock"
	"slimetracker-go/pkg/netbuf"
	"slimetracker-go/pkg/protocol"
	"slimetracker-go/pkg/protocol/spec"
	"slimetracker-go/pkg/sensor"
	"slimetracker-go/pkg/transport"
)

type datagram struct {
	data []byte
	addr *net.UDPAddr
}

type fakeTransport struct {
	mu      sync.Mutex
	peer    *net.UDPAddr
	sent    []datagram
	sendErr error
	starts  int
	stops   int

	inbox  chan datagram
	closed chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan datagram, 16)}
}

func (f *fakeTransport) Start(int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.closed = make(chan struct{})
	return nil
}

func (f *fakeTransport) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	close(f.closed)
	return nil
}

func (f *fakeTransport) Receive(buf []byte) (int, *net.UDPAddr, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	select {
	case d := <-f.inbox:
		return copy(buf, d.data), d.addr, nil
	case <-closed:
		return 0, nil, transport.ErrClosed
	}
}

func (f *fakeTransport) BindPeer(addr *net.UDPAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peer = addr
}

func (f *fakeTransport) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.peer == nil {
		return transport.ErrNoPeer
	}
	return f.record(b, f.peer)
}

func (f *fakeTransport) SendTo(b []byte, addr *net.UDPAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record(b, addr)
}

func (f *fakeTransport) record(b []byte, addr *net.UDPAddr) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, datagram{data: bytes.Clone(b), addr: addr})
	return nil
}

func (f *fakeTransport) Sent() []datagram {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]datagram(nil), f.sent...)
}

var server = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 35903}

type fixture struct {
	eng   *Engine
	tr    *fakeTransport
	clock *clock.Manual
	logs  *bytes.Buffer
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{tr: newFakeTransport(), clock: clock.NewManual(1000), logs: &bytes.Buffer{}}
	cfg := DefaultConfig()
	cfg.Clock = f.clock
	cfg.Source = sensor.Fixed(0.25)
	cfg.Logger = zerolog.New(f.logs).Level(zerolog.InfoLevel)
	for _, m := range mutate {
		m(&cfg)
	}
	eng, err := New(cfg, f.tr)
	require.NoError(t, err)
	f.eng = eng
	return f
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, f.eng.HandleDatagram([]byte{byte(spec.ReceiveHandshake)}, server))
	require.True(t, f.eng.IsConnected())
}

func heartbeat(counter byte) []byte {
	return []byte{0, 0, 0, byte(spec.TypeHeartbeat), 0, 0, 0, 0, 0, 0, 0, counter}
}

func counterOf(t *testing.T, packet []byte) uint64 {
	t.Helper()
	h, err := protocol.ParseHeader(packet)
	require.NoError(t, err)
	return h.Counter
}

func TestNewValidatesConfig(t *testing.T) {
	tr := newFakeTransport()
	for name, mutate := range map[string]func(*Config){
		"no sensors":   func(c *Config) { c.SensorCount = 0 },
		"too many":     func(c *Config) { c.SensorCount = 255 },
		"tiny buffer":  func(c *Config) { c.BufferSize = 4 },
		"zero timeout": func(c *Config) { c.Timeout = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			_, err := New(cfg, tr)
			assert.Error(t, err)
		})
	}
	_, err := New(DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestStartsDisconnected(t *testing.T) {
	f := newFixture(t)
	s := f.eng.Session()
	assert.Equal(t, Disconnected, s.State)
	assert.Equal(t, uint64(0), s.Counter)
	assert.Empty(t, s.Peer)
}

func TestHandshakeConnectsWithoutReply(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	assert.Empty(t, f.tr.Sent())
	s := f.eng.Session()
	assert.Equal(t, Connected, s.State)
	assert.Equal(t, server.String(), s.Peer)
	assert.Equal(t, int64(1000), s.ConnectedSince)
	assert.Equal(t, uint64(1), f.eng.Stats().Handshakes)
	assert.Contains(t, f.logs.String(), "handshake successful")
}

func TestDiscoveryTriggersHandshake(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.eng.HandleDatagram([]byte{0, 1, 2}, server))
	assert.False(t, f.eng.IsConnected())

	sent := f.tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, server, sent[0].addr)
	hs, err := protocol.DecodeHandshake(sent[0].data)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), hs.Counter)
	assert.Equal(t, protocol.DefaultDeviceInfo(), hs.DeviceInfo)

	// Still disconnected, so any further datagram retries the handshake.
	require.NoError(t, f.eng.HandleDatagram(heartbeat(0), server))
	sent = f.tr.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, uint64(1), counterOf(t, sent[1].data))
	assert.False(t, f.eng.IsConnected())
}

func TestEmptyDatagramDropped(t *testing.T) {
	f := newFixture(t)
	err := f.eng.HandleDatagram(nil, server)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Empty(t, f.tr.Sent())
	assert.Equal(t, uint64(1), f.eng.Stats().Dropped)
}

func TestHeartbeatGetsOneReply(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	require.NoError(t, f.eng.HandleDatagram(heartbeat(42), server))

	sent := f.tr.Sent()
	require.Len(t, sent, 1)
	h, err := protocol.ParseHeader(sent[0].data)
	require.NoError(t, err)
	assert.Equal(t, uint8(spec.TypeHeartbeat), h.Type)
	assert.Len(t, sent[0].data, protocol.HeaderSize)
	assert.Equal(t, server, sent[0].addr)
}

func TestPingIsEchoedToSender(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	other := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 4000}
	ping := []byte{0, 0, 0, byte(spec.TypePingPong), 0, 0, 0, 0, 0, 0, 0, 9, 0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, f.eng.HandleDatagram(ping, other))

	sent := f.tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, ping, sent[0].data)
	assert.Equal(t, other, sent[0].addr)
	assert.Equal(t, uint64(1), f.eng.Session().Counter)
}

func TestPingLargerThanEncodeBufferIsEchoed(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	ping := make([]byte, protocol.MaxPacketSize)
	ping[3] = byte(spec.TypePingPong)
	for i := protocol.HeaderSize; i < len(ping); i++ {
		ping[i] = byte(i)
	}
	require.Greater(t, len(ping), DefaultBufferSize)
	require.NoError(t, f.eng.HandleDatagram(ping, server))

	sent := f.tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, ping, sent[0].data)
	assert.Equal(t, uint64(1), f.eng.Session().Counter)
	assert.Zero(t, f.eng.Stats().EncodeErrors)

	// The shared buffer still encodes the next reply normally.
	require.NoError(t, f.eng.HandleDatagram(heartbeat(2), server))
	sent = f.tr.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, uint64(1), counterOf(t, sent[1].data))
}

func TestDatagramAfterConcurrentTimeoutStartsHandshake(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	// The tick goroutine times the session out between HandleDatagram
	// reading the state and the connected dispatch.
	f.clock.Advance(DefaultTimeout + time.Millisecond)
	require.True(t, f.eng.CheckTimeout())
	require.NoError(t, f.eng.handleConnected(heartbeat(1), server))

	sent := f.tr.Sent()
	require.Len(t, sent, 1)
	pt, err := protocol.TypeAt(sent[0].data, true)
	require.NoError(t, err)
	assert.Equal(t, byte(spec.TypeHandshake), pt)
	assert.False(t, f.eng.IsConnected())
}

func TestShortSensorInfoDropped(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	f.clock.Advance(500 * time.Millisecond)
	before := f.eng.Session()

	err := f.eng.HandleDatagram([]byte{0, 0, 0, byte(spec.TypeSensorInfo), 1}, server)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	assert.Empty(t, f.tr.Sent())
	assert.Equal(t, before, f.eng.Session())
	assert.Contains(t, f.logs.String(), `"level":"warn"`)
	assert.Contains(t, f.logs.String(), "dropping packet")

	require.NoError(t, f.eng.HandleDatagram([]byte{0, 0, 0, byte(spec.TypeSensorInfo), 0, 1}, server))
	assert.Equal(t, int64(1500), f.eng.Session().LastActivity)
	assert.Empty(t, f.tr.Sent())
}

func TestShortConnectedPacketDropped(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	err := f.eng.HandleDatagram([]byte{0, 0, 0}, server)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.True(t, f.eng.IsConnected())
}

func TestAcceptedPacketsNeedNoReply(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	for _, pt := range []uint8{
		uint8(spec.ReceiveHeartbeat), uint8(spec.ReceiveVibrate), uint8(spec.ReceiveHandshake),
		uint8(spec.ReceiveCommand), uint8(spec.TypeConfig), 99,
	} {
		require.NoError(t, f.eng.HandleDatagram([]byte{0, 0, 0, pt, 0, 0, 0, 0, 0, 0, 0, 1}, server))
	}
	assert.Empty(t, f.tr.Sent())
	assert.True(t, f.eng.IsConnected())
}

func TestTickSendsSensorInfoOnceThenAccel(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.eng.Tick())
	assert.Empty(t, f.tr.Sent(), "no traffic while disconnected")

	f.connect(t)
	require.NoError(t, f.eng.Tick())
	sent := f.tr.Sent()
	require.Len(t, sent, DefaultSensorCount)
	for i, d := range sent {
		si, err := protocol.DecodeSensorInfo(d.data)
		require.NoError(t, err)
		assert.Equal(t, uint8(i+1), si.SensorID)
		assert.Equal(t, spec.SensorOK, si.Status)
		assert.Equal(t, uint8(spec.IMUBMI160), si.IMUType)
	}
	assert.True(t, f.eng.Session().SensorInfoSent)

	for range 2 {
		require.NoError(t, f.eng.Tick())
	}
	sent = f.tr.Sent()[DefaultSensorCount:]
	require.Len(t, sent, 2*DefaultSensorCount)
	for i, d := range sent {
		a, err := protocol.DecodeAccel(d.data)
		require.NoError(t, err)
		assert.Equal(t, uint8(i%DefaultSensorCount+1), a.SensorID)
		assert.Equal(t, float32(0.25), a.X)
		assert.Equal(t, float32(0.25), a.Y)
		assert.Equal(t, float32(0.25), a.Z)
	}
}

func TestCounterAdvancesOncePerMessage(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.eng.HandleDatagram([]byte{0}, server))
	f.connect(t)
	require.NoError(t, f.eng.HandleDatagram(heartbeat(1), server))
	require.NoError(t, f.eng.HandleDatagram([]byte{0, 0, 0, byte(spec.TypePingPong), 0, 0, 0, 0, 0, 0, 0, 2}, server))
	require.NoError(t, f.eng.Tick())
	require.NoError(t, f.eng.Tick())
	require.NoError(t, f.eng.SendBattery(3.9, 0.9))
	require.NoError(t, f.eng.SendSignalStrength(-55))

	sent := f.tr.Sent()
	require.Len(t, sent, 3+2*DefaultSensorCount+2)
	for i, d := range sent {
		if i == 2 {
			continue // ping echo carries the server's bytes
		}
		assert.Equal(t, uint64(i), counterOf(t, d.data), "packet %d", i)
	}
	assert.Equal(t, uint64(len(sent)), f.eng.Session().Counter)
	assert.Equal(t, uint64(len(sent)), f.eng.Stats().PacketsSent)
}

func TestCheckTimeout(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.eng.CheckTimeout())

	f.connect(t)
	f.clock.Advance(DefaultTimeout)
	assert.False(t, f.eng.CheckTimeout(), "timeout is strict")
	assert.True(t, f.eng.IsConnected())

	f.clock.Advance(time.Millisecond)
	assert.True(t, f.eng.CheckTimeout())
	assert.False(t, f.eng.IsConnected())
	assert.Equal(t, uint64(1), f.eng.Stats().Timeouts)
	assert.Contains(t, f.logs.String(), ErrConnectionTimeout.Error())
	assert.False(t, f.eng.CheckTimeout())
}

func TestReconnectAfterTimeoutResendsSensorInfo(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	require.NoError(t, f.eng.Tick())

	f.clock.Advance(10 * time.Second)
	require.True(t, f.eng.CheckTimeout())
	require.NoError(t, f.eng.Tick())
	assert.Len(t, f.tr.Sent(), DefaultSensorCount)

	f.connect(t)
	require.NoError(t, f.eng.Tick())
	sent := f.tr.Sent()
	require.Len(t, sent, 2*DefaultSensorCount)
	_, err := protocol.DecodeSensorInfo(sent[DefaultSensorCount].data)
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), f.eng.Stats().Handshakes)
}

func TestStaleSessionTimesOutAfterDispatch(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	f.clock.Advance(time.Second)
	require.NoError(t, f.eng.HandleDatagram(heartbeat(1), server))
	assert.True(t, f.eng.IsConnected())

	f.clock.Advance(DefaultTimeout + time.Second)
	require.NoError(t, f.eng.HandleDatagram(heartbeat(2), server))
	assert.Len(t, f.tr.Sent(), 2, "message is handled before the check")
	assert.False(t, f.eng.IsConnected())
}

func TestOverflowDropsOnlyThatMessage(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.BufferSize = protocol.HeaderSize + 4 })

	err := f.eng.HandleDatagram([]byte{0}, server)
	assert.ErrorIs(t, err, netbuf.ErrBufferOverflow)
	assert.Empty(t, f.tr.Sent())
	assert.Equal(t, uint64(0), f.eng.Session().Counter)
	assert.Equal(t, uint64(1), f.eng.Stats().EncodeErrors)

	f.connect(t)
	require.NoError(t, f.eng.HandleDatagram(heartbeat(1), server))
	sent := f.tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(0), counterOf(t, sent[0].data))
}

func TestSendFailureKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	f.tr.sendErr = errors.New("network unreachable")

	err := f.eng.HandleDatagram(heartbeat(1), server)
	assert.Error(t, err)
	assert.True(t, f.eng.IsConnected())
	assert.Equal(t, uint64(1), f.eng.Stats().SendErrors)
	assert.Contains(t, f.logs.String(), "send failed")
}

func TestBatteryAndSignalRequireSession(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.eng.SendBattery(3.7, 0.5), ErrNotConnected)
	assert.ErrorIs(t, f.eng.SendSignalStrength(-40), ErrNotConnected)

	f.connect(t)
	require.NoError(t, f.eng.SendBattery(3.7, 0.5))
	require.NoError(t, f.eng.SendSignalStrength(-40))
	sent := f.tr.Sent()
	require.Len(t, sent, 2)

	bl, err := protocol.DecodeBatteryLevel(sent[0].data)
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), bl.Level)
	ss, err := protocol.DecodeSignalStrength(sent[1].data)
	require.NoError(t, err)
	assert.Equal(t, int8(-40), ss.RSSI)
}

type memRecorder struct {
	mu      sync.Mutex
	inbound []bool
}

func (m *memRecorder) Record(inbound bool, _ *net.UDPAddr, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = append(m.inbound, inbound)
	return nil
}

func TestRecorderSeesBothDirections(t *testing.T) {
	rec := &memRecorder{}
	f := newFixture(t, func(c *Config) { c.Recorder = rec })
	require.NoError(t, f.eng.HandleDatagram([]byte{0}, server))
	assert.Equal(t, []bool{true, false}, rec.inbound)
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.eng.Stop(), "stop before start")

	require.NoError(t, f.eng.Start())
	require.NoError(t, f.eng.Start())
	assert.True(t, f.eng.IsRunning())
	assert.Equal(t, 1, f.tr.starts)

	require.NoError(t, f.eng.Stop())
	require.NoError(t, f.eng.Stop())
	assert.False(t, f.eng.IsRunning())
	assert.Equal(t, 1, f.tr.stops)
}

func TestReceiveLoopDispatches(t *testing.T) {
	tr := newFakeTransport()
	cfg := DefaultConfig()
	eng, err := New(cfg, tr)
	require.NoError(t, err)
	require.NoError(t, eng.Start())
	defer eng.Stop()

	tr.inbox <- datagram{data: []byte{byte(spec.ReceiveHandshake)}, addr: server}
	require.Eventually(t, eng.IsConnected, time.Second, 5*time.Millisecond)

	tr.inbox <- datagram{data: heartbeat(3), addr: server}
	require.Eventually(t, func() bool { return len(tr.Sent()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestLoopbackSession(t *testing.T) {
	tr := transport.NewUDP(transport.Options{})
	cfg := DefaultConfig()
	cfg.LocalPort = 0
	eng, err := New(cfg, tr)
	require.NoError(t, err)
	require.NoError(t, eng.Start())
	defer eng.Stop()

	srv, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer srv.Close()
	tracker := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: tr.LocalAddr().Port}

	read := func() []byte {
		t.Helper()
		require.NoError(t, srv.SetReadDeadline(time.Now().Add(2*time.Second)))
		buf := make([]byte, protocol.MaxPacketSize)
		n, _, err := srv.ReadFromUDP(buf)
		require.NoError(t, err)
		return buf[:n]
	}

	_, err = srv.WriteToUDP([]byte{0}, tracker)
	require.NoError(t, err)
	hs, err := protocol.DecodeHandshake(read())
	require.NoError(t, err)
	assert.Equal(t, "0.3.3", hs.FirmwareVersion)

	out := netbuf.New(64)
	require.NoError(t, protocol.WriteServerHandshake(out))
	_, err = srv.WriteToUDP(out.Bytes(), tracker)
	require.NoError(t, err)
	require.Eventually(t, eng.IsConnected, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, eng.Tick())
	for i := 1; i <= DefaultSensorCount; i++ {
		si, err := protocol.DecodeSensorInfo(read())
		require.NoError(t, err)
		assert.Equal(t, uint8(i), si.SensorID)
	}

	require.NoError(t, protocol.WriteServerPing(out, 0, 77))
	_, err = srv.WriteToUDP(out.Bytes(), tracker)
	require.NoError(t, err)
	assert.Equal(t, out.Bytes(), read())
}

// failingTransport reports a socket error on every Receive until stopped.
type failingTransport struct {
	*fakeTransport
	receives atomic.Int32
}

func (f *failingTransport) Receive([]byte) (int, *net.UDPAddr, error) {
	f.receives.Add(1)
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	select {
	case <-closed:
		return 0, nil, transport.ErrClosed
	default:
		return 0, nil, errors.New("connection refused")
	}
}

func TestReceiveErrorsBackOff(t *testing.T) {
	tr := &failingTransport{fakeTransport: newFakeTransport()}
	eng, err := New(DefaultConfig(), tr)
	require.NoError(t, err)
	require.NoError(t, eng.Start())

	time.Sleep(3 * receiveBackoff)
	require.NoError(t, eng.Stop())

	n := tr.receives.Load()
	assert.GreaterOrEqual(t, n, int32(1))
	assert.LessOrEqual(t, n, int32(5), "receive loop spun without backing off")
}

func TestStatsLogIncludesEncodeErrors(t *testing.T) {
	var out bytes.Buffer
	zerolog.New(&out).Info().Object("stats", Stats{PacketsSent: 2, EncodeErrors: 3}).Msg("")
	assert.Contains(t, out.String(), `"encode_errors":3`)
	assert.Contains(t, out.String(), `"sent":2`)
}
