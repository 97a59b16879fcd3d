package engine

import (
	"errors"
	"fmt"
	"net"
	"time"

	"slimetracker-go/pkg/protocol"
	"slimetracker-go/pkg/protocol/spec"
)

type State uint8

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Disconnected":
		*s = Disconnected
	case "Connected":
		*s = Connected
	default:
		return fmt.Errorf("unknown session state %q", b)
	}
	return nil
}

// Session is a point-in-time view of the engine's session.
type Session struct {
	State          State         `json:"state"`
	Peer           string        `json:"peer,omitempty"`
	Counter        uint64        `json:"counter"`
	LastActivity   int64         `json:"last_activity_ms"`
	ConnectedSince int64         `json:"connected_since_ms"`
	SensorInfoSent bool          `json:"sensor_info_sent"`
	SensorCount    int           `json:"sensor_count"`
	Timeout        time.Duration `json:"timeout"`
}

func (e *Engine) Session() Session {
	e.sendMu.Lock()
	counter := e.counter
	e.sendMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	s := Session{
		State:          Disconnected,
		Counter:        counter,
		LastActivity:   e.lastActivity,
		ConnectedSince: e.connectedSince,
		SensorInfoSent: e.sensorInfoSent,
		SensorCount:    e.cfg.SensorCount,
		Timeout:        e.cfg.Timeout,
	}
	if e.connected {
		s.State = Connected
	}
	if e.peer != nil {
		s.Peer = e.peer.String()
	}
	return s
}

func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// HandleDatagram runs one inbound datagram through the state machine. The
// receive loop calls it for every datagram; payload is not retained.
func (e *Engine) HandleDatagram(payload []byte, addr *net.UDPAddr) error {
	e.stats.received.Add(1)
	e.dump("rx", addr, payload)
	e.record(true, addr, payload)

	e.mu.Lock()
	connected := e.connected
	e.mu.Unlock()

	if !connected {
		return e.handleDisconnected(payload, addr)
	}
	return e.handleConnected(payload, addr)
}

func (e *Engine) handleDisconnected(payload []byte, addr *net.UDPAddr) error {
	pt, err := protocol.TypeAt(payload, false)
	if err != nil {
		return e.drop(addr, payload, err)
	}
	if spec.ReceiveType(pt) == spec.ReceiveHandshake {
		e.connect(addr)
		return nil
	}
	e.transport.BindPeer(addr)
	e.mu.Lock()
	e.peer = copyAddr(addr)
	e.mu.Unlock()
	e.log.Info().Str("peer", addr.String()).Msg("Engine: server discovered, sending handshake")
	return e.sendHandshake()
}

func (e *Engine) connect(addr *net.UDPAddr) {
	now := e.clock.NowMillis()
	e.transport.BindPeer(addr)

	e.mu.Lock()
	e.connected = true
	e.peer = copyAddr(addr)
	e.lastActivity = now
	e.connectedSince = now
	e.sensorInfoSent = false
	e.mu.Unlock()

	e.stats.handshakes.Add(1)
	e.log.Info().Str("peer", addr.String()).Msg("Engine: handshake successful")
}

func (e *Engine) handleConnected(payload []byte, addr *net.UDPAddr) error {
	pt, err := protocol.TypeAt(payload, true)
	if err != nil {
		return e.drop(addr, payload, err)
	}
	if spec.PacketType(pt) == spec.TypeSensorInfo && len(payload) < protocol.MinSensorInfoSize {
		return e.drop(addr, payload, fmt.Errorf("sensor info of %d bytes, need %d", len(payload), protocol.MinSensorInfoSize))
	}

	now := e.clock.NowMillis()
	e.mu.Lock()
	if !e.connected {
		// A timeout dropped the session after HandleDatagram looked.
		e.mu.Unlock()
		return e.handleDisconnected(payload, addr)
	}
	previous := e.lastActivity
	e.lastActivity = now
	e.mu.Unlock()

	var sendErr error
	switch pt {
	case uint8(spec.TypeHeartbeat):
		sendErr = e.sendHeartbeat()
	case uint8(spec.TypePingPong):
		sendErr = e.echo(payload, addr)
	case uint8(spec.TypeSensorInfo):
		e.log.Debug().Str("peer", addr.String()).Uint8("sensor", payload[protocol.MinSensorInfoSize-1]).
			Msg("Engine: sensor info acknowledged")
	case uint8(spec.ReceiveHeartbeat), uint8(spec.ReceiveVibrate), uint8(spec.ReceiveHandshake),
		uint8(spec.ReceiveCommand), uint8(spec.TypeConfig):
		e.log.Debug().Str("peer", addr.String()).Stringer("type", inboundType(pt)).Msg("Engine: packet accepted")
	default:
		e.log.Debug().Str("peer", addr.String()).Uint8("type", pt).Msg("Engine: unknown packet type ignored")
	}

	if now-previous > e.timeoutMs {
		e.timeout(now - previous)
	}
	return sendErr
}

// CheckTimeout drops the session when nothing has been received for longer
// than the configured timeout. It reports whether the session was dropped.
func (e *Engine) CheckTimeout() bool {
	now := e.clock.NowMillis()
	e.mu.Lock()
	idle := now - e.lastActivity
	expired := e.connected && idle > e.timeoutMs
	e.mu.Unlock()
	if expired {
		e.timeout(idle)
	}
	return expired
}

func (e *Engine) timeout(idleMs int64) {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return
	}
	e.connected = false
	e.sensorInfoSent = false
	peer := e.peer
	e.mu.Unlock()

	e.stats.timeouts.Add(1)
	e.log.Warn().Err(ErrConnectionTimeout).Stringer("peer", peer).Int64("idle_ms", idleMs).
		Msg("Engine: session lost, waiting for server")
}

// Tick emits the periodic sensor traffic. The first tick of a session sends
// one sensor info per slot; every later tick sends one accel sample per slot.
// It does nothing while disconnected.
func (e *Engine) Tick() error {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return nil
	}
	first := !e.sensorInfoSent
	e.sensorInfoSent = true
	e.mu.Unlock()

	var errs []error
	for i := 1; i <= e.cfg.SensorCount; i++ {
		id := uint8(i)
		var err error
		if first {
			err = e.sendSensorInfo(id)
		} else {
			err = e.sendAccel(id, e.source.Float32(), e.source.Float32(), e.source.Float32())
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if first {
		e.log.Info().Int("sensors", e.cfg.SensorCount).Msg("Engine: sensor info sent")
	}
	return errors.Join(errs...)
}

func (e *Engine) drop(addr *net.UDPAddr, payload []byte, reason error) error {
	e.stats.dropped.Add(1)
	err := fmt.Errorf("%w: %v", ErrProtocolViolation, reason)
	e.log.Warn().Err(err).Stringer("peer", addr).Int("size", len(payload)).Msg("Engine: dropping packet")
	return err
}

func (e *Engine) dump(dir string, addr *net.UDPAddr, payload []byte) {
	if ev := e.log.Debug(); ev.Enabled() {
		ev.Str("dir", dir).Stringer("peer", addr).Str("data", fmt.Sprintf("% X", payload)).Msg("Engine: packet")
	}
}

func (e *Engine) record(inbound bool, addr *net.UDPAddr, payload []byte) {
	if e.cfg.Recorder == nil {
		return
	}
	if err := e.cfg.Recorder.Record(inbound, addr, payload); err != nil {
		e.log.Warn().Err(err).Msg("Engine: capture failed")
	}
}

// inboundType names a connected-framing type byte from the server's side.
type inboundType uint8

func (t inboundType) String() string {
	switch uint8(t) {
	case uint8(spec.ReceiveHeartbeat), uint8(spec.ReceiveVibrate), uint8(spec.ReceiveHandshake), uint8(spec.ReceiveCommand):
		return spec.ReceiveType(t).String()
	}
	return spec.PacketType(t).String()
}

func copyAddr(addr *net.UDPAddr) *net.UDPAddr {
	if addr == nil {
		return nil
	}
	c := *addr
	c.IP = append(net.IP(nil), addr.IP...)
	return &c
}
