// Package simserver is a minimal tracking server used to exercise trackers
// without the real server: it discovers trackers, answers their handshakes,
// keeps them alive with heartbeats and records what they report.
package simserver

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"slimetracker-go/pkg/buffers"
	"slimetracker-go/pkg/netbuf"
	"slimetracker-go/pkg/protocol"
	"slimetracker-go/pkg/protocol/spec"
	"slimetracker-go/pkg/transport"
)

type Config struct {
	ListenPort int
	// Targets receive discovery packets until they complete a handshake.
	Targets           []*net.UDPAddr
	DiscoveryInterval time.Duration
	HeartbeatInterval time.Duration
	ExpiryDuration    time.Duration // trackers silent for longer are forgotten
	CleanupInterval   time.Duration
	Broadcast         bool
	Logger            zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Targets:           []*net.UDPAddr{{IP: net.IPv4bcast, Port: 6969}},
		DiscoveryInterval: time.Second,
		HeartbeatInterval: 800 * time.Millisecond,
		ExpiryDuration:    5 * time.Second,
		CleanupInterval:   time.Second,
		Broadcast:         true,
		Logger:            zerolog.Nop(),
	}
}

// Tracker is what the server knows about one tracker.
type Tracker struct {
	Addr            string
	HardwareAddr    string
	FirmwareVersion string
	BoardType       int32
	IMUType         int32
	Sensors         map[uint8]spec.SensorStatus
	AccelSamples    uint64
	LastCounter     uint64
	BatteryLevel    float32
	BatteryVoltage  float32
	RSSI            int8
	LastSeen        time.Time
	LastRTT         time.Duration
	Pongs           uint64
}

type Stats struct {
	PacketsRecv    uint64
	PacketsSent    uint64
	PacketsDropped uint64
	Handshakes     uint64
	Expired        uint64
}

type Server struct {
	cfg Config
	log zerolog.Logger
	udp *transport.UDP

	sendMu  sync.Mutex
	buf     *netbuf.Buffer
	counter uint64

	mu       sync.RWMutex
	trackers map[string]*Tracker // keyed by address
	pings    map[int32]time.Time
	nextPing int32

	recv, sent, dropped, handshakes, expired atomic.Uint64

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

func New(cfg Config) *Server {
	return &Server{
		cfg:        cfg,
		log:        cfg.Logger,
		udp:        transport.NewUDP(transport.Options{Broadcast: cfg.Broadcast, Logger: cfg.Logger}),
		buf:        netbuf.New(protocol.MaxPacketSize),
		trackers:   make(map[string]*Tracker),
		pings:      make(map[int32]time.Time),
		shutdownCh: make(chan struct{}),
	}
}

// Start binds the listen port and launches the receive, discovery,
// heartbeat and cleanup routines.
func (s *Server) Start() error {
	if err := s.udp.Start(s.cfg.ListenPort); err != nil {
		return fmt.Errorf("simserver: %w", err)
	}
	s.wg.Add(1)
	go s.listen()
	s.every(s.cfg.DiscoveryInterval, s.discover)
	s.every(s.cfg.HeartbeatInterval, s.heartbeat)
	s.every(s.cfg.CleanupInterval, func() { s.CleanupStaleTrackers(s.cfg.ExpiryDuration) })
	s.log.Info().Stringer("addr", s.udp.LocalAddr()).Msg("Server: listening")
	return nil
}

func (s *Server) every(d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		fn()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-s.shutdownCh:
				return
			}
		}
	}()
}

func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.shutdownCh)
		err = s.udp.Stop()
		s.wg.Wait()
	})
	return err
}

func (s *Server) LocalAddr() *net.UDPAddr { return s.udp.LocalAddr() }

func (s *Server) listen() {
	defer s.wg.Done()
	packet := buffers.DatagramPool.Get()
	defer buffers.DatagramPool.Put(packet)
	for {
		n, addr, err := s.udp.Receive(packet)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("Server: receive failed")
			continue
		}
		if err := s.HandlePacket(packet[:n], addr); err != nil {
			s.dropped.Add(1)
			s.log.Debug().Err(err).Stringer("from", addr).Msg("Server: packet dropped")
		}
	}
}

// HandlePacket processes one datagram from a tracker.
func (s *Server) HandlePacket(payload []byte, addr *net.UDPAddr) error {
	s.recv.Add(1)
	h, err := protocol.ParseHeader(payload)
	if err != nil {
		return err
	}
	key := addr.String()

	if spec.PacketType(h.Type) == spec.TypeHandshake {
		hs, err := protocol.DecodeHandshake(payload)
		if err != nil {
			return err
		}
		s.register(key, hs)
		return s.send(addr, func(buf *netbuf.Buffer, _ uint64) error {
			return protocol.WriteServerHandshake(buf)
		})
	}

	s.mu.Lock()
	t, ok := s.trackers[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("packet %s from unknown tracker", spec.PacketType(h.Type))
	}
	t.LastSeen = time.Now()
	t.LastCounter = h.Counter
	s.mu.Unlock()

	switch spec.PacketType(h.Type) {
	case spec.TypeHeartbeat:
	case spec.TypeSensorInfo:
		si, err := protocol.DecodeSensorInfo(payload)
		if err != nil {
			return err
		}
		s.update(key, func(t *Tracker) { t.Sensors[si.SensorID] = si.Status })
		return s.send(addr, func(buf *netbuf.Buffer, counter uint64) error {
			return protocol.WriteServerPacket(buf, uint8(spec.TypeSensorInfo), counter, []byte{si.SensorID, uint8(si.Status)})
		})
	case spec.TypeAccel:
		if _, err := protocol.DecodeAccel(payload); err != nil {
			return err
		}
		s.update(key, func(t *Tracker) { t.AccelSamples++ })
	case spec.TypeBatteryLevel:
		bl, err := protocol.DecodeBatteryLevel(payload)
		if err != nil {
			return err
		}
		s.update(key, func(t *Tracker) { t.BatteryVoltage, t.BatteryLevel = bl.Voltage, bl.Level })
	case spec.TypeSignalStrength:
		ss, err := protocol.DecodeSignalStrength(payload)
		if err != nil {
			return err
		}
		s.update(key, func(t *Tracker) { t.RSSI = ss.RSSI })
	case spec.TypePingPong:
		s.pong(key, payload)
	default:
		s.log.Debug().Stringer("type", spec.PacketType(h.Type)).Str("from", key).Msg("Server: ignored packet")
	}
	return nil
}

func (s *Server) register(key string, hs protocol.Handshake) {
	s.mu.Lock()
	t, ok := s.trackers[key]
	if !ok {
		t = &Tracker{Addr: key, Sensors: make(map[uint8]spec.SensorStatus)}
		s.trackers[key] = t
	}
	t.HardwareAddr = hs.HardwareAddr.String()
	t.FirmwareVersion = hs.FirmwareVersion
	t.BoardType = hs.BoardType
	t.IMUType = hs.IMUType
	t.LastCounter = hs.Counter
	t.LastSeen = time.Now()
	s.mu.Unlock()

	s.handshakes.Add(1)
	s.log.Info().Str("tracker", key).Str("mac", t.HardwareAddr).Str("firmware", t.FirmwareVersion).
		Bool("new", !ok).Msg("Server: tracker handshake")
}

func (s *Server) update(key string, fn func(*Tracker)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.trackers[key]; ok {
		fn(t)
	}
}

// Ping sends a ping with a fresh id; the echo updates the tracker's RTT.
func (s *Server) Ping(addr *net.UDPAddr) error {
	s.mu.Lock()
	s.nextPing++
	id := s.nextPing
	s.pings[id] = time.Now()
	s.mu.Unlock()
	return s.send(addr, func(buf *netbuf.Buffer, counter uint64) error {
		return protocol.WriteServerPing(buf, counter, id)
	})
}

func (s *Server) pong(key string, payload []byte) {
	r := netbuf.NewReader(payload[protocol.HeaderSize:])
	id, err := r.ReadInt32()
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sent, ok := s.pings[id]
	if !ok {
		return
	}
	delete(s.pings, id)
	if t, ok := s.trackers[key]; ok {
		t.LastRTT = time.Since(sent)
		t.Pongs++
	}
}

func (s *Server) send(addr *net.UDPAddr, encode func(buf *netbuf.Buffer, counter uint64) error) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := encode(s.buf, s.counter); err != nil {
		return err
	}
	s.counter++
	if err := s.udp.SendTo(s.buf.Bytes(), addr); err != nil {
		return err
	}
	s.sent.Add(1)
	return nil
}

// discover probes every target that has not completed a handshake. The
// probe is a heartbeat, which a disconnected tracker answers with its
// handshake.
func (s *Server) discover() {
	for _, target := range s.cfg.Targets {
		s.mu.RLock()
		_, known := s.trackers[target.String()]
		s.mu.RUnlock()
		if known {
			continue
		}
		if err := s.send(target, protocol.WriteHeartbeat); err != nil {
			s.log.Debug().Err(err).Stringer("target", target).Msg("Server: discovery failed")
		}
	}
}

func (s *Server) heartbeat() {
	for _, t := range s.Trackers() {
		addr, err := net.ResolveUDPAddr("udp4", t.Addr)
		if err != nil {
			continue
		}
		if err := s.send(addr, protocol.WriteHeartbeat); err != nil {
			s.log.Debug().Err(err).Str("tracker", t.Addr).Msg("Server: heartbeat failed")
		}
	}
}

// CleanupStaleTrackers forgets trackers not heard from within expiry.
func (s *Server) CleanupStaleTrackers(expiry time.Duration) int {
	if expiry <= 0 {
		return 0
	}
	now := time.Now()
	var removed []string
	s.mu.Lock()
	for key, t := range s.trackers {
		if now.Sub(t.LastSeen) > expiry {
			delete(s.trackers, key)
			removed = append(removed, key)
		}
	}
	s.mu.Unlock()
	for _, key := range removed {
		s.expired.Add(1)
		s.log.Info().Str("tracker", key).Msg("Server: removed stale tracker")
	}
	return len(removed)
}

// Trackers returns copies of the known trackers ordered by address.
func (s *Server) Trackers() []Tracker {
	s.mu.RLock()
	out := make([]Tracker, 0, len(s.trackers))
	for _, t := range s.trackers {
		c := *t
		c.Sensors = make(map[uint8]spec.SensorStatus, len(t.Sensors))
		for id, st := range t.Sensors {
			c.Sensors[id] = st
		}
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func (s *Server) Stats() Stats {
	return Stats{
		PacketsRecv:    s.recv.Load(),
		PacketsSent:    s.sent.Load(),
		PacketsDropped: s.dropped.Load(),
		Handshakes:     s.handshakes.Load(),
		Expired:        s.expired.Load(),
	}
}
