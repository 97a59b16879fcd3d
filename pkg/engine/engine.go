// Package engine implements the tracker side of the protocol: a single
// session with one tracking server, driven by inbound datagrams and by an
// externally clocked Tick.
//
// Session state is written by the receive goroutine and read by the tick
// caller; it lives behind mu. Every encode-then-transmit sequence runs under
// sendMu, which also owns the packet counter and the shared buffer. The two
// locks are never held together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"slimetracker-go/pkg/buffers"
	"slimetracker-go/pkg/clock"
	"slimetracker-go/pkg/netbuf"
	"slimetracker-go/pkg/protocol"
	"slimetracker-go/pkg/sensor"
	"slimetracker-go/pkg/transport"
)

const (
	DefaultPort        = 6969
	DefaultTimeout     = 3 * time.Second
	DefaultSensorCount = 6
	DefaultBufferSize  = 256

	// receiveBackoff paces the receive loop after a socket error.
	receiveBackoff = 100 * time.Millisecond

	// MaxSensorCount keeps sensor ids clear of the id reserved for link
	// level reports.
	MaxSensorCount = 254
)

var (
	// ErrProtocolViolation marks an inbound datagram that was dropped.
	ErrProtocolViolation = errors.New("engine: protocol violation")
	// ErrConnectionTimeout is logged when a session is dropped for inactivity.
	ErrConnectionTimeout = errors.New("engine: connection timeout")
	ErrNotConnected      = errors.New("engine: not connected")
)

// Transport is the datagram endpoint the engine talks through.
// *transport.UDP satisfies it.
type Transport interface {
	Start(localPort int) error
	Stop() error
	Receive(buf []byte) (int, *net.UDPAddr, error)
	BindPeer(addr *net.UDPAddr)
	Send(b []byte) error
	SendTo(b []byte, addr *net.UDPAddr) error
}

// Recorder receives a copy of every datagram the engine handles.
type Recorder interface {
	Record(inbound bool, addr *net.UDPAddr, payload []byte) error
}

type Config struct {
	LocalPort   int
	Timeout     time.Duration
	SensorCount int
	BufferSize  int
	Device      protocol.DeviceInfo

	Logger   zerolog.Logger
	Clock    clock.Clock
	Source   sensor.Source
	Recorder Recorder
}

func DefaultConfig() Config {
	return Config{
		LocalPort:   DefaultPort,
		Timeout:     DefaultTimeout,
		SensorCount: DefaultSensorCount,
		BufferSize:  DefaultBufferSize,
		Device:      protocol.DefaultDeviceInfo(),
		Logger:      zerolog.Nop(),
	}
}

type Engine struct {
	cfg       Config
	log       zerolog.Logger
	clock     clock.Clock
	source    sensor.Source
	transport Transport
	timeoutMs int64

	sendMu  sync.Mutex
	buf     *netbuf.Buffer
	counter uint64

	mu             sync.Mutex
	connected      bool
	peer           *net.UDPAddr
	lastActivity   int64
	connectedSince int64
	sensorInfoSent bool

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats counters
}

// New builds a disconnected engine with a zero packet counter.
func New(cfg Config, t Transport) (*Engine, error) {
	if t == nil {
		return nil, fmt.Errorf("engine: nil transport")
	}
	if cfg.SensorCount < 1 || cfg.SensorCount > MaxSensorCount {
		return nil, fmt.Errorf("engine: sensor count %d out of range [1,%d]", cfg.SensorCount, MaxSensorCount)
	}
	if cfg.BufferSize < protocol.HeaderSize {
		return nil, fmt.Errorf("engine: buffer size %d below header size %d", cfg.BufferSize, protocol.HeaderSize)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("engine: timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if cfg.Source == nil {
		cfg.Source = sensor.NewRandom()
	}
	return &Engine{
		cfg:       cfg,
		log:       cfg.Logger,
		clock:     cfg.Clock,
		source:    cfg.Source,
		transport: t,
		timeoutMs: cfg.Timeout.Milliseconds(),
		buf:       netbuf.New(cfg.BufferSize),
	}, nil
}

// Start binds the transport and launches the receive loop. Calling Start on
// a running engine is a no-op.
func (e *Engine) Start() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return nil
	}
	if err := e.transport.Start(e.cfg.LocalPort); err != nil {
		return fmt.Errorf("engine: start transport: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true

	e.wg.Add(1)
	go e.receiveLoop(ctx)

	e.log.Info().Int("port", e.cfg.LocalPort).Msg("Engine: listening")
	return nil
}

// Stop terminates the receive loop and releases the transport. It is safe to
// call repeatedly and before Start.
func (e *Engine) Stop() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.running {
		return nil
	}
	e.cancel()
	err := e.transport.Stop()
	e.wg.Wait()
	e.running = false
	if err != nil {
		return fmt.Errorf("engine: stop transport: %w", err)
	}
	e.log.Info().Msg("Engine: stopped")
	return nil
}

func (e *Engine) IsRunning() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

func (e *Engine) receiveLoop(ctx context.Context) {
	defer e.wg.Done()

	packet := buffers.DatagramPool.Get()
	defer buffers.DatagramPool.Put(packet)

	for {
		n, addr, err := e.transport.Receive(packet)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return
			}
			e.log.Warn().Err(err).Dur("backoff", receiveBackoff).Msg("Engine: receive failed")
			select {
			case <-time.After(receiveBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		if err := e.HandleDatagram(packet[:n], addr); err != nil {
			e.log.Debug().Err(err).Msg("Engine: datagram not fully handled")
		}
	}
}
