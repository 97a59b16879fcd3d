// Package node runs a tracker: it waits for the network link, starts the
// protocol engine and drives its periodic cadence, and serves the status API.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"slimetracker-go/pkg/capture"
	"slimetracker-go/pkg/engine"
	"slimetracker-go/pkg/linkstate"
	"slimetracker-go/pkg/log"
	"slimetracker-go/pkg/natclient"
	"slimetracker-go/pkg/sensor"
	"slimetracker-go/pkg/transport"
)

type Node struct {
	cfg *Config
	log zerolog.Logger

	Engine    *engine.Engine
	transport *transport.UDP
	link      linkstate.Link
	source    sensor.Source
	capture   *capture.Writer
	battery   *batteryModel
	api       *API

	mu     sync.Mutex
	nat    natclient.NATClient
	cancel context.CancelFunc

	startedAt time.Time
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New wires a node from cfg. Nothing touches the network until Run.
func New(cfg *Config) (*Node, error) {
	return newNode(cfg, linkstate.New(linkstate.Options{
		Interface:      cfg.LinkInterface,
		RequireGateway: cfg.RequireGateway,
	}))
}

func newNode(cfg *Config, link linkstate.Link) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node: invalid config: %w", err)
	}
	info, err := cfg.DeviceInfo()
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	n := &Node{
		cfg:     cfg,
		log:     log.Component("node"),
		link:    link,
		source:  sensor.NewRandom(),
		battery: newBatteryModel(),
	}
	n.transport = transport.NewUDP(transport.Options{
		SocketBufferSize: cfg.UDPBufferSize,
		Broadcast:        true,
		Logger:           log.Component("transport"),
	})

	ecfg := engine.DefaultConfig()
	ecfg.LocalPort = cfg.LocalPort
	ecfg.Timeout = cfg.Timeout
	ecfg.SensorCount = cfg.SensorCount
	ecfg.BufferSize = cfg.BufferSize
	ecfg.Device = info
	ecfg.Logger = log.Component("engine")
	ecfg.Source = n.source
	if cfg.CaptureFile != "" {
		w, err := capture.Create(cfg.CaptureFile)
		if err != nil {
			return nil, fmt.Errorf("node: %w", err)
		}
		n.capture = w
		ecfg.Recorder = w
	}

	n.Engine, err = engine.New(ecfg, n.transport)
	if err != nil {
		n.closeCapture()
		return nil, fmt.Errorf("node: %w", err)
	}
	n.api = NewAPI(n)

	n.log.Info().Str("node_id", cfg.NodeID).Str("mac", info.HardwareAddr.String()).
		Int("sensors", cfg.SensorCount).Msg("Node: configured")
	return n, nil
}

// Run blocks until ctx is cancelled, then shuts the node down.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()
	n.startedAt = time.Now()

	if n.cfg.APIListenAddr != "" {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.api.Start(n.cfg.APIListenAddr); err != nil {
				n.log.Error().Err(err).Msg("Node: API stopped")
			}
		}()
	}

	if !n.link.Ready() {
		n.log.Info().Msg("Node: waiting for network link")
	}
	if err := linkstate.WaitReady(ctx, n.link, n.cfg.LinkCheckInterval); err != nil {
		n.Close()
		return nil
	}
	if err := n.startEngine(); err != nil {
		n.Close()
		return err
	}

	n.wg.Add(1)
	go n.handleTicks(ctx)
	if n.cfg.BatteryInterval > 0 {
		n.wg.Add(1)
		go n.handleBattery(ctx)
	}

	<-ctx.Done()
	n.Close()
	return nil
}

func (n *Node) startEngine() error {
	if err := n.Engine.Start(); err != nil {
		return err
	}
	if n.cfg.NATMapping {
		n.setupNAT()
	}
	return nil
}

func (n *Node) setupNAT() {
	addr := n.LocalAddr()
	if addr == nil {
		return
	}
	c, err := natclient.SetupNAT(natclient.Options{
		Port:   uint16(addr.Port),
		NodeID: n.cfg.NodeID,
		Logger: log.Component("nat"),
	})
	if err != nil {
		n.log.Warn().Err(err).Msg("Node: NAT mapping unavailable")
		return
	}
	n.mu.Lock()
	n.nat = c
	n.mu.Unlock()
}

// handleTicks drives the engine's cadence and follows the link state.
func (n *Node) handleTicks(ctx context.Context) {
	defer n.wg.Done()

	tick := time.NewTicker(n.cfg.TickInterval)
	defer tick.Stop()
	linkCheck := time.NewTicker(n.cfg.LinkCheckInterval)
	defer linkCheck.Stop()

	for {
		select {
		case <-tick.C:
			if !n.Engine.IsRunning() {
				continue
			}
			n.Engine.CheckTimeout()
			if err := n.Engine.Tick(); err != nil {
				n.log.Debug().Err(err).Msg("Node: tick incomplete")
			}
		case <-linkCheck.C:
			n.followLink()
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) followLink() {
	ready := n.link.Ready()
	running := n.Engine.IsRunning()
	switch {
	case ready && !running:
		n.log.Info().Msg("Node: link up, starting engine")
		if err := n.startEngine(); err != nil {
			n.log.Error().Err(err).Msg("Node: engine start failed")
		}
	case !ready && running:
		n.log.Warn().Msg("Node: link down, stopping engine")
		n.releaseNAT()
		if err := n.Engine.Stop(); err != nil {
			n.log.Error().Err(err).Msg("Node: engine stop failed")
		}
	}
}

func (n *Node) handleBattery(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.BatteryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.reportBattery()
		case <-ctx.Done():
			return
		}
	}
}

// reportBattery sends one battery and one signal strength report while a
// session is up.
func (n *Node) reportBattery() {
	if !n.Engine.IsConnected() {
		return
	}
	voltage, level := n.battery.next()
	err := errors.Join(
		n.Engine.SendBattery(voltage, level),
		n.Engine.SendSignalStrength(rssi(n.source)),
	)
	if err != nil && !errors.Is(err, engine.ErrNotConnected) {
		n.log.Debug().Err(err).Msg("Node: battery report incomplete")
	}
}

// LocalAddr is the bound listen address, or nil before the engine starts.
func (n *Node) LocalAddr() *net.UDPAddr {
	return n.transport.LocalAddr()
}

func (n *Node) LinkReady() bool { return n.link.Ready() }

func (n *Node) Uptime() time.Duration {
	if n.startedAt.IsZero() {
		return 0
	}
	return time.Since(n.startedAt)
}

func (n *Node) NATStatus() (kind, external string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nat == nil {
		return "", ""
	}
	return n.nat.GetType(), n.nat.GetExternalIP()
}

func (n *Node) releaseNAT() {
	n.mu.Lock()
	c := n.nat
	n.nat = nil
	n.mu.Unlock()
	natclient.Cleanup(c)
}

func (n *Node) closeCapture() {
	if n.capture == nil {
		return
	}
	if err := n.capture.Close(); err != nil {
		n.log.Error().Err(err).Msg("Node: closing capture failed")
	}
}

// Close stops the engine, the API and the background loops. Safe to call
// more than once.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		if n.cancel != nil {
			n.cancel()
		}
		n.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := n.api.Shutdown(ctx); err != nil {
			n.log.Error().Err(err).Msg("Node: API shutdown failed")
		}
		// The tick loop may restart the engine until it has exited.
		n.wg.Wait()
		n.releaseNAT()
		if err := n.Engine.Stop(); err != nil {
			n.log.Error().Err(err).Msg("Node: engine stop failed")
		}
		n.closeCapture()
		n.log.Info().Object("stats", n.Engine.Stats()).Msg("Node: shutdown complete")
	})
}
