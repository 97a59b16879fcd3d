package natclient

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/rs/zerolog"
)

type natPMPMapping struct {
	Protocol     string
	InternalPort uint16
}

// NATPMPClient encapsulates NAT-PMP/PCP functionality
type NATPMPClient struct {
	client     *natpmp.Client
	log        zerolog.Logger
	LocalIP    string
	ExternalIP string

	mu          sync.Mutex
	mappedPorts map[uint16]natPMPMapping // by external port actually granted
}

var _ NATClient = (*NATPMPClient)(nil)

func newNATPMPClient(probeAddr string, logger zerolog.Logger) (*NATPMPClient, error) {
	localIP, err := getLocalIP(probeAddr)
	if err != nil {
		return nil, fmt.Errorf("NAT-PMP/PCP: failed to get local IP: %w", err)
	}

	gw, err := gateway.DiscoverGateway()
	if err != nil || gw == nil {
		gw = guessGateway(localIP)
		if gw == nil {
			return nil, fmt.Errorf("NAT-PMP/PCP: cannot determine gateway: %w", err)
		}
		logger.Warn().Err(err).Str("gateway", gw.String()).Msg("NAT-PMP/PCP: gateway discovery failed, guessing")
	}

	c := &NATPMPClient{
		client:      natpmp.NewClientWithTimeout(gw, 3*time.Second),
		log:         logger,
		LocalIP:     localIP,
		mappedPorts: make(map[uint16]natPMPMapping),
	}
	res, err := c.client.GetExternalAddress()
	if err != nil {
		logger.Warn().Err(err).Msg("NAT-PMP/PCP: external address unknown")
	} else {
		c.ExternalIP = net.IP(res.ExternalIPAddress[:]).String()
	}
	return c, nil
}

func (c *NATPMPClient) GetExternalIP() string { return c.ExternalIP }
func (c *NATPMPClient) GetLocalIP() string    { return c.LocalIP }
func (c *NATPMPClient) GetType() string       { return "NAT-PMP/PCP" }

// AddPortMapping creates a new port mapping. The router may grant a
// different external port; the granted one is tracked for cleanup.
func (c *NATPMPClient) AddPortMapping(protocol string, externalPort, internalPort uint16, description string, leaseDuration uint32) error {
	proto := strings.ToLower(protocol)
	if proto != "udp" && proto != "tcp" {
		return fmt.Errorf("NAT-PMP/PCP: invalid protocol: %s", protocol)
	}
	lifetime := int(leaseDuration)
	if lifetime <= 0 {
		lifetime = 3600
	}

	res, err := c.client.AddPortMapping(proto, int(internalPort), int(externalPort), lifetime)
	if err != nil {
		return fmt.Errorf("NAT-PMP/PCP: AddPortMapping failed for int:%d/ext:%d: %w", internalPort, externalPort, err)
	}
	granted := res.MappedExternalPort
	if granted != externalPort {
		c.log.Warn().Uint16("requested", externalPort).Uint16("granted", granted).Msg("NAT-PMP/PCP: router changed external port")
	}
	c.log.Debug().Str("desc", description).Uint32("lifetime", res.PortMappingLifetimeInSeconds).Msg("NAT-PMP/PCP: mapping granted")

	c.mu.Lock()
	c.mappedPorts[granted] = natPMPMapping{Protocol: proto, InternalPort: internalPort}
	c.mu.Unlock()
	return nil
}

// DeletePortMapping removes a mapping by requesting lifetime 0 for its
// internal port.
func (c *NATPMPClient) DeletePortMapping(protocol string, externalPort uint16) error {
	c.mu.Lock()
	m, ok := c.mappedPorts[externalPort]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := c.client.AddPortMapping(m.Protocol, int(m.InternalPort), 0, 0); err != nil {
		return fmt.Errorf("NAT-PMP/PCP: DeletePortMapping failed for int:%d/ext:%d: %w", m.InternalPort, externalPort, err)
	}
	c.mu.Lock()
	delete(c.mappedPorts, externalPort)
	c.mu.Unlock()
	return nil
}

func (c *NATPMPClient) CleanupAllMappings() {
	if c == nil || c.client == nil {
		return
	}
	c.mu.Lock()
	ports := make(map[uint16]string, len(c.mappedPorts))
	for p, m := range c.mappedPorts {
		ports[p] = m.Protocol
	}
	c.mu.Unlock()

	for port, proto := range ports {
		if err := c.DeletePortMapping(proto, port); err != nil {
			c.log.Warn().Err(err).Uint16("port", port).Msg("NAT-PMP/PCP Cleanup: failed to remove mapping")
		}
	}
}
