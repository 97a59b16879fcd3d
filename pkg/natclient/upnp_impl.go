package natclient

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/rs/zerolog"
)

// igdConnection is the subset of the generated IGD clients used here. All
// four WAN connection flavours implement it.
type igdConnection interface {
	GetExternalIPAddressCtx(ctx context.Context) (string, error)
	AddPortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string,
		internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string) error
}

var (
	_ igdConnection = (*internetgateway2.WANIPConnection2)(nil)
	_ igdConnection = (*internetgateway2.WANPPPConnection1)(nil)
	_ igdConnection = (*internetgateway1.WANIPConnection1)(nil)
	_ igdConnection = (*internetgateway1.WANPPPConnection1)(nil)
)

const soapTimeout = 3 * time.Second

// UPnPClient encapsulates IGD (Internet Gateway Device) functionality
type UPnPClient struct {
	gateway     igdConnection
	log         zerolog.Logger
	GatewayType string
	LocalIP     string
	ExternalIP  string

	mu          sync.Mutex
	mappedPorts map[uint16]string // protocol by external port
}

var _ NATClient = (*UPnPClient)(nil)

func newUPnPClient(probeAddr string, logger zerolog.Logger) (*UPnPClient, error) {
	localIP, err := getLocalIP(probeAddr)
	if err != nil {
		return nil, fmt.Errorf("UPnP: failed to get local IP: %w", err)
	}
	igd, gwType, err := discoverIGD(logger)
	if err != nil {
		return nil, fmt.Errorf("UPnP: failed to discover IGD: %w", err)
	}
	c := &UPnPClient{
		gateway:     igd,
		log:         logger,
		GatewayType: gwType,
		LocalIP:     localIP,
		mappedPorts: make(map[uint16]string),
	}

	ctx, cancel := context.WithTimeout(context.Background(), soapTimeout)
	defer cancel()
	if ip, err := igd.GetExternalIPAddressCtx(ctx); err != nil {
		logger.Warn().Err(err).Msg("UPnP: external address unknown")
	} else {
		c.ExternalIP = ip
	}
	return c, nil
}

// discoverIGD probes IGDv2 before IGDv1, IP connections before PPP.
func discoverIGD(logger zerolog.Logger) (igdConnection, string, error) {
	probes := []struct {
		name  string
		probe func(ctx context.Context) (igdConnection, error)
	}{
		{"IGDv2-IP2", func(ctx context.Context) (igdConnection, error) {
			c, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx)
			return firstOf(c, err)
		}},
		{"IGDv2-PPP1", func(ctx context.Context) (igdConnection, error) {
			c, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx)
			return firstOf(c, err)
		}},
		{"IGDv1-IP1", func(ctx context.Context) (igdConnection, error) {
			c, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx)
			return firstOf(c, err)
		}},
		{"IGDv1-PPP1", func(ctx context.Context) (igdConnection, error) {
			c, _, err := internetgateway1.NewWANPPPConnection1ClientsCtx(ctx)
			return firstOf(c, err)
		}},
	}
	for _, p := range probes {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c, err := p.probe(ctx)
		cancel()
		if err == nil {
			return c, p.name, nil
		}
		logger.Debug().Err(err).Str("type", p.name).Msg("UPnP Discovery: probe failed")
	}
	return nil, "", fmt.Errorf("no compatible UPnP IGD found after checking all types")
}

func firstOf[T igdConnection](clients []T, err error) (igdConnection, error) {
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("no device answered")
	}
	return clients[0], nil
}

func (c *UPnPClient) GetExternalIP() string { return c.ExternalIP }
func (c *UPnPClient) GetLocalIP() string    { return c.LocalIP }
func (c *UPnPClient) GetType() string       { return c.GatewayType }

// AddPortMapping creates a new port mapping.
func (c *UPnPClient) AddPortMapping(protocol string, externalPort, internalPort uint16, description string, leaseDuration uint32) error {
	proto := standardizeProtocol(protocol)
	ctx, cancel := context.WithTimeout(context.Background(), soapTimeout)
	defer cancel()

	err := c.gateway.AddPortMappingCtx(ctx, "", externalPort, proto, internalPort, c.LocalIP, true, description, leaseDuration)
	if err != nil {
		if strings.Contains(err.Error(), "ConflictInMappingEntry") {
			return fmt.Errorf("UPnP: AddPortMapping failed - port %d/%s may already be mapped: %w", externalPort, proto, err)
		}
		if strings.Contains(err.Error(), "OnlyPermanentLeasesSupported") && leaseDuration != 0 {
			c.log.Info().Msg("UPnP: router only supports permanent leases, retrying")
			return c.AddPortMapping(protocol, externalPort, internalPort, description, 0)
		}
		return fmt.Errorf("UPnP: AddPortMapping failed for %d/%s: %w", externalPort, proto, err)
	}

	c.mu.Lock()
	c.mappedPorts[externalPort] = proto
	c.mu.Unlock()
	return nil
}

// DeletePortMapping removes a port mapping.
func (c *UPnPClient) DeletePortMapping(protocol string, externalPort uint16) error {
	proto := standardizeProtocol(protocol)
	ctx, cancel := context.WithTimeout(context.Background(), soapTimeout)
	defer cancel()

	err := c.gateway.DeletePortMappingCtx(ctx, "", externalPort, proto)
	if err != nil && !strings.Contains(err.Error(), "NoSuchEntryInArray") {
		return fmt.Errorf("UPnP: DeletePortMapping failed for %d/%s: %w", externalPort, proto, err)
	}
	c.mu.Lock()
	delete(c.mappedPorts, externalPort)
	c.mu.Unlock()
	return nil
}

// CleanupAllMappings removes all port mappings created by this client instance.
func (c *UPnPClient) CleanupAllMappings() {
	if c == nil || c.gateway == nil {
		return
	}
	c.mu.Lock()
	ports := make(map[uint16]string, len(c.mappedPorts))
	for p, proto := range c.mappedPorts {
		ports[p] = proto
	}
	c.mu.Unlock()

	for port, proto := range ports {
		if err := c.DeletePortMapping(proto, port); err != nil {
			c.log.Warn().Err(err).Uint16("port", port).Msg("UPnP Cleanup: failed to remove mapping")
		}
	}
}
