// Package natclient maps the tracker's listen port on the local gateway so a
// tracking server outside the LAN can reach it. UPnP IGD is tried first, then
// NAT-PMP/PCP.
package natclient

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NATClient defines the common interface for NAT traversal clients
type NATClient interface {
	// AddPortMapping requests a port mapping on the gateway.
	AddPortMapping(protocol string, externalPort, internalPort uint16, description string, leaseDuration uint32) error
	// DeletePortMapping removes a previously added port mapping.
	DeletePortMapping(protocol string, externalPort uint16) error
	// CleanupAllMappings removes all port mappings created by this client.
	CleanupAllMappings()
	GetExternalIP() string
	GetLocalIP() string
	// GetType identifies the mechanism, e.g. "IGDv1-IP1" or "NAT-PMP/PCP".
	GetType() string
}

// Options selects how the listen port is published.
type Options struct {
	Port   uint16
	NodeID string
	// ProbeAddr is dialled to learn the outbound interface address when no
	// suitable interface address is found. Defaults to 8.8.8.8:53.
	ProbeAddr string
	Logger    zerolog.Logger
}

var ErrNoMapping = errors.New("natclient: no gateway accepted the port mapping")

type factory struct {
	name  string
	lease uint32
	new   func(probeAddr string, logger zerolog.Logger) (NATClient, error)
}

var factories = []factory{
	{name: "UPnP", lease: 0, new: func(p string, l zerolog.Logger) (NATClient, error) { return newUPnPClient(p, l) }},
	// 0 deletes a NAT-PMP mapping, so ask for a day.
	{name: "NAT-PMP/PCP", lease: 24 * 3600, new: func(p string, l zerolog.Logger) (NATClient, error) { return newNATPMPClient(p, l) }},
}

// SetupNAT maps opts.Port (UDP) on the gateway and returns the client that
// holds the mapping. Call Cleanup with the result on shutdown.
func SetupNAT(opts Options) (NATClient, error) {
	return setup(opts, factories)
}

func setup(opts Options, candidates []factory) (NATClient, error) {
	if opts.Port == 0 {
		return nil, fmt.Errorf("natclient: port must be set")
	}
	logger := opts.Logger
	var errs []error
	for _, f := range candidates {
		logger.Debug().Str("method", f.name).Msg("NAT Setup: attempting discovery")
		c, err := f.new(opts.ProbeAddr, logger)
		if err != nil {
			logger.Info().Err(err).Str("method", f.name).Msg("NAT Setup: discovery failed")
			errs = append(errs, fmt.Errorf("%s init: %w", f.name, err))
			continue
		}
		desc := Description(opts.NodeID, c.GetType())
		if err := c.AddPortMapping("udp", opts.Port, opts.Port, desc, f.lease); err != nil {
			logger.Info().Err(err).Str("method", c.GetType()).Msg("NAT Setup: mapping refused")
			errs = append(errs, fmt.Errorf("%s mapping: %w", f.name, err))
			continue
		}
		logger.Info().Str("method", c.GetType()).
			Str("external", net.JoinHostPort(c.GetExternalIP(), fmt.Sprint(opts.Port))).
			Msg("NAT Setup: listen port mapped")
		return c, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoMapping, errors.Join(errs...))
}

// Cleanup removes the mappings held by client. Safe to call with nil.
func Cleanup(client NATClient) {
	if client != nil {
		client.CleanupAllMappings()
	}
}

// Description is the mapping label shown in the router's table.
func Description(nodeID, clientType string) string {
	if nodeID == "" {
		nodeID = "tracker"
	}
	return fmt.Sprintf("slimetracker/%s/%s", nodeID, clientType)
}

// getLocalIP returns a non-loopback, non-linklocal IPv4 address for the host.
func getLocalIP(probeAddr string) (string, error) {
	if probeAddr == "" {
		addrs, err := net.InterfaceAddrs()
		if err != nil {
			return "", fmt.Errorf("failed to get interface addresses: %w", err)
		}
		if ip := firstUsableIPv4(addrs); ip != nil {
			return ip.String(), nil
		}
		probeAddr = "8.8.8.8:53"
	}
	conn, err := net.DialTimeout("udp", probeAddr, 2*time.Second)
	if err != nil {
		return "", fmt.Errorf("no suitable local IPv4 address found: %w", err)
	}
	defer conn.Close()
	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok && usableIPv4(local.IP) {
		return local.IP.To4().String(), nil
	}
	return "", fmt.Errorf("no suitable local IPv4 address found")
}

func firstUsableIPv4(addrs []net.Addr) net.IP {
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && usableIPv4(ipnet.IP) {
			return ipnet.IP.To4()
		}
	}
	return nil
}

func usableIPv4(ip net.IP) bool {
	v4 := ip.To4()
	return v4 != nil && !v4.IsLoopback() && !v4.IsLinkLocalUnicast()
}

// guessGateway assumes the router is .1 on the local /24.
func guessGateway(localIP string) net.IP {
	ip := net.ParseIP(localIP).To4()
	if ip == nil {
		return nil
	}
	return net.IPv4(ip[0], ip[1], ip[2], 1)
}

// Helper to standardize protocol input
func standardizeProtocol(protocol string) string {
	if strings.EqualFold(protocol, "udp") {
		return "UDP"
	}
	return "TCP"
}
