// Package linkstate reports whether the network link is usable. The node
// does not start the protocol engine until its Link is ready.
package linkstate

import (
	"context"
	"net"
	"time"

	"github.com/jackpal/gateway"
)

// Link reports whether the underlying network is up.
type Link interface {
	Ready() bool
}

// Static is a Link with a fixed answer.
type Static bool

func (s Static) Ready() bool { return bool(s) }

// Gateway is ready once a default gateway can be discovered.
type Gateway struct {
	discover func() (net.IP, error)
}

func NewGateway() *Gateway {
	return &Gateway{discover: gateway.DiscoverGateway}
}

func (g *Gateway) Ready() bool {
	ip, err := g.discover()
	return err == nil && ip != nil && !ip.IsUnspecified()
}

// All is ready when every member is.
type All []Link

func (a All) Ready() bool {
	for _, l := range a {
		if !l.Ready() {
			return false
		}
	}
	return true
}

// Options select the checks New combines.
type Options struct {
	// Interface, when set, must be operationally up.
	Interface string
	// RequireGateway demands a discoverable default gateway.
	RequireGateway bool
}

// New builds the Link described by opts. With no checks requested the link
// is always ready.
func New(opts Options) Link {
	var all All
	if opts.Interface != "" {
		all = append(all, NewInterface(opts.Interface))
	}
	if opts.RequireGateway {
		all = append(all, NewGateway())
	}
	if len(all) == 0 {
		return Static(true)
	}
	return all
}

// WaitReady polls l every interval until it is ready or ctx ends.
func WaitReady(ctx context.Context, l Link, interval time.Duration) error {
	if l.Ready() {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if l.Ready() {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
