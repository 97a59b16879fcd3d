//go:build linux

package linkstate

import (
	"net"

	"github.com/vishvananda/netlink"
)

// Interface is ready when the named interface is operationally up. Devices
// that do not report an operational state (loopback, some tunnels) count as
// up when administratively up.
type Interface struct {
	Name string
}

func NewInterface(name string) *Interface {
	return &Interface{Name: name}
}

func (i *Interface) Ready() bool {
	link, err := netlink.LinkByName(i.Name)
	if err != nil {
		return false
	}
	attrs := link.Attrs()
	switch attrs.OperState {
	case netlink.OperUp:
		return true
	case netlink.OperUnknown:
		return attrs.Flags&net.FlagUp != 0
	default:
		return false
	}
}
