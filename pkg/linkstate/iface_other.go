//go:build !linux

package linkstate

import "net"

// Interface is ready when the named interface is administratively up.
type Interface struct {
	Name string
}

func NewInterface(name string) *Interface {
	return &Interface{Name: name}
}

func (i *Interface) Ready() bool {
	ifi, err := net.InterfaceByName(i.Name)
	return err == nil && ifi.Flags&net.FlagUp != 0
}
