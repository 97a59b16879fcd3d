//go:build !unix

package transport

import "syscall"

// Socket options are left to the platform defaults.
func controlFunc(bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
