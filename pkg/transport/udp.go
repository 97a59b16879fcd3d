// Package transport provides the connectionless datagram endpoint the tracker
// engine talks through. The endpoint listens on a local port, receives from any
// sender and optionally remembers one peer as the default destination.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned by operations on a transport that is not running.
	ErrClosed = errors.New("transport: not running")
	// ErrNoPeer is returned by Send when no peer has been bound.
	ErrNoPeer = errors.New("transport: no peer bound")
)

// Error reports a failure at the OS boundary.
type Error struct {
	Op   string // "socket", "bind", "send", "receive", "close"
	Addr string
	Err  error
}

func (e *Error) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options tunes the UDP endpoint.
type Options struct {
	// SocketBufferSize sets SO_RCVBUF/SO_SNDBUF when positive.
	SocketBufferSize int
	// Broadcast enables receiving and sending broadcast datagrams.
	Broadcast bool
	Logger    zerolog.Logger
}

// UDP is a single UDP endpoint in the listener role.
type UDP struct {
	opts Options

	mu   sync.RWMutex
	conn *net.UDPConn
	peer *net.UDPAddr
}

func NewUDP(opts Options) *UDP {
	return &UDP{opts: opts}
}

// Start binds the endpoint on localPort (0 lets the system choose). Calling
// Start on a running transport is a no-op.
func (t *UDP) Start(localPort int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	addr := ":" + strconv.Itoa(localPort)
	lc := net.ListenConfig{Control: controlFunc(t.opts.Broadcast)}
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return &Error{Op: "bind", Addr: addr, Err: err}
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return &Error{Op: "socket", Addr: addr, Err: fmt.Errorf("unexpected packet conn %T", pc)}
	}

	if size := t.opts.SocketBufferSize; size > 0 {
		if err := conn.SetReadBuffer(size); err != nil {
			t.opts.Logger.Warn().Err(err).Int("size", size).Msg("couldn't set UDP read buffer size")
		}
		if err := conn.SetWriteBuffer(size); err != nil {
			t.opts.Logger.Warn().Err(err).Int("size", size).Msg("couldn't set UDP write buffer size")
		}
	}

	t.conn = conn
	t.opts.Logger.Info().Str("addr", conn.LocalAddr().String()).Msg("udp endpoint listening")
	return nil
}

// Stop releases the endpoint. It unblocks any pending Receive and is a no-op
// when the transport is not running.
func (t *UDP) Stop() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return &Error{Op: "close", Err: err}
	}
	t.opts.Logger.Info().Msg("udp endpoint closed")
	return nil
}

// IsRunning reports whether the endpoint is bound.
func (t *UDP) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil
}

// LocalAddr returns the bound address, or nil when stopped.
func (t *UDP) LocalAddr() *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	addr, _ := t.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Receive blocks until a datagram arrives and copies it into buf. The
// returned length may be shorter than len(buf); excess bytes of a larger
// datagram are discarded by the OS.
func (t *UDP) Receive(buf []byte) (int, *net.UDPAddr, error) {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return 0, nil, ErrClosed
	}
	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, nil, ErrClosed
		}
		return 0, nil, &Error{Op: "receive", Err: err}
	}
	return n, addr, nil
}

// BindPeer fixes the default destination for Send. UDP has no handshake, so
// this only records the address.
func (t *UDP) BindPeer(addr *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if addr == nil {
		t.peer = nil
		return
	}
	peer := *addr
	t.peer = &peer
}

// Peer returns the bound peer, or nil.
func (t *UDP) Peer() *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peer
}

// Send transmits b to the bound peer. It never retries.
func (t *UDP) Send(b []byte) error {
	t.mu.RLock()
	peer := t.peer
	t.mu.RUnlock()
	if peer == nil {
		return ErrNoPeer
	}
	return t.SendTo(b, peer)
}

// SendTo transmits b to an explicit address.
func (t *UDP) SendTo(b []byte, addr *net.UDPAddr) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return ErrClosed
	}
	if addr == nil {
		return ErrNoPeer
	}
	if _, err := conn.WriteToUDP(b, addr); err != nil {
		return &Error{Op: "send", Addr: addr.String(), Err: err}
	}
	return nil
}
