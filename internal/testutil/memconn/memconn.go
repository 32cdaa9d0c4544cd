// Package memconn is an in-memory datagram network for tests. Each Conn
// satisfies transport.PacketConn.
package memconn

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
)

const defaultQueueSize = 256

type Network struct {
	conns map[netip.AddrPort]*Conn
	mu    sync.RWMutex
}

type packet struct {
	src     netip.AddrPort
	payload []byte
}

type Conn struct {
	net   *Network
	addr  netip.AddrPort
	recv  chan packet
	done  chan struct{}
	once  sync.Once
	wrErr atomic.Pointer[error]
}

func NewNetwork() *Network {
	return &Network{conns: make(map[netip.AddrPort]*Conn)}
}

// Listen binds a conn at addr ("ip:port").
func (n *Network) Listen(addr string) (*Conn, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.conns[ap]; ok {
		return nil, fmt.Errorf("address already bound: %s", ap)
	}

	c := &Conn{
		net:  n,
		addr: ap,
		recv: make(chan packet, defaultQueueSize),
		done: make(chan struct{}),
	}
	n.conns[ap] = c
	return c, nil
}

// MustListen is Listen for test setup.
func (n *Network) MustListen(addr string) *Conn {
	c, err := n.Listen(addr)
	if err != nil {
		panic(err)
	}
	return c
}

func (n *Network) deliver(src, dst netip.AddrPort, b []byte) {
	n.mu.RLock()
	dest, ok := n.conns[dst]
	n.mu.RUnlock()
	if !ok {
		// unbound destination: the datagram is lost, as with UDP
		return
	}

	payload := make([]byte, len(b))
	copy(payload, b)

	select {
	case <-dest.done:
	case dest.recv <- packet{src: src, payload: payload}:
	default:
	}
}

func (c *Conn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case <-c.done:
		return 0, nil, net.ErrClosed
	case pkt := <-c.recv:
		n := copy(p, pkt.payload)
		return n, net.UDPAddrFromAddrPort(pkt.src), nil
	}
}

func (c *Conn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}
	if errp := c.wrErr.Load(); errp != nil && *errp != nil {
		return 0, *errp
	}

	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, errors.New("memconn: unsupported address type")
	}
	dst := ua.AddrPort()
	c.net.deliver(c.addr, netip.AddrPortFrom(dst.Addr().Unmap(), dst.Port()), p)
	return len(p), nil
}

// FailWrites makes every following WriteTo return err; nil restores writes.
func (c *Conn) FailWrites(err error) {
	c.wrErr.Store(&err)
}

func (c *Conn) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(c.addr)
}

// AddrPort returns the bound address.
func (c *Conn) AddrPort() netip.AddrPort {
	return c.addr
}

func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.net.mu.Lock()
		if cur, ok := c.net.conns[c.addr]; ok && cur == c {
			delete(c.net.conns, c.addr)
		}
		c.net.mu.Unlock()
	})
	return nil
}
