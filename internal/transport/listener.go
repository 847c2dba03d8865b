package transport

import (
	"net"
	"os"

	"golang.org/x/net/netutil"
)

// Listener wraps a net.Listener bound to a bus address, capped at
// maxConns concurrently open accepted connections via
// netutil.LimitListener (no cap when maxConns <= 0)
// — the same guard the example pack reaches for whenever a raw
// listener is exposed to many untrusted peers.
type Listener struct {
	net.Listener
	addr Address
}

// Listen starts listening on addr, removing a stale unix socket file
// first if present (a fresh bus restart must be able to rebind).
func Listen(addr Address, maxConns int) (*Listener, error) {
	network, netaddr := addr.Network(), addr.NetAddr()
	if network == "unix" {
		if fi, err := os.Stat(netaddr); err == nil && fi.Mode()&os.ModeSocket != 0 {
			os.Remove(netaddr)
		}
	}
	ln, err := net.Listen(network, netaddr)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return &Listener{Listener: ln, addr: addr}, nil
}

func (l *Listener) Address() Address { return l.addr }
