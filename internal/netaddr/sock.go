package netaddr

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// PacketConn wraps a UDP socket and reports, for every packet received, the
// local destination address the packet actually arrived on — the
// "recvfromto" behaviour of the original implementation, needed because
// both the discovery listener and the VoIP dialog listener bind to a
// wildcard address but must still learn which of the host's
// interfaces/addresses a peer used to reach them (spec.md §4.1, §4.2).
type PacketConn struct {
	conn *net.UDPConn
	p4   *ipv4.PacketConn
	p6   *ipv6.PacketConn
	isV6 bool
}

// ListenConfig controls how a PacketConn's underlying socket is created.
type ListenConfig struct {
	// Device restricts the socket to a single network interface
	// (SO_BINDTODEVICE), matching the "-i/--interface" flag's "bind to
	// just this NIC" semantics.
	Device string
	// V6Only, for an IPv6 listener, disables the dual-stack fallback
	// (IPV6_V6ONLY) — off by default, mirroring the original's
	// single-socket dual-stack listener.
	V6Only bool
}

// Listen opens a UDP socket at addr (family taken from addr.Family) with
// SO_REUSEADDR set and packet-info delivery enabled, so ReadFromWithDst can
// report the arrival destination address.
func Listen(addr Addr, cfg ListenConfig) (*PacketConn, error) {
	network := "udp4"
	if addr.Family == IPv6 {
		network = "udp6"
	}

	lc := &net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					ctrlErr = err
					return
				}
				if cfg.Device != "" {
					if err := unix.BindToDevice(int(fd), cfg.Device); err != nil {
						ctrlErr = err
						return
					}
				}
				if addr.Family == IPv6 && cfg.V6Only {
					if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
						ctrlErr = err
						return
					}
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), network, FormatListenAddr(addr))
	if err != nil {
		return nil, fmt.Errorf("netaddr: listen %s: %w", network, err)
	}
	udpConn := pc.(*net.UDPConn)

	out := &PacketConn{conn: udpConn}
	if addr.Family == IPv6 {
		out.isV6 = true
		out.p6 = ipv6.NewPacketConn(udpConn)
		if err := out.p6.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true); err != nil {
			udpConn.Close()
			return nil, fmt.Errorf("netaddr: enable IPv6 pktinfo: %w", err)
		}
	} else {
		out.p4 = ipv4.NewPacketConn(udpConn)
		if err := out.p4.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
			udpConn.Close()
			return nil, fmt.Errorf("netaddr: enable IPv4 pktinfo: %w", err)
		}
	}
	return out, nil
}

// FormatListenAddr renders addr as a net.ListenPacket-compatible string.
func FormatListenAddr(addr Addr) string {
	host := ""
	if addr.IP != nil {
		host = addr.IP.String()
	}
	return fmt.Sprintf("%s:%d", host, addr.Port)
}

// LocalAddr returns the socket's bound local address.
func (c *PacketConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Close closes the underlying socket.
func (c *PacketConn) Close() error {
	return c.conn.Close()
}

// JoinGroup joins the multicast group addr on the given interface (nil
// picks the system default), needed by the discovery listener to receive
// solicitations/advertisements sent to 224.0.0.1.
func (c *PacketConn) JoinGroup(group net.IP, iface *net.Interface) error {
	addr := &net.UDPAddr{IP: group}
	if c.isV6 {
		return c.p6.JoinGroup(iface, addr)
	}
	return c.p4.JoinGroup(iface, addr)
}

// SetMulticastLoopback controls whether this socket receives its own
// multicast transmissions. Listen does not call it, so a socket keeps the
// platform default (enabled on Linux).
func (c *PacketConn) SetMulticastLoopback(on bool) error {
	if c.isV6 {
		return c.p6.SetMulticastLoopback(on)
	}
	return c.p4.SetMulticastLoopback(on)
}

// ReadFromWithDst reads a datagram, returning the sender's address and the
// local destination address the packet was sent to — the latter is what
// lets a wildcard-bound listener answer "which of my addresses did the peer
// dial" (used to build the "report_addr" a discovery advertisement carries
// back, per spec.md §4.1).
func (c *PacketConn) ReadFromWithDst(buf []byte) (n int, src Addr, dst Addr, err error) {
	if c.isV6 {
		n, cm, peer, rerr := c.p6.ReadFrom(buf)
		if rerr != nil {
			return n, Addr{}, Addr{}, rerr
		}
		src = FromUDPAddr(peer.(*net.UDPAddr))
		if cm != nil {
			dst = Addr{Family: IPv6, IP: cm.Dst}
			if cm.IfIndex != 0 {
				if ifi, e := net.InterfaceByIndex(cm.IfIndex); e == nil {
					dst.Zone = ifi.Name
				}
			}
		}
		return n, src, dst.Normalize(), nil
	}

	n, cm, peer, rerr := c.p4.ReadFrom(buf)
	if rerr != nil {
		return n, Addr{}, Addr{}, rerr
	}
	src = FromUDPAddr(peer.(*net.UDPAddr))
	if cm != nil {
		dst = Addr{Family: IPv4, IP: cm.Dst}
	}
	return n, src, dst, nil
}

// WriteTo writes buf to dst.
func (c *PacketConn) WriteTo(buf []byte, dst Addr) (int, error) {
	return c.conn.WriteTo(buf, dst.UDPAddr())
}
