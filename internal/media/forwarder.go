package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// Forwarder relays datagrams unmodified between two already-connected UDP
// sockets — one towards the LEELEN device, one towards the SIP peer's RTP
// endpoint. Mirrors struct Forwarder's two-socket poll loop, expressed as
// two goroutines instead of a single poll(2) loop over both file
// descriptors.
type Forwarder struct {
	label string
	left  *net.UDPConn
	right *net.UDPConn
	mtu   int

	packets atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Forwarder between two already-dialed UDP sockets. Both
// connections must be connected (DialUDP, not ListenUDP) so Read/Write need
// no explicit peer address, matching recv()/send() on a connected socket in
// the original.
func New(label string, left, right *net.UDPConn, mtu int) *Forwarder {
	if mtu <= 0 {
		mtu = 1500
	}
	return &Forwarder{label: label, left: left, right: right, mtu: mtu, done: make(chan struct{})}
}

// Start launches the two relay goroutines. Calling Start twice is a
// programmer error.
func (f *Forwarder) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	var wg sync.WaitGroup
	wg.Add(2)
	go f.pump(ctx, &wg, f.left, f.right, "left->right")
	go f.pump(ctx, &wg, f.right, f.left, "right->left")

	// unblock both pending Reads once the context ends
	go func() {
		<-ctx.Done()
		f.left.SetReadDeadline(time.Now())
		f.right.SetReadDeadline(time.Now())
	}()

	go func() {
		wg.Wait()
		close(f.done)
	}()
}

// Stop cancels both relay goroutines and waits for them to exit.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	<-f.done
}

// Packets reports the total number of datagrams relayed in either
// direction, for diagnostics.
func (f *Forwarder) Packets() int64 {
	return f.packets.Load()
}

func (f *Forwarder) pump(ctx context.Context, wg *sync.WaitGroup, src, dst *net.UDPConn, dir string) {
	defer wg.Done()
	buf := make([]byte, f.mtu)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := src.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("media: read failed", "forwarder", f.label, "dir", dir, "error", err)
			continue
		}
		if _, err := dst.Write(buf[:n]); err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("media: write failed", "forwarder", f.label, "dir", dir, "error", err)
			continue
		}
		f.packets.Add(1)
		logPacketBoundary(f.label, dir, buf[:n])
	}
}

// logPacketBoundary parses just enough of an RTP header to log sequence
// number/SSRC at trace level — the payload itself is never touched, per
// the no-transcoding Non-goal. Malformed/non-RTP datagrams (DTMF, comfort
// noise, or simply a LEELEN audio frame not wrapped in RTP) are skipped
// without being logged.
func logPacketBoundary(label, dir string, buf []byte) {
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug-4) {
		return
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return
	}
	slog.Log(context.Background(), slog.LevelDebug-4, "media: packet",
		"forwarder", label, "dir", dir, "seq", pkt.SequenceNumber, "ssrc", pkt.SSRC)
}

// DialPair opens two UDP sockets connected to localPeer and remotePeer
// respectively — the sockets a Forwarder needs. Returning an error closes
// whichever socket was already opened.
func DialPair(localPeer, remotePeer string) (left, right *net.UDPConn, err error) {
	left, err = dialUDP(localPeer)
	if err != nil {
		return nil, nil, fmt.Errorf("media: dial %s: %w", localPeer, err)
	}
	right, err = dialUDP(remotePeer)
	if err != nil {
		left.Close()
		return nil, nil, fmt.Errorf("media: dial %s: %w", remotePeer, err)
	}
	return left, right, nil
}

func dialUDP(addr string) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.DialUDP("udp", nil, raddr)
}

// DialLocalPair opens the two sockets one media leg needs when the local
// side's port matters: left is bound to leelenLocalAddr (the device's own
// fixed audio/video port) and connected to leelenRemoteAddr; right is bound
// to an ephemeral port on sipHost and connected to sipRemoteAddr. The
// ephemeral port right was bound to is returned so the caller can put it in
// the SDP answer. Mirrors SIPLeelenSession_connect's two-socket allocation:
// one socket addressed to the device's advertised port, one picked fresh for
// the SIP leg.
func DialLocalPair(leelenLocalAddr, leelenRemoteAddr, sipHost, sipRemoteAddr string) (left, right *net.UDPConn, rightPort int, err error) {
	left, right, err = DialLocalPairAt(leelenLocalAddr, leelenRemoteAddr, net.JoinHostPort(sipHost, "0"), sipRemoteAddr)
	if err != nil {
		return nil, nil, 0, err
	}
	rightPort = right.LocalAddr().(*net.UDPAddr).Port
	return left, right, rightPort, nil
}

// DialLocalPairAt is DialLocalPair with the SIP-facing local port pinned to
// sipLocalAddr instead of picked fresh — needed when the bridge already
// advertised that port in an SDP offer it sent (the LEELEN-to-SIP
// direction, where the offer goes out before the peer's answer names a
// remote address to dial).
func DialLocalPairAt(leelenLocalAddr, leelenRemoteAddr, sipLocalAddr, sipRemoteAddr string) (left, right *net.UDPConn, err error) {
	left, err = dialUDPLocal(leelenLocalAddr, leelenRemoteAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("media: dial leelen side %s: %w", leelenLocalAddr, err)
	}
	right, err = dialUDPLocal(sipLocalAddr, sipRemoteAddr)
	if err != nil {
		left.Close()
		return nil, nil, fmt.Errorf("media: dial sip side %s: %w", sipLocalAddr, err)
	}
	return left, right, nil
}

// ProbePort opens an ephemeral UDP port on host long enough to learn which
// port the kernel assigned, then closes it. Used when an SDP offer must
// name a port before the remote peer's own address is known (the offering
// side of a call, unlike the answering side, can't DialUDP straight to the
// final peer). Accepts the small, unavoidable race of another process
// grabbing the same port before the caller rebinds it.
func ProbePort(host string) (int, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host)})
	if err != nil {
		return 0, fmt.Errorf("media: probe port on %s: %w", host, err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port, nil
}

func dialUDPLocal(localAddr, remoteAddr string) (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, err
	}
	raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, err
	}
	return net.DialUDP("udp", laddr, raddr)
}
