// Package discovery implements the LEELEN multicast discovery protocol:
// a device solicits "who has phone number X" on 224.0.0.1:6789, and every
// device whose own number's canonical 9-character prefix matches replies
// with its current address, device type and description.
package discovery

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sebas/leelen2sip/internal/leelennum"
	"github.com/sebas/leelen2sip/internal/leelenproto"
	"github.com/sebas/leelen2sip/internal/netaddr"
)

// Advertisement is a parsed "addr?type*desc" reply, identifying where a
// phone number currently lives.
type Advertisement struct {
	Addr        net.IP
	DeviceType  int
	Description string
}

// ParseAdvertisement parses the wire form of an advertisement/reply.
func ParseAdvertisement(msg string) (Advertisement, error) {
	addrPart, rest, ok := strings.Cut(msg, "?")
	if !ok {
		return Advertisement{}, fmt.Errorf("discovery: %q is not an advertisement", msg)
	}
	ip := net.ParseIP(addrPart)
	if ip == nil {
		return Advertisement{}, fmt.Errorf("discovery: %q is not a valid address", addrPart)
	}
	typePart, desc, ok := strings.Cut(rest, "*")
	if !ok {
		return Advertisement{}, fmt.Errorf("discovery: %q is missing a description", msg)
	}
	deviceType, err := strconv.Atoi(typePart)
	if err != nil {
		return Advertisement{}, fmt.Errorf("discovery: bad device type %q: %w", typePart, err)
	}
	return Advertisement{Addr: ip, DeviceType: deviceType, Description: desc}, nil
}

// String renders the wire form of an advertisement.
func (a Advertisement) String() string {
	return fmt.Sprintf(leelenproto.DiscoveryFormat, a.Addr.String(), a.DeviceType, a.Description)
}

// Server answers discovery solicitations on behalf of one local device and
// lets callers solicit other devices' addresses.
type Server struct {
	conn *netaddr.PacketConn

	number      leelennum.Number
	deviceType  int
	description string
	// reportAddr overrides the address advertised in replies; empty means
	// "use the address the solicitation actually arrived on" (spec.md
	// §4.1's "report_addr" normalisation).
	reportAddr string
	// replyTo, when set, replaces the 9-character prefix match: a
	// solicitation is answered only if it matches this regular expression.
	// Mirrors LeelenAdvertiser_should_reply's number_regex_set branch.
	replyTo *regexp.Regexp

	groupAddr netaddr.Addr

	// Like the original implementation, only one solicitation can be in
	// flight at a time per device: pending is non-nil exactly while a
	// Discover call is waiting for its reply.
	mu      sync.Mutex
	pending chan Advertisement
}

// Config supplies the identity Server advertises and the socket/group it
// listens on.
type Config struct {
	Number      leelennum.Number
	DeviceType  int
	Description string
	ReportAddr  string
	BindAddr    netaddr.Addr
	Interface   string
	// ReplyTo, when non-empty, is a regular expression restricting which
	// solicited phone numbers this device answers, overriding the default
	// 9-character prefix match against Number (spec.md §4.2 operation 1).
	ReplyTo string
}

// New opens the discovery socket, joins the multicast group, and returns a
// Server ready to have Serve run in a goroutine.
func New(cfg Config) (*Server, error) {
	bind := cfg.BindAddr
	if bind.IsZero() {
		bind = netaddr.Addr{Family: netaddr.IPv4, IP: net.IPv4zero, Port: leelenproto.DiscoveryPort}
	}
	conn, err := netaddr.Listen(bind, netaddr.ListenConfig{Device: cfg.Interface})
	if err != nil {
		return nil, fmt.Errorf("discovery: listen: %w", err)
	}

	var iface *net.Interface
	if cfg.Interface != "" {
		iface, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("discovery: interface %s: %w", cfg.Interface, err)
		}
	}
	group := net.ParseIP(leelenproto.DiscoveryGroupAddr)
	if err := conn.JoinGroup(group, iface); err != nil {
		conn.Close()
		return nil, fmt.Errorf("discovery: join group: %w", err)
	}

	var replyTo *regexp.Regexp
	if cfg.ReplyTo != "" {
		replyTo, err = regexp.Compile(cfg.ReplyTo)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("discovery: reply-to regexp: %w", err)
		}
	}

	return &Server{
		conn:        conn,
		number:      cfg.Number,
		deviceType:  cfg.DeviceType,
		description: cfg.Description,
		reportAddr:  cfg.ReportAddr,
		replyTo:     replyTo,
		groupAddr:   netaddr.Addr{Family: bind.Family, IP: group, Port: leelenproto.DiscoveryPort},
	}, nil
}

// Close shuts down the discovery socket.
func (s *Server) Close() error {
	return s.conn.Close()
}

// SetReportAddr overrides the address advertised in solicitation replies.
// Passing "" reverts to reporting whichever local address the solicitation
// actually arrived on. Mirrors LeelenDiscovery_set_report_addr.
func (s *Server) SetReportAddr(addr string) {
	s.mu.Lock()
	s.reportAddr = addr
	s.mu.Unlock()
}

// Serve reads datagrams until ctx is cancelled or the socket errors,
// answering solicitations and fanning advertisements out to any pending
// Discover calls. Intended to run in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	buf := make([]byte, leelenproto.MaxMessageLength)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, src, dst, err := s.conn.ReadFromWithDst(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("discovery: read: %w", err)
		}
		s.handle(string(buf[:n]), src, dst)
	}
}

func (s *Server) handle(msg string, src, dst netaddr.Addr) {
	if strings.Contains(msg, "?") {
		s.handleAdvertisement(msg)
		return
	}
	s.handleSolicitation(msg, src, dst)
}

func (s *Server) handleAdvertisement(msg string) {
	ad, err := ParseAdvertisement(msg)
	if err != nil {
		return
	}
	s.mu.Lock()
	ch := s.pending
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ad:
	default:
	}
}

func (s *Server) handleSolicitation(phone string, src, dst netaddr.Addr) {
	if !s.shouldReply(phone) {
		return
	}
	s.mu.Lock()
	addr := s.reportAddr
	s.mu.Unlock()
	if addr == "" {
		addr = reportAddrFor(dst)
	}
	ad := Advertisement{Addr: net.ParseIP(addr), DeviceType: s.deviceType, Description: s.description}
	if ad.Addr == nil {
		return
	}
	s.conn.WriteTo([]byte(ad.String()), src)
}

// shouldReply matches a solicited phone number against the configured
// reply-to regular expression when one is set, else against this device's
// own number, mirroring LeelenAdvertiser_should_reply.
func (s *Server) shouldReply(phone string) bool {
	if s.replyTo != nil {
		return s.replyTo.MatchString(phone)
	}
	return s.number.ShouldReply(phone)
}

// reportAddrFor applies the normalisation rules of
// LeelenDiscovery_set_report_addr: loopback collapses to "127.0.0.1", and a
// v4-mapped/v4-compatible IPv6 address is reported in its IPv4 form.
func reportAddrFor(dst netaddr.Addr) string {
	if dst.IP == nil || dst.IP.IsUnspecified() {
		return ""
	}
	if dst.IP.IsLoopback() {
		return "127.0.0.1"
	}
	if ip4, ok := dst.To4(); ok {
		return ip4.IP.String()
	}
	return dst.IP.String()
}

// ErrBusy is returned by Discover when another solicitation is already in
// flight — this device can have only one outstanding discovery at a time,
// mirroring LeelenDiscovery_send's atomic "waiting" flag.
var ErrBusy = fmt.Errorf("discovery: a solicitation is already in flight")

// Discover sends a solicitation for phone and waits for the first matching
// advertisement, returning ctx's error (or a deadline error) if none
// arrives before spec.md's discovery timeout.
func (s *Server) Discover(ctx context.Context, phone string) (Advertisement, error) {
	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return Advertisement{}, ErrBusy
	}
	ch := make(chan Advertisement, 1)
	s.pending = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.pending == ch {
			s.pending = nil
		}
		s.mu.Unlock()
	}()

	if _, err := s.conn.WriteTo([]byte(phone), s.groupAddr); err != nil {
		return Advertisement{}, fmt.Errorf("discovery: solicit: %w", err)
	}

	timer := time.NewTimer(leelenproto.DiscoveryTimeout)
	defer timer.Stop()

	select {
	case ad := <-ch:
		return ad, nil
	case <-timer.C:
		return Advertisement{}, fmt.Errorf("discovery: %s: %w", phone, context.DeadlineExceeded)
	case <-ctx.Done():
		return Advertisement{}, ctx.Err()
	}
}
