// Package bridge wires every other package together into one running
// process: the LEELEN discovery and VoIP dialog sockets, the SIP user
// agent, the session manager binding the two, and the periodic reactor
// tick. Mirrors _receive_leelen's dispatch loop plus sipleelen.c's main(),
// generalised to the teacher's NewServer/Start/Close shape.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sebas/leelen2sip/internal/config"
	"github.com/sebas/leelen2sip/internal/discovery"
	"github.com/sebas/leelen2sip/internal/leelenproto"
	"github.com/sebas/leelen2sip/internal/leelenvoip"
	"github.com/sebas/leelen2sip/internal/netaddr"
	"github.com/sebas/leelen2sip/internal/session"
	"github.com/sebas/leelen2sip/internal/sipbridge"
)

// sweepInterval is how often Server.Run ticks the session/dialog reactor —
// spec.md §4.9 calls for "about 800ms", echoing the original's poll(2)
// timeout.
const sweepInterval = 800 * time.Millisecond

// Server owns every socket and subsystem one running bridge process needs.
type Server struct {
	cfg config.Config

	voip     *netaddr.PacketConn
	registry *leelenvoip.Registry
	discover *discovery.Server
	sip      *sipbridge.Bridge
	mgr      *session.Manager
}

// NewServer builds every subsystem and wires them together, but opens no
// goroutines — call Run for that.
func NewServer(cfg config.Config) (*Server, error) {
	family := netaddr.IPv4
	if cfg.IPv6 {
		family = netaddr.IPv6
	}

	voipBind := bindAddr(cfg.VoIPListen, cfg.VoIPPort, family)
	voip, err := netaddr.Listen(voipBind, netaddr.ListenConfig{Device: cfg.Interface})
	if err != nil {
		return nil, fmt.Errorf("bridge: open voip socket: %w", err)
	}

	send := func(buf []byte, dst netaddr.Addr) error {
		_, werr := voip.WriteTo(buf, dst)
		return werr
	}
	registry := leelenvoip.NewRegistry(cfg.Number, cfg.Type, leelenproto.VoIPTimeout, send)

	discoverBind := bindAddr(cfg.DiscoveryListen, cfg.DiscoveryPort, family)
	discover, err := discovery.New(discovery.Config{
		Number:      cfg.Number,
		DeviceType:  cfg.Type,
		Description: cfg.Desc,
		ReportAddr:  cfg.ReportAddr,
		BindAddr:    discoverBind,
		Interface:   cfg.Interface,
		ReplyTo:     cfg.ReplyTo,
	})
	if err != nil {
		voip.Close()
		return nil, fmt.Errorf("bridge: open discovery socket: %w", err)
	}

	mgr := session.NewManager(session.Config{
		Number:      cfg.Number,
		DeviceType:  cfg.Type,
		LeelenHost:  leelenHost(cfg, voipBind),
		SIPHost:     cfg.SIPHost,
		MTU:         cfg.MTU,
		DialTimeout: 30 * time.Second,
		IdleTimeout: 2 * time.Hour,
	}, registry, discover)

	sip, err := sipbridge.NewBridge(sipbridge.Config{
		AdvertiseHost:   cfg.SIPHost,
		Port:            cfg.SIPPort,
		UserAgent:       cfg.UserAgent,
		RegisterExpires: time.Hour,
	}, mgr)
	if err != nil {
		voip.Close()
		discover.Close()
		return nil, fmt.Errorf("bridge: open sip bridge: %w", err)
	}
	mgr.SetBridge(sip)

	return &Server{
		cfg:      cfg,
		voip:     voip,
		registry: registry,
		discover: discover,
		sip:      sip,
		mgr:      mgr,
	}, nil
}

// leelenHost picks the address the LEELEN-facing media sockets bind to:
// the VoIP listener's own bind address when it's not a wildcard, else
// cfg.SIPHost, else the IPv4 wildcard.
func leelenHost(cfg config.Config, voipBind netaddr.Addr) string {
	if voipBind.IP != nil && !voipBind.IP.IsUnspecified() {
		return voipBind.IP.String()
	}
	if cfg.SIPHost != "" {
		return cfg.SIPHost
	}
	return "0.0.0.0"
}

func bindAddr(override string, port int, family netaddr.Family) netaddr.Addr {
	if override != "" {
		if a := netaddr.ParseURLLike(override); a.Family != netaddr.Unspecified {
			if a.Port == 0 {
				a.Port = uint16(port)
			}
			return a
		}
	}
	ip := net.IPv4zero
	if family == netaddr.IPv6 {
		ip = net.IPv6unspecified
	}
	return netaddr.Addr{Family: family, IP: ip, Port: uint16(port)}
}

// Run starts every subsystem and blocks until ctx is cancelled or one of
// them fails. Mirrors sipleelen.c's main loop: read the discovery socket,
// read the VoIP socket, and tick the reactor — run here, together with the
// SIP listener, as four goroutines under one errgroup instead of one poll(2) call, the way the
// teacher's drain coordinator fans out bounded work under errgroup.WithContext.
func (s *Server) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.discover.Serve(gCtx)
		if gCtx.Err() != nil {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return s.serveVoIP(gCtx)
	})

	g.Go(func() error {
		listenAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)
		if s.cfg.SIPListen != "" {
			listenAddr = s.cfg.SIPListen
		}
		err := s.sip.Start(gCtx, listenAddr)
		if gCtx.Err() != nil {
			return nil
		}
		return err
	})

	g.Go(func() error {
		s.runSweeper(gCtx)
		return nil
	})

	return g.Wait()
}

func (s *Server) serveVoIP(ctx context.Context) error {
	buf := make([]byte, leelenproto.MaxMessageLength)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, src, _, err := s.voip.ReadFromWithDst(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bridge: voip socket: %w", err)
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go s.mgr.HandleLeelenMessage(datagram, src)
	}
}

func (s *Server) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mgr.Sweep(now)
		}
	}
}

// Close shuts down every socket this server opened. Safe to call after Run
// returns.
func (s *Server) Close() error {
	var err error
	if cerr := s.voip.Close(); cerr != nil {
		err = cerr
	}
	if cerr := s.discover.Close(); cerr != nil {
		err = cerr
	}
	if cerr := s.sip.Close(); cerr != nil {
		err = cerr
	}
	slog.Info("bridge: closed", "active_dialogs", s.registry.Len())
	return err
}
