// Package config parses the bridge's command-line flags into a Config,
// following spec.md §6.3's flag surface and §3's device configuration
// fields.
package config

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/pflag"

	"github.com/sebas/leelen2sip/internal/leelennum"
	"github.com/sebas/leelen2sip/internal/leelenproto"
)

// Config is the fully resolved device/bridge configuration.
type Config struct {
	Number    leelennum.Number
	Interface string

	Daemonize bool
	Debug     bool
	IPv6      bool

	ReportAddr string
	UserAgent  string
	ReplyTo    string
	Desc       string
	Type       int

	AudioPort     int
	VideoPort     int
	DiscoveryPort int
	VoIPPort      int
	ControlPort   int
	SIPPort       int

	DiscoveryListen string
	VoIPListen      string
	ControlListen   string
	SIPListen       string

	// SIPHost is the address this bridge advertises to SIP peers — in
	// Contact headers and SDP connection lines.
	// Separate from the LEELEN-facing bind address, since the two sides
	// usually sit on different interfaces (spec.md §3's "SIP bind address
	// and port" device config field).
	SIPHost string

	MTU int
}

// defaults mirrors the original implementation's compiled-in constants.
func defaults() Config {
	return Config{
		Type:          int(leelenproto.DeviceIndoorStation),
		AudioPort:     leelenproto.AudioPort,
		VideoPort:     leelenproto.VideoPort,
		DiscoveryPort: leelenproto.DiscoveryPort,
		VoIPPort:      leelenproto.SIPPort,
		ControlPort:   leelenproto.ControlPort,
		SIPPort:       leelenproto.SIPPort,
		MTU:           leelenproto.MTU,
		Desc:          "LEELEN-SIP Bridge",
	}
}

// Load parses args (pass os.Args[1:] in production) into a Config. The
// first positional argument is the bridge's own phone number; the second,
// optional one is the interface to bind to, overridden by -i/--interface.
func Load(args []string) (Config, error) {
	cfg := defaults()

	fs := pflag.NewFlagSet("leelen2sip", pflag.ContinueOnError)
	fs.StringVarP(&cfg.Interface, "interface", "i", "", "network interface to bind to")
	fs.BoolVarP(&cfg.Daemonize, "daemonize", "D", false, "accepted for compatibility; the process does not detach")
	fs.BoolVarP(&cfg.Debug, "debug", "d", false, "enable debug logging")
	fs.BoolVarP(&cfg.IPv6, "ipv6", "6", false, "prefer IPv6 sockets")
	fs.StringVar(&cfg.ReportAddr, "report-addr", "", "address advertised in discovery replies (default: autodetected)")
	fs.StringVar(&cfg.UserAgent, "ua", "leelen2sip", "SIP User-Agent header value")
	fs.StringVar(&cfg.ReplyTo, "reply-to", "", "regular expression restricting which solicitations this device answers")
	fs.StringVar(&cfg.Desc, "desc", cfg.Desc, "device description advertised over discovery")
	fs.IntVar(&cfg.Type, "type", cfg.Type, "device type code advertised over discovery")
	fs.IntVar(&cfg.AudioPort, "audio", cfg.AudioPort, "local audio RTP port")
	fs.IntVar(&cfg.VideoPort, "video", cfg.VideoPort, "local video RTP port")
	fs.IntVarP(&cfg.DiscoveryPort, "discovery", "p", cfg.DiscoveryPort, "LEELEN discovery port")
	fs.IntVar(&cfg.VoIPPort, "voip", cfg.VoIPPort, "LEELEN VoIP dialog port")
	fs.IntVar(&cfg.ControlPort, "control", cfg.ControlPort, "LEELEN control port")
	fs.IntVar(&cfg.SIPPort, "sip", cfg.SIPPort, "SIP-facing listen port")
	fs.StringVar(&cfg.DiscoveryListen, "discovery-listen", "", "override bind address for the discovery listener")
	fs.StringVar(&cfg.VoIPListen, "voip-listen", "", "override bind address for the VoIP listener")
	fs.StringVar(&cfg.ControlListen, "control-listen", "", "override bind address for the control listener")
	fs.StringVar(&cfg.SIPListen, "sip-listen", "", "override bind address for the SIP listener")
	fs.StringVar(&cfg.SIPHost, "sip-host", "", "address advertised to SIP peers (default: autodetected like --report-addr)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	rest := fs.Args()
	if len(rest) < 1 {
		return Config{}, fmt.Errorf("config: a phone number is required")
	}
	number, err := leelennum.Parse(rest[0], nil)
	if err != nil {
		return Config{}, fmt.Errorf("config: phone number: %w", err)
	}
	cfg.Number = number
	if len(rest) >= 2 && cfg.Interface == "" {
		cfg.Interface = rest[1]
	}

	applyEnvOverrides(&cfg)

	if cfg.SIPHost == "" {
		cfg.SIPHost = primaryInterfaceAddr()
	}
	return cfg, nil
}

// primaryInterfaceAddr picks the first non-loopback IPv4 address of an
// interface that's up, for advertising to SIP peers when --sip-host was
// left unset.
func primaryInterfaceAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// applyEnvOverrides lets deployment tooling override a handful of fields
// without touching the invoking command line, the way the teacher's own
// config layer folds in PORT/BIND/ADVERTISE.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LEELEN2SIP_REPORT_ADDR"); v != "" {
		cfg.ReportAddr = v
	}
	if v := os.Getenv("LEELEN2SIP_SIP_HOST"); v != "" {
		cfg.SIPHost = v
	}
	if v := os.Getenv("LEELEN2SIP_INTERFACE"); v != "" {
		cfg.Interface = v
	}
}
