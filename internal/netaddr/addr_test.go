package netaddr

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLoopback(t *testing.T) {
	a := Addr{Family: IPv6, IP: net.ParseIP("127.0.0.1").To16()}
	got := a.Normalize()
	assert.True(t, got.IP.Equal(net.IPv6loopback))
}

func TestNormalizeV4MappedZero(t *testing.T) {
	a := Addr{Family: IPv6, IP: net.ParseIP("::ffff:0.0.0.0")}
	got := a.Normalize()
	assert.True(t, got.IP.Equal(net.IPv6unspecified))
}

func TestTo4To6RoundTrip(t *testing.T) {
	v4 := Addr{Family: IPv4, IP: net.ParseIP("192.168.1.1").To4(), Port: 5060}
	v6 := v4.To6()
	assert.Equal(t, IPv6, v6.Family)

	back, ok := v6.To4()
	require.True(t, ok)
	assert.True(t, back.IP.Equal(v4.IP))
	assert.Equal(t, v4.Port, back.Port)
}

func TestSameIgnoresFamilyRepresentation(t *testing.T) {
	v4 := Addr{Family: IPv4, IP: net.ParseIP("10.0.0.5").To4(), Port: 5060}
	v6 := v4.To6()
	assert.True(t, Same(v4, v6))
}

func TestParseURLLikeBracketed(t *testing.T) {
	a := ParseURLLike("[fe80::1%eth0]:5060")
	require.Equal(t, IPv6, a.Family)
	assert.Equal(t, "eth0", a.Zone)
	assert.Equal(t, uint16(5060), a.Port)
}

func TestParseURLLikeIPv4WithPort(t *testing.T) {
	a := ParseURLLike("192.168.1.10:5060")
	require.Equal(t, IPv4, a.Family)
	assert.Equal(t, uint16(5060), a.Port)
	assert.Equal(t, "192.168.1.10", a.IP.String())
}

func TestParseURLLikeBareAddress(t *testing.T) {
	a := ParseURLLike("192.168.1.10")
	require.Equal(t, IPv4, a.Family)
	assert.Equal(t, uint16(0), a.Port)
}

func TestFormatURLLikeRoundTrip(t *testing.T) {
	orig := "[fe80::1%eth0]:5060"
	a := ParseURLLike(orig)
	assert.Equal(t, orig, FormatURLLike(a))
}

func TestMatchCIDRHostRoute(t *testing.T) {
	ip := net.ParseIP("192.168.1.5")
	network := net.ParseIP("192.168.1.5")
	matched, ok := MatchCIDR(ip, network, -1)
	require.True(t, ok)
	assert.True(t, matched)

	matched, ok = MatchCIDR(net.ParseIP("192.168.1.6"), network, -1)
	require.True(t, ok)
	assert.False(t, matched)
}

func TestMatchCIDRPrefix(t *testing.T) {
	ip := net.ParseIP("192.168.1.200")
	network := net.ParseIP("192.168.1.0")
	matched, ok := MatchCIDR(ip, network, 24)
	require.True(t, ok)
	assert.True(t, matched)

	matched, ok = MatchCIDR(net.ParseIP("192.168.2.1"), network, 24)
	require.True(t, ok)
	assert.False(t, matched)
}

func TestMatchCIDRAny(t *testing.T) {
	matched, ok := MatchCIDR(net.ParseIP("8.8.8.8"), net.ParseIP("0.0.0.0"), 0)
	require.True(t, ok)
	assert.True(t, matched)
}

func TestMatchCIDRRejectsDirtyNetworkBits(t *testing.T) {
	_, ok := MatchCIDR(net.ParseIP("192.168.1.1"), net.ParseIP("192.168.1.1"), 24)
	assert.False(t, ok)
}
