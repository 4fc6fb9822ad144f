package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sebas/leelen2sip/internal/config"
	"github.com/sebas/leelen2sip/internal/netaddr"
)

func TestBindAddrUsesOverrideWhenParseable(t *testing.T) {
	a := bindAddr("10.0.0.5:6789", 9999, netaddr.IPv4)
	assert.Equal(t, "10.0.0.5", a.IP.String())
	assert.EqualValues(t, 6789, a.Port)
}

func TestBindAddrFillsPortFromDefaultWhenOverrideOmitsIt(t *testing.T) {
	a := bindAddr("10.0.0.5", 9999, netaddr.IPv4)
	assert.Equal(t, "10.0.0.5", a.IP.String())
	assert.EqualValues(t, 9999, a.Port)
}

func TestBindAddrFallsBackToWildcardWithoutOverride(t *testing.T) {
	a := bindAddr("", 6789, netaddr.IPv4)
	assert.True(t, a.IP.IsUnspecified())
	assert.EqualValues(t, 6789, a.Port)
}

func TestLeelenHostPrefersConcreteVoipBind(t *testing.T) {
	bind := netaddr.ParseURLLike("192.168.1.20:5060")
	host := leelenHost(config.Config{SIPHost: "192.168.1.30"}, bind)
	assert.Equal(t, "192.168.1.20", host)
}

func TestLeelenHostFallsBackToSIPHostOnWildcardBind(t *testing.T) {
	bind := bindAddr("", 5060, netaddr.IPv4)
	host := leelenHost(config.Config{SIPHost: "192.168.1.30"}, bind)
	assert.Equal(t, "192.168.1.30", host)
}
