package media

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwarderRelaysBothDirections(t *testing.T) {
	l1, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer l1.Close()
	l2, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer l2.Close()

	leftConn, err := net.DialUDP("udp", l1.LocalAddr().(*net.UDPAddr), l2.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	rightConn, err := net.DialUDP("udp", l2.LocalAddr().(*net.UDPAddr), l1.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	l1.Close()
	l2.Close()

	fwd := New("test", leftConn, rightConn, 1500)
	ctx, cancel := context.WithCancel(context.Background())
	fwd.Start(ctx)
	defer func() {
		cancel()
		fwd.Stop()
	}()

	peerOfLeft, err := net.DialUDP("udp", nil, leftConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer peerOfLeft.Close()
	peerOfRight, err := net.DialUDP("udp", nil, rightConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer peerOfRight.Close()

	_, err = peerOfLeft.Write([]byte("hello-right"))
	require.NoError(t, err)

	peerOfRight.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := peerOfRight.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello-right", string(buf[:n]))
}

func TestAudioDecoderForUnknownCodecIsNil(t *testing.T) {
	assert.Nil(t, AudioDecoderFor("OPUS"))
	assert.NotNil(t, AudioDecoderFor("PCMU"))
	assert.NotNil(t, AudioDecoderFor("PCMA"))
}

func TestDialLocalPairBindsFixedAndEphemeralPorts(t *testing.T) {
	leelenPeer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer leelenPeer.Close()
	sipPeer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sipPeer.Close()

	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	leelenLocalPort := probe.LocalAddr().(*net.UDPAddr).Port
	probe.Close()

	left, right, rightPort, err := DialLocalPair(
		net.JoinHostPort("127.0.0.1", strconv.Itoa(leelenLocalPort)),
		leelenPeer.LocalAddr().String(),
		"127.0.0.1",
		sipPeer.LocalAddr().String(),
	)
	require.NoError(t, err)
	defer left.Close()
	defer right.Close()

	assert.Equal(t, leelenLocalPort, left.LocalAddr().(*net.UDPAddr).Port)
	assert.NotZero(t, rightPort)
	assert.Equal(t, rightPort, right.LocalAddr().(*net.UDPAddr).Port)
}

func TestProbePortReturnsBindablePort(t *testing.T) {
	port, err := ProbePort("127.0.0.1")
	require.NoError(t, err)
	assert.NotZero(t, port)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	conn.Close()
}

func TestDialLocalPairAtPinsBothLocalPorts(t *testing.T) {
	leelenPeer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer leelenPeer.Close()
	sipPeer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sipPeer.Close()

	sipPort, err := ProbePort("127.0.0.1")
	require.NoError(t, err)

	left, right, err := DialLocalPairAt(
		"127.0.0.1:0",
		leelenPeer.LocalAddr().String(),
		net.JoinHostPort("127.0.0.1", strconv.Itoa(sipPort)),
		sipPeer.LocalAddr().String(),
	)
	require.NoError(t, err)
	defer left.Close()
	defer right.Close()

	assert.Equal(t, sipPort, right.LocalAddr().(*net.UDPAddr).Port)
}
