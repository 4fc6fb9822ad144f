package leelendialog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/leelen2sip/internal/leelenmsg"
	"github.com/sebas/leelen2sip/internal/leelennum"
	"github.com/sebas/leelen2sip/internal/leelenproto"
	"github.com/sebas/leelen2sip/internal/netaddr"
)

func numberOf(t *testing.T, s string) leelennum.Number {
	t.Helper()
	n, err := leelennum.Parse(s, nil)
	require.NoError(t, err)
	return n
}

func newTestDialog(t *testing.T, sent *[][]byte) *Dialog {
	t.Helper()
	from := numberOf(t, "1001-0203")
	to := numberOf(t, "1001-0204")
	peer := netaddr.ParseURLLike("192.168.1.5:17722")
	send := func(buf []byte, dst netaddr.Addr) error {
		*sent = append(*sent, buf)
		return nil
	}
	return New(from, 1, peer, &to, 42, 50*time.Millisecond, send)
}

func TestSendCallMovesToConnecting(t *testing.T) {
	var sent [][]byte
	d := newTestDialog(t, &sent)
	require.NoError(t, d.Send(leelenproto.CodeCall, []string{"PCMU"}, nil))
	assert.Equal(t, Connecting, d.State())
	assert.Len(t, sent, 1)
}

func TestReceiveOKAdvancesConnectingToConnected(t *testing.T) {
	var sent [][]byte
	d := newTestDialog(t, &sent)
	require.NoError(t, d.Send(leelenproto.CodeCall, nil, nil))

	ack := leelenmsg.Message{Code: leelenproto.CodeOK, ID: d.ID}
	_, err := d.Receive(ack, time.Now())
	require.NoError(t, err)
	assert.Equal(t, Connected, d.State())
}

func TestReceiveOKCarriesAcceptedFormatsAndPorts(t *testing.T) {
	var sent [][]byte
	d := newTestDialog(t, &sent)
	require.NoError(t, d.Send(leelenproto.CodeCall, []string{"PCMU"}, nil))

	ack := leelenmsg.Message{
		Code:         leelenproto.CodeOK,
		ID:           d.ID,
		AudioFormats: []string{"PCMU"},
		AudioPort:    7078,
	}
	res, err := d.Receive(ack, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"PCMU"}, res.AudioFormats)
	assert.Equal(t, 7078, d.TheirAudioPort)
}

func TestReceiveWrongIDIsRejected(t *testing.T) {
	var sent [][]byte
	d := newTestDialog(t, &sent)
	_, err := d.Receive(leelenmsg.Message{Code: leelenproto.CodeOK, ID: d.ID + 1}, time.Now())
	assert.ErrorIs(t, err, ErrIDMismatch)
}

func TestReceiveCallAcksAndConnects(t *testing.T) {
	var sent [][]byte
	d := newTestDialog(t, &sent)
	incoming := leelenmsg.Message{
		Code:      leelenproto.CodeCall,
		ID:        d.ID,
		From:      d.To,
		FromType:  2,
		To:        d.From,
		AudioPort: 7078,
	}
	res, err := d.Receive(incoming, time.Now())
	require.NoError(t, err)
	assert.Equal(t, Connected, d.State())
	assert.Len(t, sent, 1) // the ack
	assert.Nil(t, res.AudioFormats)
	assert.Equal(t, 7078, d.TheirAudioPort)
}

func TestReceiveOKWithConflictingPortOverwritesStoredValue(t *testing.T) {
	var sent [][]byte
	d := newTestDialog(t, &sent)
	require.NoError(t, d.Send(leelenproto.CodeCall, []string{"PCMU"}, nil))
	d.TheirAudioPort = 7078

	ack := leelenmsg.Message{Code: leelenproto.CodeOK, ID: d.ID, AudioPort: 7200}
	_, err := d.Receive(ack, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 7200, d.TheirAudioPort)
}

func TestCheckTimeoutRevertsConnecting(t *testing.T) {
	var sent [][]byte
	d := newTestDialog(t, &sent)
	require.NoError(t, d.Send(leelenproto.CodeCall, nil, nil))
	assert.Equal(t, Connecting, d.State())

	timedOut := d.CheckTimeout(time.Now().Add(200 * time.Millisecond))
	assert.True(t, timedOut)
	assert.Equal(t, Disconnected, d.State())
}

func TestMayByeIsIdempotent(t *testing.T) {
	var sent [][]byte
	d := newTestDialog(t, &sent)
	require.NoError(t, d.MayBye())
	assert.Len(t, sent, 0, "bye is skipped while already disconnected")
}

func TestMayByeSendsWhenConnected(t *testing.T) {
	var sent [][]byte
	d := newTestDialog(t, &sent)
	require.NoError(t, d.Send(leelenproto.CodeCall, nil, nil))
	_, err := d.Receive(leelenmsg.Message{Code: leelenproto.CodeOK, ID: d.ID}, time.Now())
	require.NoError(t, err)
	require.Equal(t, Connected, d.State())

	require.NoError(t, d.MayBye())
	assert.Equal(t, Disconnecting, d.State())
}
