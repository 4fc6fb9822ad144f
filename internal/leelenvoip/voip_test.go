package leelenvoip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/leelen2sip/internal/leelendialog"
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

func newTestRegistry(t *testing.T, sent *[][]byte) *Registry {
	t.Helper()
	from := numberOf(t, "1001-0203")
	send := func(buf []byte, dst netaddr.Addr) error {
		*sent = append(*sent, buf)
		return nil
	}
	return NewRegistry(from, 1, 20*time.Millisecond, send)
}

func TestReceiveSpawnsDialogForNewCall(t *testing.T) {
	var sent [][]byte
	r := newTestRegistry(t, &sent)
	peer := netaddr.ParseURLLike("192.168.1.9:17722")

	caller := numberOf(t, "1001-0204")
	msg := leelenmsg.Message{Code: leelenproto.CodeCall, ID: 99, From: caller, To: r.from}
	_, d, err := r.Receive(msg.Marshal(), peer)
	require.NoError(t, err)
	assert.Equal(t, leelenproto.ID(99), d.ID)
	assert.Equal(t, 1, r.Len())
	assert.Len(t, sent, 1) // ack went out
}

func TestReceiveRejectsUnknownNonCallCode(t *testing.T) {
	var sent [][]byte
	r := newTestRegistry(t, &sent)
	peer := netaddr.ParseURLLike("192.168.1.9:17722")

	msg := leelenmsg.Message{Code: leelenproto.CodeOK, ID: 7}
	_, _, err := r.Receive(msg.Marshal(), peer)
	assert.Error(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestReceiveRoutesToExistingDialog(t *testing.T) {
	var sent [][]byte
	r := newTestRegistry(t, &sent)
	peer := netaddr.ParseURLLike("192.168.1.9:17722")
	to := numberOf(t, "1001-0204")
	d := r.Connect(peer, &to, 55)

	require.NoError(t, d.Send(leelenproto.CodeCall, nil, nil))
	ack := leelenmsg.Message{Code: leelenproto.CodeOK, ID: 55}
	_, got, err := r.Receive(ack.Marshal(), peer)
	require.NoError(t, err)
	assert.Same(t, d, got)
	assert.Equal(t, leelendialog.Connected, d.State())
}

func TestSweepSkipsFreshlyCreatedDialog(t *testing.T) {
	var sent [][]byte
	r := newTestRegistry(t, &sent)
	peer := netaddr.ParseURLLike("192.168.1.9:17722")
	to := numberOf(t, "1001-0204")
	r.Connect(peer, &to, 66)

	removed := r.Sweep(time.Now())
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, r.Len())
}

func TestSweepRemovesStaleDisconnectedDialog(t *testing.T) {
	var sent [][]byte
	r := newTestRegistry(t, &sent)
	peer := netaddr.ParseURLLike("192.168.1.9:17722")
	to := numberOf(t, "1001-0204")
	r.Connect(peer, &to, 77)

	removed := r.Sweep(time.Now().Add(time.Second))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, r.Len())
}
