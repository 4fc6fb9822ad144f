package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/leelen2sip/internal/leelendialog"
	"github.com/sebas/leelen2sip/internal/leelennum"
	"github.com/sebas/leelen2sip/internal/leelenproto"
	"github.com/sebas/leelen2sip/internal/leelenvoip"
	"github.com/sebas/leelen2sip/internal/netaddr"
)

func numberOf(t *testing.T, s string) leelennum.Number {
	t.Helper()
	n, err := leelennum.Parse(s, nil)
	require.NoError(t, err)
	return n
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	from := numberOf(t, "1001-0203")
	send := func(buf []byte, dst netaddr.Addr) error { return nil }
	registry := leelenvoip.NewRegistry(from, 1, 20*time.Millisecond, send)
	cfg := Config{Number: from, LeelenHost: "127.0.0.1", SIPHost: "127.0.0.1"}
	return NewManager(cfg, registry, nil)
}

func TestPickCodecPrefersOffered(t *testing.T) {
	assert.Equal(t, "PCMA", pickCodec([]string{"PCMA", "PCMU"}, "PCMU"))
	assert.Equal(t, "PCMU", pickCodec(nil, "PCMU"))
}

func TestPayloadTypeForKnownCodecs(t *testing.T) {
	assert.Equal(t, 0, payloadTypeFor("PCMU"))
	assert.Equal(t, 8, payloadTypeFor("PCMA"))
	assert.Equal(t, 96, payloadTypeFor("H264"))
	assert.Equal(t, 97, payloadTypeFor("OPUS"))
}

func TestSessionDestroyIsIdempotent(t *testing.T) {
	mgr := newTestManager(t)
	s := newSession(mgr, numberOf(t, "1001-0204"))
	mgr.byCallID["call-1"] = s
	s.callID = "call-1"

	s.destroy()
	s.destroy() // must not panic or double-remove

	mgr.mu.Lock()
	_, stillThere := mgr.byCallID["call-1"]
	mgr.mu.Unlock()
	assert.False(t, stillThere)
}

func TestSessionRefcountDestroysOnlyAtZero(t *testing.T) {
	mgr := newTestManager(t)
	s := newSession(mgr, numberOf(t, "1001-0204"))
	mgr.byCallID["call-2"] = s
	s.callID = "call-2"

	s.ref() // simulate a handler looking the session up
	s.unref()
	mgr.mu.Lock()
	_, stillThere := mgr.byCallID["call-2"]
	mgr.mu.Unlock()
	assert.True(t, stillThere, "one outstanding ref (the table's own) must keep it alive")

	s.unref()
	mgr.mu.Lock()
	_, stillThere = mgr.byCallID["call-2"]
	mgr.mu.Unlock()
	assert.False(t, stillThere)
}

func TestByCallIDTracksSessionUntilForgotten(t *testing.T) {
	mgr := newTestManager(t)
	s := newSession(mgr, numberOf(t, "1001-0204"))
	mgr.byCallID["dup"] = s

	_, tracked := mgr.byCallID["dup"]
	assert.True(t, tracked)

	mgr.forgetCallID("dup")
	_, tracked = mgr.byCallID["dup"]
	assert.False(t, tracked)
}

func TestForgetSessionRemovesFromBothIndices(t *testing.T) {
	mgr := newTestManager(t)
	s := newSession(mgr, numberOf(t, "1001-0204"))
	mgr.byCallID["call-3"] = s
	mgr.byDialogID[leelenproto.ID(7)] = s

	mgr.forgetSession(s)

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	_, byCall := mgr.byCallID["call-3"]
	_, byDialog := mgr.byDialogID[leelenproto.ID(7)]
	assert.False(t, byCall)
	assert.False(t, byDialog)
}

func TestSessionStateReflectsDialog(t *testing.T) {
	mgr := newTestManager(t)
	s := newSession(mgr, numberOf(t, "1001-0204"))
	assert.Equal(t, leelendialog.Disconnected, s.state())
}
