package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/leelen2sip/internal/discovery"
	"github.com/sebas/leelen2sip/internal/leelendialog"
	"github.com/sebas/leelen2sip/internal/leelennum"
	"github.com/sebas/leelen2sip/internal/leelenproto"
	"github.com/sebas/leelen2sip/internal/leelenvoip"
	"github.com/sebas/leelen2sip/internal/media"
	"github.com/sebas/leelen2sip/internal/netaddr"
	"github.com/sebas/leelen2sip/internal/sipbridge"
)

// Config configures how a Manager places and answers calls.
type Config struct {
	Number      leelennum.Number
	DeviceType  int
	LeelenHost  string // IP the LEELEN-facing media sockets bind to
	SIPHost     string // IP the SIP-facing media sockets bind to, advertised in SDP
	MTU         int
	DialTimeout time.Duration // how long an outbound call may take to discover+ring
	IdleTimeout time.Duration // spec.md §4.9's "dialog timeout" for a Connected session
}

// Manager owns every live Session and is the seam between the SIP side
// (sipbridge.Handler) and the LEELEN side (fed by the reactor calling
// HandleLeelenMessage). Mirrors sipleelen.c's session array plus its
// _receive_leelen dispatch.
type Manager struct {
	cfg      Config
	registry *leelenvoip.Registry
	discover *discovery.Server
	bridge   *sipbridge.Bridge

	mu         sync.Mutex
	byCallID   map[string]*Session
	byDialogID map[leelenproto.ID]*Session
}

// NewManager creates a Manager. Call SetBridge once the sipbridge.Bridge
// that will use this Manager as its Handler has been constructed.
func NewManager(cfg Config, registry *leelenvoip.Registry, discover *discovery.Server) *Manager {
	if cfg.MTU <= 0 {
		cfg.MTU = leelenproto.MTU
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Hour
	}
	return &Manager{
		cfg:        cfg,
		registry:   registry,
		discover:   discover,
		byCallID:   make(map[string]*Session),
		byDialogID: make(map[leelenproto.ID]*Session),
	}
}

// SetBridge wires the SIP bridge after construction, breaking the
// construction cycle (the bridge needs a Handler before it exists; the
// Handler wants to call back into the bridge).
func (m *Manager) SetBridge(b *sipbridge.Bridge) {
	m.bridge = b
}

func (m *Manager) lookupByCallIDRef(callID string) *Session {
	m.mu.Lock()
	s := m.byCallID[callID]
	if s != nil {
		s.ref()
	}
	m.mu.Unlock()
	return s
}

func (m *Manager) lookupByDialogIDRef(id leelenproto.ID) *Session {
	m.mu.Lock()
	s := m.byDialogID[id]
	if s != nil {
		s.ref()
	}
	m.mu.Unlock()
	return s
}

func (m *Manager) forgetCallID(callID string) {
	m.mu.Lock()
	delete(m.byCallID, callID)
	m.mu.Unlock()
}

func (m *Manager) forgetDialog(id leelenproto.ID) {
	m.mu.Lock()
	delete(m.byDialogID, id)
	m.mu.Unlock()
}

func (m *Manager) forgetSession(s *Session) {
	// already indexed by callID/dialogID removal above; this exists so
	// destroy has one call to make regardless of which indices a given
	// session was ever entered under.
	m.mu.Lock()
	for id, other := range m.byCallID {
		if other == s {
			delete(m.byCallID, id)
		}
	}
	for id, other := range m.byDialogID {
		if other == s {
			delete(m.byDialogID, id)
		}
	}
	m.mu.Unlock()
}

// HandleInvite implements sipbridge.Handler. An INVITE at an empty session
// (spec.md §4.5) spawns a discovery+CALL worker; a second INVITE for a
// Call-ID already tracked is always a re-INVITE and gets 488.
func (m *Manager) HandleInvite(req *sip.Request, tx sip.ServerTransaction, target string, offer sipbridge.MediaOffer) {
	callID := callIDOf(req)

	m.mu.Lock()
	if _, exists := m.byCallID[callID]; exists {
		m.mu.Unlock()
		m.bridge.RespondNotAcceptableHere(req, tx)
		return
	}
	num, err := leelennum.Parse(target, nil)
	if err != nil {
		m.mu.Unlock()
		m.bridge.RespondGone(req, tx)
		return
	}
	s := newSession(m, num)
	s.callID = callID
	s.sipReq = req
	s.sipTx = tx
	s.offer = offer
	m.byCallID[callID] = s
	m.mu.Unlock()

	go m.inviteWorker(s)
}

func (m *Manager) inviteWorker(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	defer cancel()

	adv, err := m.discover.Discover(ctx, s.number.String())
	if err != nil {
		switch {
		case errors.Is(err, discovery.ErrBusy):
			m.bridge.RespondBusyHere(s.sipReq, s.sipTx)
		case errors.Is(err, context.DeadlineExceeded):
			m.bridge.RespondNotFound(s.sipReq, s.sipTx)
		default:
			m.bridge.RespondServerError(s.sipReq, s.sipTx)
		}
		s.unref()
		return
	}

	family := netaddr.IPv4
	if adv.Addr.To4() == nil {
		family = netaddr.IPv6
	}
	dst := netaddr.Addr{Family: family, IP: adv.Addr, Port: leelenproto.SIPPort}

	dlg := m.registry.Connect(dst, &s.number, 0)
	dlg.OurAudioPort = leelenproto.AudioPort
	dlg.OurVideoPort = leelenproto.VideoPort

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		m.registry.Remove(dlg.ID)
		return
	}
	s.dialog = dlg
	s.mu.Unlock()

	m.mu.Lock()
	m.byDialogID[dlg.ID] = s
	m.mu.Unlock()

	var audioFormats, videoFormats []string
	if s.offer.AudioPort != 0 {
		audioFormats = s.offer.AudioCodecs
	}
	if s.offer.VideoPort != 0 {
		videoFormats = s.offer.VideoCodecs
	}

	if err := dlg.Send(leelenproto.CodeCall, audioFormats, videoFormats); err != nil {
		slog.Warn("session: cannot send leelen call", "error", err)
		m.bridge.RespondServerError(s.sipReq, s.sipTx)
		s.unref()
		return
	}

	slog.Info("session: dialled leelen peer", "number", s.number.String(), "dialog_id", dlg.ID)
}

// HandleCancel implements sipbridge.Handler: CANCEL matching a session in
// Connecting state → 200 to the CANCEL, 487 to the original INVITE, LEELEN
// BYE, and the session is torn down.
func (m *Manager) HandleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	s := m.lookupByCallIDRef(callID)
	if s == nil {
		m.bridge.RespondNoDialog(req, tx)
		return
	}
	defer s.unref()

	m.bridge.RespondOK(req, tx)

	s.mu.Lock()
	origReq, origTx := s.sipReq, s.sipTx
	dlg := s.dialog
	s.mu.Unlock()
	if origTx != nil {
		m.bridge.RespondRequestTerminated(origReq, origTx)
	}
	if dlg != nil {
		if err := dlg.MayBye(); err != nil {
			slog.Warn("session: leelen bye on cancel", "error", err)
		}
	}
	s.unref() // release the table's own reference: this call's lifecycle is over
}

// HandleBye implements sipbridge.Handler for a BYE arriving on either a
// still-Connecting or an established Connected session.
func (m *Manager) HandleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	s := m.lookupByCallIDRef(callID)
	if s == nil {
		m.bridge.RespondNoDialog(req, tx)
		return
	}
	defer s.unref()

	s.mu.Lock()
	sipSession := s.sipSession
	dlg := s.dialog
	s.mu.Unlock()

	if sipSession != nil {
		if err := m.bridge.ReadBye(sipSession, req, tx); err != nil {
			slog.Warn("session: read bye", "call_id", callID, "error", err)
		}
	} else {
		m.bridge.RespondOK(req, tx)
	}

	if dlg != nil {
		if err := dlg.MayBye(); err != nil {
			slog.Warn("session: leelen bye on sip bye", "error", err)
		}
	}
	s.unref()
}

// HandleLeelenMessage routes one inbound LEELEN VoIP datagram through the
// dialog registry and reacts to whatever it meant for the matched (or
// newly-spawned) session. Called by the reactor for every datagram that
// arrives on the VoIP socket.
func (m *Manager) HandleLeelenMessage(raw []byte, src netaddr.Addr) {
	result, dlg, err := m.registry.Receive(raw, src)
	if err != nil {
		slog.Debug("session: leelen receive", "error", err)
		return
	}

	m.mu.Lock()
	s, ok := m.byDialogID[dlg.ID]
	if !ok {
		s = newSession(m, dlg.To)
		s.dialog = dlg
		m.byDialogID[dlg.ID] = s
	} else {
		s.ref()
	}
	m.mu.Unlock()
	defer s.unref()

	s.touch()
	m.onLeelenMessage(s, dlg, result)
}

func (m *Manager) onLeelenMessage(s *Session, dlg *leelendialog.Dialog, result leelendialog.ReceiveResult) {
	switch result.Code {
	case leelenproto.CodeOK:
		m.onLeelenOK(s, dlg, result)
	case leelenproto.CodeBye:
		m.onLeelenBye(s)
	case leelenproto.CodeCall, leelenproto.CodeView, leelenproto.CodeVoiceMessage, leelenproto.CodeAccepted:
		m.onLeelenCallFamily(s, dlg, result)
	}
}

// onLeelenOK handles the peer's OK to our CALL: build the SIP 200 response
// and start media, per spec.md §4.6.
func (m *Manager) onLeelenOK(s *Session, dlg *leelendialog.Dialog, result leelendialog.ReceiveResult) {
	s.mu.Lock()
	req, tx := s.sipReq, s.sipTx
	alreadyAnswered := s.sipSession != nil
	s.mu.Unlock()
	if req == nil || tx == nil || alreadyAnswered {
		return
	}

	audioCodec := pickCodec(result.AudioFormats, media.DefaultAudioCodec)
	videoCodec := pickCodec(result.VideoFormats, media.DefaultVideoCodec)

	audioPort, videoPort, err := s.startMedia(m.cfg, m.cfg.LeelenHost, audioCodec, videoCodec)
	if err != nil {
		slog.Warn("session: cannot start media", "id", s.id, "error", err)
		m.bridge.RespondServerError(req, tx)
		s.destroy()
		return
	}

	body, err := sipbridge.BuildAnswer(m.cfg.SIPHost, audioPort, audioCodec, payloadTypeFor(audioCodec), videoPort, videoCodec, payloadTypeFor(videoCodec))
	if err != nil {
		slog.Warn("session: cannot build sdp answer", "id", s.id, "error", err)
		m.bridge.RespondServerError(req, tx)
		s.destroy()
		return
	}

	sess, err := m.bridge.AnswerInvite(req, tx, body)
	if err != nil {
		slog.Warn("session: cannot answer invite", "id", s.id, "error", err)
		s.destroy()
		return
	}

	s.mu.Lock()
	s.sipSession = sess
	s.mu.Unlock()
	slog.Info("session: established", "id", s.id, "number", s.number.String())
}

// onLeelenBye handles the peer hanging up on an established call: send a
// SIP BYE within the existing dialog, per spec.md §4.6.
func (m *Manager) onLeelenBye(s *Session) {
	s.mu.Lock()
	sess := s.sipSession
	s.mu.Unlock()
	if sess == nil {
		s.destroy()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Bye(ctx); err != nil {
		slog.Warn("session: sip bye failed, destroying session", "id", s.id, "error", err)
	}
	s.destroy()
}

// onLeelenCallFamily handles a CALL/VIEW/VOICE_MESSAGE/ACCEPTED arriving on
// a session that is already Connected and already has a SIP leg: it sends a
// new INVITE towards that same registered peer carrying the freshly-offered
// formats (spec.md §4.6's third bullet). A brand-new session spawned by this
// same message (no SIP leg yet) is handled identically once a matching
// registration exists — there is no behavioural difference between "already
// established" and "freshly spawned and immediately connected" from the
// bridge's perspective, since both cases reduce to "ring whichever SIP
// client registered for this number".
func (m *Manager) onLeelenCallFamily(s *Session, dlg *leelendialog.Dialog, result leelendialog.ReceiveResult) {
	if dlg.State() != leelendialog.Connected {
		return
	}
	reg, ok := m.bridge.LookupByNumber(s.number.String())
	if !ok {
		slog.Debug("session: leelen call with no registered sip peer", "number", s.number.String())
		if err := dlg.MayBye(); err != nil {
			slog.Warn("session: bye after unroutable call", "error", err)
		}
		return
	}

	audioCodec := pickCodec(result.AudioFormats, media.DefaultAudioCodec)
	videoCodec := pickCodec(result.VideoFormats, media.DefaultVideoCodec)

	var audioPort, videoPort int
	var err error
	if len(result.AudioFormats) > 0 {
		if audioPort, err = media.ProbePort(m.cfg.SIPHost); err != nil {
			slog.Warn("session: cannot reserve audio port", "id", s.id, "error", err)
			return
		}
	}
	if len(result.VideoFormats) > 0 {
		if videoPort, err = media.ProbePort(m.cfg.SIPHost); err != nil {
			slog.Warn("session: cannot reserve video port", "id", s.id, "error", err)
			return
		}
	}

	body, err := sipbridge.BuildAnswer(m.cfg.SIPHost, audioPort, audioCodec, payloadTypeFor(audioCodec), videoPort, videoCodec, payloadTypeFor(videoCodec))
	if err != nil {
		slog.Warn("session: cannot build sdp offer", "id", s.id, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	call, err := m.bridge.Invite(ctx, reg.Contact.String(), body)
	if err != nil {
		cancel()
		slog.Warn("session: outbound invite failed", "id", s.id, "error", err)
		return
	}

	s.mu.Lock()
	s.outbound = call
	s.mu.Unlock()
	slog.Info("session: rang registered sip peer", "id", s.id, "number", s.number.String())

	go m.awaitOutboundAnswer(ctx, cancel, s, call, audioPort, videoPort)
}

// awaitOutboundAnswer waits for the far end to answer the INVITE
// onLeelenCallFamily sent, then parses its SDP answer and opens the media
// legs pinned to the ports already advertised in our offer.
func (m *Manager) awaitOutboundAnswer(ctx context.Context, cancel context.CancelFunc, s *Session, call *sipbridge.OutboundCall, audioPort, videoPort int) {
	defer cancel()
	resp, err := m.bridge.WaitAnswer(ctx, call)
	if err != nil {
		slog.Warn("session: outbound invite not answered", "id", s.id, "error", err)
		s.mu.Lock()
		s.outbound = nil
		s.mu.Unlock()
		return
	}

	answer, err := sipbridge.ParseOffer(resp.Body())
	if err != nil {
		slog.Warn("session: cannot parse sdp answer", "id", s.id, "error", err)
		return
	}
	if err := s.startMediaPinned(m.cfg, m.cfg.LeelenHost, answer, audioPort, videoPort); err != nil {
		slog.Warn("session: cannot start outbound media", "id", s.id, "error", err)
	}
}

func pickCodec(offered []string, fallback string) string {
	if len(offered) > 0 {
		return offered[0]
	}
	return fallback
}

// payloadTypeFor maps a codec name to its RFC 3551 static payload type where
// one is assigned; anything else gets a fixed dynamic type, since this
// bridge does not negotiate per-call dynamic payload type numbers beyond
// matching codec names.
func payloadTypeFor(codec string) int {
	switch codec {
	case "PCMU":
		return 0
	case "PCMA":
		return 8
	case "H264":
		return 96
	default:
		return 97
	}
}

// Sweep implements the session half of spec.md §4.9's reactor tick:
// Connecting sessions whose dialog has ack-timed-out get a 404 and are torn
// down; Connected sessions idle past the configured timeout get a graceful
// BYE on both legs; the underlying dialog registry is swept for stale
// entries in the same pass.
func (m *Manager) Sweep(now time.Time) {
	m.registry.Sweep(now)

	var toTimeout, toIdle, toDestroy []*Session
	m.mu.Lock()
	seen := make(map[*Session]bool)
	all := make([]*Session, 0, len(m.byCallID)+len(m.byDialogID))
	for _, s := range m.byCallID {
		all = append(all, s)
	}
	for _, s := range m.byDialogID {
		all = append(all, s)
	}
	for _, s := range all {
		if seen[s] {
			continue
		}
		seen[s] = true
		switch s.state() {
		case leelendialog.Disconnected:
			s.mu.Lock()
			dialled := s.dialog != nil
			s.mu.Unlock()
			if s.callID == "" {
				toDestroy = append(toDestroy, s) // no SIP leg ever formed; nothing left to notify
			} else if dialled {
				toTimeout = append(toTimeout, s)
			}
			// a SIP session with no dialog yet is still in discovery; its invite worker answers it
		case leelendialog.Connected:
			if s.idleSince(now) > m.cfg.IdleTimeout && !s.hasOutstandingTransaction() {
				toIdle = append(toIdle, s)
			}
		}
	}
	m.mu.Unlock()

	for _, s := range toDestroy {
		s.destroy()
	}
	for _, s := range toTimeout {
		s.mu.Lock()
		req, tx := s.sipReq, s.sipTx
		s.mu.Unlock()
		if req != nil && tx != nil {
			m.bridge.RespondNotFound(req, tx)
		}
		s.destroy()
	}
	for _, s := range toIdle {
		slog.Info("session: idle timeout, hanging up", "id", s.id)
		m.onLeelenBye(s)
	}
}

func callIDOf(req *sip.Request) string {
	if c := req.CallID(); c != nil {
		return c.String()
	}
	return ""
}
