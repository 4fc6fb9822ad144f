// Package session binds one LEELEN VoIP dialog to one SIP dialog and owns
// the media forwarders relaying between them. It implements
// sipbridge.Handler, so it is the only package that knows what a "call"
// actually is — sipbridge and leelenvoip each see only their own half.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/leelen2sip/internal/leelendialog"
	"github.com/sebas/leelen2sip/internal/leelennum"
	"github.com/sebas/leelen2sip/internal/media"
	"github.com/sebas/leelen2sip/internal/sipbridge"
)

// Session is one call leg pair: a LEELEN dialog plus, once established, a
// SIP dialog and the media forwarders moving RTP between them. Mirrors
// struct SIPLeelenSession.
type Session struct {
	mgr *Manager
	id  string

	refcount int32 // atomic; destroyed when it reaches zero

	mu        sync.Mutex
	number    leelennum.Number
	dialog    *leelendialog.Dialog
	destroyed bool

	callID     string
	sipReq     *sip.Request
	sipTx      sip.ServerTransaction
	sipSession *sipgo.DialogServerSession
	offer      sipbridge.MediaOffer
	outbound   *sipbridge.OutboundCall

	audio       *media.Forwarder
	video       *media.Forwarder
	mediaCancel context.CancelFunc

	createdAt    time.Time
	lastActivity time.Time
}

func newSession(mgr *Manager, number leelennum.Number) *Session {
	now := time.Now()
	return &Session{
		mgr:          mgr,
		id:           uuid.NewString(),
		number:       number,
		refcount:     1, // the session table's own reference
		createdAt:    now,
		lastActivity: now,
	}
}

// ref acquires an additional, temporary reference — used by a handler while
// it operates on a session it looked up, so a concurrent teardown can't free
// it out from under the handler.
func (s *Session) ref() {
	atomic.AddInt32(&s.refcount, 1)
}

// unref releases a reference acquired by ref or held since creation,
// destroying the session once the count reaches zero.
func (s *Session) unref() {
	if atomic.AddInt32(&s.refcount, -1) <= 0 {
		s.destroy()
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

func (s *Session) state() leelendialog.State {
	s.mu.Lock()
	d := s.dialog
	s.mu.Unlock()
	if d == nil {
		return leelendialog.Disconnected
	}
	return d.State()
}

func (s *Session) hasOutstandingTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sipTx != nil || s.outbound != nil
}

// destroy tears down both legs of the call. Idempotent: a second call is a
// no-op, matching SIPLeelenSession_destroy's "may_free" guard.
func (s *Session) destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	dlg := s.dialog
	audio, video := s.audio, s.video
	cancel := s.mediaCancel
	callID := s.callID
	id := s.id
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if audio != nil {
		audio.Stop()
	}
	if video != nil {
		video.Stop()
	}
	if dlg != nil {
		if err := dlg.MayBye(); err != nil {
			slog.Warn("session: bye on destroy", "id", id, "error", err)
		}
		s.mgr.forgetDialog(dlg.ID)
	}
	if callID != "" {
		s.mgr.forgetCallID(callID)
	}
	s.mgr.forgetSession(s)
	slog.Info("session: destroyed", "id", id, "number", s.number.String())
}

// startMedia opens both UDP legs for one call and starts the two
// forwarders (each of audio and video only if both sides gave a port for
// it). Returns
// the SIP-facing ports the caller should put in its SDP answer.
func (s *Session) startMedia(cfg Config, leelenHost string, audioCodec string, videoCodec string) (audioPort, videoPort int, err error) {
	s.mu.Lock()
	dlg := s.dialog
	offer := s.offer
	s.mu.Unlock()
	if dlg == nil {
		return 0, 0, fmt.Errorf("session: no dialog to start media for")
	}

	ctx, cancel := context.WithCancel(context.Background())

	var audio, video *media.Forwarder

	if offer.AudioPort != 0 && dlg.TheirAudioPort != 0 {
		left, right, port, derr := media.DialLocalPair(
			net.JoinHostPort(leelenHost, strconv.Itoa(dlg.OurAudioPort)),
			net.JoinHostPort(dlg.Theirs.IP.String(), strconv.Itoa(dlg.TheirAudioPort)),
			cfg.SIPHost,
			net.JoinHostPort(offer.Addr, strconv.Itoa(offer.AudioPort)),
		)
		if derr != nil {
			cancel()
			return 0, 0, fmt.Errorf("session: audio media: %w", derr)
		}
		audio = media.New("audio:"+s.id, left, right, cfg.MTU)
		audioPort = port
	}

	if offer.VideoPort != 0 && dlg.TheirVideoPort != 0 {
		left, right, port, derr := media.DialLocalPair(
			net.JoinHostPort(leelenHost, strconv.Itoa(dlg.OurVideoPort)),
			net.JoinHostPort(dlg.Theirs.IP.String(), strconv.Itoa(dlg.TheirVideoPort)),
			cfg.SIPHost,
			net.JoinHostPort(offer.Addr, strconv.Itoa(offer.VideoPort)),
		)
		if derr != nil {
			if audio != nil {
				audio.Stop()
			}
			cancel()
			return 0, 0, fmt.Errorf("session: video media: %w", derr)
		}
		video = media.New("video:"+s.id, left, right, cfg.MTU)
		videoPort = port
	}

	if audio != nil {
		audio.Start(ctx)
	}
	if video != nil {
		video.Start(ctx)
	}

	s.mu.Lock()
	s.audio, s.video, s.mediaCancel = audio, video, cancel
	s.mu.Unlock()

	return audioPort, videoPort, nil
}

// startMediaPinned is startMedia for the LEELEN-to-SIP direction: the
// SIP-facing ports were already chosen and advertised in the offer this
// bridge sent, so they must be reused exactly rather than picked fresh.
// offer is the remote SDP answer that just arrived.
func (s *Session) startMediaPinned(cfg Config, leelenHost string, offer sipbridge.MediaOffer, sipAudioPort, sipVideoPort int) error {
	s.mu.Lock()
	dlg := s.dialog
	s.offer = offer
	s.mu.Unlock()
	if dlg == nil {
		return fmt.Errorf("session: no dialog to start media for")
	}

	ctx, cancel := context.WithCancel(context.Background())

	var audio, video *media.Forwarder

	if sipAudioPort != 0 && offer.AudioPort != 0 && dlg.TheirAudioPort != 0 {
		left, right, derr := media.DialLocalPairAt(
			net.JoinHostPort(leelenHost, strconv.Itoa(dlg.OurAudioPort)),
			net.JoinHostPort(dlg.Theirs.IP.String(), strconv.Itoa(dlg.TheirAudioPort)),
			net.JoinHostPort(cfg.SIPHost, strconv.Itoa(sipAudioPort)),
			net.JoinHostPort(offer.Addr, strconv.Itoa(offer.AudioPort)),
		)
		if derr != nil {
			cancel()
			return fmt.Errorf("session: audio media: %w", derr)
		}
		audio = media.New("audio:"+s.id, left, right, cfg.MTU)
	}

	if sipVideoPort != 0 && offer.VideoPort != 0 && dlg.TheirVideoPort != 0 {
		left, right, derr := media.DialLocalPairAt(
			net.JoinHostPort(leelenHost, strconv.Itoa(dlg.OurVideoPort)),
			net.JoinHostPort(dlg.Theirs.IP.String(), strconv.Itoa(dlg.TheirVideoPort)),
			net.JoinHostPort(cfg.SIPHost, strconv.Itoa(sipVideoPort)),
			net.JoinHostPort(offer.Addr, strconv.Itoa(offer.VideoPort)),
		)
		if derr != nil {
			if audio != nil {
				audio.Stop()
			}
			cancel()
			return fmt.Errorf("session: video media: %w", derr)
		}
		video = media.New("video:"+s.id, left, right, cfg.MTU)
	}

	if audio != nil {
		audio.Start(ctx)
	}
	if video != nil {
		video.Start(ctx)
	}

	s.mu.Lock()
	s.audio, s.video, s.mediaCancel = audio, video, cancel
	s.mu.Unlock()

	return nil
}
