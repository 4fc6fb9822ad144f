// Package leelendialog implements the per-call VoIP dialog state machine:
// Disconnected → Connecting/Disconnecting → Connected/Disconnected, driven
// by sent and received message codes and an ack-timeout.
package leelendialog

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sebas/leelen2sip/internal/leelenmsg"
	"github.com/sebas/leelen2sip/internal/leelennum"
	"github.com/sebas/leelen2sip/internal/leelenproto"
	"github.com/sebas/leelen2sip/internal/netaddr"
)

// State is one of the four dialog states of spec.md §4.2.
type State int

const (
	Disconnected State = iota
	Connecting         // ACCEPT-like code sent, waiting for ack
	Connected
	Disconnecting // BYE sent, waiting for ack
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Sender writes a raw datagram to a peer address. In production this is a
// *netaddr.PacketConn's WriteTo; tests supply a fake.
type Sender func(buf []byte, dst netaddr.Addr) error

// Dialog is one VoIP call leg: this device's identity, the peer's, the
// addresses and media ports involved, and the ack-timeout bookkeeping.
type Dialog struct {
	mu sync.Mutex

	ID leelenproto.ID

	From     leelennum.Number
	FromType int
	To       leelennum.Number
	ToType   int

	Ours   netaddr.Addr
	Theirs netaddr.Addr

	OurAudioPort   int
	OurVideoPort   int
	TheirAudioPort int
	TheirVideoPort int

	MTU int

	state      State
	lastSent   time.Time
	ackTimeout time.Duration

	send Sender
}

// New creates a dialog addressed to theirs, with optional known peer number
// (nil leaves it to be filled in on first receive), optional fixed id (0
// picks a random one), and the sender used to actually write datagrams.
func New(from leelennum.Number, fromType int, theirs netaddr.Addr, to *leelennum.Number, id leelenproto.ID, ackTimeout time.Duration, send Sender) *Dialog {
	d := &Dialog{
		ID:         id,
		From:       from,
		FromType:   fromType,
		Theirs:     theirs,
		ackTimeout: ackTimeout,
		send:       send,
	}
	for d.ID == 0 {
		d.ID = leelenproto.ID(rand.Uint32())
	}
	if to != nil {
		d.To = *to
	}
	return d
}

// State returns the dialog's current state.
func (d *Dialog) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// stateAfterSend mirrors LeelenDialogState_send.
func stateAfterSend(state State, code leelenproto.Code) State {
	switch code {
	case leelenproto.CodeCall, leelenproto.CodeView, leelenproto.CodeVoiceMessage, leelenproto.CodeAccepted:
		return Connecting
	case leelenproto.CodeBye:
		return Disconnecting
	default:
		return state
	}
}

// stateAfterReceive mirrors LeelenDialogState_receive: applied only once a
// received non-ack message has itself been acked.
func stateAfterReceive(state State, code leelenproto.Code) State {
	switch code {
	case leelenproto.CodeCall, leelenproto.CodeView, leelenproto.CodeVoiceMessage, leelenproto.CodeAccepted:
		return Connected
	case leelenproto.CodeBye:
		return Disconnected
	default:
		return state
	}
}

// stateAfterAck mirrors LeelenDialogState_ack.
func stateAfterAck(state State) State {
	switch state {
	case Connecting:
		return Connected
	case Disconnecting:
		return Disconnected
	default:
		return state
	}
}

// stateAfterNak mirrors LeelenDialogState_nak: applied when an ack-timeout
// fires without a reply.
func stateAfterNak(state State) State {
	switch state {
	case Connecting:
		return Disconnected
	case Disconnecting:
		return Connected
	default:
		return state
	}
}

// CheckTimeout reports whether the last sent message's ack window has
// elapsed without a reply, applying stateAfterNak and clearing the pending
// flag if so. Safe to call periodically from a sweep loop.
func (d *Dialog) CheckTimeout(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastSent.IsZero() {
		return false
	}
	if now.Sub(d.lastSent) < d.ackTimeout*2 {
		return false
	}
	d.lastSent = time.Time{}
	d.state = stateAfterNak(d.state)
	return true
}

// SendCode sends a bare message (no media description) with the given
// code, e.g. OK or BYE.
func (d *Dialog) SendCode(code leelenproto.Code) error {
	return d.Send(code, nil, nil)
}

// MayBye sends BYE only if the dialog is not already disconnected or
// disconnecting — matches LeelenDialog_may_bye's "idempotent hangup".
func (d *Dialog) MayBye() error {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	if state == Disconnected || state == Disconnecting {
		return nil
	}
	return d.SendCode(leelenproto.CodeBye)
}

// Ack sends an unconditional CodeOK.
func (d *Dialog) Ack() error {
	return d.SendCode(leelenproto.CodeOK)
}

// Send sends code with the given media descriptions and updates dialog
// state and the ack-timeout clock (unless code is CodeOK, which never
// expects a reply of its own).
func (d *Dialog) Send(code leelenproto.Code, audioFormats, videoFormats []string) error {
	d.mu.Lock()
	msg := leelenmsg.Message{
		Code:         code,
		ID:           d.ID,
		From:         d.From,
		FromType:     d.FromType,
		To:           d.To,
		AudioFormats: audioFormats,
		AudioPort:    d.OurAudioPort,
		VideoFormats: videoFormats,
		VideoPort:    d.OurVideoPort,
	}
	theirs := d.Theirs
	d.mu.Unlock()

	raw := msg.Marshal()
	if err := d.send(raw, theirs); err != nil {
		return fmt.Errorf("leelendialog: send: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if code != leelenproto.CodeOK {
		d.state = stateAfterSend(d.state, code)
		d.lastSent = time.Now()
	}
	return nil
}

// ReceiveResult reports the outcome of Receive.
type ReceiveResult struct {
	Code         leelenproto.Code
	AudioFormats []string
	VideoFormats []string
}

// ErrIDMismatch is returned by Receive when the message's dialog id does
// not match this dialog's — the caller should route the message elsewhere.
var ErrIDMismatch = fmt.Errorf("leelendialog: dialog id mismatch")

// ErrUnexpectedAck is returned when an OK arrives after the ack window of
// the last sent message has elapsed: Receive then applies the timeout (and
// its state revert) instead of the ack. Once CheckTimeout has already
// applied the timeout, a later OK is processed as an ordinary ack.
var ErrUnexpectedAck = fmt.Errorf("leelendialog: ack arrived after timeout")

// Receive processes an already-demultiplexed incoming message addressed to
// this dialog: acks it, reconciles the peer's reported identity/ports, and
// advances the state machine. Mirrors LeelenDialog_receive.
func (d *Dialog) Receive(msg leelenmsg.Message, now time.Time) (ReceiveResult, error) {
	d.mu.Lock()
	if msg.ID != d.ID {
		d.mu.Unlock()
		return ReceiveResult{}, ErrIDMismatch
	}
	d.mu.Unlock()

	if msg.Code == leelenproto.CodeOK {
		if d.CheckTimeout(now) {
			return ReceiveResult{}, ErrUnexpectedAck
		}
		d.mu.Lock()
		if d.To.String() != msg.From.String() {
			slog.Warn("leelendialog: OK from address differs from stored peer", "id", d.ID, "stored", d.To.String(), "got", msg.From.String())
			d.To = msg.From
		}
		if d.ToType != msg.FromType {
			slog.Warn("leelendialog: OK device type differs from stored peer", "id", d.ID, "stored", d.ToType, "got", msg.FromType)
			d.ToType = msg.FromType
		}
		d.state = stateAfterAck(d.state)
		if msg.AudioPort != 0 {
			if d.TheirAudioPort != 0 && d.TheirAudioPort != msg.AudioPort {
				slog.Warn("leelendialog: OK audio port conflicts with stored value", "id", d.ID, "stored", d.TheirAudioPort, "got", msg.AudioPort)
			}
			d.TheirAudioPort = msg.AudioPort
		}
		if msg.VideoPort != 0 {
			if d.TheirVideoPort != 0 && d.TheirVideoPort != msg.VideoPort {
				slog.Warn("leelendialog: OK video port conflicts with stored value", "id", d.ID, "stored", d.TheirVideoPort, "got", msg.VideoPort)
			}
			d.TheirVideoPort = msg.VideoPort
		}
		d.mu.Unlock()
		// The peer's OK to our CALL carries the formats it actually
		// accepted, needed to build the SIP answer.
		return ReceiveResult{Code: leelenproto.CodeOK, AudioFormats: msg.AudioFormats, VideoFormats: msg.VideoFormats}, nil
	}

	d.mu.Lock()
	if d.To.String() != msg.From.String() {
		d.To = msg.From
	}
	d.ToType = msg.FromType
	if d.TheirAudioPort != 0 && d.TheirAudioPort != msg.AudioPort {
		slog.Warn("leelendialog: audio port conflicts with stored value", "id", d.ID, "stored", d.TheirAudioPort, "got", msg.AudioPort)
	}
	d.TheirAudioPort = msg.AudioPort
	if d.TheirVideoPort != 0 && d.TheirVideoPort != msg.VideoPort {
		slog.Warn("leelendialog: video port conflicts with stored value", "id", d.ID, "stored", d.TheirVideoPort, "got", msg.VideoPort)
	}
	d.TheirVideoPort = msg.VideoPort
	d.mu.Unlock()

	if err := d.Ack(); err != nil {
		return ReceiveResult{}, err
	}

	d.mu.Lock()
	d.state = stateAfterReceive(d.state, msg.Code)
	d.mu.Unlock()

	return ReceiveResult{Code: msg.Code, AudioFormats: msg.AudioFormats, VideoFormats: msg.VideoFormats}, nil
}
