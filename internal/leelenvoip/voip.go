// Package leelenvoip demultiplexes incoming VoIP datagrams onto the dialog
// they belong to, spawning a new dialog when a CALL/VIEW/VOICE_MESSAGE
// arrives for an id nothing is tracking yet.
package leelenvoip

import (
	"fmt"
	"sync"
	"time"

	"github.com/sebas/leelen2sip/internal/leelendialog"
	"github.com/sebas/leelen2sip/internal/leelenmsg"
	"github.com/sebas/leelen2sip/internal/leelennum"
	"github.com/sebas/leelen2sip/internal/leelenproto"
	"github.com/sebas/leelen2sip/internal/netaddr"
)

// Registry tracks every live dialog of one device, keyed by dialog id.
// Mirrors LeelenVoIP: a pthread_rwlock_t-guarded array becomes a
// sync.RWMutex-guarded map.
type Registry struct {
	mu      sync.RWMutex
	dialogs map[leelenproto.ID]*leelendialog.Dialog
	created map[leelenproto.ID]time.Time

	from       leelennum.Number
	fromType   int
	ackTimeout time.Duration
	send       leelendialog.Sender
}

// NewRegistry creates an empty registry for a device identified by from,
// sending outbound datagrams through send.
func NewRegistry(from leelennum.Number, fromType int, ackTimeout time.Duration, send leelendialog.Sender) *Registry {
	return &Registry{
		dialogs:    make(map[leelenproto.ID]*leelendialog.Dialog),
		created:    make(map[leelenproto.ID]time.Time),
		from:       from,
		fromType:   fromType,
		ackTimeout: ackTimeout,
		send:       send,
	}
}

// Connect creates a new dialog addressed to dst (not yet establishing
// anything with the peer — that happens on the first Send). Mirrors
// LeelenVoIP_connect.
func (r *Registry) Connect(dst netaddr.Addr, to *leelennum.Number, id leelenproto.ID) *leelendialog.Dialog {
	d := leelendialog.New(r.from, r.fromType, dst, to, id, r.ackTimeout, r.send)
	r.mu.Lock()
	r.dialogs[d.ID] = d
	r.created[d.ID] = time.Now()
	r.mu.Unlock()
	return d
}

// Lookup returns the dialog with the given id, if any.
func (r *Registry) Lookup(id leelenproto.ID) (*leelendialog.Dialog, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dialogs[id]
	return d, ok
}

// Remove drops a dialog from the registry, e.g. once it reaches
// Disconnected for good.
func (r *Registry) Remove(id leelenproto.ID) {
	r.mu.Lock()
	delete(r.dialogs, id)
	delete(r.created, id)
	r.mu.Unlock()
}

// Len reports the number of tracked dialogs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dialogs)
}

// Receive routes an incoming raw datagram to its dialog, creating a new one
// if the code is a call-starting code and no dialog with that id exists
// yet. src is the sender's address, used only when a new dialog must be
// created. Mirrors LeelenVoIP_receive.
func (r *Registry) Receive(raw []byte, src netaddr.Addr) (leelendialog.ReceiveResult, *leelendialog.Dialog, error) {
	msg, err := leelenmsg.Unmarshal(raw, false, false)
	if err != nil {
		return leelendialog.ReceiveResult{}, nil, fmt.Errorf("leelenvoip: %w", err)
	}

	d, ok := r.Lookup(msg.ID)
	if !ok {
		if !startsDialog(msg.Code) {
			return leelendialog.ReceiveResult{}, nil, fmt.Errorf("leelenvoip: unknown dialog %08x", uint32(msg.ID))
		}
		d = r.Connect(src, &msg.From, msg.ID)
	}

	res, err := d.Receive(msg, time.Now())
	return res, d, err
}

// Sweep applies CheckTimeout to every dialog and removes any that have sat
// Disconnected past a grace period long enough for a first exchange to have
// completed — so a dialog that was just Connect()ed and has not yet had a
// chance to send its first message is never reaped. Returns the number
// removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	grace := r.ackTimeout * 4
	removed := 0
	for id, d := range r.dialogs {
		d.CheckTimeout(now)
		if d.State() != leelendialog.Disconnected {
			continue
		}
		if now.Sub(r.created[id]) < grace {
			continue
		}
		delete(r.dialogs, id)
		delete(r.created, id)
		removed++
	}
	return removed
}

func startsDialog(code leelenproto.Code) bool {
	switch code {
	case leelenproto.CodeCall, leelenproto.CodeView, leelenproto.CodeVoiceMessage:
		return true
	default:
		return false
	}
}
