// Package sipbridge is the SIP-facing half of the bridge: a thin wrapper
// around sipgo's user agent, server and client that turns wire requests
// into plain Go calls and turns outbound calls into wire requests. It knows
// nothing about LEELEN devices, phone numbers or sessions — all of that is
// the Handler's job.
package sipbridge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Handler is implemented by the session manager. The bridge calls into it
// for every request that needs session-level judgement; the bridge itself
// only handles request/response plumbing it can resolve without knowing
// what a session is (REGISTER, OPTIONS, ACK).
type Handler interface {
	// HandleInvite is called for every INVITE once the 100 Trying has been
	// sent and its SDP offer parsed. target is the request-URI user part.
	// The handler owns all session matching (new vs. established vs.
	// unknown-to-unknown) and must respond on tx itself.
	HandleInvite(req *sip.Request, tx sip.ServerTransaction, target string, offer MediaOffer)
	// HandleCancel and HandleBye are called unconditionally; matching the
	// request to a session (or responding 481 on no match) is the
	// handler's responsibility.
	HandleCancel(req *sip.Request, tx sip.ServerTransaction)
	HandleBye(req *sip.Request, tx sip.ServerTransaction)
}

// Registration is what the bridge remembers about a client that REGISTERed
// with it: just enough to route a later LEELEN-originated INVITE back to
// the right socket.
type Registration struct {
	AOR     string
	Contact sip.Uri
	Host    string
	Port    int
	Expires time.Time
}

// Config configures a Bridge's own SIP identity.
type Config struct {
	AdvertiseHost   string
	Port            int
	UserAgent       string
	RegisterExpires time.Duration
}

// Bridge owns the SIP user agent, server and client and dispatches inbound
// requests to a Handler.
type Bridge struct {
	cfg      Config
	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	dialogUA *sipgo.DialogUA
	contact  sip.ContactHeader
	handler  Handler

	mu            sync.RWMutex
	registrations map[string]Registration
	byNumber      map[string]Registration // To user part -> Registration, for number-keyed lookup
	pending       map[string]*sipgo.DialogServerSession // call-id -> session awaiting ACK
}

// NewBridge builds a Bridge and registers its request handlers. It does not
// start listening; call Start for that.
func NewBridge(cfg Config, handler Handler) (*Bridge, error) {
	if cfg.RegisterExpires <= 0 {
		cfg.RegisterExpires = time.Hour
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("sipbridge: create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("sipbridge: create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("sipbridge: create client: %w", err)
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "leelen2sip",
			Host:   cfg.AdvertiseHost,
			Port:   cfg.Port,
		},
	}

	b := &Bridge{
		cfg:    cfg,
		ua:     ua,
		srv:    srv,
		client: client,
		dialogUA: &sipgo.DialogUA{
			Client:     client,
			ContactHDR: contact,
		},
		contact:       contact,
		handler:       handler,
		registrations: make(map[string]Registration),
		byNumber:      make(map[string]Registration),
		pending:       make(map[string]*sipgo.DialogServerSession),
	}

	srv.OnRequest(sip.REGISTER, b.onRegister)
	srv.OnRequest(sip.OPTIONS, b.onOptions)
	srv.OnRequest(sip.INVITE, b.onInvite)
	srv.OnRequest(sip.ACK, b.onAck)
	srv.OnRequest(sip.CANCEL, b.onCancel)
	srv.OnRequest(sip.BYE, b.onBye)

	return b, nil
}

// Start runs the SIP server loop until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context, listenAddr string) error {
	slog.Info("sipbridge: listening", "addr", listenAddr)
	return b.srv.ListenAndServe(ctx, "udp", listenAddr)
}

// Close tears down the user agent and every transport it owns.
func (b *Bridge) Close() error {
	return b.ua.Close()
}

// Lookup returns the most recent registration for aor, if any and not
// expired.
func (b *Bridge) Lookup(aor string) (Registration, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	reg, ok := b.registrations[aor]
	if !ok || time.Now().After(reg.Expires) {
		return Registration{}, false
	}
	return reg, true
}

// LookupByNumber returns the most recent registration whose AOR's user part
// equals number, if any and not expired — the mapping the LEELEN-to-SIP
// direction needs to turn a phone number back into a SIP client to ring.
func (b *Bridge) LookupByNumber(number string) (Registration, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	reg, ok := b.byNumber[number]
	if !ok || time.Now().After(reg.Expires) {
		return Registration{}, false
	}
	return reg, true
}

func (b *Bridge) onRegister(req *sip.Request, tx sip.ServerTransaction) {
	to := req.To()
	if to == nil {
		b.respond(tx, req, sip.StatusBadRequest, "Bad Request")
		return
	}
	aor := to.Address.String()

	expires := b.cfg.RegisterExpires
	if hdr := req.GetHeader("Expires"); hdr != nil {
		if secs, err := strconv.Atoi(hdr.Value()); err == nil {
			expires = time.Duration(secs) * time.Second
		}
	}

	if expires > 0 {
		var contactURI sip.Uri
		if c := req.Contact(); c != nil {
			contactURI = c.Address
		}
		host, port := sourceHostPort(req.Source())
		reg := Registration{
			AOR:     aor,
			Contact: contactURI,
			Host:    host,
			Port:    port,
			Expires: time.Now().Add(expires),
		}
		b.mu.Lock()
		b.registrations[aor] = reg
		b.byNumber[to.Address.User] = reg
		b.mu.Unlock()
		slog.Debug("sipbridge: registered", "aor", aor, "host", host, "port", port)
	} else {
		b.mu.Lock()
		delete(b.registrations, aor)
		delete(b.byNumber, to.Address.User)
		b.mu.Unlock()
		slog.Debug("sipbridge: unregistered", "aor", aor)
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, OPTIONS, BYE"))
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expires.Seconds()))))
	b.addViaReceived(res, req)
	if err := tx.Respond(res); err != nil {
		slog.Error("sipbridge: respond to REGISTER", "error", err)
	}
}

func (b *Bridge) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	ct := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&ct)
	if err := tx.Respond(res); err != nil {
		slog.Error("sipbridge: respond to OPTIONS", "error", err)
	}
}

func (b *Bridge) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	target := req.Recipient.User
	if target == "" {
		b.respond(tx, req, sip.StatusCode(410), "Gone")
		return
	}

	trying := sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		slog.Error("sipbridge: send 100 Trying", "error", err)
		return
	}

	offer, err := ParseOffer(req.Body())
	if err != nil {
		slog.Warn("sipbridge: invite carries unparsable sdp", "error", err)
		b.respond(tx, req, sip.StatusNotAcceptable, "Not Acceptable - invalid SDP")
		return
	}

	b.handler.HandleInvite(req, tx, target, offer)
}

func (b *Bridge) onAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	b.mu.RLock()
	session := b.pending[callID]
	b.mu.RUnlock()
	if session == nil {
		return
	}
	if err := session.ReadAck(req, tx); err != nil {
		slog.Debug("sipbridge: read ack", "call_id", callID, "error", err)
	}
}

func (b *Bridge) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	b.handler.HandleCancel(req, tx)
}

func (b *Bridge) onBye(req *sip.Request, tx sip.ServerTransaction) {
	b.ForgetDialog(callIDOf(req))
	b.handler.HandleBye(req, tx)
}

// AnswerInvite creates the SIP dialog for a pending server INVITE
// transaction and sends the 200 OK carrying sdpBody, matching the
// LEELEN-OK path's "create the SIP dialog as UAS and send". The returned
// session must later be matched against the peer's ACK (handled
// automatically by the bridge until ForgetDialog is called) and against its
// BYE (via ReadBye).
func (b *Bridge) AnswerInvite(req *sip.Request, tx sip.ServerTransaction, sdpBody []byte) (*sipgo.DialogServerSession, error) {
	session, err := b.dialogUA.ReadInvite(req, tx)
	if err != nil {
		return nil, fmt.Errorf("sipbridge: create dialog session: %w", err)
	}
	if err := session.RespondSDP(sdpBody); err != nil {
		session.Close()
		return nil, fmt.Errorf("sipbridge: send 200 OK: %w", err)
	}

	callID := callIDOf(req)
	b.mu.Lock()
	b.pending[callID] = session
	b.mu.Unlock()

	return session, nil
}

// ReadBye confirms an in-dialog BYE against the session AnswerInvite
// created earlier and forgets the dialog.
func (b *Bridge) ReadBye(session *sipgo.DialogServerSession, req *sip.Request, tx sip.ServerTransaction) error {
	b.ForgetDialog(callIDOf(req))
	return session.ReadBye(req, tx)
}

// ForgetDialog drops a server-side dialog session the bridge was tracking
// for ACK matching. Idempotent.
func (b *Bridge) ForgetDialog(callID string) {
	if callID == "" {
		return
	}
	b.mu.Lock()
	delete(b.pending, callID)
	b.mu.Unlock()
}

// RespondNotFound, RespondServerError etc. are small conveniences for the
// Handler so it doesn't need to reach into sip.NewResponseFromRequest for
// every status this bridge's callers are expected to return.
func (b *Bridge) RespondNotFound(req *sip.Request, tx sip.ServerTransaction) {
	b.respond(tx, req, sip.StatusCode(404), "Not Found")
}

func (b *Bridge) RespondServerError(req *sip.Request, tx sip.ServerTransaction) {
	b.respond(tx, req, sip.StatusInternalServerError, "Server Error")
}

func (b *Bridge) RespondGone(req *sip.Request, tx sip.ServerTransaction) {
	b.respond(tx, req, sip.StatusCode(410), "Gone")
}

func (b *Bridge) RespondRequestTerminated(req *sip.Request, tx sip.ServerTransaction) {
	b.respond(tx, req, sip.StatusCode(487), "Request Terminated")
}

func (b *Bridge) RespondNotAcceptableHere(req *sip.Request, tx sip.ServerTransaction) {
	b.respond(tx, req, sip.StatusCode(488), "Not Acceptable Here")
}

func (b *Bridge) RespondBusyHere(req *sip.Request, tx sip.ServerTransaction) {
	b.respond(tx, req, sip.StatusCode(486), "Busy Here")
}

func (b *Bridge) RespondOK(req *sip.Request, tx sip.ServerTransaction) {
	b.respond(tx, req, sip.StatusOK, "OK")
}

func (b *Bridge) RespondNoDialog(req *sip.Request, tx sip.ServerTransaction) {
	b.respond(tx, req, sip.StatusCode(481), "Call/Transaction Does Not Exist")
}

func (b *Bridge) respond(tx sip.ServerTransaction, req *sip.Request, code sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	b.addViaReceived(res, req)
	if err := tx.Respond(res); err != nil {
		slog.Error("sipbridge: respond", "code", int(code), "error", err)
	}
}

func (b *Bridge) addViaReceived(res *sip.Response, req *sip.Request) {
	via := res.Via()
	if via == nil {
		return
	}
	host, port := sourceHostPort(req.Source())
	if host == "" {
		return
	}
	if via.Params == nil {
		via.Params = sip.NewParams()
	}
	via.Params.Add("received", host)
	if port > 0 {
		via.Params.Add("rport", strconv.Itoa(port))
	}
}

// OutboundCall is the LEELEN-to-SIP direction's dialog handle: enough state
// to read the response stream and, later, send an in-dialog BYE.
type OutboundCall struct {
	client  *sipgo.Client
	invite  *sip.Request
	tx      sip.ClientTransaction
	mu      sync.Mutex
	toTag   string
	cseq    uint32
}

// Responses streams the provisional and final responses to the INVITE.
func (c *OutboundCall) Responses() <-chan *sip.Response { return c.tx.Responses() }

// Done reports when the INVITE transaction has fully terminated.
func (c *OutboundCall) Done() <-chan struct{} { return c.tx.Done() }

// SetToTag records the tag the far end put on its final response, needed to
// address a later BYE within the same dialog.
func (c *OutboundCall) SetToTag(tag string) {
	c.mu.Lock()
	c.toTag = tag
	c.mu.Unlock()
}

// Invite sends a new INVITE towards targetURI carrying sdpBody, for the
// LEELEN-to-SIP path (spec.md §4.6): a LEELEN device calling out to a
// SIP peer that previously REGISTERed with this bridge.
func (b *Bridge) Invite(ctx context.Context, targetURI string, sdpBody []byte) (*OutboundCall, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(targetURI, &recipient); err != nil {
		return nil, fmt.Errorf("sipbridge: invalid target uri %q: %w", targetURI, err)
	}

	invite := sip.NewRequest(sip.INVITE, recipient)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromURI := sip.Uri{Scheme: "sip", User: "leelen2sip", Host: b.cfg.AdvertiseHost, Port: b.cfg.Port}
	fromParams := sip.NewParams()
	fromParams.Add("tag", generateTag())
	invite.AppendHeader(&sip.FromHeader{Address: fromURI, Params: fromParams})
	invite.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})

	callID := sip.CallIDHeader(uuid.NewString())
	invite.AppendHeader(&callID)

	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&b.contact)

	ct := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&ct)
	if b.cfg.UserAgent != "" {
		invite.AppendHeader(sip.NewHeader("User-Agent", b.cfg.UserAgent))
	}
	invite.SetBody(sdpBody)

	tx, err := b.client.TransactionRequest(ctx, invite)
	if err != nil {
		return nil, fmt.Errorf("sipbridge: send invite: %w", err)
	}
	return &OutboundCall{client: b.client, invite: invite, tx: tx, cseq: 1}, nil
}

// WaitAnswer waits for a final response to an INVITE sent via Invite,
// skipping provisional responses. On a 2xx it records the
// dialog's to-tag, sends the ACK RFC 3261 §13.2.2.4 requires outside the
// INVITE transaction, and returns the response so its SDP answer can be
// read. Any non-2xx final response or transaction timeout is returned as
// an error.
func (b *Bridge) WaitAnswer(ctx context.Context, call *OutboundCall) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case resp := <-call.tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("sipbridge: invite transaction ended without response")
			}
			switch {
			case resp.StatusCode < 200:
				continue
			case resp.StatusCode < 300:
				if to := resp.To(); to != nil {
					if tag, ok := to.Params.Get("tag"); ok {
						call.SetToTag(tag)
					}
				}
				if err := b.sendACK(call, resp); err != nil {
					slog.Warn("sipbridge: ack for outbound invite", "error", err)
				}
				return resp, nil
			default:
				return nil, fmt.Errorf("sipbridge: invite rejected: %d %s", resp.StatusCode, resp.Reason)
			}
		case <-call.tx.Done():
			return nil, fmt.Errorf("sipbridge: invite transaction terminated without final response")
		}
	}
}

// sendACK builds and sends the ACK a 2xx response to our own INVITE
// requires. Per RFC 3261 §13.2.2.4 this is a request outside the INVITE
// transaction, addressed using the Contact the 2xx carried, and per §17.1.1.3
// it is written straight to the transport rather than through a transaction.
func (b *Bridge) sendACK(call *OutboundCall, resp *sip.Response) error {
	requestURI := call.invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", call.invite, ack)
	sip.CopyHeaders("Call-ID", call.invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	if cseq := call.invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	dest := resp.Source()
	if dest == "" {
		port := requestURI.Port
		if port == 0 {
			port = 5060
		}
		dest = fmt.Sprintf("%s:%d", requestURI.Host, port)
	}
	ack.SetDestination(dest)

	return b.client.WriteRequest(ack)
}

// Bye sends an in-dialog BYE for a call this bridge originated and waits
// for the transaction to complete.
func (b *Bridge) Bye(ctx context.Context, call *OutboundCall) error {
	call.mu.Lock()
	toTag := call.toTag
	call.cseq++
	cseq := call.cseq
	call.mu.Unlock()

	byeReq := sip.NewRequest(sip.BYE, call.invite.Recipient)
	sip.CopyHeaders("From", call.invite, byeReq)
	toHdr := &sip.ToHeader{Address: call.invite.Recipient, Params: sip.NewParams()}
	if toTag != "" {
		toHdr.Params.Add("tag", toTag)
	}
	byeReq.AppendHeader(toHdr)
	sip.CopyHeaders("Call-ID", call.invite, byeReq)
	byeReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	byeReq.AppendHeader(&maxFwd)

	tx, err := b.client.TransactionRequest(ctx, byeReq)
	if err != nil {
		return fmt.Errorf("sipbridge: send bye: %w", err)
	}
	defer tx.Terminate()

	select {
	case <-tx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelInvite sends a CANCEL for an INVITE this bridge originated but
// hasn't yet received a final response to, per RFC 3261 §9.1.
func (b *Bridge) CancelInvite(ctx context.Context, call *OutboundCall) error {
	cancelReq := sip.NewRequest(sip.CANCEL, call.invite.Recipient)
	sip.CopyHeaders("Via", call.invite, cancelReq)
	sip.CopyHeaders("From", call.invite, cancelReq)
	sip.CopyHeaders("To", call.invite, cancelReq)
	sip.CopyHeaders("Call-ID", call.invite, cancelReq)
	if cseq := call.invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	tx, err := b.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		return fmt.Errorf("sipbridge: send cancel: %w", err)
	}
	defer tx.Terminate()

	select {
	case <-tx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func generateTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func callIDOf(req *sip.Request) string {
	if c := req.CallID(); c != nil {
		return c.String()
	}
	return ""
}

// sourceHostPort splits a sipgo "host:port" / "[v6]:port" source string,
// mirroring the Via "received"/"rport" fix-up the registrar needs.
func sourceHostPort(source string) (string, int) {
	if source == "" {
		return "", 0
	}
	if strings.HasPrefix(source, "[") {
		if idx := strings.LastIndex(source, "]:"); idx > 0 {
			port, _ := strconv.Atoi(source[idx+2:])
			return source[1:idx], port
		}
		return source, 0
	}
	idx := strings.LastIndex(source, ":")
	if idx < 0 {
		return source, 0
	}
	port, _ := strconv.Atoi(source[idx+1:])
	return source[:idx], port
}
