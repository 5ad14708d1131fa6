package sipdialog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/autodialer/internal/config"
	"github.com/sebas/autodialer/internal/model"
)

// OriginateRequest describes one outbound call attempt.
type OriginateRequest struct {
	CallerID string
	To       string // bare destination, e.g. "+15551234567" or a full SIP URI
	Timeout  time.Duration
	SDPOffer []byte
}

// OriginateResult is delivered once the dialog leaves the calling state.
type OriginateResult struct {
	Dialog    *Dialog
	Success   bool
	SIPCode   int
	SIPReason string
	SDPAnswer []byte
	Err       error
}

// ResponseEvent is pushed to the caller as provisional responses
// arrive, so the engine can open early media; the final 2xx is
// reported through OriginateResult instead.
type ResponseEvent struct {
	State     model.CallState
	SDPAnswer []byte
}

// Dialer places and tears down outbound call legs over one shared
// sipgo UA/Client. It does not know about RTP; the engine layer wires
// SDP exchange and media bring-up around OriginateResult.
type Dialer struct {
	cfg    config.SIPConfig
	ua     *sipgo.UserAgent
	client *sipgo.Client
	logger *slog.Logger

	mu      sync.Mutex
	dialogs map[string]*Dialog // by Call-ID
}

// NewDialer builds a Dialer sharing ua/client with the Registrar.
func NewDialer(cfg config.SIPConfig, ua *sipgo.UserAgent, client *sipgo.Client, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		cfg:     cfg,
		ua:      ua,
		client:  client,
		logger:  logger.With("subsystem", "sip-dialer"),
		dialogs: make(map[string]*Dialog),
	}
}

// Originate sends an INVITE and blocks until a final response, timeout,
// or context cancellation resolves the call. events, if non-nil,
// receives provisional-response notifications before the final result.
func (d *Dialer) Originate(ctx context.Context, req OriginateRequest, events chan<- ResponseEvent) (*OriginateResult, error) {
	callID := uuid.New().String()
	fromTag := uuid.New().String()[:8]
	dlg := NewDialog(callID, fromTag)
	dlg.setState(model.CallCalling)

	d.mu.Lock()
	d.dialogs[callID] = dlg
	d.mu.Unlock()

	recipientStr := fmt.Sprintf("sip:%s@%s:%d", req.To, d.cfg.Server, d.cfg.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return nil, fmt.Errorf("invalid destination uri: %w", err)
	}

	invite := d.buildInvite(dlg, recipient, req)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := d.client.TransactionRequest(dialCtx, invite)
	if err != nil {
		dlg.setState(model.CallFailed)
		return nil, fmt.Errorf("sending invite: %w", err)
	}

	d.logger.Info("invite sent", "call_id", callID, "to", req.To)

	for {
		select {
		case <-dialCtx.Done():
			_ = d.sendCancel(dlg, invite)
			dlg.setState(model.CallFailed)
			if ctx.Err() != nil {
				return &OriginateResult{Dialog: dlg, SIPCode: 487, SIPReason: "Request Terminated", Err: ctx.Err()}, nil
			}
			return &OriginateResult{Dialog: dlg, SIPCode: 408, SIPReason: "Request Timeout", Err: context.DeadlineExceeded}, nil

		case res := <-tx.Responses():
			if res == nil {
				dlg.setState(model.CallFailed)
				return &OriginateResult{Dialog: dlg, SIPCode: 408, SIPReason: "No Response"}, nil
			}
			if result := d.handleResponse(dialCtx, dlg, invite, res, events); result != nil {
				return result, nil
			}

		case <-tx.Done():
			if dlg.getState() == model.CallAnswered {
				return &OriginateResult{Dialog: dlg, Success: true, SIPCode: 200}, nil
			}
			return &OriginateResult{Dialog: dlg, SIPCode: dlg.SIPCode, SIPReason: dlg.SIPReason}, nil
		}
	}
}

func (d *Dialer) buildInvite(dlg *Dialog, recipient sip.Uri, req OriginateRequest) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, recipient)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromURI := sip.Uri{Scheme: "sip", User: req.CallerID, Host: d.cfg.Server, Port: d.cfg.Port}
	fromParams := sip.NewParams()
	fromParams.Add("tag", dlg.FromTag)
	invite.AppendHeader(&sip.FromHeader{Address: fromURI, Params: fromParams})

	invite.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(dlg.CallID)
	invite.AppendHeader(&callIDHdr)

	invite.AppendHeader(&sip.CSeqHeader{SeqNo: dlg.InviteCSeq(), MethodName: sip.INVITE})

	// Contact must carry our own reachable address, not the far end's
	// (RFC 3261): the registrar uses the same d.ua.Hostname() for its
	// own Contact header.
	contactURI := sip.Uri{Scheme: "sip", User: "autodialer", Host: d.ua.Hostname(), Port: d.cfg.Port}
	invite.AppendHeader(&sip.ContactHeader{Address: contactURI})

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(req.SDPOffer)

	return invite
}

func (d *Dialer) handleResponse(ctx context.Context, dlg *Dialog, invite *sip.Request, res *sip.Response, events chan<- ResponseEvent) *OriginateResult {
	code := int(res.StatusCode)
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			dlg.setToTag(tag)
		}
	}

	switch {
	case code == 100:
		return nil

	case code == 180 || code == 181:
		dlg.setState(model.CallRinging)
		if events != nil {
			select {
			case events <- ResponseEvent{State: model.CallRinging}:
			default:
			}
		}
		return nil

	case code == 183:
		if events != nil && res.Body() != nil {
			select {
			case events <- ResponseEvent{State: model.CallRinging, SDPAnswer: res.Body()}:
			default:
			}
		}
		return nil

	case code >= 200 && code < 300:
		return d.handle2xx(dlg, invite, res)

	default:
		dlg.setSIPResponse(code, res.Reason)
		dlg.setState(model.CallFailed)
		return &OriginateResult{Dialog: dlg, SIPCode: code, SIPReason: res.Reason}
	}
}

func (d *Dialer) handle2xx(dlg *Dialog, invite *sip.Request, res *sip.Response) *OriginateResult {
	dlg.setSIPResponse(int(res.StatusCode), res.Reason)

	var remoteTarget string
	if contact := res.Contact(); contact != nil {
		remoteTarget = contact.Address.String()
	}
	var remoteURI string
	if to := invite.To(); to != nil {
		remoteURI = to.Address.String()
	}
	dlg.setRemote(remoteTarget, remoteURI)

	if err := d.sendAck(dlg, invite, res); err != nil {
		d.logger.Error("ack failed", "call_id", dlg.CallID, "error", err)
	}
	dlg.setState(model.CallAnswered)

	return &OriginateResult{
		Dialog:    dlg,
		Success:   true,
		SIPCode:   int(res.StatusCode),
		SIPReason: res.Reason,
		SDPAnswer: res.Body(),
	}
}

// sendAck sends the out-of-transaction ACK required for a 2xx final
// response, per RFC 3261 §13.2.2.4.
func (d *Dialer) sendAck(dlg *Dialog, invite *sip.Request, res *sip.Response) error {
	requestURI := invite.Recipient
	if contact := res.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)

	if to := res.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if dest := res.Source(); dest != "" {
		ack.SetDestination(dest)
	}

	return d.client.WriteRequest(ack)
}

// sendCancel cancels an in-progress INVITE (timeout, or caller hung up
// before answer).
func (d *Dialer) sendCancel(dlg *Dialog, invite *sip.Request) error {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := d.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		return fmt.Errorf("send cancel: %w", err)
	}
	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-ctx.Done():
	}
	return nil
}

// Bye terminates an answered dialog.
func (d *Dialer) Bye(dlg *Dialog) error {
	if dlg.RemoteTarget == "" {
		return nil
	}
	var requestURI sip.Uri
	if err := sip.ParseUri(dlg.RemoteTarget, &requestURI); err != nil {
		return fmt.Errorf("parse remote target: %w", err)
	}
	var toURI sip.Uri
	if dlg.RemoteURI != "" {
		if err := sip.ParseUri(dlg.RemoteURI, &toURI); err != nil {
			toURI = requestURI
		}
	} else {
		toURI = requestURI
	}

	bye := sip.NewRequest(sip.BYE, requestURI)
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", dlg.FromTag)
	fromURI := sip.Uri{Scheme: "sip", User: "autodialer", Host: d.cfg.Server, Port: d.cfg.Port}
	bye.AppendHeader(&sip.FromHeader{Address: fromURI, Params: fromParams})

	toParams := sip.NewParams()
	toParams.Add("tag", dlg.ToTag)
	bye.AppendHeader(&sip.ToHeader{Address: toURI, Params: toParams})

	callIDHdr := sip.CallIDHeader(dlg.CallID)
	bye.AppendHeader(&callIDHdr)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: dlg.NextCSeq(), MethodName: sip.BYE})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := d.client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("send bye: %w", err)
	}
	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-ctx.Done():
		d.logger.Warn("bye timed out", "call_id", dlg.CallID)
	}
	dlg.setState(model.CallEnded)

	d.mu.Lock()
	delete(d.dialogs, dlg.CallID)
	d.mu.Unlock()
	return nil
}

// HandleIncomingBye responds 200 OK to a remote-initiated BYE and
// transitions the matching dialog to ended. Returns false if the
// Call-ID is not tracked.
func (d *Dialer) HandleIncomingBye(req *sip.Request, tx sip.ServerTransaction) bool {
	callID := ""
	if req.CallID() != nil {
		callID = string(*req.CallID())
	}
	d.mu.Lock()
	dlg, ok := d.dialogs[callID]
	if ok {
		delete(d.dialogs, callID)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		d.logger.Error("failed to respond to bye", "call_id", callID, "error", err)
	}
	dlg.setState(model.CallEnded)
	return true
}
