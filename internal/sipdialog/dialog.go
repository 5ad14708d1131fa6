// Package sipdialog drives the SIP signaling side of one outbound call:
// registering the UA against the PBX, sending the INVITE, walking the
// provisional/final response flow, and tearing dialogs down with
// ACK/BYE/CANCEL. RTP and SDP live in neighboring packages; this one
// only speaks SIP.
package sipdialog

import (
	"sync"
	"time"

	"github.com/sebas/autodialer/internal/model"
)

// Dialog is one call leg's SIP state: tags, CSeq, and the remote target
// needed to construct subsequent in-dialog requests (ACK, BYE).
type Dialog struct {
	mu sync.Mutex

	CallID  string
	FromTag string
	ToTag   string

	localCSeq uint32

	// RemoteTarget is the Request-URI to use for in-dialog requests,
	// taken from the remote Contact header once known.
	RemoteTarget string
	// RemoteURI is the original To-header URI dialed, used to rebuild
	// the To header on BYE (NOT the Contact URI).
	RemoteURI string

	State model.CallState

	RemoteRTP model.RemoteRTPAddr
	SIPCode   int
	SIPReason string
}

// NewDialog starts a dialog in the idle state with a fresh From-tag.
func NewDialog(callID, fromTag string) *Dialog {
	return &Dialog{
		CallID:    callID,
		FromTag:   fromTag,
		State:     model.CallIdle,
		localCSeq: 1,
	}
}

// NextCSeq returns the next sequence number for a new (non-ACK) request
// within this dialog, incrementing the counter.
func (d *Dialog) NextCSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localCSeq++
	return d.localCSeq
}

// InviteCSeq is the CSeq used on the initial INVITE; ACK for a 2xx
// response reuses it per RFC 3261 §13.2.2.4.
func (d *Dialog) InviteCSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localCSeq
}

func (d *Dialog) setState(s model.CallState) {
	d.mu.Lock()
	d.State = s
	d.mu.Unlock()
}

func (d *Dialog) getState() model.CallState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.State
}

func (d *Dialog) setToTag(tag string) {
	d.mu.Lock()
	if d.ToTag == "" {
		d.ToTag = tag
	}
	d.mu.Unlock()
}

func (d *Dialog) setRemote(target, uri string) {
	d.mu.Lock()
	d.RemoteTarget = target
	d.RemoteURI = uri
	d.mu.Unlock()
}

func (d *Dialog) setSIPResponse(code int, reason string) {
	d.mu.Lock()
	d.SIPCode = code
	d.SIPReason = reason
	d.mu.Unlock()
}

func (d *Dialog) setRemoteRTP(ip string, port int) {
	d.mu.Lock()
	d.RemoteRTP = model.RemoteRTPAddr{IP: ip, Port: port}
	d.mu.Unlock()
}

// HangupCauseFromStatus maps a final SIP status code to the spec's
// hangup cause taxonomy.
func HangupCauseFromStatus(code int) model.HangupCause {
	switch code {
	case 486, 600:
		return model.HangupBusy
	case 603:
		return model.HangupDeclined
	case 404:
		return model.HangupNotFound
	case 408:
		return model.HangupTimeout
	default:
		switch {
		case code >= 500 && code < 600:
			return model.HangupCongestion
		default:
			return model.HangupFailed
		}
	}
}

// backoff implements the registration retry schedule: first retry
// after 5s, then every 60s, with no upper bound on attempt count.
type backoff struct {
	attempt int
}

func newBackoff() *backoff { return &backoff{} }

func (b *backoff) next() time.Duration {
	b.attempt++
	if b.attempt <= 1 {
		return 5 * time.Second
	}
	return 60 * time.Second
}
