package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/sebas/autodialer/internal/amd"
	"github.com/sebas/autodialer/internal/codec"
	"github.com/sebas/autodialer/internal/events"
	"github.com/sebas/autodialer/internal/ivr"
	"github.com/sebas/autodialer/internal/media"
	"github.com/sebas/autodialer/internal/model"
	"github.com/sebas/autodialer/internal/rtpsession"
	"github.com/sebas/autodialer/internal/sdpneg"
	"github.com/sebas/autodialer/internal/sipdialog"
)

// defaultRingTimeout bounds how long an INVITE waits for a final
// response when the caller hasn't set one.
const defaultRingTimeout = 45 * time.Second

// placeCall is the callmanager.Initiator the call manager drives: it
// reserves local media resources and hands the rest of the call off to
// a background goroutine, returning an error only when the call could
// not even be attempted (port exhaustion, malformed offer) so the call
// manager's own requeue-with-backoff applies. Disposition outcomes
// (busy, no_answer, failed) are not errors here — they resolve via
// RecordCallEnd once the call finishes, same as a successful one.
func (e *Engine) placeCall(ctx context.Context, dispatchID string, pc model.PendingContact) error {
	conn, rtpPort, offer, err := e.acquireCallResources()
	if err != nil {
		return err
	}

	e.publisher.PublishAsync(events.NewCallInitiated(dispatchID, pc.CampaignID, pc.Phone, pc.CallerID, time.Now()))
	go e.runCall(ctx, dispatchID, pc, conn, rtpPort, offer)
	return nil
}

// acquireCallResources allocates an RTP port, binds its socket, and
// builds the SDP offer for it.
func (e *Engine) acquireCallResources() (*net.UDPConn, int, []byte, error) {
	rtpPort, _, err := e.ports.Allocate()
	if err != nil {
		return nil, 0, nil, fmt.Errorf("allocate rtp port: %w", err)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: rtpPort})
	if err != nil {
		e.ports.Release(rtpPort)
		return nil, 0, nil, fmt.Errorf("bind rtp socket: %w", err)
	}

	offer, err := sdpneg.BuildOffer(localOutboundIP(), rtpPort, e.cfg.SIP.Codecs)
	if err != nil {
		conn.Close()
		e.ports.Release(rtpPort)
		return nil, 0, nil, fmt.Errorf("build sdp offer: %w", err)
	}
	return conn, rtpPort, offer, nil
}

// runCall drives one call end-to-end: INVITE, AMD, IVR, BYE, and
// end-of-call bookkeeping. It always frees the call manager's slot and
// the RTP port before returning, regardless of outcome.
func (e *Engine) runCall(ctx context.Context, dispatchID string, pc model.PendingContact, conn *net.UDPConn, rtpPort int, offer []byte) (*model.CallLog, error) {
	startedAt := time.Now()
	defer func() {
		conn.Close()
		e.ports.Release(rtpPort)
		e.callManager.RecordCallEnd(dispatchID, true)
	}()

	result, err := e.dialer.Originate(ctx, sipdialog.OriginateRequest{
		CallerID: pc.CallerID,
		To:       pc.Phone,
		Timeout:  defaultRingTimeout,
		SDPOffer: offer,
	}, nil)
	if err != nil {
		return e.finishUnanswered(ctx, pc, dispatchID, startedAt, model.HangupFailed, model.ResultFailed, err), err
	}
	if !result.Success {
		cause := sipdialog.HangupCauseFromStatus(result.SIPCode)
		return e.finishUnanswered(ctx, pc, dispatchID, startedAt, cause, dispositionForHangup(cause), nil), nil
	}

	answeredAt := time.Now()
	e.publisher.PublishAsync(events.NewCallAnswered(dispatchID, pc.CampaignID, answeredAt.Sub(startedAt).Milliseconds(), answeredAt))

	remote, err := sdpneg.ParseAnswer(result.SDPAnswer)
	if err != nil {
		e.logger.Error("failed to parse sdp answer", "call_id", dispatchID, "error", err)
		e.dialer.Bye(result.Dialog)
		return e.finishUnanswered(ctx, pc, dispatchID, startedAt, model.HangupFailed, model.ResultFailed, err), err
	}

	activeCodec, err := e.negotiateCodec(remote.OfferedFormats)
	if err != nil {
		e.logger.Error("codec negotiation failed", "call_id", dispatchID, "error", err)
		e.dialer.Bye(result.Dialog)
		return e.finishUnanswered(ctx, pc, dispatchID, startedAt, model.HangupFailed, model.ResultFailed, err), err
	}

	remoteAddr := &net.UDPAddr{IP: net.ParseIP(remote.Address), Port: remote.Port}
	session := rtpsession.NewSession(conn, remoteAddr, uint8(activeCodec.PayloadType))
	defer session.Close()

	rx := newReceiver(activeCodec)
	stop := make(chan struct{})
	go rx.run(conn, stop)
	defer close(stop)

	amdResult, amdConfidence := e.runAMD(rx)
	e.publisher.PublishAsync(events.NewCallAMD(dispatchID, pc.CampaignID, string(amdResult), amdConfidence, time.Now()))

	disposition := model.ResultAnswered
	var ivrResult *ivr.Result
	if e.shouldRunIVR(amdResult) && pc.IVRFlowSnapshot != nil {
		ivrResult = e.runIVRFlow(ctx, pc, dispatchID, session, rx, activeCodec, result.Dialog)
		if amdResult == model.AMDMachine {
			disposition = model.ResultVoicemail
		}
	}

	e.dialer.Bye(result.Dialog)
	endedAt := time.Now()

	rec := &model.CallLog{
		ID:                dispatchID,
		CallID:            result.Dialog.CallID,
		CampaignID:        pc.CampaignID,
		CampaignContactID: pc.CampaignContactID,
		CallerID:          pc.CallerID,
		Destination:       pc.Phone,
		StartedAt:         startedAt,
		AnsweredAt:        &answeredAt,
		EndedAt:           endedAt,
		DurationSeconds:   endedAt.Sub(startedAt).Seconds(),
		Result:            disposition,
		HangupCause:       model.HangupNormal,
		AMDResult:         amdResult,
		AMDConfidence:     amdConfidence,
	}
	if ivrResult != nil {
		rec.DTMFInputs = ivrResult.DTMFInputs
	}

	if err := e.repo.SaveCallLog(ctx, rec); err != nil {
		e.logger.Error("failed to save call log", "call_id", dispatchID, "error", err)
	}
	if ivrResult != nil && len(ivrResult.SurveyResponses) > 0 {
		e.saveSurvey(ctx, pc, rec, ivrResult)
	}

	optedOut := ivrResult != nil && ivrResult.OptedOut
	e.publisher.PublishAsync(events.NewCallEnded(dispatchID, pc.CampaignID, string(rec.HangupCause), string(rec.Result), string(rec.AMDResult),
		endedAt.Sub(answeredAt).Milliseconds(), endedAt.Sub(startedAt).Milliseconds(), optedOut, endedAt))
	e.metrics.ObserveHistogram("call_duration", endedAt.Sub(answeredAt).Seconds(), promLabels(pc.CampaignID))
	e.metrics.IncCounter("calls_completed", promLabelsWithDisposition(pc.CampaignID, string(rec.Result)))

	if pc.CampaignID != "" {
		e.applyRetryPolicy(ctx, pc, rec, ivrResult)
	}

	return rec, nil
}

// finishUnanswered persists a call log for an attempt that never
// reached a live media session (rejected, timed out, or failed before
// SDP/codec negotiation finished) and applies the campaign's retry
// policy, same as a completed call would.
func (e *Engine) finishUnanswered(ctx context.Context, pc model.PendingContact, dispatchID string, startedAt time.Time, cause model.HangupCause, disposition model.CallResult, causeErr error) *model.CallLog {
	endedAt := time.Now()
	rec := &model.CallLog{
		ID:                dispatchID,
		CampaignID:        pc.CampaignID,
		CampaignContactID: pc.CampaignContactID,
		CallerID:          pc.CallerID,
		Destination:       pc.Phone,
		StartedAt:         startedAt,
		EndedAt:           endedAt,
		DurationSeconds:   endedAt.Sub(startedAt).Seconds(),
		Result:            disposition,
		HangupCause:       cause,
	}
	if err := e.repo.SaveCallLog(ctx, rec); err != nil {
		e.logger.Error("failed to save call log", "call_id", dispatchID, "error", err)
	}
	e.publisher.PublishAsync(events.NewCallEnded(dispatchID, pc.CampaignID, string(cause), string(disposition), "", 0,
		endedAt.Sub(startedAt).Milliseconds(), false, endedAt))
	e.metrics.IncCounter("calls_completed", promLabelsWithDisposition(pc.CampaignID, string(disposition)))

	if causeErr != nil {
		e.logger.Warn("call ended without answer", "call_id", dispatchID, "cause", cause, "error", causeErr)
	}
	if pc.CampaignID != "" {
		e.applyRetryPolicy(ctx, pc, rec, nil)
	}
	return rec
}

func (e *Engine) applyRetryPolicy(ctx context.Context, pc model.PendingContact, rec *model.CallLog, ivrResult *ivr.Result) {
	campaigns, err := e.repo.LoadRunningCampaigns(ctx)
	if err != nil {
		e.logger.Error("failed to load campaign for retry policy", "campaign_id", pc.CampaignID, "error", err)
		return
	}
	var campaign *model.Campaign
	for _, c := range campaigns {
		if c.ID == pc.CampaignID {
			campaign = c
			break
		}
	}
	if campaign == nil {
		return
	}

	if ivrResult != nil && ivrResult.OptedOut {
		if err := e.scheduler.RecordOptOut(ctx, campaign, pc.CampaignContactID, pc.Phone); err != nil {
			e.logger.Error("failed to record opt-out", "campaign_id", pc.CampaignID, "error", err)
		}
		return
	}

	if err := e.scheduler.RecordCallOutcome(ctx, campaign, pc.CampaignContactID, pc.Attempts, dispositionFromResult(rec.Result)); err != nil {
		e.logger.Error("failed to record call outcome", "campaign_id", pc.CampaignID, "error", err)
	}
}

func dispositionFromResult(r model.CallResult) model.Disposition {
	switch r {
	case model.ResultAnswered:
		return model.DispositionAnswered
	case model.ResultNoAnswer:
		return model.DispositionNoAnswer
	case model.ResultBusy:
		return model.DispositionBusy
	case model.ResultVoicemail:
		return model.DispositionVoicemail
	default:
		return model.DispositionFailed
	}
}

func dispositionForHangup(cause model.HangupCause) model.CallResult {
	switch cause {
	case model.HangupBusy:
		return model.ResultBusy
	case model.HangupTimeout:
		return model.ResultNoAnswer
	default:
		return model.ResultFailed
	}
}

func (e *Engine) saveSurvey(ctx context.Context, pc model.PendingContact, rec *model.CallLog, result *ivr.Result) {
	questions := 0
	for _, node := range pc.IVRFlowSnapshot.Nodes {
		if node.Type == model.NodeSurveyQuestion {
			questions++
		}
	}
	answered := 0
	for _, v := range result.SurveyResponses {
		if v != "" {
			answered++
		}
	}
	rate := 0.0
	if questions > 0 {
		rate = float64(answered) / float64(questions)
	}
	resp := &model.SurveyResponse{
		CallLogID:      rec.ID,
		CampaignID:     pc.CampaignID,
		ContactID:      pc.CampaignContactID,
		FlowID:         pc.IVRFlowSnapshot.ID,
		FlowVersion:    pc.IVRFlowSnapshot.Version,
		Responses:      result.SurveyResponses,
		CompletionRate: rate,
		StartedAt:      rec.StartedAt.Unix(),
		EndedAt:        rec.EndedAt.Unix(),
	}
	if err := e.repo.SaveSurveyResponse(ctx, resp); err != nil {
		e.logger.Error("failed to save survey response", "call_id", rec.ID, "error", err)
	}
}

// shouldRunIVR decides whether to walk the flow graph at all given the
// AMD verdict. A machine verdict still runs the flow (so a voicemail
// greeting can be left), unless AMD classified silence, which means
// the line never carried anything worth talking to.
func (e *Engine) shouldRunIVR(amdResult model.AMDResult) bool {
	if !e.cfg.AMD.Enabled {
		return true
	}
	return amdResult != model.AMDSilence
}

func (e *Engine) runIVRFlow(ctx context.Context, pc model.PendingContact, dispatchID string, session *rtpsession.Session, rx *receiver, activeCodec *codec.Codec, dlg *sipdialog.Dialog) *ivr.Result {
	player := &rtpPlayer{session: session, enc: activeCodec, digitCh: rx.digitCh, resolver: defaultPromptResolver}
	collector := &rtpCollector{digitCh: rx.digitCh}
	terminator := &callTerminator{dialer: e.dialer, dialog: dlg}

	executor := ivr.NewExecutor(player, collector, terminator, e.logger)
	ictx := ivr.NewContext(dispatchID, pc.CampaignContactID, pc.CampaignID, pc.Phone, "")

	return executor.Execute(ctx, pc.IVRFlowSnapshot, ictx)
}

// negotiateCodec bridges sdpneg's payload-type-keyed offered-formats
// map into a codec chosen from the configured preference list: for
// each preferred codec name, it looks up that codec's static payload
// type and checks whether the remote answer offered it.
func (e *Engine) negotiateCodec(offered map[string]bool) (*codec.Codec, error) {
	for _, name := range e.cfg.SIP.Codecs {
		pt, ok := sdpneg.PayloadTypeForCodec(name)
		if !ok {
			continue
		}
		if offered[fmt.Sprintf("%d", pt)] {
			if c, err := e.codecs.ByName(name); err == nil {
				return c, nil
			}
		}
	}
	return nil, fmt.Errorf("no common codec between preferred %v and offered %v", e.cfg.SIP.Codecs, offered)
}

// runAMD reads inbound audio for cfg.AMD.TimeoutSeconds and classifies
// the leg from the accumulated samples.
func (e *Engine) runAMD(rx *receiver) (model.AMDResult, float64) {
	if !e.cfg.AMD.Enabled {
		return model.AMDUnknown, 0
	}
	window := time.Duration(e.cfg.AMD.TimeoutSeconds) * time.Second
	if window <= 0 {
		window = 8 * time.Second
	}
	started := time.Now()
	time.Sleep(window)

	samples := rx.snapshotPCM()
	result := amd.Analyze(samples, time.Since(started).Seconds(), e.cfg.AMD.Thresholds)
	confidence := 0.0
	if result == model.AMDHuman || result == model.AMDMachine {
		confidence = 0.75
	}
	return result, confidence
}

// receiver decodes inbound RTP for one call leg: audio frames feed the
// AMD sample buffer, telephone-event frames feed the digit channel the
// IVR reads from.
type receiver struct {
	dec     *codec.Codec
	events  *media.EventDecoder
	digitCh chan rune

	mu  sync.Mutex
	pcm []int16
}

func newReceiver(dec *codec.Codec) *receiver {
	return &receiver{
		dec:     dec,
		events:  media.NewEventDecoder(101),
		digitCh: make(chan rune, 16),
	}
}

func (r *receiver) run(conn *net.UDPConn, stop <-chan struct{}) {
	tracker := rtpsession.NewSequenceTracker()
	_ = rtpsession.ReadLoop(conn, tracker, stop, func(pkt *rtp.Packet) {
		if digit, ok := r.events.Feed(pkt); ok {
			select {
			case r.digitCh <- digit:
			default:
			}
			return
		}
		if int(pkt.PayloadType) != int(r.dec.PayloadType) {
			return
		}
		samples := bytesToInt16(r.dec.Decode(pkt.Payload))
		r.mu.Lock()
		r.pcm = append(r.pcm, samples...)
		if len(r.pcm) > 8000*10 { // cap at 10s of audio, oldest trimmed
			r.pcm = r.pcm[len(r.pcm)-8000*10:]
		}
		r.mu.Unlock()
	})
}

func (r *receiver) snapshotPCM() []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int16, len(r.pcm))
	copy(out, r.pcm)
	return out
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	return out
}

func promLabels(campaignID string) map[string]string {
	return map[string]string{"campaign_id": campaignID}
}

func promLabelsWithDisposition(campaignID, disposition string) map[string]string {
	return map[string]string{"campaign_id": campaignID, "disposition": disposition}
}

// localOutboundIP best-effort discovers the local address that would
// be used to reach the outside world, for the SDP c= line. There is no
// advertise-address configuration knob today; a deployment behind NAT
// needs one, which is a follow-up beyond this engine's current scope.
func localOutboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
