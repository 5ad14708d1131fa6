// Package events defines the call/campaign lifecycle events the engine
// emits and the publisher interface consumers subscribe to. It is
// transport-agnostic: Noop, Logging, Channel, and Multi publishers are
// provided here; a durable/broker-backed publisher can implement the
// same interface without touching the engine.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies an event for routing/filtering.
type Type string

const (
	CallInitiated   Type = "call.initiated"
	CallRinging     Type = "call.ringing"
	CallAnswered    Type = "call.answered"
	CallAMD         Type = "call.amd"
	CallIVRProgress Type = "call.ivr.progress"
	CallEnded       Type = "call.ended"
	CampaignProgress Type = "campaign.progress"
	SIPStatus       Type = "sip.status"
)

// Event is the common interface every emitted event satisfies.
type Event interface {
	Type() Type
	Subject() string
	Timestamp() time.Time
	CallID() string
}

// Base carries the fields common to every event.
type Base struct {
	EventID    string    `json:"event_id"`
	EventType  Type      `json:"event_type"`
	EventTime  time.Time `json:"event_time"`
	CallUUID   string    `json:"call_uuid"`
	CampaignID string    `json:"campaign_id,omitempty"`
}

func (b *Base) Type() Type         { return b.EventType }
func (b *Base) Timestamp() time.Time { return b.EventTime }
func (b *Base) CallID() string     { return b.CallUUID }

// Subject is the routing key a broker-backed publisher would use:
// dialer.calls.<call_uuid>.<event_type>, e.g.
// dialer.calls.call-123.call.initiated.
func (b *Base) Subject() string {
	return "dialer.calls." + b.CallUUID + "." + string(b.EventType)
}

func newBase(t Type, callID, campaignID string, now time.Time) Base {
	return Base{
		EventID:    uuid.NewString(),
		EventType:  t,
		EventTime:  now,
		CallUUID:   callID,
		CampaignID: campaignID,
	}
}

// CallInitiatedEvent fires when the engine hands an INVITE off to the dialer.
type CallInitiatedEvent struct {
	Base
	Destination string `json:"destination"`
	CallerID    string `json:"caller_id"`
}

// NewCallInitiated builds a CallInitiatedEvent.
func NewCallInitiated(callID, campaignID, destination, callerID string, now time.Time) *CallInitiatedEvent {
	return &CallInitiatedEvent{Base: newBase(CallInitiated, callID, campaignID, now), Destination: destination, CallerID: callerID}
}

// CallRingingEvent describes a 180/183 provisional response. The engine
// does not publish it.
type CallRingingEvent struct {
	Base
	SIPResponseCode int  `json:"sip_response_code"`
	EarlyMedia      bool `json:"early_media"`
}

func NewCallRinging(callID, campaignID string, code int, earlyMedia bool, now time.Time) *CallRingingEvent {
	return &CallRingingEvent{Base: newBase(CallRinging, callID, campaignID, now), SIPResponseCode: code, EarlyMedia: earlyMedia}
}

// CallAnsweredEvent fires on 200 OK, before AMD has run.
type CallAnsweredEvent struct {
	Base
	SetupDurationMs int64 `json:"setup_duration_ms"`
}

func NewCallAnswered(callID, campaignID string, setupDurationMs int64, now time.Time) *CallAnsweredEvent {
	return &CallAnsweredEvent{Base: newBase(CallAnswered, callID, campaignID, now), SetupDurationMs: setupDurationMs}
}

// CallAMDEvent fires once answering-machine-detection reaches a verdict.
type CallAMDEvent struct {
	Base
	Result     string  `json:"result"`
	Confidence float64 `json:"confidence"`
}

func NewCallAMD(callID, campaignID, result string, confidence float64, now time.Time) *CallAMDEvent {
	return &CallAMDEvent{Base: newBase(CallAMD, callID, campaignID, now), Result: result, Confidence: confidence}
}

// CallIVRProgressEvent describes one IVR node transition. The IVR
// executor does not publish it.
type CallIVRProgressEvent struct {
	Base
	NodeID   string `json:"node_id"`
	NodeType string `json:"node_type"`
}

func NewCallIVRProgress(callID, campaignID, nodeID, nodeType string, now time.Time) *CallIVRProgressEvent {
	return &CallIVRProgressEvent{Base: newBase(CallIVRProgress, callID, campaignID, now), NodeID: nodeID, NodeType: nodeType}
}

// CallEndedEvent fires when a call terminates for any reason.
type CallEndedEvent struct {
	Base
	HangupCause     string  `json:"hangup_cause"`
	Disposition     string  `json:"disposition"`
	AMDResult       string  `json:"amd_result,omitempty"`
	TalkDurationMs  int64   `json:"talk_duration_ms"`
	TotalDurationMs int64   `json:"total_duration_ms"`
	OptedOut        bool    `json:"opted_out"`
}

func NewCallEnded(callID, campaignID, hangupCause, disposition, amdResult string, talkMs, totalMs int64, optedOut bool, now time.Time) *CallEndedEvent {
	return &CallEndedEvent{
		Base:            newBase(CallEnded, callID, campaignID, now),
		HangupCause:     hangupCause,
		Disposition:     disposition,
		AMDResult:       amdResult,
		TalkDurationMs:  talkMs,
		TotalDurationMs: totalMs,
		OptedOut:        optedOut,
	}
}

// CampaignProgressEvent describes a campaign's throughput (contacts done,
// active calls). Nothing in the engine publishes it.
type CampaignProgressEvent struct {
	Base
	TotalContacts     int `json:"total_contacts"`
	ContactsCompleted int `json:"contacts_completed"`
	ActiveCalls       int `json:"active_calls"`
}

func NewCampaignProgress(campaignID string, total, completed, active int, now time.Time) *CampaignProgressEvent {
	return &CampaignProgressEvent{Base: newBase(CampaignProgress, "", campaignID, now), TotalContacts: total, ContactsCompleted: completed, ActiveCalls: active}
}

// SIPStatusEvent describes a registrar state transition. The registrar
// does not publish it.
type SIPStatusEvent struct {
	Base
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

func NewSIPStatus(state, errMsg string, now time.Time) *SIPStatusEvent {
	return &SIPStatusEvent{Base: newBase(SIPStatus, "", "", now), State: state, Error: errMsg}
}
