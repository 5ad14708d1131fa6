package model

import "time"

// CallState is the SIP dialog lifecycle state for one call leg.
type CallState string

const (
	CallIdle     CallState = "idle"
	CallCalling  CallState = "calling"
	CallRinging  CallState = "ringing"
	CallAnswered CallState = "answered"
	CallEnded    CallState = "ended"
	CallFailed   CallState = "failed"
)

// AMDResult is the answering-machine-detection verdict for a call.
type AMDResult string

const (
	AMDUnknown AMDResult = "unknown"
	AMDHuman   AMDResult = "human"
	AMDMachine AMDResult = "machine"
	AMDBeep    AMDResult = "beep"
	AMDSilence AMDResult = "silence"
)

// RemoteRTPAddr is the negotiated remote media endpoint.
type RemoteRTPAddr struct {
	IP   string
	Port int
}

// CallInfo is the Call Manager's exclusive record of one active call;
// its state transitions are driven by SIP UA callbacks and timers.
type CallInfo struct {
	CallID      string // UUID
	FromTag     string
	ToTag       string
	State       CallState
	Destination string
	CallerID    string

	LocalSDP  string
	RemoteSDP string

	RTPSessionHandle string
	RemoteRTP        RemoteRTPAddr

	StartedAt  time.Time
	AnsweredAt *time.Time
	EndedAt    *time.Time

	AMDResult     AMDResult
	AMDConfidence float64

	DTMFBuffer       []rune
	JitterBufferHandle string

	CampaignID        string
	CampaignContactID string
}

// HangupCause mirrors the SIP final-response classification in the
// error-handling design: busy=486, decline=603, not_found=404,
// timeout=408, congestion=5xx.
type HangupCause string

const (
	HangupNormal     HangupCause = "normal"
	HangupBusy       HangupCause = "busy"
	HangupDeclined   HangupCause = "declined"
	HangupNotFound   HangupCause = "not_found"
	HangupTimeout    HangupCause = "timeout"
	HangupCongestion HangupCause = "congestion"
	HangupFailed     HangupCause = "failed"
)

// CallResult is the final classification stored on a CallLog.
type CallResult string

const (
	ResultAnswered CallResult = "answered"
	ResultNoAnswer CallResult = "no_answer"
	ResultBusy     CallResult = "busy"
	ResultFailed   CallResult = "failed"
	ResultVoicemail CallResult = "voicemail"
)

// CallLog is the durable record of a completed call.
type CallLog struct {
	ID                string
	CallID            string
	CampaignID        string
	CampaignContactID string

	CallerID    string
	Destination string

	StartedAt  time.Time
	AnsweredAt *time.Time
	EndedAt    time.Time
	DurationSeconds float64

	Result        CallResult
	HangupCause   HangupCause
	AMDResult     AMDResult
	AMDConfidence float64

	DTMFInputs []string

	// RecordingPath is always empty: call recording ingestion is
	// out of scope for this engine. The field is kept so a collaborator
	// implementing recording has somewhere to put the path.
	RecordingPath string

	Metadata map[string]string
}
