// Package ivr walks a directed flow graph of prompts, menus, survey
// questions, and control nodes against one live call leg.
package ivr

import "time"

// ExecState is the terminal state of one flow execution.
type ExecState string

const (
	StateCompleted ExecState = "completed"
	StateFailed    ExecState = "failed"
	StateCancelled ExecState = "cancelled"
)

// Context carries the live variables of one flow execution: the call's
// identity, accumulated survey answers, DTMF history, and executor
// variables set by SET_VARIABLE nodes and read by CONDITIONAL nodes.
type Context struct {
	CallID         string
	ContactID      string
	CampaignID     string
	PhoneNumber    string
	OrganizationID string

	Variables       map[string]string
	SurveyResponses map[string]string
	DTMFInputs      []string

	StartTime     time.Time
	CurrentNodeID string
	OptedOut      bool
}

// NewContext creates an execution context with empty variable/response
// maps ready for a fresh flow run.
func NewContext(callID, contactID, campaignID, phone, orgID string) *Context {
	return &Context{
		CallID:          callID,
		ContactID:       contactID,
		CampaignID:      campaignID,
		PhoneNumber:     phone,
		OrganizationID:  orgID,
		Variables:       make(map[string]string),
		SurveyResponses: make(map[string]string),
		StartTime:       time.Now(),
	}
}

// Result is the outcome of one flow execution.
type Result struct {
	State              ExecState
	SurveyResponses    map[string]string
	DTMFInputs         []string
	Variables          map[string]string
	Duration           time.Duration
	LastNodeID         string
	OptedOut           bool
	CompletedNormally  bool
}
