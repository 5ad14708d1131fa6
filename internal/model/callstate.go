package model

import "time"

// CampaignCallState is the Call Manager's in-memory bookkeeping for one
// running campaign. Invariant: len(ActiveCallIDs) <= MaxConcurrentCalls
// and len(timestamps within the last 60s) <= CallsPerMinute at every
// dispatch decision.
type CampaignCallState struct {
	CampaignID         string
	MaxConcurrentCalls int
	CallsPerMinute     *int // nil = unbounded

	ActiveCallIDs map[string]struct{}
	CallTimestamps []time.Time // sliding 60s window, oldest first

	InitiatedCount int
	CompletedCount int
	FailedCount    int
}

// NewCampaignCallState constructs empty bookkeeping for a campaign.
func NewCampaignCallState(campaignID string, maxConcurrent int, callsPerMinute *int) *CampaignCallState {
	return &CampaignCallState{
		CampaignID:         campaignID,
		MaxConcurrentCalls: maxConcurrent,
		CallsPerMinute:     callsPerMinute,
		ActiveCallIDs:      make(map[string]struct{}),
	}
}

// CanMakeCall reports whether another call may be dispatched for this
// campaign right now, checking both the concurrency cap and the
// rolling 60s rate cap.
func (s *CampaignCallState) CanMakeCall(now time.Time) bool {
	if len(s.ActiveCallIDs) >= s.MaxConcurrentCalls {
		return false
	}
	if s.CallsPerMinute == nil {
		return true
	}
	return s.countRecentTimestamps(now) < *s.CallsPerMinute
}

func (s *CampaignCallState) countRecentTimestamps(now time.Time) int {
	cutoff := now.Add(-60 * time.Second)
	count := 0
	for _, ts := range s.CallTimestamps {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}

// RecordCallStart adds callID to the active set, appends a timestamp to
// the rolling window, and increments the initiated counter.
func (s *CampaignCallState) RecordCallStart(callID string, now time.Time) {
	s.ActiveCallIDs[callID] = struct{}{}
	s.CallTimestamps = append(s.CallTimestamps, now)
	s.InitiatedCount++
	s.pruneTimestamps(now)
}

// RecordCallEnd removes callID from the active set and updates counters.
func (s *CampaignCallState) RecordCallEnd(callID string, success bool) {
	delete(s.ActiveCallIDs, callID)
	if success {
		s.CompletedCount++
	} else {
		s.FailedCount++
	}
}

// pruneTimestamps drops entries older than 60s so the slice does not
// grow unbounded over a long-running campaign.
func (s *CampaignCallState) pruneTimestamps(now time.Time) {
	cutoff := now.Add(-60 * time.Second)
	i := 0
	for i < len(s.CallTimestamps) && !s.CallTimestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.CallTimestamps = s.CallTimestamps[i:]
	}
}

// ActiveCount returns the number of calls currently active for this campaign.
func (s *CampaignCallState) ActiveCount() int {
	return len(s.ActiveCallIDs)
}
