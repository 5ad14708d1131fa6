// Package callmanager enforces global and per-campaign concurrency and
// rate caps over the pending-contact queue, dispatching calls on a
// fixed tick. The sliding 60s window on CampaignCallState is the
// authoritative rate cap; a golang.org/x/time/rate limiter sits in
// front of it purely to smooth bursts between ticks.
package callmanager

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sebas/autodialer/internal/model"
)

// Initiator places one outbound call, tagged with the dispatch ID the
// Manager has already reserved a concurrency slot under. It runs
// outside the manager's lock and may block; Manager serializes nothing
// beyond queue bookkeeping around it.
type Initiator func(ctx context.Context, dispatchID string, pc model.PendingContact) error

// Manager tracks active/pending calls across campaigns and drives the
// dispatch loop described in the concurrency design: a single mutex
// protects state, all I/O (the Initiator call) happens outside it.
type Manager struct {
	logger *slog.Logger

	globalMaxConcurrent int
	dispatchInterval    time.Duration
	initiator           Initiator

	mu              sync.Mutex
	campaigns       map[string]*model.CampaignCallState
	campaignLimiter map[string]*rate.Limiter
	callToCampaign  map[string]string
	pending         []model.PendingContact
	dispatchSeq     uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds a Manager. dispatchInterval defaults to 100ms if
// zero or negative.
func NewManager(globalMaxConcurrent int, dispatchInterval time.Duration, initiator Initiator, logger *slog.Logger) *Manager {
	if dispatchInterval <= 0 {
		dispatchInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:               logger.With("subsystem", "call-manager"),
		globalMaxConcurrent:  globalMaxConcurrent,
		dispatchInterval:     dispatchInterval,
		initiator:            initiator,
		campaigns:            make(map[string]*model.CampaignCallState),
		campaignLimiter:      make(map[string]*rate.Limiter),
		callToCampaign:       make(map[string]string),
	}
}

// RegisterCampaign adds or updates a campaign's concurrency/rate caps.
func (m *Manager) RegisterCampaign(campaignID string, maxConcurrent int, callsPerMinute *int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.campaigns[campaignID]; ok {
		state.MaxConcurrentCalls = maxConcurrent
		state.CallsPerMinute = callsPerMinute
	} else {
		m.campaigns[campaignID] = model.NewCampaignCallState(campaignID, maxConcurrent, callsPerMinute)
	}

	if callsPerMinute != nil && *callsPerMinute > 0 {
		// Burst smoothing: allow a small burst (1/6th of the per-minute
		// cap, minimum 1) on top of the steady per-second rate so the
		// dispatch tick doesn't stair-step dispatches artificially.
		perSecond := rate.Limit(float64(*callsPerMinute) / 60.0)
		burst := *callsPerMinute / 6
		if burst < 1 {
			burst = 1
		}
		m.campaignLimiter[campaignID] = rate.NewLimiter(perSecond, burst)
	} else {
		delete(m.campaignLimiter, campaignID)
	}

	m.logger.Info("campaign registered", "campaign_id", campaignID, "max_concurrent", maxConcurrent)
}

// UnregisterCampaign removes a campaign and drops its pending contacts.
func (m *Manager) UnregisterCampaign(campaignID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.campaigns[campaignID]; ok {
		for callID := range state.ActiveCallIDs {
			delete(m.callToCampaign, callID)
		}
		delete(m.campaigns, campaignID)
		delete(m.campaignLimiter, campaignID)
	}

	kept := m.pending[:0]
	for _, pc := range m.pending {
		if pc.CampaignID != campaignID {
			kept = append(kept, pc)
		}
	}
	m.pending = kept
}

// Enqueue adds contacts to the pending queue, sorted by priority then
// scheduled time.
func (m *Manager) Enqueue(contacts []model.PendingContact) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for _, pc := range contacts {
		if _, ok := m.campaigns[pc.CampaignID]; !ok {
			m.logger.Warn("campaign not registered, dropping contact", "campaign_id", pc.CampaignID)
			continue
		}
		m.pending = append(m.pending, pc)
		added++
	}
	sort.SliceStable(m.pending, func(i, j int) bool {
		a, b := m.pending[i], m.pending[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ScheduledAt.Before(b.ScheduledAt)
	})
	return added
}

// PendingCount returns the current queue depth.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) totalActiveLocked() int {
	total := 0
	for _, s := range m.campaigns {
		total += s.ActiveCount()
	}
	return total
}

// canDispatchLocked checks global + per-campaign concurrency and rate
// caps, plus the smoothing limiter. Must be called with m.mu held.
func (m *Manager) canDispatchLocked(campaignID string, now time.Time) bool {
	if m.totalActiveLocked() >= m.globalMaxConcurrent {
		return false
	}
	state, ok := m.campaigns[campaignID]
	if !ok || !state.CanMakeCall(now) {
		return false
	}
	if limiter, ok := m.campaignLimiter[campaignID]; ok && !limiter.Allow() {
		return false
	}
	return true
}

// RecordCallEnd marks a call finished, freeing its concurrency slot.
// callID is the dispatch ID handed to the Initiator, not necessarily
// the SIP Call-ID — callers should keep their own mapping from SIP
// Call-ID to dispatch ID if they need to cross-reference the two.
func (m *Manager) RecordCallEnd(callID string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	campaignID, ok := m.callToCampaign[callID]
	if !ok {
		return
	}
	delete(m.callToCampaign, callID)
	if state, ok := m.campaigns[campaignID]; ok {
		state.RecordCallEnd(callID, success)
	}
}

// Start launches the dispatch loop; Stop cancels it.
func (m *Manager) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.dispatchLoop(loopCtx)
}

// Stop cancels the dispatch loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Manager) dispatchLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// dispatchJob pairs a selected contact with the dispatch ID its
// concurrency slot was reserved under.
type dispatchJob struct {
	id string
	pc model.PendingContact
}

// tick selects everything currently dispatchable, reserving a
// concurrency slot for each under the lock (so a slow initiator can't
// let a second tick over-dispatch past the cap), then places calls
// outside the lock so slow initiators never block queue bookkeeping.
func (m *Manager) tick(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var toDispatch []dispatchJob
	kept := m.pending[:0:0]
	for _, pc := range m.pending {
		if !pc.ScheduledAt.IsZero() && pc.ScheduledAt.After(now) {
			kept = append(kept, pc)
			continue
		}
		if m.canDispatchLocked(pc.CampaignID, now) {
			id := m.nextDispatchIDLocked()
			if state, ok := m.campaigns[pc.CampaignID]; ok {
				state.RecordCallStart(id, now)
			}
			m.callToCampaign[id] = pc.CampaignID
			toDispatch = append(toDispatch, dispatchJob{id: id, pc: pc})
		} else {
			kept = append(kept, pc)
		}
	}
	m.pending = kept
	m.mu.Unlock()

	for _, job := range toDispatch {
		go m.dispatchOne(ctx, job)
	}
}

func (m *Manager) nextDispatchIDLocked() string {
	m.dispatchSeq++
	return "dispatch-" + strconv.FormatUint(m.dispatchSeq, 10)
}

func (m *Manager) dispatchOne(ctx context.Context, job dispatchJob) {
	if m.initiator == nil {
		return
	}
	if err := m.initiator(ctx, job.id, job.pc); err != nil {
		m.logger.Error("call initiation failed, requeuing", "phone", job.pc.Phone, "error", err)

		job.pc.ScheduledAt = time.Now().Add(30 * time.Second)
		m.mu.Lock()
		if state, ok := m.campaigns[job.pc.CampaignID]; ok {
			state.RecordCallEnd(job.id, false)
		}
		delete(m.callToCampaign, job.id)
		m.pending = append(m.pending, job.pc)
		m.mu.Unlock()
	}
}

// Status is a point-in-time snapshot for the CLI/status surface.
type Status struct {
	GlobalMaxConcurrent int
	TotalActiveCalls    int
	PendingContacts     int
	Campaigns           map[string]CampaignStatus
}

// CampaignStatus is one campaign's slice of Status.
type CampaignStatus struct {
	MaxConcurrentCalls int
	ActiveCalls        int
	TotalInitiated     int
	TotalCompleted     int
	TotalFailed        int
}

// Status returns a snapshot of manager state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		GlobalMaxConcurrent: m.globalMaxConcurrent,
		TotalActiveCalls:    m.totalActiveLocked(),
		PendingContacts:     len(m.pending),
		Campaigns:           make(map[string]CampaignStatus, len(m.campaigns)),
	}
	for id, c := range m.campaigns {
		st.Campaigns[id] = CampaignStatus{
			MaxConcurrentCalls: c.MaxConcurrentCalls,
			ActiveCalls:        c.ActiveCount(),
			TotalInitiated:     c.InitiatedCount,
			TotalCompleted:     c.CompletedCount,
			TotalFailed:        c.FailedCount,
		}
	}
	return st
}
