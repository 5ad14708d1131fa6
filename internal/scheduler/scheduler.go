// Package scheduler selects which pending contacts are eligible to
// dial right now, applies the per-campaign retry policy once a call
// ends, and recovers campaign contacts left stranded in_progress by a
// crash. It owns no SIP or media state; it only produces
// model.PendingContact values for the Call Manager to dispatch.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/autodialer/internal/model"
	"github.com/sebas/autodialer/internal/repository"
)

// CallManager is the narrow slice of callmanager.Manager the scheduler
// needs; declared here so this package doesn't import callmanager.
type CallManager interface {
	RegisterCampaign(campaignID string, maxConcurrent int, callsPerMinute *int)
	UnregisterCampaign(campaignID string)
	Enqueue(contacts []model.PendingContact) int
}

// DNCChecker reports whether a phone number is on a do-not-call list
// scoped to an organization (or globally).
type DNCChecker func(ctx context.Context, phone, organizationID string) (bool, error)

// Scheduler polls the repository for running campaigns and drives
// CampaignContact through pending -> in_progress -> completed/failed,
// respecting calling hours, retry policy, and stale recovery.
type Scheduler struct {
	repo       repository.Repository
	cm         CallManager
	isDNC      DNCChecker
	pollInterval time.Duration
	staleGrace time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]*model.Campaign // campaign ID -> last-known state

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithDNCChecker overrides the default (repository-less) DNC lookup
// with one backed by the real DNC list.
func WithDNCChecker(f DNCChecker) Option {
	return func(s *Scheduler) { s.isDNC = f }
}

// New builds a Scheduler. A zero pollInterval falls back to 1s and a
// zero staleGrace to 30 minutes. config.SchedulerConfig carries its own
// defaults (poll interval 10s, stale grace 30 minutes).
func New(repo repository.Repository, cm CallManager, pollInterval, staleGrace time.Duration, logger *slog.Logger, opts ...Option) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if staleGrace <= 0 {
		staleGrace = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		repo:         repo,
		cm:           cm,
		pollInterval: pollInterval,
		staleGrace:   staleGrace,
		logger:       logger.With("subsystem", "scheduler"),
		active:       make(map[string]*model.Campaign),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.isDNC == nil {
		s.isDNC = func(ctx context.Context, phone, organizationID string) (bool, error) { return false, nil }
	}
	return s
}

// Start launches the poll loop; Stop cancels it and waits for exit.
func (s *Scheduler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx)
}

func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce refreshes the running-campaign set, then for each one
// selects due contacts and recovers stale in_progress rows.
func (s *Scheduler) pollOnce(ctx context.Context) {
	campaigns, err := s.repo.LoadRunningCampaigns(ctx)
	if err != nil {
		s.logger.Error("failed to load running campaigns", "error", err)
		return
	}

	s.mu.Lock()
	seen := make(map[string]bool, len(campaigns))
	for _, c := range campaigns {
		seen[c.ID] = true
		if _, ok := s.active[c.ID]; !ok {
			s.cm.RegisterCampaign(c.ID, c.MaxConcurrentCalls, c.CallsPerMinute)
		}
		s.active[c.ID] = c
	}
	for id := range s.active {
		if !seen[id] {
			s.cm.UnregisterCampaign(id)
			delete(s.active, id)
		}
	}
	s.mu.Unlock()

	for _, c := range campaigns {
		if err := s.dispatchDueContacts(ctx, c); err != nil {
			s.logger.Error("dispatch due contacts failed", "campaign_id", c.ID, "error", err)
		}
		if err := s.recoverStale(ctx, c); err != nil {
			s.logger.Error("stale recovery failed", "campaign_id", c.ID, "error", err)
		}
	}
}

// dispatchDueContacts scans a campaign's eligible contacts for rows
// that are pending, due (next_attempt_at <= now, or never attempted),
// and inside calling hours, handing each to the Call Manager and
// flipping it to in_progress.
func (s *Scheduler) dispatchDueContacts(ctx context.Context, campaign *model.Campaign) error {
	flow, err := s.repo.LoadCampaignIVR(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("load ivr flow: %w", err)
	}

	cursor, err := s.repo.IterEligibleContacts(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("iterate contacts: %w", err)
	}
	defer cursor.Close()

	now := time.Now()
	var due []model.PendingContact
	for {
		c, ok, err := cursor.Next(ctx)
		if err != nil {
			return fmt.Errorf("cursor next: %w", err)
		}
		if !ok {
			break
		}
		if c.Status != model.ContactPending {
			continue
		}
		if c.NextAttemptAt != nil && c.NextAttemptAt.After(now) {
			continue
		}
		if !withinCallingHours(campaign, c, now) {
			continue
		}

		inProgress := model.ContactInProgress
		attempts := c.Attempts + 1
		if err := s.repo.UpdateCampaignContact(ctx, campaign.ID, c.ContactID, repository.CampaignContactUpdate{
			Status:        &inProgress,
			Attempts:      &attempts,
			LastAttemptAt: &now,
		}); err != nil {
			s.logger.Error("failed to mark contact in_progress", "campaign_id", campaign.ID, "contact_id", c.ContactID, "error", err)
			continue
		}

		due = append(due, model.PendingContact{
			CampaignID:        campaign.ID,
			CampaignContactID: c.ContactID,
			Phone:             c.Phone,
			CallerID:          campaign.Name,
			IVRFlowSnapshot:   flow,
			Priority:          c.Priority,
			ScheduledAt:       now,
			Attempts:          attempts,
		})
	}

	if len(due) > 0 {
		s.cm.Enqueue(due)
		s.logger.Info("dispatched due contacts", "campaign_id", campaign.ID, "count", len(due))
	}
	return nil
}

// withinCallingHours applies invariant: respect_timezone and the
// contact's known timezone gate whether a contact may be dialed right
// now. An empty CallingHours window (both fields blank) means no
// restriction.
func withinCallingHours(campaign *model.Campaign, contact *model.CampaignContact, now time.Time) bool {
	if campaign.CallingHours.Start == "" && campaign.CallingHours.End == "" {
		return true
	}

	loc := time.UTC
	if campaign.RespectTimezone {
		tzName := contact.Timezone
		if tzName == "" {
			tzName = campaign.Timezone
		}
		if tzName != "" {
			if l, err := time.LoadLocation(tzName); err == nil {
				loc = l
			}
		}
	} else if campaign.Timezone != "" {
		if l, err := time.LoadLocation(campaign.Timezone); err == nil {
			loc = l
		}
	}

	local := now.In(loc)
	start, ok := parseClock(campaign.CallingHours.Start)
	if !ok {
		start = 0
	}
	end, ok := parseClock(campaign.CallingHours.End)
	if !ok {
		end = 24 * time.Hour
	}
	sinceMidnight := time.Duration(local.Hour())*time.Hour + time.Duration(local.Minute())*time.Minute
	return sinceMidnight >= start && sinceMidnight < end
}

func parseClock(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, true
}

// RecordCallOutcome applies the retry policy (invariant 9) once a call
// ends: answered/completed contacts are closed out; busy/no_answer/
// failed contacts are retried if the campaign's per-disposition flag
// allows it and attempts remain, otherwise marked failed. A caller
// that discovered an opt-out mid-call should route through
// RecordOptOut instead.
func (s *Scheduler) RecordCallOutcome(ctx context.Context, campaign *model.Campaign, contactID string, attempts int, disposition model.Disposition) error {
	switch disposition {
	case model.DispositionAnswered:
		completed := model.ContactCompleted
		return s.repo.UpdateCampaignContact(ctx, campaign.ID, contactID, repository.CampaignContactUpdate{
			Status:          &completed,
			LastDisposition: &disposition,
		})
	case model.DispositionVoicemail:
		completed := model.ContactCompleted
		return s.repo.UpdateCampaignContact(ctx, campaign.ID, contactID, repository.CampaignContactUpdate{
			Status:          &completed,
			LastDisposition: &disposition,
		})
	}

	if campaign.RetryAllowed(disposition) && attempts < campaign.MaxRetries {
		pending := model.ContactPending
		next := time.Now().Add(time.Duration(campaign.RetryDelayMinutes) * time.Minute)
		return s.repo.UpdateCampaignContact(ctx, campaign.ID, contactID, repository.CampaignContactUpdate{
			Status:          &pending,
			NextAttemptAt:   &next,
			LastDisposition: &disposition,
		})
	}

	failed := model.ContactFailed
	return s.repo.UpdateCampaignContact(ctx, campaign.ID, contactID, repository.CampaignContactUpdate{
		Status:          &failed,
		LastDisposition: &disposition,
	})
}

// RecordOptOut handles an OPT_OUT discovered mid-call: the contact is
// closed out as dnc and a DNCEntry is created so future campaigns skip
// it too.
func (s *Scheduler) RecordOptOut(ctx context.Context, campaign *model.Campaign, contactID, phone string) error {
	dnc := model.ContactDNC
	if err := s.repo.UpdateCampaignContact(ctx, campaign.ID, contactID, repository.CampaignContactUpdate{
		Status: &dnc,
	}); err != nil {
		return fmt.Errorf("mark contact dnc: %w", err)
	}
	return s.repo.UpsertDNC(ctx, phone, campaign.OrganizationID, "opt_out")
}

// recoverStale resets in_progress rows whose last_attempt_at predates
// the grace window back to pending, immediately eligible for re-dial.
func (s *Scheduler) recoverStale(ctx context.Context, campaign *model.Campaign) error {
	stale, err := s.repo.LoadStaleInProgress(ctx, campaign.ID, s.staleGrace)
	if err != nil {
		return fmt.Errorf("load stale in_progress: %w", err)
	}
	for _, c := range stale {
		pending := model.ContactPending
		now := time.Now()
		if err := s.repo.UpdateCampaignContact(ctx, campaign.ID, c.ContactID, repository.CampaignContactUpdate{
			Status:        &pending,
			NextAttemptAt: &now,
		}); err != nil {
			s.logger.Error("failed to recover stale contact", "campaign_id", campaign.ID, "contact_id", c.ContactID, "error", err)
			continue
		}
		s.logger.Warn("recovered stale in_progress contact", "campaign_id", campaign.ID, "contact_id", c.ContactID)
	}
	return nil
}

// ActivateCampaign snapshots eligible contacts into CampaignContact
// rows on the scheduled -> running transition: DNC matches are
// recorded directly as dnc, everything else as pending.
func (s *Scheduler) ActivateCampaign(ctx context.Context, campaign *model.Campaign, candidates []*model.CampaignContact) ([]*model.CampaignContact, error) {
	snapshot := make([]*model.CampaignContact, 0, len(candidates))
	for _, c := range candidates {
		isDNC, err := s.isDNC(ctx, c.Phone, campaign.OrganizationID)
		if err != nil {
			return nil, fmt.Errorf("dnc check for %s: %w", c.Phone, err)
		}
		c.CampaignID = campaign.ID
		if isDNC {
			c.Status = model.ContactDNC
		} else {
			c.Status = model.ContactPending
		}
		snapshot = append(snapshot, c)
	}
	return snapshot, nil
}
