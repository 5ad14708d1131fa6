package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sebas/autodialer/internal/model"
	"github.com/sebas/autodialer/internal/repository"
)

type fakeCallManager struct {
	mu        sync.Mutex
	enqueued  []model.PendingContact
	registered map[string]bool
}

func newFakeCallManager() *fakeCallManager {
	return &fakeCallManager{registered: make(map[string]bool)}
}

func (f *fakeCallManager) RegisterCampaign(campaignID string, maxConcurrent int, callsPerMinute *int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[campaignID] = true
}

func (f *fakeCallManager) UnregisterCampaign(campaignID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, campaignID)
}

func (f *fakeCallManager) Enqueue(contacts []model.PendingContact) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, contacts...)
	return len(contacts)
}

func (f *fakeCallManager) enqueuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

func TestWithinCallingHoursExcludesTimesOutsideWindow(t *testing.T) {
	repo := repository.NewMemoryRepository()
	campaign := &model.Campaign{
		ID:             "c1",
		OrganizationID: "org1",
		IVRFlowID:      "f1",
		Status:         model.CampaignRunning,
		MaxConcurrentCalls: 5,
		CallingHours:   model.CallingHours{Start: "09:00", End: "21:00"},
		RespectTimezone: false,
	}
	repo.AddCampaign(campaign, &model.IVRFlow{ID: "f1", StartNode: "n0", Nodes: map[string]*model.IVRNode{"n0": {ID: "n0"}}}, &repository.SIPSettings{})
	repo.AddContacts("c1", &model.CampaignContact{CampaignID: "c1", ContactID: "ct1", Phone: "+15550001111", Status: model.ContactPending})

	cm := newFakeCallManager()
	s := New(repo, cm, time.Hour, time.Hour, nil)

	midnightUTC := time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)
	if within := withinCallingHours(campaign, &model.CampaignContact{}, midnightUTC); within {
		t.Fatalf("expected 02:00 UTC to be outside 09:00-21:00 calling hours")
	}

	if err := s.dispatchDueContacts(context.Background(), campaign); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	noon := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if within := withinCallingHours(campaign, &model.CampaignContact{}, noon); !within {
		t.Fatalf("expected 12:00 UTC to be inside 09:00-21:00 calling hours")
	}
}

func TestDispatchDueContactsEnqueuesPendingAndMarksInProgress(t *testing.T) {
	repo := repository.NewMemoryRepository()
	campaign := &model.Campaign{
		ID:                 "c1",
		OrganizationID:      "org1",
		IVRFlowID:           "f1",
		Status:              model.CampaignRunning,
		MaxConcurrentCalls:  5,
	}
	flow := &model.IVRFlow{ID: "f1", StartNode: "n0", Nodes: map[string]*model.IVRNode{"n0": {ID: "n0"}}}
	repo.AddCampaign(campaign, flow, &repository.SIPSettings{})
	repo.AddContacts("c1", &model.CampaignContact{CampaignID: "c1", ContactID: "ct1", Phone: "+15550001111", Status: model.ContactPending})

	cm := newFakeCallManager()
	s := New(repo, cm, time.Hour, time.Hour, nil)

	if err := s.dispatchDueContacts(context.Background(), campaign); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cm.enqueuedCount() != 1 {
		t.Fatalf("expected 1 contact enqueued, got %d", cm.enqueuedCount())
	}

	cursor, _ := repo.IterEligibleContacts(context.Background(), "c1")
	c, _, _ := cursor.Next(context.Background())
	cursor.Close()
	if c.Status != model.ContactInProgress {
		t.Fatalf("expected contact status in_progress, got %s", c.Status)
	}
	if c.Attempts != 1 {
		t.Fatalf("expected attempts incremented to 1, got %d", c.Attempts)
	}
}

func TestRecordCallOutcomeAnsweredCompletes(t *testing.T) {
	repo := repository.NewMemoryRepository()
	repo.AddContacts("c1", &model.CampaignContact{CampaignID: "c1", ContactID: "ct1", Status: model.ContactInProgress, Attempts: 1})
	s := New(repo, newFakeCallManager(), time.Hour, time.Hour, nil)
	campaign := &model.Campaign{ID: "c1", MaxRetries: 2, RetryOnNoAnswer: true}

	if err := s.RecordCallOutcome(context.Background(), campaign, "ct1", 1, model.DispositionAnswered); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cursor, _ := repo.IterEligibleContacts(context.Background(), "c1")
	c, _, _ := cursor.Next(context.Background())
	cursor.Close()
	if c.Status != model.ContactCompleted {
		t.Fatalf("expected status completed, got %s", c.Status)
	}
}

func TestRecordCallOutcomeRetriesWhenAllowedAndUnderLimit(t *testing.T) {
	repo := repository.NewMemoryRepository()
	repo.AddContacts("c1", &model.CampaignContact{CampaignID: "c1", ContactID: "ct1", Status: model.ContactInProgress, Attempts: 1})
	s := New(repo, newFakeCallManager(), time.Hour, time.Hour, nil)
	campaign := &model.Campaign{ID: "c1", MaxRetries: 2, RetryOnNoAnswer: true, RetryDelayMinutes: 30}

	if err := s.RecordCallOutcome(context.Background(), campaign, "ct1", 1, model.DispositionNoAnswer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cursor, _ := repo.IterEligibleContacts(context.Background(), "c1")
	c, _, _ := cursor.Next(context.Background())
	cursor.Close()
	if c.Status != model.ContactPending {
		t.Fatalf("expected status pending for retry, got %s", c.Status)
	}
	if c.NextAttemptAt == nil || c.NextAttemptAt.Before(time.Now().Add(29*time.Minute)) {
		t.Fatalf("expected next_attempt_at roughly 30 minutes out, got %v", c.NextAttemptAt)
	}
}

func TestRecordCallOutcomeFailsWhenRetryDisallowed(t *testing.T) {
	repo := repository.NewMemoryRepository()
	repo.AddContacts("c1", &model.CampaignContact{CampaignID: "c1", ContactID: "ct1", Status: model.ContactInProgress, Attempts: 1})
	s := New(repo, newFakeCallManager(), time.Hour, time.Hour, nil)
	campaign := &model.Campaign{ID: "c1", MaxRetries: 2, RetryOnNoAnswer: false}

	if err := s.RecordCallOutcome(context.Background(), campaign, "ct1", 1, model.DispositionNoAnswer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cursor, _ := repo.IterEligibleContacts(context.Background(), "c1")
	c, _, _ := cursor.Next(context.Background())
	cursor.Close()
	if c.Status != model.ContactFailed {
		t.Fatalf("expected status failed when retry_on_no_answer is false, got %s", c.Status)
	}
}

func TestRecordCallOutcomeFailsWhenAttemptsExhausted(t *testing.T) {
	repo := repository.NewMemoryRepository()
	repo.AddContacts("c1", &model.CampaignContact{CampaignID: "c1", ContactID: "ct1", Status: model.ContactInProgress, Attempts: 2})
	s := New(repo, newFakeCallManager(), time.Hour, time.Hour, nil)
	campaign := &model.Campaign{ID: "c1", MaxRetries: 2, RetryOnBusy: true}

	if err := s.RecordCallOutcome(context.Background(), campaign, "ct1", 2, model.DispositionBusy); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cursor, _ := repo.IterEligibleContacts(context.Background(), "c1")
	c, _, _ := cursor.Next(context.Background())
	cursor.Close()
	if c.Status != model.ContactFailed {
		t.Fatalf("expected status failed once attempts (2) >= max_retries (2), got %s", c.Status)
	}
}

func TestRecordOptOutMarksDNC(t *testing.T) {
	repo := repository.NewMemoryRepository()
	repo.AddContacts("c1", &model.CampaignContact{CampaignID: "c1", ContactID: "ct1", Phone: "+15550001111", Status: model.ContactInProgress})
	s := New(repo, newFakeCallManager(), time.Hour, time.Hour, nil)
	campaign := &model.Campaign{ID: "c1", OrganizationID: "org1"}

	if err := s.RecordOptOut(context.Background(), campaign, "ct1", "+15550001111"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cursor, _ := repo.IterEligibleContacts(context.Background(), "c1")
	c, _, _ := cursor.Next(context.Background())
	cursor.Close()
	if c.Status != model.ContactDNC {
		t.Fatalf("expected status dnc, got %s", c.Status)
	}
	if len(repo.DNC) != 1 {
		t.Fatalf("expected a DNCEntry to be created, got %d", len(repo.DNC))
	}
}

func TestRecoverStaleResetsToPending(t *testing.T) {
	repo := repository.NewMemoryRepository()
	old := time.Now().Add(-2 * time.Hour)
	repo.AddContacts("c1", &model.CampaignContact{CampaignID: "c1", ContactID: "ct1", Status: model.ContactInProgress, LastAttemptAt: &old})
	s := New(repo, newFakeCallManager(), time.Hour, time.Hour, nil)
	campaign := &model.Campaign{ID: "c1"}

	if err := s.recoverStale(context.Background(), campaign); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cursor, _ := repo.IterEligibleContacts(context.Background(), "c1")
	c, _, _ := cursor.Next(context.Background())
	cursor.Close()
	if c.Status != model.ContactPending {
		t.Fatalf("expected stale in_progress row recovered to pending, got %s", c.Status)
	}
}

func TestActivateCampaignMarksDNCMatchesDirectly(t *testing.T) {
	repo := repository.NewMemoryRepository()
	s := New(repo, newFakeCallManager(), time.Hour, time.Hour, nil, WithDNCChecker(func(ctx context.Context, phone, organizationID string) (bool, error) {
		return phone == "+15559998888", nil
	}))
	campaign := &model.Campaign{ID: "c1", OrganizationID: "org1"}

	candidates := []*model.CampaignContact{
		{ContactID: "ct1", Phone: "+15550001111"},
		{ContactID: "ct2", Phone: "+15559998888"},
	}
	snapshot, err := s.ActivateCampaign(context.Background(), campaign, candidates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var pendingCount, dncCount int
	for _, c := range snapshot {
		switch c.Status {
		case model.ContactPending:
			pendingCount++
		case model.ContactDNC:
			dncCount++
		}
	}
	if pendingCount != 1 || dncCount != 1 {
		t.Fatalf("expected 1 pending and 1 dnc, got pending=%d dnc=%d", pendingCount, dncCount)
	}
}
