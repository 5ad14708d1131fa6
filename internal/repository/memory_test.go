package repository

import (
	"context"
	"testing"
	"time"

	"github.com/sebas/autodialer/internal/model"
)

func TestMemoryRepositoryLoadRunningCampaigns(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddCampaign(&model.Campaign{ID: "c1", OrganizationID: "org1", IVRFlowID: "f1", Status: model.CampaignRunning},
		&model.IVRFlow{ID: "f1"}, &SIPSettings{Server: "sip.example.com"})
	repo.AddCampaign(&model.Campaign{ID: "c2", OrganizationID: "org1", Status: model.CampaignDraft}, nil, nil)

	got, err := repo.LoadRunningCampaigns(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c1" {
		t.Fatalf("expected only c1 running, got %+v", got)
	}
}

func TestMemoryRepositoryIterEligibleContactsAndUpdate(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddContacts("c1",
		&model.CampaignContact{CampaignID: "c1", ContactID: "ct1", Phone: "+15550001111", Status: model.ContactPending},
		&model.CampaignContact{CampaignID: "c1", ContactID: "ct2", Phone: "+15550002222", Status: model.ContactPending},
	)

	cursor, err := repo.IterEligibleContacts(context.Background(), "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cursor.Close()

	var seen []string
	for {
		c, ok, err := cursor.Next(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			break
		}
		seen = append(seen, c.ContactID)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 contacts, got %d", len(seen))
	}

	inProgress := model.ContactInProgress
	attempts := 1
	now := time.Now()
	if err := repo.UpdateCampaignContact(context.Background(), "c1", "ct1", CampaignContactUpdate{
		Status:        &inProgress,
		Attempts:      &attempts,
		LastAttemptAt: &now,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stale, err := repo.LoadStaleInProgress(context.Background(), "c1", time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	stale, err = repo.LoadStaleInProgress(context.Background(), "c1", time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stale) != 1 || stale[0].ContactID != "ct1" {
		t.Fatalf("expected ct1 to be stale in_progress, got %+v", stale)
	}
}

func TestMemoryRepositoryUpsertDNCIsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	if err := repo.UpsertDNC(ctx, "+15550001111", "org1", "caller request"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.UpsertDNC(ctx, "+15550001111", "org1", "caller request"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.DNC) != 1 {
		t.Fatalf("expected exactly one DNC entry, got %d", len(repo.DNC))
	}
}

func TestMemoryRepositorySaveCallLogAndSurveyResponse(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	if err := repo.SaveCallLog(ctx, &model.CallLog{ID: "log1", CallID: "call1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.SaveSurveyResponse(ctx, &model.SurveyResponse{CallLogID: "log1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.CallLogs) != 1 || len(repo.SurveyResponses) != 1 {
		t.Fatalf("expected one call log and one survey response saved")
	}
}
