// Package repository declares the narrow persistence contracts the
// core depends on. Callers (the scheduler's poll loop and the engine's
// per-call goroutine) invoke these methods directly, with no worker
// pool in between; no implementation lives here beyond the in-memory
// reference used by tests.
package repository

import (
	"context"
	"time"

	"github.com/sebas/autodialer/internal/model"
)

// SIPSettings is the per-organization PBX registration/media config.
// The scheduler and engine do not load it; the registrar and dialer
// take their settings from the sip.* configuration.
type SIPSettings struct {
	Server      string
	Port        int
	Extension   string
	Secret      string
	Transport   string
	SRTPMode    string
	RTPPortMin  int
	RTPPortMax  int
	CodecOrder  []string
}

// CampaignRepository loads campaigns the scheduler drives.
type CampaignRepository interface {
	LoadRunningCampaigns(ctx context.Context) ([]*model.Campaign, error)
	LoadCampaignIVR(ctx context.Context, campaignID string) (*model.IVRFlow, error)
	LoadSIPSettings(ctx context.Context, organizationID string) (*SIPSettings, error)
}

// ContactCursor pages through a campaign's eligible contacts without
// requiring the whole set in memory.
type ContactCursor interface {
	Next(ctx context.Context) (*model.CampaignContact, bool, error)
	Close() error
}

// ContactRepository manages CampaignContact rows.
type ContactRepository interface {
	IterEligibleContacts(ctx context.Context, campaignID string) (ContactCursor, error)
	UpdateCampaignContact(ctx context.Context, campaignID, contactID string, fields CampaignContactUpdate) error
	LoadStaleInProgress(ctx context.Context, campaignID string, grace time.Duration) ([]*model.CampaignContact, error)
}

// CampaignContactUpdate carries a sparse set of field changes; nil
// pointers mean "leave unchanged".
type CampaignContactUpdate struct {
	Status          *model.ContactStatus
	Attempts        *int
	LastAttemptAt   *time.Time
	NextAttemptAt   *time.Time
	LastDisposition *model.Disposition
}

// RecordRepository persists end-of-call artifacts. The engine logs an
// error from these methods and carries on with teardown; a failed save
// is not retried.
type RecordRepository interface {
	SaveCallLog(ctx context.Context, rec *model.CallLog) error
	SaveSurveyResponse(ctx context.Context, rec *model.SurveyResponse) error
	UpsertDNC(ctx context.Context, phone, organizationID, reason string) error
}

// Repository is the full contract the scheduler and end-of-call
// persistence path consume, composed from the narrower interfaces
// above so a caller needing only one concern can accept just that one.
type Repository interface {
	CampaignRepository
	ContactRepository
	RecordRepository
}
