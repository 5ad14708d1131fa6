package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sebas/autodialer/internal/model"
)

// MemoryRepository is an in-process Repository used by tests and the
// `dial` CLI's standalone mode. It is not safe to use as the system of
// record for a production deployment.
type MemoryRepository struct {
	mu sync.Mutex

	campaigns []*model.Campaign
	flows     map[string]*model.IVRFlow
	sip       map[string]*SIPSettings
	contacts  map[string][]*model.CampaignContact // by campaign ID

	CallLogs        []*model.CallLog
	SurveyResponses []*model.SurveyResponse
	DNC             []model.DNCEntry
}

// NewMemoryRepository builds an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		flows:    make(map[string]*model.IVRFlow),
		sip:      make(map[string]*SIPSettings),
		contacts: make(map[string][]*model.CampaignContact),
	}
}

func (m *MemoryRepository) AddCampaign(c *model.Campaign, flow *model.IVRFlow, sip *SIPSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns = append(m.campaigns, c)
	if flow != nil {
		m.flows[c.IVRFlowID] = flow
	}
	if sip != nil {
		m.sip[c.OrganizationID] = sip
	}
}

func (m *MemoryRepository) AddContacts(campaignID string, contacts ...*model.CampaignContact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[campaignID] = append(m.contacts[campaignID], contacts...)
}

func (m *MemoryRepository) LoadRunningCampaigns(ctx context.Context) ([]*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		if c.Status == model.CampaignRunning {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryRepository) LoadCampaignIVR(ctx context.Context, campaignID string) (*model.IVRFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.campaigns {
		if c.ID == campaignID {
			flow, ok := m.flows[c.IVRFlowID]
			if !ok {
				return nil, fmt.Errorf("no ivr flow for campaign %s", campaignID)
			}
			return flow, nil
		}
	}
	return nil, fmt.Errorf("campaign %s not found", campaignID)
}

func (m *MemoryRepository) LoadSIPSettings(ctx context.Context, organizationID string) (*SIPSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sip[organizationID]
	if !ok {
		return nil, fmt.Errorf("no sip settings for organization %s", organizationID)
	}
	return s, nil
}

type memoryCursor struct {
	items []*model.CampaignContact
	idx   int
}

func (c *memoryCursor) Next(ctx context.Context) (*model.CampaignContact, bool, error) {
	if c.idx >= len(c.items) {
		return nil, false, nil
	}
	item := c.items[c.idx]
	c.idx++
	return item, true, nil
}

func (c *memoryCursor) Close() error { return nil }

func (m *MemoryRepository) IterEligibleContacts(ctx context.Context, campaignID string) (ContactCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]*model.CampaignContact, len(m.contacts[campaignID]))
	copy(items, m.contacts[campaignID])
	return &memoryCursor{items: items}, nil
}

func (m *MemoryRepository) UpdateCampaignContact(ctx context.Context, campaignID, contactID string, fields CampaignContactUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.contacts[campaignID] {
		if c.ContactID != contactID {
			continue
		}
		if fields.Status != nil {
			c.Status = *fields.Status
		}
		if fields.Attempts != nil {
			c.Attempts = *fields.Attempts
		}
		if fields.LastAttemptAt != nil {
			c.LastAttemptAt = fields.LastAttemptAt
		}
		if fields.NextAttemptAt != nil {
			c.NextAttemptAt = fields.NextAttemptAt
		}
		if fields.LastDisposition != nil {
			c.LastDisposition = *fields.LastDisposition
		}
		return nil
	}
	return fmt.Errorf("campaign contact %s/%s not found", campaignID, contactID)
}

func (m *MemoryRepository) LoadStaleInProgress(ctx context.Context, campaignID string, grace time.Duration) ([]*model.CampaignContact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var stale []*model.CampaignContact
	for _, c := range m.contacts[campaignID] {
		if c.IsStale(now, grace) {
			stale = append(stale, c)
		}
	}
	return stale, nil
}

func (m *MemoryRepository) SaveCallLog(ctx context.Context, rec *model.CallLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLogs = append(m.CallLogs, rec)
	return nil
}

func (m *MemoryRepository) SaveSurveyResponse(ctx context.Context, rec *model.SurveyResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SurveyResponses = append(m.SurveyResponses, rec)
	return nil
}

func (m *MemoryRepository) UpsertDNC(ctx context.Context, phone, organizationID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.DNC {
		if e.Phone == phone && e.OrganizationID == organizationID {
			return nil
		}
	}
	m.DNC = append(m.DNC, model.DNCEntry{Phone: phone, OrganizationID: organizationID})
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
