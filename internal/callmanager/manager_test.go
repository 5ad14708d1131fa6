package callmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebas/autodialer/internal/model"
)

func intPtr(n int) *int { return &n }

func TestGlobalConcurrencyCapIsEnforced(t *testing.T) {
	var dispatched int32
	initiator := func(ctx context.Context, dispatchID string, pc model.PendingContact) error {
		atomic.AddInt32(&dispatched, 1)
		return nil
	}

	m := NewManager(1, 10*time.Millisecond, initiator, nil)
	m.RegisterCampaign("c1", 5, nil)
	m.Enqueue([]model.PendingContact{
		{CampaignID: "c1", Phone: "+15551111111"},
		{CampaignID: "c1", Phone: "+15552222222"},
		{CampaignID: "c1", Phone: "+15553333333"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	time.Sleep(60 * time.Millisecond)

	if got := atomic.LoadInt32(&dispatched); got != 1 {
		t.Fatalf("expected exactly 1 dispatch under global cap of 1 (active slots never freed), got %d", got)
	}
	cancel()
	m.Stop()
}

func TestPerCampaignConcurrencyCapIsEnforced(t *testing.T) {
	var dispatched int32
	var mu sync.Mutex
	var dispatchIDs []string

	initiator := func(ctx context.Context, dispatchID string, pc model.PendingContact) error {
		atomic.AddInt32(&dispatched, 1)
		mu.Lock()
		dispatchIDs = append(dispatchIDs, dispatchID)
		mu.Unlock()
		return nil
	}

	m := NewManager(100, 10*time.Millisecond, initiator, nil)
	m.RegisterCampaign("c1", 2, nil)
	m.Enqueue([]model.PendingContact{
		{CampaignID: "c1", Phone: "+15551111111"},
		{CampaignID: "c1", Phone: "+15552222222"},
		{CampaignID: "c1", Phone: "+15553333333"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	cancel()
	m.Stop()

	if got := atomic.LoadInt32(&dispatched); got != 2 {
		t.Fatalf("expected exactly 2 dispatches under per-campaign cap of 2, got %d", got)
	}
	if got := m.PendingCount(); got != 1 {
		t.Fatalf("expected 1 contact still pending, got %d", got)
	}
}

func TestRecordCallEndFreesSlotForNextDispatch(t *testing.T) {
	var dispatchedIDs []string
	var mu sync.Mutex
	first := make(chan struct{})

	initiator := func(ctx context.Context, dispatchID string, pc model.PendingContact) error {
		mu.Lock()
		dispatchedIDs = append(dispatchedIDs, dispatchID)
		n := len(dispatchedIDs)
		mu.Unlock()
		if n == 1 {
			close(first)
		}
		return nil
	}

	m := NewManager(100, 10*time.Millisecond, initiator, nil)
	m.RegisterCampaign("c1", 1, nil)
	m.Enqueue([]model.PendingContact{
		{CampaignID: "c1", Phone: "+15551111111"},
		{CampaignID: "c1", Phone: "+15552222222"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	<-first
	mu.Lock()
	firstID := dispatchedIDs[0]
	mu.Unlock()

	if m.PendingCount() != 1 {
		t.Fatalf("expected second contact still queued behind the cap of 1")
	}

	m.RecordCallEnd(firstID, true)
	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	n := len(dispatchedIDs)
	mu.Unlock()
	if n != 2 {
		t.Fatalf("expected second contact dispatched after first call ended, got %d dispatches", n)
	}

	cancel()
	m.Stop()
}

func TestUnregisterCampaignDropsPendingContacts(t *testing.T) {
	m := NewManager(10, time.Second, func(ctx context.Context, id string, pc model.PendingContact) error { return nil }, nil)
	m.RegisterCampaign("c1", 5, nil)
	m.Enqueue([]model.PendingContact{{CampaignID: "c1", Phone: "+15551111111"}})

	if m.PendingCount() != 1 {
		t.Fatalf("expected 1 pending contact before unregister")
	}
	m.UnregisterCampaign("c1")
	if m.PendingCount() != 0 {
		t.Fatalf("expected 0 pending contacts after unregister, got %d", m.PendingCount())
	}
}

func TestEnqueueOrdersByPriorityThenScheduledTime(t *testing.T) {
	m := NewManager(10, time.Second, nil, nil)
	m.RegisterCampaign("c1", 5, intPtr(100))

	later := time.Now().Add(time.Hour)
	earlier := time.Now()
	m.Enqueue([]model.PendingContact{
		{CampaignID: "c1", Phone: "b", Priority: 5, ScheduledAt: later},
		{CampaignID: "c1", Phone: "a", Priority: 1, ScheduledAt: later},
		{CampaignID: "c1", Phone: "c", Priority: 1, ScheduledAt: earlier},
	})

	m.mu.Lock()
	order := make([]string, len(m.pending))
	for i, pc := range m.pending {
		order[i] = pc.Phone
	}
	m.mu.Unlock()

	want := []string{"c", "a", "b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}
