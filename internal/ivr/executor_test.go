package ivr

import (
	"context"
	"testing"
	"time"

	"github.com/sebas/autodialer/internal/model"
)

type fakePlayer struct {
	plays []string
}

func (f *fakePlayer) Play(_ context.Context, audioFileID string, _ string) (bool, rune, error) {
	f.plays = append(f.plays, audioFileID)
	return false, 0, nil
}

type scriptedCollector struct {
	responses []CollectOutcome
	i         int
}

func (c *scriptedCollector) Collect(_ context.Context, _ int, _ time.Duration, _ time.Duration, _ string) CollectOutcome {
	if c.i >= len(c.responses) {
		return CollectOutcome{TimedOut: true}
	}
	out := c.responses[c.i]
	c.i++
	return out
}

// S6: n0(play greeting) -> n1(menu, options {"1":n2,"2":n3,"timeout":n4})
// caller presses "2" -> visits n0, n1; dtmf_inputs=["2"]; proceeds to n3;
// completes with last_node_id=n3, opted_out=false.
func TestScenarioS6MenuRouting(t *testing.T) {
	flow := &model.IVRFlow{
		StartNode: "n0",
		Nodes: map[string]*model.IVRNode{
			"n0": {ID: "n0", Type: model.NodePlayAudio, Data: map[string]any{"audio_file_id": "greeting"}},
			"n1": {ID: "n1", Type: model.NodeMenu, Data: map[string]any{
				"prompt_audio_id": "menu_prompt",
				"timeout":         3,
				"max_retries":     2,
				"options": map[string]any{
					"1": "n2",
					"2": "n3",
				},
				"timeout_node": "n4",
			}},
			"n2": {ID: "n2", Type: model.NodeHangup, Data: map[string]any{}},
			"n3": {ID: "n3", Type: model.NodeHangup, Data: map[string]any{}},
			"n4": {ID: "n4", Type: model.NodeHangup, Data: map[string]any{}},
		},
		Edges: map[string]string{"n0": "n1"},
	}

	player := &fakePlayer{}
	collector := &scriptedCollector{responses: []CollectOutcome{{Digits: "2"}}}
	exec := NewExecutor(player, collector, nil, nil)

	ictx := NewContext("call-1", "contact-1", "campaign-1", "+15551234567", "org-1")
	result := exec.Execute(context.Background(), flow, ictx)

	if result.LastNodeID != "n3" {
		t.Fatalf("expected last_node_id n3, got %s", result.LastNodeID)
	}
	if result.OptedOut {
		t.Fatalf("expected opted_out=false")
	}
	if len(ictx.DTMFInputs) != 1 || ictx.DTMFInputs[0] != "2" {
		t.Fatalf("expected dtmf_inputs=[\"2\"], got %v", ictx.DTMFInputs)
	}
	if len(player.plays) != 2 || player.plays[0] != "greeting" || player.plays[1] != "menu_prompt" {
		t.Fatalf("expected greeting then menu_prompt to be played, got %v", player.plays)
	}
}

func TestMenuExhaustsRetriesToTimeoutNode(t *testing.T) {
	flow := &model.IVRFlow{
		StartNode: "n1",
		Nodes: map[string]*model.IVRNode{
			"n1": {ID: "n1", Type: model.NodeMenu, Data: map[string]any{
				"prompt_audio_id": "menu_prompt",
				"timeout":         1,
				"max_retries":     1,
				"options":         map[string]any{"1": "n2"},
				"timeout_node":    "n4",
			}},
			"n2": {ID: "n2", Type: model.NodeHangup},
			"n4": {ID: "n4", Type: model.NodeHangup},
		},
	}

	player := &fakePlayer{}
	collector := &scriptedCollector{} // always times out
	exec := NewExecutor(player, collector, nil, nil)

	ictx := NewContext("call-2", "contact-2", "campaign-1", "+15550001111", "org-1")
	result := exec.Execute(context.Background(), flow, ictx)

	if result.LastNodeID != "n4" {
		t.Fatalf("expected timeout_node n4, got %s", result.LastNodeID)
	}
}

// An unrecognized digit routes to invalid_node immediately, on the
// very first attempt — it must not be treated like a timeout and
// re-prompted through the remaining retries.
func TestMenuMismatchRoutesToInvalidNodeImmediately(t *testing.T) {
	flow := &model.IVRFlow{
		StartNode: "n1",
		Nodes: map[string]*model.IVRNode{
			"n1": {ID: "n1", Type: model.NodeMenu, Data: map[string]any{
				"prompt_audio_id": "menu_prompt",
				"timeout":         1,
				"max_retries":     2,
				"options":         map[string]any{"1": "n2"},
				"invalid_node":    "n5",
			}},
			"n2": {ID: "n2", Type: model.NodeHangup},
			"n5": {ID: "n5", Type: model.NodeHangup},
		},
	}

	player := &fakePlayer{}
	collector := &scriptedCollector{responses: []CollectOutcome{{Digits: "9"}}}
	exec := NewExecutor(player, collector, nil, nil)

	ictx := NewContext("call-4", "contact-4", "campaign-1", "+15550002222", "org-1")
	result := exec.Execute(context.Background(), flow, ictx)

	if result.LastNodeID != "n5" {
		t.Fatalf("expected invalid_node n5 on first mismatch, got %s", result.LastNodeID)
	}
	if len(player.plays) != 1 {
		t.Fatalf("expected exactly one prompt play (no re-prompt on mismatch), got %d", len(player.plays))
	}
}

func TestOptOutSetsFlag(t *testing.T) {
	flow := &model.IVRFlow{
		StartNode: "n0",
		Nodes: map[string]*model.IVRNode{
			"n0": {ID: "n0", Type: model.NodeOptOut, Data: map[string]any{"hangup_after": true}},
		},
	}
	exec := NewExecutor(&fakePlayer{}, &scriptedCollector{}, nil, nil)
	ictx := NewContext("call-3", "contact-3", "campaign-1", "+15559998888", "org-1")

	result := exec.Execute(context.Background(), flow, ictx)
	if !result.OptedOut {
		t.Fatalf("expected opted_out=true")
	}
}

func TestUnknownNodeTypeFollowsDefaultEdge(t *testing.T) {
	flow := &model.IVRFlow{
		StartNode: "n0",
		Nodes: map[string]*model.IVRNode{
			"n0": {ID: "n0", Type: "bogus_type"},
			"n1": {ID: "n1", Type: model.NodeHangup},
		},
		Edges: map[string]string{"n0": "n1"},
	}
	exec := NewExecutor(&fakePlayer{}, &scriptedCollector{}, nil, nil)
	ictx := NewContext("call-4", "contact-4", "campaign-1", "+15557776666", "org-1")

	result := exec.Execute(context.Background(), flow, ictx)
	if result.LastNodeID != "n1" {
		t.Fatalf("expected to follow default edge to n1, got %s", result.LastNodeID)
	}
}
