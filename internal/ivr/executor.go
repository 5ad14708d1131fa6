package ivr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebas/autodialer/internal/model"
)

// Executor walks a flow graph against one live call, driving the
// AudioPlayer/DigitCollector/CallTerminator ports. Cancellation is
// cooperative: checked between nodes and around any blocking
// play/collect call, matching the dialplan executor's style.
type Executor struct {
	Player     AudioPlayer
	Collector  DigitCollector
	Terminator CallTerminator
	Logger     *slog.Logger

	MaxMenuRetries    int
	DefaultDTMFTimeout time.Duration
	InterDigitTimeout  time.Duration
}

// NewExecutor builds an Executor; a nil Logger falls back to
// slog.Default().
func NewExecutor(player AudioPlayer, collector DigitCollector, terminator CallTerminator, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		Player:             player,
		Collector:          collector,
		Terminator:         terminator,
		Logger:             logger,
		MaxMenuRetries:     2,
		DefaultDTMFTimeout: 5 * time.Second,
		InterDigitTimeout:  3 * time.Second,
	}
}

// Execute walks flow starting at its start_node, returning once a
// terminal node is reached, the context is cancelled, or no further
// edge can be followed.
func (e *Executor) Execute(ctx context.Context, flow *model.IVRFlow, ictx *Context) *Result {
	current := flow.StartNode
	completedNormally := true

	for current != "" {
		select {
		case <-ctx.Done():
			return e.finish(ictx, StateCancelled, current, false)
		default:
		}

		node, ok := flow.Nodes[current]
		if !ok {
			e.Logger.Warn("[IVR] node not found, ending flow", "node_id", current, "call_id", ictx.CallID)
			completedNormally = false
			break
		}
		ictx.CurrentNodeID = current

		next, terminal, err := e.processNode(ctx, flow, node, ictx)
		if err != nil {
			e.Logger.Error("[IVR] node execution failed", "node_id", current, "call_id", ictx.CallID, "error", err)
			return e.finish(ictx, StateFailed, current, false)
		}
		if terminal {
			break
		}

		if next == "" {
			next = flow.Edges[current]
		}
		if next == "" {
			break
		}
		current = next
	}

	result := e.finish(ictx, StateCompleted, current, completedNormally)
	return result
}

func (e *Executor) finish(ictx *Context, state ExecState, lastNode string, completedNormally bool) *Result {
	return &Result{
		State:             state,
		SurveyResponses:   ictx.SurveyResponses,
		DTMFInputs:        ictx.DTMFInputs,
		Variables:         ictx.Variables,
		Duration:          time.Since(ictx.StartTime),
		LastNodeID:        lastNode,
		OptedOut:          ictx.OptedOut,
		CompletedNormally: completedNormally,
	}
}

// processNode dispatches one node by type. It returns the explicit next
// node id (empty means "use the default edge"), whether the flow
// should terminate here, and an error for genuinely unexpected
// failures (node handlers treat missing fields as fail-closed-to-
// default rather than returning an error).
func (e *Executor) processNode(ctx context.Context, flow *model.IVRFlow, node *model.IVRNode, ictx *Context) (next string, terminal bool, err error) {
	switch node.Type {
	case model.NodeStart:
		return "", false, nil

	case model.NodePlayAudio:
		return e.handlePlayAudio(ctx, node, ictx)

	case model.NodeMenu:
		return e.handleMenu(ctx, node, ictx)

	case model.NodeSurveyQuestion:
		return e.handleSurveyQuestion(ctx, node, ictx)

	case model.NodeConditional:
		return e.handleConditional(node, ictx)

	case model.NodeSetVariable:
		return e.handleSetVariable(node, ictx)

	case model.NodeHangup:
		return e.handleHangup(ctx, node, ictx)

	case model.NodeTransfer:
		e.Logger.Warn("[IVR] transfer unsupported in direct-SIP mode, continuing", "node_id", node.ID, "call_id", ictx.CallID)
		return "", false, nil

	case model.NodeRecord:
		e.Logger.Info("[IVR] record node reached (reserved, no-op)", "node_id", node.ID, "call_id", ictx.CallID)
		return "", false, nil

	case model.NodeOptOut:
		return e.handleOptOut(ctx, node, ictx)

	default:
		e.Logger.Warn("[IVR] unknown node type, following default edge", "node_id", node.ID, "type", node.Type, "call_id", ictx.CallID)
		return "", false, nil
	}
}

func (e *Executor) handlePlayAudio(ctx context.Context, node *model.IVRNode, ictx *Context) (string, bool, error) {
	audioFileID, ok := stringField(node.Data, "audio_file_id")
	if !ok {
		e.Logger.Warn("[IVR] play_audio missing audio_file_id, following default edge", "node_id", node.ID)
		return "", false, nil
	}

	waitForDTMF, _ := boolField(node.Data, "wait_for_dtmf")
	allowed := ""
	options := optionsField(node.Data, "options")
	if waitForDTMF {
		for digit := range options {
			allowed += digit
		}
	}

	interrupted, digit, err := e.Player.Play(ctx, audioFileID, allowed)
	if err != nil {
		return "", false, fmt.Errorf("play_audio: %w", err)
	}
	if interrupted {
		if target, ok := options[string(digit)]; ok {
			return target, false, nil
		}
	}
	return "", false, nil
}

func (e *Executor) handleMenu(ctx context.Context, node *model.IVRNode, ictx *Context) (string, bool, error) {
	promptAudioID, _ := stringField(node.Data, "prompt_audio_id")
	timeout := durationField(node.Data, "timeout", e.DefaultDTMFTimeout)
	maxRetries := intField(node.Data, "max_retries", e.MaxMenuRetries)
	options := optionsField(node.Data, "options")
	invalidNode, _ := stringField(node.Data, "invalid_node")
	timeoutNode, _ := stringField(node.Data, "timeout_node")

	for attempt := 0; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return "", true, nil
		default:
		}

		if promptAudioID != "" {
			if _, _, err := e.Player.Play(ctx, promptAudioID, ""); err != nil {
				return "", false, fmt.Errorf("menu prompt: %w", err)
			}
		}

		outcome := e.Collector.Collect(ctx, 1, timeout, e.InterDigitTimeout, "")
		if outcome.Digits == "" {
			if attempt == maxRetries {
				if timeoutNode != "" {
					return timeoutNode, false, nil
				}
				return "", false, nil
			}
			continue
		}

		ictx.DTMFInputs = append(ictx.DTMFInputs, outcome.Digits)
		if target, ok := options[outcome.Digits]; ok {
			return target, false, nil
		}

		if invalidNode != "" {
			return invalidNode, false, nil
		}
		return "", false, nil
	}

	return "", false, nil
}

func (e *Executor) handleSurveyQuestion(ctx context.Context, node *model.IVRNode, ictx *Context) (string, bool, error) {
	questionID, _ := stringField(node.Data, "question_id")
	promptAudioID, _ := stringField(node.Data, "prompt_audio_id")
	timeout := durationField(node.Data, "timeout", e.DefaultDTMFTimeout)
	maxRetries := intField(node.Data, "max_retries", e.MaxMenuRetries)
	validInputs := stringSliceField(node.Data, "valid_inputs")

	valid := make(map[string]bool, len(validInputs))
	for _, v := range validInputs {
		valid[v] = true
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return "", true, nil
		default:
		}

		if promptAudioID != "" {
			if _, _, err := e.Player.Play(ctx, promptAudioID, ""); err != nil {
				return "", false, fmt.Errorf("survey prompt: %w", err)
			}
		}

		outcome := e.Collector.Collect(ctx, 1, timeout, e.InterDigitTimeout, "")
		if outcome.Digits != "" {
			ictx.DTMFInputs = append(ictx.DTMFInputs, outcome.Digits)
			if len(valid) == 0 || valid[outcome.Digits] {
				if questionID != "" {
					ictx.SurveyResponses[questionID] = outcome.Digits
				}
				return "", false, nil
			}
		}
	}

	if questionID != "" {
		ictx.SurveyResponses[questionID] = ""
	}
	return "", false, nil
}

func (e *Executor) handleConditional(node *model.IVRNode, ictx *Context) (string, bool, error) {
	variable, _ := stringField(node.Data, "variable")
	operator, _ := stringField(node.Data, "operator")
	value, _ := stringField(node.Data, "value")
	trueNode, _ := stringField(node.Data, "true_node")
	falseNode, _ := stringField(node.Data, "false_node")

	actual, exists := ictx.Variables[variable]

	result := false
	switch operator {
	case "equals":
		result = actual == value
	case "not_equals":
		result = actual != value
	case "contains":
		result = exists && containsSubstring(actual, value)
	case "exists":
		result = exists
	case "empty":
		result = !exists || actual == ""
	default:
		e.Logger.Warn("[IVR] unknown conditional operator, treating as false", "operator", operator, "node_id", node.ID)
	}

	if result {
		return trueNode, false, nil
	}
	return falseNode, false, nil
}

func (e *Executor) handleSetVariable(node *model.IVRNode, ictx *Context) (string, bool, error) {
	variable, ok := stringField(node.Data, "variable")
	if !ok {
		e.Logger.Warn("[IVR] set_variable missing variable name, following default edge", "node_id", node.ID)
		return "", false, nil
	}
	value, _ := stringField(node.Data, "value")
	ictx.Variables[variable] = value
	return "", false, nil
}

func (e *Executor) handleHangup(ctx context.Context, node *model.IVRNode, ictx *Context) (string, bool, error) {
	if goodbye, ok := stringField(node.Data, "goodbye_audio_id"); ok && goodbye != "" {
		_, _, _ = e.Player.Play(ctx, goodbye, "")
	}
	if e.Terminator != nil {
		_ = e.Terminator.Hangup(ctx)
	}
	return "", true, nil
}

func (e *Executor) handleOptOut(ctx context.Context, node *model.IVRNode, ictx *Context) (string, bool, error) {
	ictx.OptedOut = true

	if confirm, ok := stringField(node.Data, "confirmation_audio_id"); ok && confirm != "" {
		_, _, _ = e.Player.Play(ctx, confirm, "")
	}

	hangupAfter := true
	if v, ok := boolField(node.Data, "hangup_after"); ok {
		hangupAfter = v
	}
	if hangupAfter {
		if e.Terminator != nil {
			_ = e.Terminator.Hangup(ctx)
		}
		return "", true, nil
	}
	return "", false, nil
}
