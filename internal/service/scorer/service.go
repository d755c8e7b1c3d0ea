package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	analysis "github.com/mareiko/lifeline/backend/internal/analysis/urgency"
	"github.com/mareiko/lifeline/backend/internal/model/call"
)

var (
	// ErrUnavailable marks a scorer that could not produce a verdict.
	ErrUnavailable = errors.New("scorer unavailable")

	// ErrTimeout marks a scorer that blew its deadline.
	ErrTimeout = errors.New("scorer timeout")
)

// Config controls the urgency scorer.
type Config struct {
	// Deadline bounds one scoring request. Zero means DefaultDeadline.
	Deadline time.Duration
}

// DefaultDeadline keeps the scorer from ever dominating call latency.
const DefaultDeadline = 2 * time.Second

// Service scores transcript snapshots. With a chat model configured it
// runs an LLM classifier chain; without one it degrades to the keyword
// heuristics. The scorer is stateless across calls and may return
// inconsistent results for the same text; monotonicity is enforced by
// the triage machine, never here.
type Service struct {
	classifier compose.Runnable[map[string]any, *schema.Message]
	deadline   time.Duration
}

// NewService creates a scorer. chatModel may be nil, in which case every
// request takes the heuristic path.
func NewService(ctx context.Context, chatModel model.ChatModel, cfg Config) (*Service, error) {
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	svc := &Service{deadline: deadline}
	if chatModel == nil {
		return svc, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(scorerSystemPrompt),
		schema.UserMessage(scorerUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile urgency classifier chain: %w", err)
	}

	svc.classifier = runnable
	return svc, nil
}

// Score assesses one snapshot, bounded by the configured deadline.
func (s *Service) Score(ctx context.Context, snap call.Snapshot) (call.Assessment, error) {
	if s.classifier == nil {
		decision := analysis.Analyze(snap.Text)
		return call.Assessment{
			CallID:          snap.CallID,
			SnapshotVersion: snap.Version,
			Urgency:         decision.Level,
			Category:        decision.Category,
			Confidence:      decision.Confidence,
		}, nil
	}

	scoreCtx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	input := map[string]any{
		"transcript": strings.TrimSpace(snap.Text),
		"language":   languageOrDefault(snap.LanguageHint),
	}

	msg, err := s.classifier.Invoke(scoreCtx, input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(scoreCtx.Err(), context.DeadlineExceeded) {
			return call.Assessment{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			// The call went away (end-of-call); the result would be
			// discarded anyway.
			return call.Assessment{}, err
		}
		return call.Assessment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return call.Assessment{}, fmt.Errorf("%w: empty classifier response", ErrUnavailable)
	}

	payload, err := parseClassifierOutput(msg.Content)
	if err != nil {
		return call.Assessment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	level, ok := call.ParseUrgencyLevel(payload.Urgency)
	if !ok {
		return call.Assessment{}, fmt.Errorf("%w: unknown urgency %q", ErrUnavailable, payload.Urgency)
	}

	category := strings.TrimSpace(strings.ToLower(payload.Category))
	if category == "" {
		category = "general"
	}

	return call.Assessment{
		CallID:          snap.CallID,
		SnapshotVersion: snap.Version,
		Urgency:         level,
		Category:        category,
		Confidence:      clampConfidence(payload.Confidence),
	}, nil
}

type classifierPayload struct {
	Urgency    string  `json:"urgency"`
	Category   string  `json:"category"`
	Confidence float32 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// parseClassifierOutput extracts the JSON object from the model reply,
// tolerating prose around it.
func parseClassifierOutput(content string) (*classifierPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &classifierPayload{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func clampConfidence(val float32) float32 {
	if val <= 0 {
		return 0.5
	}
	if val > 1 {
		return 1
	}
	return val
}

func languageOrDefault(hint string) string {
	if strings.TrimSpace(hint) == "" {
		return "unknown"
	}
	return hint
}

const scorerSystemPrompt = "You are an emergency call evaluation assistant. You read the partial transcript of an in-progress emergency call and classify how urgent the situation is. The transcript may be incomplete or contain transcription errors; judge what is present.\nReturn exactly one JSON object with these fields: urgency (one of NONE/LOW/MODERATE/CRITICAL), category (a short lowercase label such as cardiac, trauma, stroke, respiratory, bleeding, overdose, allergic, general, non-emergency), confidence (a number between 0 and 1), reason (one short sentence). Output nothing but the JSON object."

const scorerUserPrompt = "Transcript language hint: {language}\n\nTranscript so far:\n{transcript}\n\nClassify the urgency now. Remember: JSON only."
