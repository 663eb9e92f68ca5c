package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wrylyt/wrylyt/internal/inference"
)

const classifierSystemPrompt = `You route user requests to one of two models.
Respond with a JSON object of the form {"tier": "fast"} or {"tier": "powerful"}.
Choose "powerful" only when the request needs long-form generation, deep
reasoning, or handles a large amount of text. Otherwise choose "fast".`

// How much of the user input the classifier sees. Enough to judge the
// request, small enough to stay cheap.
const classifierSampleLen = 500

// ClassifierSelector asks the fast model which tier a request needs. The
// classification call itself is free to the user; when it fails or talks
// nonsense the heuristic decides instead.
type ClassifierSelector struct {
	provider  inference.Provider
	heuristic *HeuristicSelector
	logger    *slog.Logger
}

func NewClassifierSelector(provider inference.Provider, logger *slog.Logger) *ClassifierSelector {
	return &ClassifierSelector{
		provider:  provider,
		heuristic: NewHeuristicSelector(),
		logger:    logger,
	}
}

func (s *ClassifierSelector) Select(ctx context.Context, in *Input) Decision {
	sample := in.Text
	if len(sample) > classifierSampleLen {
		sample = sample[:classifierSampleLen]
	}

	out, err := s.provider.Complete(ctx, &inference.Request{
		Model:  TierFast.Model(),
		System: classifierSystemPrompt,
		Messages: []inference.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Task kind: %s\nInput (may be truncated):\n%s", in.Kind, sample),
		}},
		ResponseFormat: "json_object",
	})
	if err != nil {
		s.logger.Warn("tier classifier failed, using heuristic", "error", err)
		d := s.heuristic.Select(ctx, in)
		d.Reason = "heuristic fallback: " + d.Reason
		return d
	}

	var parsed struct {
		Tier string `json:"tier"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		s.logger.Warn("tier classifier returned invalid JSON, using heuristic", "output", out)
		d := s.heuristic.Select(ctx, in)
		d.Reason = "heuristic fallback: " + d.Reason
		return d
	}

	switch Tier(strings.ToLower(strings.TrimSpace(parsed.Tier))) {
	case TierPowerful:
		return Decision{Tier: TierPowerful, Reason: "classifier chose powerful"}
	case TierFast:
		if in.Priority && len(in.Text) >= longInputThreshold/2 {
			return Decision{Tier: TierPowerful, Reason: "priority account, borderline input"}
		}
		return Decision{Tier: TierFast, Reason: "classifier chose fast"}
	default:
		s.logger.Warn("tier classifier named unknown tier, using heuristic", "tier", parsed.Tier)
		d := s.heuristic.Select(ctx, in)
		d.Reason = "heuristic fallback: " + d.Reason
		return d
	}
}
