// Package router picks the model tier for a tool run. The two tiers map
// to concrete Groq models; routing keeps cheap rewrites on the fast model
// and sends heavyweight generation to the powerful one.
package router

import "context"

// Tier is a model capability class.
type Tier string

const (
	TierFast     Tier = "fast"
	TierPowerful Tier = "powerful"
)

// Model returns the concrete model ID for the tier.
func (t Tier) Model() string {
	if t == TierPowerful {
		return "llama-3.3-70b-versatile"
	}
	return "llama-3.1-8b-instant"
}

// Kind classifies what a tool fundamentally does with the model.
type Kind string

const (
	KindRewrite        Kind = "rewrite"        // transform existing text
	KindGeneration     Kind = "generation"     // produce new content
	KindClassification Kind = "classification" // short structured judgment
)

// Input describes one routing decision.
type Input struct {
	Kind     Kind
	Text     string // the user-facing input the model will see
	Priority bool   // account holds priority inference
}

// Decision is the routing outcome. Reason is for logs, not users.
type Decision struct {
	Tier   Tier
	Reason string
}

// Selector picks a tier for an input. Select must not fail: when a
// selector cannot decide it falls back to something sensible, because a
// routing hiccup must never block a paid-for generation.
type Selector interface {
	Select(ctx context.Context, in *Input) Decision
}

// Input length above which the fast model starts losing the thread.
const longInputThreshold = 2000

// HeuristicSelector routes on task kind and input size alone. No model
// call, no failure mode.
type HeuristicSelector struct{}

func NewHeuristicSelector() *HeuristicSelector {
	return &HeuristicSelector{}
}

func (s *HeuristicSelector) Select(_ context.Context, in *Input) Decision {
	if in.Kind == KindGeneration {
		return Decision{Tier: TierPowerful, Reason: "generation task"}
	}
	n := len(in.Text)
	if n >= longInputThreshold {
		return Decision{Tier: TierPowerful, Reason: "long input"}
	}
	// Borderline inputs tip to the powerful model for priority accounts.
	if in.Priority && n >= longInputThreshold/2 {
		return Decision{Tier: TierPowerful, Reason: "priority account, borderline input"}
	}
	return Decision{Tier: TierFast, Reason: "short rewrite"}
}

var (
	_ Selector = (*HeuristicSelector)(nil)
	_ Selector = (*ClassifierSelector)(nil)
)
