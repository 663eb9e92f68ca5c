// Package broker runs credit-gated tools end to end: authorize the
// credits, route to a model tier, call the model, and settle the
// reservation. The one rule that shapes everything here is that a failed
// generation never costs the user credits.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wrylyt/wrylyt/internal/inference"
	"github.com/wrylyt/wrylyt/internal/ledger"
	"github.com/wrylyt/wrylyt/internal/plan"
	"github.com/wrylyt/wrylyt/internal/router"
	"github.com/wrylyt/wrylyt/internal/traces"
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrEmptyInput  = errors.New("tool input is empty")
)

// RunRequest is one tool invocation.
type RunRequest struct {
	AccountID string
	Tool      string
	Text      string              // primary text input
	Messages  []inference.Message // prior thread turns, ai_tutor only
	Audio     []byte              // audio payload, voice_note only
	AudioMIME string
}

// RunResult is a completed, charged tool run.
type RunResult struct {
	Tool       string      `json:"tool"`
	Output     string      `json:"output"`
	Transcript string      `json:"transcript,omitempty"`
	Tier       router.Tier `json:"tier"`
	Credits    int64       `json:"creditsCharged"`
}

// Broker coordinates the ledger, the router and the model backend.
type Broker struct {
	ledger   *ledger.Ledger
	provider inference.Provider
	selector router.Selector
	timeout  time.Duration
	logger   *slog.Logger
}

func New(l *ledger.Ledger, provider inference.Provider, selector router.Selector,
	timeout time.Duration, logger *slog.Logger) *Broker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Broker{
		ledger:   l,
		provider: provider,
		selector: selector,
		timeout:  timeout,
		logger:   logger,
	}
}

// Run executes one tool invocation. Credits are reserved before the model
// call and committed only after output exists; any failure in between
// rolls the reservation back.
func (b *Broker) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	tool := Lookup(req.Tool)
	if tool == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, req.Tool)
	}
	if err := validateInput(tool, req); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "broker.run",
		traces.AccountID(req.AccountID),
		traces.ToolName(tool.Name),
		traces.Credits(tool.Cost),
	)
	defer span.End()

	acct, err := b.ledger.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	// Cheap pre-check before reserving. Authorize re-checks under the
	// version guard; this only spares the obviously-broke account a write.
	if acct.Balance < tool.Cost {
		toolRuns.WithLabelValues(tool.Name, "insufficient_credit").Inc()
		return nil, fmt.Errorf("%w: %s costs %d, balance is %d",
			ledger.ErrInsufficientCredit, tool.Name, tool.Cost, acct.Balance)
	}

	res, err := b.ledger.Authorize(ctx, req.AccountID, tool.Cost, tool.Name)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredit) {
			toolRuns.WithLabelValues(tool.Name, "insufficient_credit").Inc()
		}
		return nil, err
	}

	result, err := b.execute(ctx, tool, req, acct)
	if err != nil {
		if rbErr := b.ledger.Rollback(ctx, res.ID); rbErr != nil {
			// The sweep will reclaim it; the user still is not charged.
			b.logger.Error("rollback failed after tool error",
				"reservation", res.ID, "error", rbErr)
		}
		toolRuns.WithLabelValues(tool.Name, "failed").Inc()
		return nil, err
	}

	if err := b.ledger.Commit(ctx, res.ID); err != nil {
		if errors.Is(err, ledger.ErrReservationExpired) {
			// The reservation outlived its TTL and the sweep rolled it
			// back. The output is good, the user keeps it free of charge.
			b.logger.Warn("reservation expired before commit, run not charged",
				"reservation", res.ID, "tool", tool.Name, "error", err)
		} else {
			// Store trouble, not expiry. The reservation is still live and
			// the sweep will settle it; the output still ships uncharged.
			b.logger.Error("reservation commit failed, run not charged",
				"reservation", res.ID, "tool", tool.Name, "error", err)
		}
		result.Credits = 0
		toolRuns.WithLabelValues(tool.Name, "uncharged").Inc()
		return result, nil
	}

	creditsCharged.WithLabelValues(tool.Name).Add(float64(tool.Cost))
	toolRuns.WithLabelValues(tool.Name, "ok").Inc()

	if plan.Allowed(acct.Plan, plan.FeatureHistory) {
		b.recordHistory(ctx, req, result)
	}
	return result, nil
}

func (b *Broker) execute(ctx context.Context, tool *Tool, req *RunRequest, acct *ledger.Account) (*RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	text := req.Text
	var transcript string
	if tool.Audio {
		var err error
		transcript, err = b.provider.Transcribe(ctx, req.Audio, req.AudioMIME)
		if err != nil {
			return nil, err
		}
		text = transcript
	}

	decision := b.selector.Select(ctx, &router.Input{
		Kind:     tool.Kind,
		Text:     text,
		Priority: plan.Allowed(acct.Plan, plan.FeaturePriorityInference),
	})
	b.logger.Debug("routed tool run",
		"tool", tool.Name, "tier", decision.Tier, "reason", decision.Reason)

	messages := req.Messages
	if !tool.Thread {
		messages = nil
	}
	messages = append(messages, inference.Message{Role: "user", Content: text})

	output, err := b.provider.Complete(ctx, &inference.Request{
		Model:    decision.Tier.Model(),
		System:   tool.System,
		Messages: messages,
	})
	if err != nil {
		return nil, err
	}

	return &RunResult{
		Tool:       tool.Name,
		Output:     output,
		Transcript: transcript,
		Tier:       decision.Tier,
		Credits:    tool.Cost,
	}, nil
}

func validateInput(tool *Tool, req *RunRequest) error {
	if tool.Audio {
		if len(req.Audio) == 0 {
			return fmt.Errorf("%w: %s needs an audio payload", ErrEmptyInput, tool.Name)
		}
		return nil
	}
	if req.Text == "" {
		return fmt.Errorf("%w: %s needs text input", ErrEmptyInput, tool.Name)
	}
	return nil
}

// recordHistory persists the run for paid accounts. Failures are logged
// and swallowed: the run already succeeded and was charged, losing one
// history row is the lesser wrong.
func (b *Broker) recordHistory(ctx context.Context, req *RunRequest, result *RunResult) {
	input, err := json.Marshal(map[string]string{"text": req.Text})
	if err != nil {
		return
	}
	output, err := json.Marshal(map[string]string{
		"text":       result.Output,
		"transcript": result.Transcript,
	})
	if err != nil {
		return
	}
	entry := &ledger.HistoryEntry{
		Type:   result.Tool,
		Input:  input,
		Output: output,
	}
	if err := b.ledger.AppendHistory(ctx, req.AccountID, entry); err != nil {
		b.logger.Error("history append failed",
			"account", req.AccountID, "tool", result.Tool, "error", err)
	}
}
