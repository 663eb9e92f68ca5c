package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/wrylyt/wrylyt/internal/inference"
)

func TestTierModels(t *testing.T) {
	if got := TierFast.Model(); got != "llama-3.1-8b-instant" {
		t.Errorf("fast model = %q", got)
	}
	if got := TierPowerful.Model(); got != "llama-3.3-70b-versatile" {
		t.Errorf("powerful model = %q", got)
	}
}

func TestHeuristicSelector(t *testing.T) {
	s := NewHeuristicSelector()
	ctx := context.Background()

	tests := []struct {
		name string
		in   Input
		want Tier
	}{
		{"short rewrite", Input{Kind: KindRewrite, Text: "fix this sentense"}, TierFast},
		{"classification", Input{Kind: KindClassification, Text: "is this spam?"}, TierFast},
		{"generation always powerful", Input{Kind: KindGeneration, Text: "short"}, TierPowerful},
		{"long rewrite", Input{Kind: KindRewrite, Text: strings.Repeat("a", 2500)}, TierPowerful},
		{"borderline without priority", Input{Kind: KindRewrite, Text: strings.Repeat("a", 1200)}, TierFast},
		{"borderline with priority", Input{Kind: KindRewrite, Text: strings.Repeat("a", 1200), Priority: true}, TierPowerful},
		{"short with priority", Input{Kind: KindRewrite, Text: "tiny", Priority: true}, TierFast},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := s.Select(ctx, &tt.in)
			if d.Tier != tt.want {
				t.Errorf("tier = %s (%s), want %s", d.Tier, d.Reason, tt.want)
			}
			if d.Reason == "" {
				t.Error("decision carries no reason")
			}
		})
	}
}

// fakeProvider scripts Complete responses for selector tests.
type fakeProvider struct {
	response string
	err      error
	calls    int
}

func (f *fakeProvider) Complete(_ context.Context, req *inference.Request) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeProvider) Transcribe(context.Context, []byte, string) (string, error) {
	return "", errors.New("not implemented")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClassifierSelector(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		provider *fakeProvider
		in       Input
		want     Tier
	}{
		{"classifier picks powerful", &fakeProvider{response: `{"tier":"powerful"}`},
			Input{Kind: KindRewrite, Text: "short"}, TierPowerful},
		{"classifier picks fast", &fakeProvider{response: `{"tier":"fast"}`},
			Input{Kind: KindRewrite, Text: "short"}, TierFast},
		{"provider failure falls back", &fakeProvider{err: &inference.ProviderError{Operation: "complete", Status: 500}},
			Input{Kind: KindGeneration, Text: "short"}, TierPowerful},
		{"invalid json falls back", &fakeProvider{response: "powerful, definitely"},
			Input{Kind: KindRewrite, Text: "short"}, TierFast},
		{"unknown tier falls back", &fakeProvider{response: `{"tier":"medium"}`},
			Input{Kind: KindRewrite, Text: "short"}, TierFast},
		{"priority overrides borderline fast", &fakeProvider{response: `{"tier":"fast"}`},
			Input{Kind: KindRewrite, Text: strings.Repeat("a", 1200), Priority: true}, TierPowerful},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewClassifierSelector(tt.provider, testLogger())
			d := s.Select(ctx, &tt.in)
			if d.Tier != tt.want {
				t.Errorf("tier = %s (%s), want %s", d.Tier, d.Reason, tt.want)
			}
			if tt.provider.calls != 1 {
				t.Errorf("provider called %d times, want 1", tt.provider.calls)
			}
		})
	}
}

func TestClassifierSelector_UsesFastModelAndTruncates(t *testing.T) {
	var gotReq *inference.Request
	p := &capturingProvider{response: `{"tier":"fast"}`, captured: &gotReq}
	s := NewClassifierSelector(p, testLogger())

	s.Select(context.Background(), &Input{Kind: KindRewrite, Text: strings.Repeat("x", 5000)})

	if gotReq.Model != TierFast.Model() {
		t.Errorf("classifier used %q, want the fast model", gotReq.Model)
	}
	if gotReq.ResponseFormat != "json_object" {
		t.Errorf("response format = %q", gotReq.ResponseFormat)
	}
	if len(gotReq.Messages) != 1 || len(gotReq.Messages[0].Content) > classifierSampleLen+100 {
		t.Errorf("classifier prompt not truncated: %d chars", len(gotReq.Messages[0].Content))
	}
}

type capturingProvider struct {
	response string
	captured **inference.Request
}

func (c *capturingProvider) Complete(_ context.Context, req *inference.Request) (string, error) {
	*c.captured = req
	return c.response, nil
}

func (c *capturingProvider) Transcribe(context.Context, []byte, string) (string, error) {
	return "", errors.New("not implemented")
}
