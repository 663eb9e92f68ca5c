package inference

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/wrylyt/wrylyt/internal/circuitbreaker"
)

type flakyProvider struct {
	err   error
	calls int
}

func (p *flakyProvider) Complete(ctx context.Context, req *Request) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return "ok", nil
}

func (p *flakyProvider) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return "transcript", nil
}

func TestGuardedProviderTripsOnBackendFaults(t *testing.T) {
	inner := &flakyProvider{err: &ProviderError{Operation: "complete", Status: 500, Message: "boom"}}
	g := NewGuardedProvider(inner, circuitbreaker.New(3, time.Minute))

	req := &Request{Model: "llama-3.1-8b-instant"}
	for i := 0; i < 3; i++ {
		if _, err := g.Complete(context.Background(), req); err == nil {
			t.Fatal("expected error from inner provider")
		}
	}

	// Circuit is open now: inner must not be called again
	callsBefore := inner.calls
	_, err := g.Complete(context.Background(), req)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 provider error, got %v", err)
	}
	if inner.calls != callsBefore {
		t.Errorf("inner provider called while circuit open")
	}
}

func TestGuardedProviderClientErrorsDoNotTrip(t *testing.T) {
	inner := &flakyProvider{err: &ProviderError{Operation: "complete", Status: 400, Message: "bad request"}}
	g := NewGuardedProvider(inner, circuitbreaker.New(2, time.Minute))

	req := &Request{Model: "llama-3.1-8b-instant"}
	for i := 0; i < 5; i++ {
		if _, err := g.Complete(context.Background(), req); errors.Is(err, ErrCircuitOpen) {
			t.Fatal("circuit tripped on client errors")
		}
	}
}

func TestGuardedProviderPerKeyIsolation(t *testing.T) {
	inner := &flakyProvider{err: &ProviderError{Operation: "complete", Status: 500, Message: "boom"}}
	g := NewGuardedProvider(inner, circuitbreaker.New(1, time.Minute))

	if _, err := g.Complete(context.Background(), &Request{Model: "llama-3.1-8b-instant"}); err == nil {
		t.Fatal("expected error")
	}

	// Completion circuit for the fast model is open; transcription still flows
	inner.err = nil
	if _, err := g.Transcribe(context.Background(), []byte("audio"), "audio/mpeg"); err != nil {
		t.Fatalf("transcription blocked: %v", err)
	}
}
