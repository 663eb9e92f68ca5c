package inference

import (
	"context"
	"errors"
	"net/http"

	"github.com/wrylyt/wrylyt/internal/circuitbreaker"
)

// ErrCircuitOpen is wrapped into the ProviderError returned while the
// backend circuit is tripped.
var ErrCircuitOpen = errors.New("provider circuit open")

// GuardedProvider wraps a Provider with a circuit breaker so a failing
// backend sheds load fast instead of burning the per-call timeout on
// every request. Circuits are tracked per operation and model, so a
// broken completion model does not block transcription.
type GuardedProvider struct {
	inner   Provider
	breaker *circuitbreaker.Breaker
}

func NewGuardedProvider(inner Provider, breaker *circuitbreaker.Breaker) *GuardedProvider {
	return &GuardedProvider{inner: inner, breaker: breaker}
}

func (g *GuardedProvider) Complete(ctx context.Context, req *Request) (string, error) {
	key := "complete:" + req.Model
	if !g.breaker.Allow(key) {
		return "", &ProviderError{
			Operation: "complete",
			Status:    http.StatusServiceUnavailable,
			Message:   "circuit open",
			Err:       ErrCircuitOpen,
		}
	}
	out, err := g.inner.Complete(ctx, req)
	g.record(key, err)
	return out, err
}

func (g *GuardedProvider) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	const key = "transcribe"
	if !g.breaker.Allow(key) {
		return "", &ProviderError{
			Operation: "transcribe",
			Status:    http.StatusServiceUnavailable,
			Message:   "circuit open",
			Err:       ErrCircuitOpen,
		}
	}
	out, err := g.inner.Transcribe(ctx, audio, mimeType)
	g.record(key, err)
	return out, err
}

// record counts only backend faults against the circuit. A 4xx response
// means the backend is up and answering; it resets the failure streak.
func (g *GuardedProvider) record(key string, err error) {
	if err == nil {
		g.breaker.RecordSuccess(key)
		return
	}
	var perr *ProviderError
	if errors.As(err, &perr) && !perr.Retryable() {
		g.breaker.RecordSuccess(key)
		return
	}
	g.breaker.RecordFailure(key)
}
