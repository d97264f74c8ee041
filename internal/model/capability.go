// Package model defines the pluggable capability a model backend must
// expose to the serving pipeline, plus the backends shipped with this
// repository: an in-process deterministic mock and a llama.cpp-server
// subprocess adapter.
package model

import (
	"context"

	"inferd/pkg/types"
)

// Capability is the minimal surface the Inference Runner and Model Registry
// need from a model backend. Generate may emit tokens incrementally; the
// runner fans them out to the originating stream as they arrive.
type Capability interface {
	// Generate produces a finite ordered sequence of tokens for prompt. It
	// must return promptly when ctx is cancelled; tokens already sent on the
	// returned channel before cancellation remain valid.
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (<-chan types.StreamToken, <-chan error)
}

// HealthChecker is an optional capability a backend may also implement.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// Cleaner is an optional capability invoked once the last reference to a
// LoadedModel is released during Registry unload.
type Cleaner interface {
	Cleanup() error
}
