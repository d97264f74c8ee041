package model

import (
	"context"
	"fmt"
	"strings"
	"time"

	"inferd/pkg/types"
)

// Mock is a deterministic, CPU-only model backend. It exists so the server
// runs and can be exercised end to end without a GPU or an external
// llama-server process; it counts the prompt's whitespace-separated words
// and emits an incrementing sequence of " tokN" placeholders starting at
// that count, which is enough to drive the scheduler, streaming, and
// metrics machinery under test.
type Mock struct {
	// TokenInterval paces emission to make batching/backpressure observable
	// under test; zero means "as fast as possible".
	TokenInterval time.Duration
}

// NewMock constructs a Mock backend with a small, observable per-token delay.
func NewMock() *Mock {
	return &Mock{TokenInterval: time.Millisecond}
}

func (m *Mock) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (<-chan types.StreamToken, <-chan error) {
	out := make(chan types.StreamToken, 16)
	errCh := make(chan error, 1)
	if maxTokens <= 0 {
		maxTokens = 16
	}
	seed := len(strings.Fields(prompt))
	go func() {
		defer close(out)
		defer close(errCh)
		for i := 0; i < maxTokens; i++ {
			tok := types.StreamToken{
				Token:      fmt.Sprintf(" tok%d", seed+i),
				TokenID:    seed + i,
				LogProb:    -0.1 * float64(i%5+1),
				HasLogProb: true,
			}
			select {
			case out <- tok:
			case <-ctx.Done():
				return
			}
			if m.TokenInterval > 0 {
				select {
				case <-time.After(m.TokenInterval):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errCh
}

func (m *Mock) HealthCheck(ctx context.Context) bool { return true }

func (m *Mock) Cleanup() error { return nil }
