package model

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMock_GeneratesExactlyMaxTokens(t *testing.T) {
	m := &Mock{}
	out, errCh := m.Generate(context.Background(), "hello world", 5, 1.0)
	var got []string
	for tok := range out {
		got = append(got, tok.Token)
	}
	require.Len(t, got, 5)
	require.NoError(t, drainErr(errCh))
}

func TestMock_StopsOnContextCancel(t *testing.T) {
	m := &Mock{TokenInterval: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	out, _ := m.Generate(ctx, "hi", 1000, 1.0)
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("expected channel to close promptly after cancel")
		}
	}
}

func TestMock_DefaultsMaxTokensWhenNonPositive(t *testing.T) {
	m := &Mock{}
	out, _ := m.Generate(context.Background(), "hi", 0, 1.0)
	count := 0
	for range out {
		count++
	}
	require.Equal(t, 16, count)
}

func TestMock_HealthCheckAlwaysTrue(t *testing.T) {
	m := NewMock()
	require.True(t, m.HealthCheck(context.Background()))
	require.NoError(t, m.Cleanup())
}

func drainErr(errCh <-chan error) error {
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
