package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"inferd/internal/stream"
	"inferd/pkg/types"
)

func slotWith(priority types.Priority) Slot {
	return Slot{
		Request:    &types.InferenceRequest{Priority: priority},
		Stream:     stream.New("r", 4, 0),
		EnqueuedAt: time.Now(),
	}
}

func TestEnqueue_RejectsWhenQueueFull(t *testing.T) {
	s := New("demo", Config{QueueCapacity: 1, MaxBatchSize: 8, MaxWait: time.Second})
	require.NoError(t, s.Enqueue(slotWith(types.PriorityNormal)))
	err := s.Enqueue(slotWith(types.PriorityNormal))
	require.True(t, IsQueueFull(err))
}

func TestEnqueue_RejectsAfterClose(t *testing.T) {
	s := New("demo", Config{})
	s.Close()
	err := s.Enqueue(slotWith(types.PriorityNormal))
	require.True(t, IsQueueFull(err))
}

func TestNextBatch_DrainsHighBeforeNormalBeforeLow(t *testing.T) {
	s := New("demo", Config{MaxBatchSize: 8, MaxWait: 20 * time.Millisecond})
	require.NoError(t, s.Enqueue(slotWith(types.PriorityLow)))
	require.NoError(t, s.Enqueue(slotWith(types.PriorityNormal)))
	require.NoError(t, s.Enqueue(slotWith(types.PriorityHigh)))

	batch, err := s.NextBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.Equal(t, types.PriorityHigh, batch[0].Request.Priority)
	require.Equal(t, types.PriorityNormal, batch[1].Request.Priority)
	require.Equal(t, types.PriorityLow, batch[2].Request.Priority)
}

func TestNextBatch_CapsAtMaxBatchSize(t *testing.T) {
	s := New("demo", Config{MaxBatchSize: 2, MaxWait: 50 * time.Millisecond})
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Enqueue(slotWith(types.PriorityNormal)))
	}
	batch, err := s.NextBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 2)
}

func TestNextBatch_ReturnsPartialBatchAtDeadline(t *testing.T) {
	s := New("demo", Config{MaxBatchSize: 8, MaxWait: 20 * time.Millisecond})
	require.NoError(t, s.Enqueue(slotWith(types.PriorityNormal)))

	start := time.Now()
	batch, err := s.NextBatch(context.Background())
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.GreaterOrEqual(t, elapsed, 15*time.Millisecond)
}

func TestNextBatch_BlocksUntilContextCancelled(t *testing.T) {
	s := New("demo", Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.NextBatch(ctx)
	require.Error(t, err)
}

func TestQueueDepths_ReportsPerPriorityLengths(t *testing.T) {
	s := New("demo", Config{})
	require.NoError(t, s.Enqueue(slotWith(types.PriorityLow)))
	require.NoError(t, s.Enqueue(slotWith(types.PriorityLow)))
	require.NoError(t, s.Enqueue(slotWith(types.PriorityHigh)))

	low, normal, high := s.QueueDepths()
	require.Equal(t, 2, low)
	require.Equal(t, 0, normal)
	require.Equal(t, 1, high)
}

func TestDrain_RemovesAndReturnsEverySlot(t *testing.T) {
	s := New("demo", Config{})
	require.NoError(t, s.Enqueue(slotWith(types.PriorityLow)))
	require.NoError(t, s.Enqueue(slotWith(types.PriorityHigh)))

	drained := s.Drain()
	require.Len(t, drained, 2)
	low, normal, high := s.QueueDepths()
	require.Zero(t, low + normal + high)
}

func TestRegistry_GetOrCreateReturnsSameInstance(t *testing.T) {
	reg := NewRegistry(Config{})
	a := reg.GetOrCreate("demo")
	b := reg.GetOrCreate("demo")
	require.Same(t, a, b)
}

func TestRegistry_CloseAllDrainsEveryScheduler(t *testing.T) {
	reg := NewRegistry(Config{})
	s1 := reg.GetOrCreate("m1")
	s2 := reg.GetOrCreate("m2")
	require.NoError(t, s1.Enqueue(slotWith(types.PriorityNormal)))
	require.NoError(t, s2.Enqueue(slotWith(types.PriorityNormal)))

	drained := reg.CloseAll()
	require.Len(t, drained, 2)
	require.True(t, IsQueueFull(s1.Enqueue(slotWith(types.PriorityNormal))))
}
