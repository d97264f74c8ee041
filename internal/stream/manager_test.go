package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManager_CreateAndGet(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Stop()
	s := m.Create("r1", 4, 0)
	got, ok := m.Get("r1")
	require.True(t, ok)
	require.Same(t, s, got)
}

func TestManager_Count(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Stop()
	m.Create("r1", 4, 0)
	m.Create("r2", 4, 0)
	require.Equal(t, 2, m.Count())
}

func TestManager_CloseByID(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Stop()
	s := m.Create("r1", 4, 0)
	m.Close("r1", ReasonCancelled, "stopping")
	require.True(t, s.IsClosed())
}

func TestManager_SweepReapsClosedStreamsAfterOneCycle(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	defer m.Stop()
	m.Create("r1", 4, 0)
	m.Close("r1", ReasonEndOfStream, "")

	require.Eventually(t, func() bool {
		return m.Count() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestManager_SweepClosesIdleStreams(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	defer m.Stop()
	s := m.Create("r1", 4, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return s.IsClosed()
	}, time.Second, 5*time.Millisecond)
	reason, _ := s.CloseReason()
	require.Equal(t, ReasonIdle, reason)
}

func TestManager_StopCancelsOpenStreams(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Create("r1", 4, 0)
	m.Stop()
	require.True(t, s.IsClosed())
	reason, _ := s.CloseReason()
	require.Equal(t, ReasonCancelled, reason)
}
