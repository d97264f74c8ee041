package stream

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// defaultSweepInterval is the cadence at which the idle sweep runs.
const defaultSweepInterval = 10 * time.Second

// entry wraps a Stream with the bookkeeping the sweep needs to retain a
// closed stream for one extra cycle so a late drainer still observes the
// terminal state before it is reaped.
type entry struct {
	s              *Stream
	closedAtSweep  int // sweep generation at which this entry was first observed closed; 0 = still open
}

// Manager owns every live Token Stream for the process. It is the
// composition root's single point of creation, lookup, and idle reaping.
type Manager struct {
	mu            sync.Mutex
	streams       map[string]*entry
	sweepInterval time.Duration
	generation    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager constructs a Stream Manager and starts its background idle sweep.
func NewManager(sweepInterval time.Duration) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	m := &Manager{
		streams:       make(map[string]*entry),
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Create allocates a new Stream under the given request id and registers it
// for idle sweeping.
func (m *Manager) Create(requestID string, bufferSize int, idleTimeout time.Duration) *Stream {
	s := New(requestID, bufferSize, idleTimeout)
	m.mu.Lock()
	m.streams[requestID] = &entry{s: s}
	m.mu.Unlock()
	return s
}

// Get looks up a live (or recently-closed, still-retained) stream by
// request id.
func (m *Manager) Get(requestID string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.streams[requestID]
	if !ok {
		return nil, false
	}
	return e.s, true
}

// Close closes the named stream, if it still exists and is open.
func (m *Manager) Close(requestID string, reason Reason, errMsg string) {
	m.mu.Lock()
	e, ok := m.streams[requestID]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.s.Close(reason, errMsg)
}

// Count returns the number of streams currently tracked (open or pending
// reap), for /health and /status.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepOnce() {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	toReap := make([]string, 0)
	for id, e := range m.streams {
		if e.s.IsClosed() {
			if e.closedAtSweep == 0 {
				e.closedAtSweep = gen
				continue
			}
			if gen > e.closedAtSweep {
				toReap = append(toReap, id)
			}
			continue
		}
		if e.s.IdleTimeout() > 0 && e.s.LastTokenAge() > e.s.IdleTimeout() {
			e.s.Close(ReasonIdle, "")
			e.closedAtSweep = gen
		}
	}
	for _, id := range toReap {
		delete(m.streams, id)
	}
	m.mu.Unlock()
	if len(toReap) > 0 {
		log.Debug().Int("reaped", len(toReap)).Msg("stream manager swept idle streams")
	}
}

// Stop halts the background sweep and cancels every remaining open stream;
// used by graceful shutdown after the drain budget is exhausted.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.streams {
		if !e.s.IsClosed() {
			e.s.Close(ReasonCancelled, "")
		}
	}
}
