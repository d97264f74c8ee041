// Package scheduler implements the per-model-name priority Batch Scheduler:
// three strict-priority FIFO queues and pull-based batch formation bounded
// by either a size cap or a wait deadline, whichever trips first.
package scheduler

import (
	"context"
	"sync"
	"time"

	"inferd/internal/stream"
	"inferd/pkg/types"
)

const (
	defaultQueueCapacity = 1024
	defaultMaxBatchSize  = 32
	defaultMaxWait       = 50 * time.Millisecond
)

// Slot pairs a validated request with the Token Stream it will push to.
// Slots are what queues hold and what a Batch is made of.
type Slot struct {
	Request   *types.InferenceRequest
	Stream    *stream.Stream
	EnqueuedAt time.Time
}

// Config tunes one Scheduler instance.
type Config struct {
	QueueCapacity int
	MaxBatchSize  int
	MaxWait       time.Duration
}

// Scheduler holds the three priority queues for a single model name. One
// instance exists per active model name, created lazily on first request.
type Scheduler struct {
	ModelName string

	mu      sync.Mutex
	queues  [3][]Slot // indexed by types.Priority: Low=0, Normal=1, High=2
	closed  bool

	capacity     int
	maxBatchSize int
	maxWait      time.Duration

	wake chan struct{}
}

// New constructs a Scheduler for modelName, applying package defaults for
// any zero-valued Config field.
func New(modelName string, cfg Config) *Scheduler {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	return &Scheduler{
		ModelName:    modelName,
		capacity:     cfg.QueueCapacity,
		maxBatchSize: cfg.MaxBatchSize,
		maxWait:      cfg.MaxWait,
		wake:         make(chan struct{}, 1),
	}
}

// Enqueue admits slot into the queue matching its request's priority, or
// reports ErrQueueFull if that queue is at capacity.
func (s *Scheduler) Enqueue(slot Slot) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrQueueFull(s.ModelName)
	}
	p := slot.Request.Priority
	if len(s.queues[p]) >= s.capacity {
		s.mu.Unlock()
		return ErrQueueFull(s.ModelName)
	}
	s.queues[p] = append(s.queues[p], slot)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// NextBatch blocks until at least one slot is available, then starts the
// max_wait deadline and drains slots in strict priority order (all HIGH,
// then NORMAL, then LOW) until either the size cap is reached or the
// deadline trips with at least one slot held. It always returns a batch of
// size >= 1 unless ctx is done first.
func (s *Scheduler) NextBatch(ctx context.Context) ([]Slot, error) {
	if err := s.waitForItem(ctx); err != nil {
		return nil, err
	}
	deadline := time.NewTimer(s.maxWait)
	defer deadline.Stop()

	batch := make([]Slot, 0, s.maxBatchSize)
	for {
		s.mu.Lock()
		slot, popped := s.popLocked()
		s.mu.Unlock()

		if popped {
			batch = append(batch, slot)
		}
		if len(batch) >= s.maxBatchSize {
			return batch, nil
		}
		if popped {
			continue
		}

		if len(batch) > 0 {
			select {
			case <-deadline.C:
				return batch, nil
			case <-s.wake:
				continue
			case <-ctx.Done():
				return batch, ctx.Err()
			}
		}
		select {
		case <-s.wake:
			continue
		case <-ctx.Done():
			return batch, ctx.Err()
		}
	}
}

func (s *Scheduler) waitForItem(ctx context.Context) error {
	for {
		s.mu.Lock()
		n := s.totalLocked()
		s.mu.Unlock()
		if n > 0 {
			return nil
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// popLocked removes and returns the head of the highest-priority non-empty
// queue. Must be called with s.mu held.
func (s *Scheduler) popLocked() (Slot, bool) {
	for p := int(types.PriorityHigh); p >= int(types.PriorityLow); p-- {
		q := s.queues[p]
		if len(q) > 0 {
			slot := q[0]
			s.queues[p] = q[1:]
			return slot, true
		}
	}
	return Slot{}, false
}

// totalLocked sums the length of all three queues. Must be called with
// s.mu held.
func (s *Scheduler) totalLocked() int {
	return len(s.queues[0]) + len(s.queues[1]) + len(s.queues[2])
}

// QueueDepths reports the current length of each priority queue.
func (s *Scheduler) QueueDepths() (low, normal, high int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[types.PriorityLow]), len(s.queues[types.PriorityNormal]), len(s.queues[types.PriorityHigh])
}

// Close marks the scheduler closed; further Enqueue calls fail. Slots
// already queued are left for the caller (typically the server's shutdown
// path) to cancel explicitly via their Stream.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Drain returns every currently queued slot across all three priorities,
// removing them from the scheduler, for use during graceful shutdown to
// cancel work that will never be picked up by a runner.
func (s *Scheduler) Drain() []Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Slot, 0, s.totalLocked())
	for p := int(types.PriorityHigh); p >= int(types.PriorityLow); p-- {
		out = append(out, s.queues[p]...)
		s.queues[p] = nil
	}
	return out
}
