// Package frontend is the Server Frontend composition root: it validates
// and admits incoming requests, binds each to a Token Stream, enqueues it
// onto the right model's Batch Scheduler, lazily starts that model's
// Inference Runner, and tracks the process-wide connection count and
// graceful shutdown sequencing.
package frontend

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"inferd/internal/metrics"
	"inferd/internal/ratelimit"
	"inferd/internal/registry"
	"inferd/internal/runner"
	"inferd/internal/scheduler"
	"inferd/internal/stream"
	"inferd/pkg/types"
)

// Frontend owns every shared subsystem and is the single entry point HTTP
// handlers call into.
type Frontend struct {
	cfg Config

	Registry   *registry.Registry
	Schedulers *scheduler.Registry
	Streams    *stream.Manager
	Metrics    *metrics.Collector
	Limiter    *ratelimit.Limiter

	runnersMu sync.Mutex
	runners   map[string]struct{}
	runnerCtx context.Context
	cancelRun context.CancelFunc
	runnerWG  sync.WaitGroup

	connections int64
	draining    atomic.Bool
	startedAt   time.Time
}

// New wires every subsystem from cfg and returns a ready Frontend. Callers
// must call RegisterLoader for each model name before the first request for
// it arrives, and must call BeginShutdown before process exit.
func New(cfg Config) *Frontend {
	runnerCtx, cancel := context.WithCancel(context.Background())
	return &Frontend{
		cfg:        cfg,
		Registry:   registry.New(),
		Schedulers: scheduler.NewRegistry(scheduler.Config{MaxBatchSize: cfg.MaxBatchSize, MaxWait: cfg.MaxBatchWait}),
		Streams:    stream.NewManager(0),
		Metrics:    metrics.New(cfg.MetricsWindowSize),
		Limiter:    ratelimit.New(cfg.RateLimitPerMinute, cfg.RateLimitIdleEvict),
		runners:    make(map[string]struct{}),
		runnerCtx:  runnerCtx,
		cancelRun:  cancel,
		startedAt:  time.Now(),
	}
}

// Submit validates req, admits it under the connection cap and rate limiter,
// binds it to a new Token Stream, and enqueues it onto the target model's
// scheduler. It returns the validated request (carrying the generated
// request id) and the stream the caller should drain for tokens.
func (f *Frontend) Submit(ctx context.Context, httpReq types.InferHTTPRequest, peerAddr string) (*types.InferenceRequest, *stream.Stream, error) {
	if f.draining.Load() {
		return nil, nil, ErrShuttingDown()
	}

	if atomic.AddInt64(&f.connections, 1) > int64(f.cfg.MaxConnections) {
		atomic.AddInt64(&f.connections, -1)
		return nil, nil, ErrOverloaded()
	}
	admitted := false
	defer func() {
		if !admitted {
			atomic.AddInt64(&f.connections, -1)
		}
	}()

	if strings.TrimSpace(httpReq.Model) == "" {
		return nil, nil, ErrValidation("model is required")
	}
	mc, ok := f.Registry.ActiveConfig(httpReq.Model)
	if !ok {
		return nil, nil, registry.ErrUnknownModel(httpReq.Model)
	}
	req, err := validate(httpReq, peerAddr, mc.MaxSeqLength, f.cfg.RequestTimeout)
	if err != nil {
		return nil, nil, err
	}

	if !f.Limiter.Allow(req.ClientID, 1) {
		return nil, nil, ErrRateLimited(req.ClientID)
	}

	req.ID = uuid.NewString()

	f.ensureRunner(req.Model)

	s := f.Streams.Create(req.ID, f.cfg.StreamBufferSize, f.cfg.StreamIdleTimeout)
	sched := f.Schedulers.GetOrCreate(req.Model)
	if err := sched.Enqueue(scheduler.Slot{Request: req, Stream: s, EnqueuedAt: time.Now()}); err != nil {
		f.Streams.Close(req.ID, stream.ReasonError, err.Error())
		return nil, nil, err
	}

	admitted = true
	go func() {
		<-s.Done()
		atomic.AddInt64(&f.connections, -1)
	}()

	return req, s, nil
}

// ensureRunner starts the Inference Runner goroutine for modelName on first
// use. One runner goroutine lives for the remainder of the process per model
// name that has ever seen a request.
func (f *Frontend) ensureRunner(modelName string) {
	f.runnersMu.Lock()
	defer f.runnersMu.Unlock()
	if _, ok := f.runners[modelName]; ok {
		return
	}
	f.runners[modelName] = struct{}{}
	sched := f.Schedulers.GetOrCreate(modelName)
	r := runner.New(modelName, sched, f.Registry, f.Metrics)
	f.runnerWG.Add(1)
	go func() {
		defer f.runnerWG.Done()
		r.Run(f.runnerCtx)
	}()
	log.Info().Str("model", modelName).Msg("runner started")
}

// ListModels returns every loaded model's (name, versions, active) triple.
func (f *Frontend) ListModels() []types.ModelSummary {
	return f.Registry.ListModels()
}

// MetricsSnapshot returns the computed aggregate for every model that has
// completed at least one request.
func (f *Frontend) MetricsSnapshot() types.MetricsResponse {
	models := f.Metrics.AllModels()
	out := make([]types.MetricsSnapshot, 0, len(models))
	for _, name := range models {
		snap := f.Metrics.Aggregate(name)
		out = append(out, types.MetricsSnapshot{
			Model:         snap.Model,
			Count:         snap.Count,
			ErrorCount:    snap.ErrorCount,
			ErrorRate:     snap.ErrorRate,
			MeanLatencyMs: snap.MeanLatencyMs,
			P50Ms:         snap.P50Ms,
			P95Ms:         snap.P95Ms,
			P99Ms:         snap.P99Ms,
			TotalTokens:   snap.TotalTokens,
			TokensPerSec:  snap.TokensPerSec,
		})
	}
	return types.MetricsResponse{Models: out}
}

// Health reports the coarse liveness view used by GET /health.
func (f *Frontend) Health() types.HealthResponse {
	return types.HealthResponse{
		Status:      "ok",
		Connections: int(atomic.LoadInt64(&f.connections)),
		Streams:     f.Streams.Count(),
		Draining:    f.draining.Load(),
	}
}

// Status reports the composite debug view used by GET /status.
func (f *Frontend) Status() types.StatusResponse {
	return types.StatusResponse{
		Draining:      f.draining.Load(),
		Connections:   int(atomic.LoadInt64(&f.connections)),
		Streams:       f.Streams.Count(),
		Models:        f.Registry.ListModels(),
		Counters:      f.Registry.Counters(),
		UptimeSeconds: int64(time.Since(f.startedAt).Seconds()),
		Sanity:        f.sanity(),
	}
}

func (f *Frontend) sanity() types.SanityReport {
	models := f.Registry.ListModels()
	if len(models) == 0 {
		return types.SanityReport{BackendReady: false, Detail: "no models loaded"}
	}
	if !f.Registry.AnyHealthy() {
		return types.SanityReport{BackendReady: false, Detail: "no loaded model backend is passing its health check"}
	}
	return types.SanityReport{BackendReady: true}
}

// BeginShutdown sequences graceful shutdown: stop admitting new requests,
// wait up to GracefulShutdownTimeout for in-flight streams to finish on
// their own, then cancel every still-queued request and every stream that
// is still open, unload every loaded model so backends can tear down
// cleanly, and finally stop the runner goroutines and the rate limiter's
// sweep.
func (f *Frontend) BeginShutdown(ctx context.Context) {
	f.draining.Store(true)
	f.waitForDrain(ctx)

	for _, slot := range f.Schedulers.CloseAll() {
		slot.Stream.Close(stream.ReasonCancelled, "server shutting down")
	}
	f.Streams.Stop()
	f.Registry.DrainAll()
	f.cancelRun()
	f.runnerWG.Wait()
	f.Limiter.Stop()
}

// waitForDrain blocks until every in-flight connection finishes on its own,
// the graceful shutdown deadline trips, or ctx is cancelled, whichever comes
// first.
func (f *Frontend) waitForDrain(ctx context.Context) {
	deadline := time.NewTimer(f.cfg.GracefulShutdownTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if atomic.LoadInt64(&f.connections) == 0 {
			return
		}
		select {
		case <-deadline.C:
			log.Warn().Int64("remaining", atomic.LoadInt64(&f.connections)).Msg("graceful shutdown deadline reached with requests still in flight")
			return
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
