// Package runner implements the Inference Runner: it pulls batches from a
// Scheduler, resolves the active model version from the Registry, invokes
// the model's generate capability once per request in the batch, and fans
// each produced token into its originating Token Stream.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"inferd/internal/registry"
	"inferd/internal/scheduler"
	"inferd/internal/stream"
	"inferd/pkg/types"
)

// MetricsRecorder receives one completed-request sample per slot processed.
// Implemented by internal/metrics.Collector; declared here to avoid an
// import cycle between runner and metrics.
type MetricsRecorder interface {
	Record(model string, latency time.Duration, tokens int, isErr bool)
}

// Runner drives one Scheduler to completion. One Runner per model name runs
// for the lifetime of the process once that model name has seen its first
// request.
type Runner struct {
	ModelName string
	scheduler *scheduler.Scheduler
	registry  *registry.Registry
	metrics   MetricsRecorder
}

func New(modelName string, sched *scheduler.Scheduler, reg *registry.Registry, metrics MetricsRecorder) *Runner {
	return &Runner{ModelName: modelName, scheduler: sched, registry: reg, metrics: metrics}
}

// Run pulls batches until ctx is cancelled. It is meant to be run in its
// own goroutine by the composition root.
func (r *Runner) Run(ctx context.Context) {
	for {
		batch, err := r.scheduler.NextBatch(ctx)
		if err != nil {
			log.Info().Str("model", r.ModelName).Err(err).Msg("runner stopping")
			return
		}
		r.processBatch(ctx, batch)
	}
}

func (r *Runner) processBatch(ctx context.Context, batch []scheduler.Slot) {
	lm, err := r.registry.Lookup(r.ModelName)
	if err != nil {
		for _, slot := range batch {
			slot.Stream.Close(stream.ReasonError, err.Error())
			r.metrics.Record(r.ModelName, time.Since(slot.EnqueuedAt), 0, true)
		}
		return
	}
	defer lm.Release()

	var wg sync.WaitGroup
	wg.Add(len(batch))
	for _, slot := range batch {
		slot := slot
		go func() {
			defer wg.Done()
			r.processOne(ctx, lm, slot)
		}()
	}
	wg.Wait()
}

func (r *Runner) processOne(parent context.Context, lm *registry.LoadedModel, slot scheduler.Slot) {
	start := time.Now()
	if slot.Stream.IsClosed() {
		return
	}

	reqCtx := parent
	var cancel context.CancelFunc
	if slot.Request.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(parent, slot.Request.Timeout)
		defer cancel()
	}

	out, errCh := lm.Capability.Generate(reqCtx, slot.Request.Prompt, slot.Request.MaxTokens, slot.Request.Temperature)

	count := 0
	tokenCap := slot.Request.MaxTokens
	isErr := false

	for out != nil || errCh != nil {
		select {
		case tok, ok := <-out:
			if !ok {
				out = nil
				break
			}
			count++
			if tokenCap > 0 && count >= tokenCap {
				tok.End = true
			}
			if !slot.Stream.IsClosed() {
				slot.Stream.Push(tok)
			}
			if tok.End {
				slot.Stream.Close(stream.ReasonEndOfStream, "")
				drainDiscard(out, errCh)
				r.finish(lm, start, count, false)
				return
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				break
			}
			if err != nil {
				isErr = true
				if reqCtx.Err() == context.DeadlineExceeded {
					slot.Stream.Close(stream.ReasonTimeout, err.Error())
				} else {
					slot.Stream.Close(stream.ReasonError, err.Error())
				}
				drainDiscard(out, errCh)
				r.finish(lm, start, count, isErr)
				return
			}
		case <-reqCtx.Done():
			slot.Stream.Close(stream.ReasonTimeout, reqCtx.Err().Error())
			drainDiscard(out, errCh)
			r.finish(lm, start, count, false)
			return
		}
	}
	// Model finished (both channels closed) without sending an explicit
	// end-of-stream token.
	slot.Stream.Close(stream.ReasonEndOfStream, "")
	r.finish(lm, start, count, isErr)
}

func (r *Runner) finish(lm *registry.LoadedModel, start time.Time, tokens int, isErr bool) {
	r.metrics.Record(r.ModelName, time.Since(start), tokens, isErr)
	lm.RecordRequest(uint64(tokens), isErr)
}

// drainDiscard consumes and discards whatever the model backend still has
// in flight for a request whose stream has already terminated, per the
// cancellation contract: the runner keeps processing the batch but throws
// the tokens away.
func drainDiscard(out <-chan types.StreamToken, errCh <-chan error) {
	for out != nil || errCh != nil {
		select {
		case _, ok := <-out:
			if !ok {
				out = nil
			}
		case _, ok := <-errCh:
			if !ok {
				errCh = nil
			}
		}
	}
}
