// Package registry implements the Model Registry: loading, versioned
// hot-swap of the active version, lookup with reference counting so
// in-flight work on an old version is undisturbed by a swap, and
// drain-on-unload.
package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"inferd/internal/model"
	"inferd/pkg/types"
)

// LoadedModel bundles a loaded model's config, its capability handle, and
// its lifecycle bookkeeping. It is owned exclusively by the Registry;
// callers only ever see it through Lookup/Release.
type LoadedModel struct {
	Config     types.ModelConfig
	Capability model.Capability
	LoadedAt   time.Time

	mu           sync.Mutex
	lastHealthOK time.Time
	healthy      bool
	counters     types.ModelCounters

	refCount   int64
	draining   bool
	cleanupOne sync.Once
}

func (lm *LoadedModel) acquire() { atomic.AddInt64(&lm.refCount, 1) }

// Release must be called exactly once for every successful Lookup, once the
// caller no longer needs the model (e.g. a batch using it has completed).
func (lm *LoadedModel) Release() {
	n := atomic.AddInt64(&lm.refCount, -1)
	if n == 0 {
		lm.mu.Lock()
		draining := lm.draining
		lm.mu.Unlock()
		if draining {
			lm.cleanup()
		}
	}
}

// cleanup invokes the loader's optional Cleanup exactly once no matter how
// many of Release/Unload observe refCount hitting zero concurrently.
func (lm *LoadedModel) cleanup() {
	lm.cleanupOne.Do(func() {
		if c, ok := lm.Capability.(model.Cleaner); ok {
			if err := c.Cleanup(); err != nil {
				log.Warn().Err(err).Str("model", lm.Config.Name).Str("version", lm.Config.Version).Msg("cleanup failed")
			}
		}
	})
}

func (lm *LoadedModel) recordRequest(tokens uint64, isErr bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.counters.Requests++
	lm.counters.Tokens += tokens
	if isErr {
		lm.counters.Errors++
	}
}

func (lm *LoadedModel) Counters() types.ModelCounters {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.counters
}

// IsHealthy reports the outcome of the most recent health check performed
// against this loaded version, either at Load time or by HealthCheckAll.
func (lm *LoadedModel) IsHealthy() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.healthy
}

// versionSet holds every loaded version of one model name plus which one is
// currently active. The active version always exists in Versions.
type versionSet struct {
	Versions map[string]*LoadedModel
	Active   string
}

// Registry is the process-scoped composition root for model lifecycle.
// Every change to the loader and publish tables happens under one
// registry-wide mutex. Load runs the loader, warm-up and health check
// outside that lock, so loads are not serialized per model name; a Load
// whose (name, version) was published meanwhile fails with
// ErrAlreadyLoaded. Reads (Lookup) take only a brief RLock to copy the
// active pointer.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]model.Loader
	models  map[string]*versionSet
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		loaders: make(map[string]model.Loader),
		models:  make(map[string]*versionSet),
	}
}

// RegisterLoader stores a capability to materialize a LoadedModel from a
// ModelConfig. It fails if the name already has a loader unless replace is
// true.
func (r *Registry) RegisterLoader(name string, loader model.Loader, replace bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.loaders[name]; exists && !replace {
		return ErrLoaderExists(name)
	}
	r.loaders[name] = loader
	return nil
}

// Load materializes cfg through its registered loader, warms it up, health
// checks it, then atomically publishes it under (name, version). If no
// other version of this name is active yet, the newly loaded version
// becomes active.
func (r *Registry) Load(ctx context.Context, cfg types.ModelConfig) (*LoadedModel, error) {
	r.mu.Lock()
	loader, ok := r.loaders[cfg.Name]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNoLoader(cfg.Name)
	}
	vs := r.models[cfg.Name]
	if vs != nil {
		if _, exists := vs.Versions[cfg.Version]; exists {
			r.mu.Unlock()
			return nil, ErrAlreadyLoaded(cfg.Name, cfg.Version)
		}
	}
	r.mu.Unlock()

	backend, err := loader(cfg)
	if err != nil {
		return nil, ErrLoad(cfg.Name, cfg.Version, err)
	}

	lm := &LoadedModel{Config: cfg, Capability: backend, LoadedAt: time.Now()}

	if cfg.WarmupTokens > 0 {
		if err := warmup(ctx, backend, cfg.WarmupTokens); err != nil {
			return nil, ErrWarmup(cfg.Name, cfg.Version, err)
		}
	}

	lm.healthy = healthCheck(ctx, backend)
	if lm.healthy {
		lm.lastHealthOK = time.Now()
	}

	r.mu.Lock()
	vs = r.models[cfg.Name]
	if vs == nil {
		vs = &versionSet{Versions: make(map[string]*LoadedModel)}
		r.models[cfg.Name] = vs
	}
	if _, exists := vs.Versions[cfg.Version]; exists {
		r.mu.Unlock()
		lm.cleanup()
		return nil, ErrAlreadyLoaded(cfg.Name, cfg.Version)
	}
	vs.Versions[cfg.Version] = lm
	if vs.Active == "" {
		vs.Active = cfg.Version
	}
	r.mu.Unlock()

	log.Info().Str("model", cfg.Name).Str("version", cfg.Version).Bool("healthy", lm.healthy).Msg("model loaded")
	return lm, nil
}

// warmup runs warmupTokens worth of dummy generation through cap and
// discards the output; it dominates the first-request latency spike so it
// happens synchronously during Load.
func warmup(ctx context.Context, backend model.Capability, warmupTokens int) error {
	out, errCh := backend.Generate(ctx, "", warmupTokens, 0)
	for range out {
		// discard
	}
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func healthCheck(ctx context.Context, backend model.Capability) bool {
	if hc, ok := backend.(model.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return true
}

// SetActiveVersion atomically swaps which version Lookup returns for name.
// In-flight work holding a reference to the old version continues
// undisturbed; the swap is totally ordered with respect to subsequent
// Lookup calls.
func (r *Registry) SetActiveVersion(name, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	vs, ok := r.models[name]
	if !ok {
		return ErrUnknownModel(name)
	}
	if _, ok := vs.Versions[version]; !ok {
		return ErrUnknownVersion(name, version)
	}
	vs.Active = version
	log.Info().Str("model", name).Str("version", version).Msg("active version switched")
	return nil
}

// Lookup returns the currently active version of name, with its reference
// count incremented. Callers must call Release on the returned LoadedModel
// once done.
func (r *Registry) Lookup(name string) (*LoadedModel, error) {
	r.mu.RLock()
	vs, ok := r.models[name]
	if !ok || vs.Active == "" {
		r.mu.RUnlock()
		return nil, ErrUnknownModel(name)
	}
	lm := vs.Versions[vs.Active]
	r.mu.RUnlock()
	lm.acquire()
	return lm, nil
}

// ActiveConfig returns the ModelConfig of the currently active version of
// name, without taking a reference, for validation against max_seq_length
// before admission.
func (r *Registry) ActiveConfig(name string) (types.ModelConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vs, ok := r.models[name]
	if !ok || vs.Active == "" {
		return types.ModelConfig{}, false
	}
	lm := vs.Versions[vs.Active]
	return lm.Config, true
}

// Unload drains version: new lookups for it fail immediately (it is removed
// from the version set, and if it was the active version, the model name
// has no active version until SetActiveVersion is called again), while
// already-issued references keep the model alive until released, at which
// point the loader's optional cleanup runs.
func (r *Registry) Unload(name, version string) error {
	r.mu.Lock()
	vs, ok := r.models[name]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownModel(name)
	}
	lm, ok := vs.Versions[version]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownVersion(name, version)
	}
	delete(vs.Versions, version)
	if vs.Active == version {
		vs.Active = ""
	}
	r.mu.Unlock()

	lm.mu.Lock()
	lm.draining = true
	refs := atomic.LoadInt64(&lm.refCount)
	lm.mu.Unlock()
	// lm.cleanup() itself is idempotent (guarded by cleanupOne), so even if a
	// concurrent Release also observes refCount at zero and calls it, the
	// loader's Cleanup runs exactly once.
	if refs == 0 {
		lm.cleanup()
	}
	log.Info().Str("model", name).Str("version", version).Msg("model unloaded")
	return nil
}

// DrainAll unloads every loaded version of every model, running each
// loader's optional cleanup as soon as its reference count reaches zero.
// It is meant for process shutdown, once all in-flight work has already
// been drained and no new Lookup calls can occur; it never returns an
// error since ErrUnknownModel/ErrUnknownVersion cannot legitimately occur
// against a snapshot taken under the registry's own lock.
func (r *Registry) DrainAll() {
	r.mu.RLock()
	type key struct{ name, version string }
	keys := make([]key, 0)
	for name, vs := range r.models {
		for version := range vs.Versions {
			keys = append(keys, key{name, version})
		}
	}
	r.mu.RUnlock()

	for _, k := range keys {
		if err := r.Unload(k.name, k.version); err != nil {
			log.Warn().Err(err).Str("model", k.name).Str("version", k.version).Msg("unload during drain failed")
		}
	}
}

// HealthCheckAll polls each loaded model's optional health capability. A
// passing check marks the entry healthy and updates its last-health-ok
// time; a single failing check marks it unhealthy. A failing entry is never
// unloaded.
func (r *Registry) HealthCheckAll(ctx context.Context) {
	r.mu.RLock()
	all := make([]*LoadedModel, 0)
	for _, vs := range r.models {
		for _, lm := range vs.Versions {
			all = append(all, lm)
		}
	}
	r.mu.RUnlock()
	for _, lm := range all {
		ok := healthCheck(ctx, lm.Capability)
		lm.mu.Lock()
		lm.healthy = ok
		if ok {
			lm.lastHealthOK = time.Now()
		}
		lm.mu.Unlock()
	}
}

// ListModels enumerates every loaded (name, versions, active) triple for
// GET /models, sorted by name for stable output.
func (r *Registry) ListModels() []types.ModelSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ModelSummary, 0, len(r.models))
	for name, vs := range r.models {
		versions := make([]string, 0, len(vs.Versions))
		for v := range vs.Versions {
			versions = append(versions, v)
		}
		sort.Strings(versions)
		summary := types.ModelSummary{Name: name, Versions: versions, Active: vs.Active}
		if active, ok := vs.Versions[vs.Active]; ok {
			summary.ActiveHealthy = active.IsHealthy()
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AnyHealthy reports whether at least one model's active version is
// currently passing its health check. An empty registry is never healthy.
func (r *Registry) AnyHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, vs := range r.models {
		lm, ok := vs.Versions[vs.Active]
		if !ok {
			continue
		}
		if lm.IsHealthy() {
			return true
		}
	}
	return false
}

// Counters returns per-model aggregate counters keyed by "name@version",
// for /status.
func (r *Registry) Counters() map[string]types.ModelCounters {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]types.ModelCounters)
	for name, vs := range r.models {
		for version, lm := range vs.Versions {
			out[name+"@"+version] = lm.Counters()
		}
	}
	return out
}

// RecordRequest attributes one completed request's token count and
// outcome to the LoadedModel it ran on.
func (lm *LoadedModel) RecordRequest(tokens uint64, isErr bool) {
	lm.recordRequest(tokens, isErr)
}
