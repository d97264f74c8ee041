package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"inferd/internal/model"
	"inferd/pkg/types"
)

type fakeCapability struct {
	healthy      bool
	cleanedUp    bool
	cleanupCalls int64
	genErr       error
	tokenCount   int
}

func (f *fakeCapability) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (<-chan types.StreamToken, <-chan error) {
	out := make(chan types.StreamToken, f.tokenCount)
	errCh := make(chan error, 1)
	for i := 0; i < f.tokenCount; i++ {
		out <- types.StreamToken{Token: "x", TokenID: i}
	}
	close(out)
	if f.genErr != nil {
		errCh <- f.genErr
	}
	close(errCh)
	return out, errCh
}

func (f *fakeCapability) HealthCheck(ctx context.Context) bool { return f.healthy }
func (f *fakeCapability) Cleanup() error {
	f.cleanedUp = true
	atomic.AddInt64(&f.cleanupCalls, 1)
	return nil
}

func fakeLoader(cap *fakeCapability) model.Loader {
	return func(cfg types.ModelConfig) (model.Capability, error) { return cap, nil }
}

func TestRegisterLoader_RejectsDuplicateUnlessReplace(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterLoader("demo", fakeLoader(&fakeCapability{healthy: true}), false))
	err := r.RegisterLoader("demo", fakeLoader(&fakeCapability{healthy: true}), false)
	require.True(t, IsLoaderExists(err))
	require.NoError(t, r.RegisterLoader("demo", fakeLoader(&fakeCapability{healthy: true}), true))
}

func TestLoad_FirstVersionBecomesActive(t *testing.T) {
	r := New()
	cap := &fakeCapability{healthy: true}
	require.NoError(t, r.RegisterLoader("demo", fakeLoader(cap), false))

	lm, err := r.Load(context.Background(), types.ModelConfig{Name: "demo", Version: "1.0.0"})
	require.NoError(t, err)
	require.True(t, lm.healthy)

	cfg, ok := r.ActiveConfig("demo")
	require.True(t, ok)
	require.Equal(t, "1.0.0", cfg.Version)
}

func TestLoad_UnknownLoaderFails(t *testing.T) {
	r := New()
	_, err := r.Load(context.Background(), types.ModelConfig{Name: "missing", Version: "1.0.0"})
	require.Error(t, err)
}

func TestLoad_DuplicateVersionRejected(t *testing.T) {
	r := New()
	cap := &fakeCapability{healthy: true}
	require.NoError(t, r.RegisterLoader("demo", fakeLoader(cap), false))
	_, err := r.Load(context.Background(), types.ModelConfig{Name: "demo", Version: "1.0.0"})
	require.NoError(t, err)
	_, err = r.Load(context.Background(), types.ModelConfig{Name: "demo", Version: "1.0.0"})
	require.True(t, IsAlreadyLoaded(err))
}

func TestSetActiveVersion_SwapsWhichVersionLookupReturns(t *testing.T) {
	r := New()
	cap1 := &fakeCapability{healthy: true}
	cap2 := &fakeCapability{healthy: true}
	require.NoError(t, r.RegisterLoader("demo", fakeLoader(cap1), false))
	_, err := r.Load(context.Background(), types.ModelConfig{Name: "demo", Version: "1.0.0"})
	require.NoError(t, err)

	require.NoError(t, r.RegisterLoader("demo", fakeLoader(cap2), true))
	_, err = r.Load(context.Background(), types.ModelConfig{Name: "demo", Version: "2.0.0"})
	require.NoError(t, err)

	cfg, _ := r.ActiveConfig("demo")
	require.Equal(t, "1.0.0", cfg.Version, "loading a new version must not auto-activate it")

	require.NoError(t, r.SetActiveVersion("demo", "2.0.0"))
	cfg, _ = r.ActiveConfig("demo")
	require.Equal(t, "2.0.0", cfg.Version)
}

func TestLookup_RefcountsAndReleaseTriggersCleanupAfterUnload(t *testing.T) {
	r := New()
	cap := &fakeCapability{healthy: true}
	require.NoError(t, r.RegisterLoader("demo", fakeLoader(cap), false))
	_, err := r.Load(context.Background(), types.ModelConfig{Name: "demo", Version: "1.0.0"})
	require.NoError(t, err)

	lm, err := r.Lookup("demo")
	require.NoError(t, err)

	require.NoError(t, r.Unload("demo", "1.0.0"))
	require.False(t, cap.cleanedUp, "cleanup must wait for the outstanding reference to be released")

	lm.Release()
	require.True(t, cap.cleanedUp)
}

func TestLookup_ConcurrentReleaseAndUnloadCleanUpExactlyOnce(t *testing.T) {
	for i := 0; i < 200; i++ {
		r := New()
		cap := &fakeCapability{healthy: true}
		require.NoError(t, r.RegisterLoader("demo", fakeLoader(cap), false))
		_, err := r.Load(context.Background(), types.ModelConfig{Name: "demo", Version: "1.0.0"})
		require.NoError(t, err)

		lm, err := r.Lookup("demo")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			lm.Release()
		}()
		go func() {
			defer wg.Done()
			_ = r.Unload("demo", "1.0.0")
		}()
		wg.Wait()

		require.Equal(t, int64(1), atomic.LoadInt64(&cap.cleanupCalls))
	}
}

func TestLookup_UnknownModelFails(t *testing.T) {
	r := New()
	_, err := r.Lookup("nope")
	require.True(t, IsUnknownModel(err))
}

func TestListModels_SortedByName(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterLoader("zeta", fakeLoader(&fakeCapability{healthy: true}), false))
	require.NoError(t, r.RegisterLoader("alpha", fakeLoader(&fakeCapability{healthy: true}), false))
	_, err := r.Load(context.Background(), types.ModelConfig{Name: "zeta", Version: "1.0.0"})
	require.NoError(t, err)
	_, err = r.Load(context.Background(), types.ModelConfig{Name: "alpha", Version: "1.0.0"})
	require.NoError(t, err)

	models := r.ListModels()
	require.Len(t, models, 2)
	require.Equal(t, "alpha", models[0].Name)
	require.Equal(t, "zeta", models[1].Name)
}

func TestDrainAll_UnloadsEveryVersionAndRunsCleanup(t *testing.T) {
	r := New()
	cap1 := &fakeCapability{healthy: true}
	cap2 := &fakeCapability{healthy: true}
	require.NoError(t, r.RegisterLoader("alpha", fakeLoader(cap1), false))
	require.NoError(t, r.RegisterLoader("beta", fakeLoader(cap2), false))
	_, err := r.Load(context.Background(), types.ModelConfig{Name: "alpha", Version: "1.0.0"})
	require.NoError(t, err)
	_, err = r.Load(context.Background(), types.ModelConfig{Name: "beta", Version: "1.0.0"})
	require.NoError(t, err)

	r.DrainAll()

	require.True(t, cap1.cleanedUp)
	require.True(t, cap2.cleanedUp)
	for _, m := range r.ListModels() {
		require.Empty(t, m.Versions)
		require.Empty(t, m.Active)
	}
}

func TestAnyHealthy_FalseWhenActiveVersionUnhealthy(t *testing.T) {
	r := New()
	cap := &fakeCapability{healthy: false}
	require.NoError(t, r.RegisterLoader("demo", fakeLoader(cap), false))
	_, err := r.Load(context.Background(), types.ModelConfig{Name: "demo", Version: "1.0.0"})
	require.NoError(t, err)

	require.False(t, r.AnyHealthy())
}

func TestAnyHealthy_TrueWhenActiveVersionHealthy(t *testing.T) {
	r := New()
	cap := &fakeCapability{healthy: true}
	require.NoError(t, r.RegisterLoader("demo", fakeLoader(cap), false))
	_, err := r.Load(context.Background(), types.ModelConfig{Name: "demo", Version: "1.0.0"})
	require.NoError(t, err)

	require.True(t, r.AnyHealthy())
}

func TestListModels_ReportsActiveHealthy(t *testing.T) {
	r := New()
	cap := &fakeCapability{healthy: true}
	require.NoError(t, r.RegisterLoader("demo", fakeLoader(cap), false))
	_, err := r.Load(context.Background(), types.ModelConfig{Name: "demo", Version: "1.0.0"})
	require.NoError(t, err)

	models := r.ListModels()
	require.Len(t, models, 1)
	require.True(t, models[0].ActiveHealthy)
}

func TestRecordRequest_AccumulatesCounters(t *testing.T) {
	r := New()
	cap := &fakeCapability{healthy: true}
	require.NoError(t, r.RegisterLoader("demo", fakeLoader(cap), false))
	lm, err := r.Load(context.Background(), types.ModelConfig{Name: "demo", Version: "1.0.0"})
	require.NoError(t, err)

	lm.RecordRequest(5, false)
	lm.RecordRequest(3, true)

	counters := r.Counters()["demo@1.0.0"]
	require.Equal(t, uint64(2), counters.Requests)
	require.Equal(t, uint64(8), counters.Tokens)
	require.Equal(t, uint64(1), counters.Errors)
}
