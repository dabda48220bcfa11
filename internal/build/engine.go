package build

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/psschwei/mellea-playground-core/internal/apperrors"
	"github.com/psschwei/mellea-playground-core/internal/logging"
	"github.com/psschwei/mellea-playground-core/internal/models"
	"github.com/psschwei/mellea-playground-core/internal/store"
)

// layerStore and programStore are the persistence surfaces Engine needs;
// declared as narrow interfaces so tests can swap in a fake without
// constructing a full store.Store.
type layerStore interface {
	Find(predicate func(models.LayerCacheEntry) bool) []models.LayerCacheEntry
	Create(id string, item models.LayerCacheEntry) (models.LayerCacheEntry, error)
	Update(id string, item models.LayerCacheEntry) (models.LayerCacheEntry, error)
	Delete(id string) error
	ListAll() []models.LayerCacheEntry
}

var _ layerStore = (*store.Store[models.LayerCacheEntry])(nil)

// Engine implements the five-step build pipeline: cache lookup, dependency
// layer build (cached), program layer build, optional push, and
// bookkeeping — grounded on the original EnvironmentBuilder service and
// testground's build/poll shapes.
type Engine struct {
	Layers    layerStore
	Local     Backend
	Cluster   Backend
	UseBackend string // "local" or "cluster"
	Log       logr.Logger

	depGroup      singleflight.Group
	programCancel sync.Map // programID -> context.CancelFunc

	breaker *gobreaker.CircuitBreaker
}

// NewEngine wires an Engine with a circuit breaker guarding both backend
// legs, so repeated failures against a degraded local daemon or cluster
// short-circuit instead of hanging callers.
func NewEngine(layers layerStore, local, cluster Backend, useBackend string, log logr.Logger) *Engine {
	return &Engine{
		Layers:     layers,
		Local:      local,
		Cluster:    cluster,
		UseBackend: useBackend,
		Log:        log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "build-backend",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (e *Engine) backend() Backend {
	if e.UseBackend == "cluster" {
		return e.Cluster
	}
	return e.Local
}

func (e *Engine) build(ctx context.Context, contextDir, imageTag string, opts BuildOptions) (*BackendResult, error) {
	out, err := e.breaker.Execute(func() (any, error) {
		return e.backend().Build(ctx, contextDir, imageTag, opts)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "build backend circuit open")
		}
		return nil, err
	}
	return out.(*BackendResult), nil
}

// BuildImage runs the full pipeline for a Program: dependency-layer cache
// lookup/build, program-layer build, and optional registry push.
func (e *Engine) BuildImage(ctx context.Context, program models.Program, workspaceDir string, forceRebuild, push bool) (*Result, error) {
	start := time.Now()
	log := e.Log.WithValues(logging.NewFields().Component("build").Operation("BuildImage").ProgramID(program.ID).AsKV()...)

	cacheKey := CacheKey(program.Dependencies.PythonVersion, program.Dependencies.Packages)

	// Cancel any build already in flight for this program (last writer
	// wins for the program layer).
	if prev, ok := e.programCancel.Load(program.ID); ok {
		prev.(context.CancelFunc)()
	}
	buildCtx, cancel := context.WithCancel(ctx)
	e.programCancel.Store(program.ID, cancel)
	defer e.programCancel.Delete(program.ID)
	defer cancel()

	depsStart := time.Now()
	depImageTag, cacheHit, err := e.ensureDependencyLayer(buildCtx, cacheKey, program.Dependencies, workspaceDir, forceRebuild)
	if err != nil {
		return &Result{Success: false, ErrorMessage: err.Error()}, err
	}
	depsDuration := time.Since(depsStart)

	progStart := time.Now()
	progImageTag := fmt.Sprintf("mellea-prog-%s-%s", program.ID, cacheKey[:12])
	progResult, err := e.build(buildCtx, workspaceDir, progImageTag, BuildOptions{
		CPULimit:       program.ResourceProfile.CPULimit,
		MemoryLimit:    program.ResourceProfile.MemoryLimit,
		TimeoutSeconds: program.ResourceProfile.TimeoutSeconds,
		BuildArgs:      map[string]string{"BASE_IMAGE": depImageTag},
		Push:           push,
	})
	if err != nil {
		return &Result{Success: false, ErrorMessage: err.Error(), DepsDuration: depsDuration}, err
	}
	progDuration := time.Since(progStart)

	log.Info("image build complete", logging.NewFields().Duration(time.Since(start)).AsKV()...)

	return &Result{
		Success:         true,
		ImageTag:        progResult.ImageTag,
		CacheHit:        cacheHit,
		TotalDuration:   time.Since(start),
		DepsDuration:    depsDuration,
		ProgramDuration: progDuration,
		BuildJobName:    progResult.JobName,
	}, nil
}

// ensureDependencyLayer looks up a cached layer for cacheKey; on a miss it
// builds one, coalescing concurrent callers for the same key via
// singleflight so at most one build runs per cache key at a time.
func (e *Engine) ensureDependencyLayer(ctx context.Context, cacheKey string, deps models.Dependencies, workspaceDir string, forceRebuild bool) (string, bool, error) {
	if !forceRebuild {
		existing := e.Layers.Find(func(l models.LayerCacheEntry) bool { return l.CacheKey == cacheKey })
		if len(existing) > 0 {
			entry := existing[0]
			reachable, err := e.backend().Exists(ctx, entry.ImageTag)
			if err != nil {
				return "", false, err
			}
			if reachable {
				entry.UseCount++
				entry.LastUsedAt = time.Now()
				if _, err := e.Layers.Update(entry.ID, entry); err != nil {
					return "", false, err
				}
				return entry.ImageTag, true, nil
			}
			e.Log.Info("dropping stale layer cache entry, image no longer reachable", "cache_key", cacheKey, "image_tag", entry.ImageTag)
			if err := e.Layers.Delete(entry.ID); err != nil {
				return "", false, err
			}
		}
	}

	v, err, _ := e.depGroup.Do(cacheKey, func() (any, error) {
		imageTag := fmt.Sprintf("mellea-deps-%s", cacheKey[:16])
		result, err := e.build(ctx, workspaceDir, imageTag, BuildOptions{})
		if err != nil {
			return "", err
		}

		entry := models.LayerCacheEntry{
			CacheKey:      cacheKey,
			ImageTag:      imageTag,
			PythonVersion: deps.PythonVersion,
			PackagesHash:  PackagesHash(deps.Packages),
			PackageCount:  len(deps.Packages),
			CreatedAt:     time.Now(),
			LastUsedAt:    time.Now(),
			UseCount:      1,
		}
		if result.SizeBytes > 0 {
			entry.SizeBytes = &result.SizeBytes
		}
		if _, err := e.Layers.Create(cacheKey, entry); err != nil {
			if !apperrors.IsType(err, apperrors.ErrorTypeConflict) {
				return "", err
			}
			// A forced rebuild replaces the row already stored under cacheKey.
			if _, err := e.Layers.Update(cacheKey, entry); err != nil {
				return "", err
			}
		}
		return imageTag, nil
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), false, nil
}

// PruneStale removes LayerCacheEntry rows unused for longer than maxAge.
// Only the metadata rows are removed; the underlying images are not
// deleted from the local daemon or the registry. A row whose delete fails
// is logged, skipped and not counted in the returned total.
func (e *Engine) PruneStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	stale := e.Layers.Find(func(l models.LayerCacheEntry) bool { return l.LastUsedAt.Before(cutoff) })

	removed := 0
	for _, entry := range stale {
		if err := e.Layers.Delete(entry.ID); err != nil {
			e.Log.Error(err, "pruning stale layer cache entry", "cache_key", entry.CacheKey)
			continue
		}
		removed++
	}
	return removed, nil
}

// InvalidateCacheEntry removes the cache row for cacheKey, forcing the
// next build for that dependency set to rebuild from scratch.
func (e *Engine) InvalidateCacheEntry(cacheKey string) error {
	entries := e.Layers.Find(func(l models.LayerCacheEntry) bool { return l.CacheKey == cacheKey })
	for _, entry := range entries {
		if err := e.Layers.Delete(entry.ID); err != nil {
			return err
		}
	}
	return nil
}
