// Package warmpool implements the warm environment pool reconciler,
// grounded on original_source/services/warmup.py's WarmupService.
package warmpool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/psschwei/mellea-playground-core/internal/build"
	"github.com/psschwei/mellea-playground-core/internal/environment"
	"github.com/psschwei/mellea-playground-core/internal/logging"
	"github.com/psschwei/mellea-playground-core/internal/models"
)

// layerStore is the narrow surface Reconciler needs to rank candidate
// Programs by cache-entry popularity (Open Question (iii), resolved in
// favour of LayerCacheEntry.UseCount).
type layerStore interface {
	ListAll() []models.LayerCacheEntry
}

// programStore is the narrow surface used to resolve a ranked cache entry
// back to a buildable Program.
type programStore interface {
	ListAll() []models.Program
}

// Builder is the collaborator Reconciler calls to pre-build a dependency
// layer for a popular Program before creating its warm Environment;
// satisfied by build.Engine in the composition root.
type Builder interface {
	BuildImage(ctx context.Context, program models.Program, workspaceDir string, forceRebuild, push bool) (*build.Result, error)
}

// Metrics is both the struct a Tick returns and the source for the
// prometheus registrations below.
type Metrics struct {
	WarmPoolSize         int
	EnvironmentsCreated  int
	EnvironmentsRecycled int
	LayersPrebuilt       int
	Errors               int
	Duration             time.Duration
}

var (
	poolSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warmup_pool_size",
		Help: "Current number of warm (ready, unassigned) environments.",
	})
	createdTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warmup_environments_created_total",
		Help: "Total warm environments created by the reconciler.",
	})
	recycledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warmup_environments_recycled_total",
		Help: "Total warm environments recycled for exceeding max age.",
	})
	layersPrebuiltTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warmup_layers_prebuilt_total",
		Help: "Total dependency layers pre-built for popular programs.",
	})
	errorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warmup_errors_total",
		Help: "Total errors encountered during warm pool reconciliation.",
	})
	durationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "warmup_duration_seconds",
		Help: "Duration of each warm pool reconciliation tick.",
	})
)

func init() {
	prometheus.MustRegister(poolSizeGauge, createdTotal, recycledTotal, layersPrebuiltTotal, errorsTotal, durationSeconds)
}

// Reconciler periodically recycles aged warm environments and tops the
// pool back up to PoolSize by pre-building images for the most popular
// Programs by dependency-layer use count.
type Reconciler struct {
	Environments     *environment.Manager
	Layers           layerStore
	Programs         programStore
	Builder          Builder
	WorkspaceRoot    string
	PoolSize         int
	MaxAge           time.Duration
	PopularDepsCount int
	Interval         time.Duration
	Log              logr.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start launches the reconcile loop in a background goroutine. Calling
// Start twice without an intervening Stop is a no-op.
func (r *Reconciler) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := r.Tick(loopCtx); err != nil {
					r.Log.Error(err, "warm pool tick failed")
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.cancel = nil
}

// Tick runs one reconciliation pass: recycle aged members, then top up the
// pool. Exported separately from Start so tests can invoke it without a
// running timer.
func (r *Reconciler) Tick(ctx context.Context) (*Metrics, error) {
	start := time.Now()
	metrics := &Metrics{}
	log := r.Log.WithValues(logging.NewFields().Component("warmpool").Operation("Tick").AsKV()...)

	warm := r.warmEnvironments()
	metrics.WarmPoolSize = len(warm)
	poolSizeGauge.Set(float64(len(warm)))

	cutoff := time.Now().Add(-r.MaxAge)
	remaining := 0
	for _, env := range warm {
		if env.CreatedAt.Before(cutoff) {
			if err := r.Environments.DeleteEnvironment(env.ID); err != nil {
				log.Error(err, "recycling aged warm environment", "environment_id", env.ID)
				metrics.Errors++
				continue
			}
			metrics.EnvironmentsRecycled++
			recycledTotal.Inc()
			continue
		}
		remaining++
	}

	if r.PoolSize > 0 {
		deficit := r.PoolSize - remaining
		if deficit > 0 {
			popular := r.popularPrograms(r.PopularDepsCount)
			for i := 0; i < deficit && i < len(popular); i++ {
				program := popular[i]

				if r.Builder != nil {
					result, err := r.Builder.BuildImage(ctx, program, r.WorkspaceRoot, false, false)
					if err != nil {
						log.Error(err, "pre-building dependency layer for popular program", "program_id", program.ID)
						metrics.Errors++
						continue
					}
					program.ImageTag = result.ImageTag
					metrics.LayersPrebuilt++
					layersPrebuiltTotal.Inc()
				}

				if _, err := r.Environments.CreateEnvironment(program.ID, program.ImageTag, nil); err != nil {
					log.Error(err, "creating warm environment", "program_id", program.ID)
					metrics.Errors++
					continue
				}
				metrics.EnvironmentsCreated++
				createdTotal.Inc()
			}
		}
	}

	metrics.Duration = time.Since(start)
	durationSeconds.Observe(metrics.Duration.Seconds())
	if metrics.Errors > 0 {
		errorsTotal.Add(float64(metrics.Errors))
	}
	return metrics, nil
}

func (r *Reconciler) warmEnvironments() []models.Environment {
	return r.Environments.ListEnvironments(nil, statusPtr(models.EnvironmentReady))
}

func statusPtr(s models.EnvironmentStatus) *string {
	v := string(s)
	return &v
}

// popularPrograms ranks Programs by the UseCount of their matching
// dependency-layer cache entry, descending, returning at most limit.
func (r *Reconciler) popularPrograms(limit int) []models.Program {
	layers := r.Layers.ListAll()
	sort.Slice(layers, func(i, j int) bool { return layers[i].UseCount > layers[j].UseCount })

	byPackagesHash := make(map[string]int, len(layers))
	for _, l := range layers {
		if _, ok := byPackagesHash[l.PackagesHash]; !ok {
			byPackagesHash[l.PackagesHash] = l.UseCount
		}
	}

	programs := r.Programs.ListAll()
	sort.Slice(programs, func(i, j int) bool {
		return byPackagesHash[hashOf(programs[i])] > byPackagesHash[hashOf(programs[j])]
	})

	if limit > 0 && limit < len(programs) {
		programs = programs[:limit]
	}
	return programs
}

func hashOf(p models.Program) string {
	return p.Dependencies.LockfileHash
}
