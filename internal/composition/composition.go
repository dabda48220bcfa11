// Package composition wires every component of the core into one running
// process: it is the only place that knows every concrete type, mirroring
// how the Python original's dependency_injection module builds its
// service singletons.
package composition

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/psschwei/mellea-playground-core/internal/artifact"
	"github.com/psschwei/mellea-playground-core/internal/build"
	"github.com/psschwei/mellea-playground-core/internal/config"
	"github.com/psschwei/mellea-playground-core/internal/environment"
	"github.com/psschwei/mellea-playground-core/internal/environment/warmpool"
	"github.com/psschwei/mellea-playground-core/internal/executor"
	"github.com/psschwei/mellea-playground-core/internal/idle"
	"github.com/psschwei/mellea-playground-core/internal/k8sjob"
	"github.com/psschwei/mellea-playground-core/internal/llmmetrics"
	"github.com/psschwei/mellea-playground-core/internal/logbus"
	"github.com/psschwei/mellea-playground-core/internal/models"
	"github.com/psschwei/mellea-playground-core/internal/quota"
	"github.com/psschwei/mellea-playground-core/internal/retention"
	"github.com/psschwei/mellea-playground-core/internal/store"
)

// Stores groups every JSON-file-backed collection the core persists,
// named after the files spec.md §6 lists under metadata/.
type Stores struct {
	Programs        *store.Store[models.Program]
	Environments     *store.Store[models.Environment]
	Runs             *store.Store[models.Run]
	LayerCache       *store.Store[models.LayerCacheEntry]
	Artifacts        *store.Store[models.Artifact]
	ArtifactUsage    *store.Store[models.ArtifactUsage]
	Credentials      *store.Store[models.Credential]
	RetentionPolicies *store.Store[models.RetentionPolicy]
	LLMMetrics       *store.Store[models.LLMUsageMetric]
	QuotaUsage       *store.Store[models.QuotaUsage]
}

// App is every wired component, ready for cmd/playground-core/main.go to
// start and stop.
type App struct {
	Config *config.Config
	Log    logr.Logger

	Stores *Stores

	BuildEngine  *build.Engine
	Environments *environment.Manager
	Warmpool     *warmpool.Reconciler
	Executor     *executor.Executor
	LogBus       *logbus.Bus
	Quota        *quota.Engine
	Artifacts    *artifact.Collector
	LLMMetrics   *llmmetrics.Collector
	Retention    *retention.Reconciler
	Idle         *idle.Reconciler

	redisClient *redis.Client
}

func newStores(cfg *config.Config) (*Stores, error) {
	meta := func(name string) string {
		return filepath.Join(cfg.Storage.DataDir, "metadata", name+".json")
	}

	programs, err := store.New(meta("programs"), "programs",
		func(p models.Program) string { return p.ID },
		func(p *models.Program, id string) { p.ID = id })
	if err != nil {
		return nil, fmt.Errorf("opening programs store: %w", err)
	}

	environments, err := store.New(meta("environments"), "environments",
		func(e models.Environment) string { return e.ID },
		func(e *models.Environment, id string) { e.ID = id })
	if err != nil {
		return nil, fmt.Errorf("opening environments store: %w", err)
	}

	runs, err := store.New(meta("runs"), "runs",
		func(r models.Run) string { return r.ID },
		func(r *models.Run, id string) { r.ID = id })
	if err != nil {
		return nil, fmt.Errorf("opening runs store: %w", err)
	}

	layerCache, err := store.New(meta("layer_cache"), "layer_cache",
		func(l models.LayerCacheEntry) string { return l.ID },
		func(l *models.LayerCacheEntry, id string) { l.ID = id })
	if err != nil {
		return nil, fmt.Errorf("opening layer cache store: %w", err)
	}

	artifacts, err := store.New(meta("artifacts"), "artifacts",
		func(a models.Artifact) string { return a.ID },
		func(a *models.Artifact, id string) { a.ID = id })
	if err != nil {
		return nil, fmt.Errorf("opening artifacts store: %w", err)
	}

	artifactUsage, err := store.New(meta("artifact_usage"), "artifact_usage",
		func(u models.ArtifactUsage) string { return u.ID },
		func(u *models.ArtifactUsage, id string) { u.ID = id })
	if err != nil {
		return nil, fmt.Errorf("opening artifact usage store: %w", err)
	}

	credentials, err := store.New(meta("credentials"), "credentials",
		func(c models.Credential) string { return c.ID },
		func(c *models.Credential, id string) { c.ID = id })
	if err != nil {
		return nil, fmt.Errorf("opening credentials store: %w", err)
	}

	retentionPolicies, err := store.New(meta("retention_policies"), "retention_policies",
		func(p models.RetentionPolicy) string { return p.ID },
		func(p *models.RetentionPolicy, id string) { p.ID = id })
	if err != nil {
		return nil, fmt.Errorf("opening retention policies store: %w", err)
	}

	llmMetrics, err := store.New(meta("llm_metrics"), "llm_metrics",
		func(m models.LLMUsageMetric) string { return m.ID },
		func(m *models.LLMUsageMetric, id string) { m.ID = id })
	if err != nil {
		return nil, fmt.Errorf("opening llm metrics store: %w", err)
	}

	quotaUsage, err := store.New(meta("quota_usage"), "quota_usage",
		func(q models.QuotaUsage) string { return q.ID },
		func(q *models.QuotaUsage, id string) { q.ID = id })
	if err != nil {
		return nil, fmt.Errorf("opening quota usage store: %w", err)
	}

	return &Stores{
		Programs:          programs,
		Environments:      environments,
		Runs:              runs,
		LayerCache:        layerCache,
		Artifacts:         artifacts,
		ArtifactUsage:     artifactUsage,
		Credentials:       credentials,
		RetentionPolicies: retentionPolicies,
		LLMMetrics:        llmMetrics,
		QuotaUsage:        quotaUsage,
	}, nil
}

// buildClientset resolves a client-go clientset the same way kubectl does:
// in-cluster config when running as a Pod, falling back to the default
// kubeconfig loading rules otherwise.
func buildClientset() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("resolving kubeconfig: %w", err)
		}
	}
	return kubernetes.NewForConfig(cfg)
}

// seedSystemRetentionPolicy ensures the always-on LLM metrics retention
// policy described in spec.md's llm_metrics_retention_days option exists,
// so operators who never touch /retention-policies still get cleanup.
func seedSystemRetentionPolicy(policies *store.Store[models.RetentionPolicy], retentionDays int) error {
	for _, p := range policies.ListAll() {
		if p.ID == systemLLMMetricsPolicyID {
			return nil
		}
	}
	now := time.Now()
	_, err := policies.Create(systemLLMMetricsPolicyID, models.RetentionPolicy{
		ID:           systemLLMMetricsPolicyID,
		Name:         "system: llm usage metrics",
		ResourceType: models.ResourceLLMMetric,
		Condition:    models.ConditionAgeDays,
		Threshold:    int64(retentionDays),
		Enabled:      true,
		Priority:     0,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	return err
}

const systemLLMMetricsPolicyID = "system-llm-metrics-retention"

// New builds every component from cfg, opening stores and connecting to
// Redis and the cluster. Nothing is started; call Start to begin the
// background reconciler loops.
func New(cfg *config.Config, log logr.Logger) (*App, error) {
	if err := config.EnsureDataDirs(cfg); err != nil {
		return nil, err
	}

	stores, err := newStores(cfg)
	if err != nil {
		return nil, err
	}

	clientset, err := buildClientset()
	if err != nil {
		return nil, fmt.Errorf("building kubernetes clientset: %w", err)
	}
	jobRuntime := k8sjob.NewRuntime(clientset)

	localBackend := &build.LocalBackend{
		Builder: "docker",
		RegistryAuth: build.RegistryAuth{
			Username: cfg.Registry.Username,
			Password: cfg.Registry.Password,
			Insecure: cfg.Registry.Insecure,
		},
	}
	clusterBackend := &build.ClusterBackend{
		Runtime:      jobRuntime,
		Namespace:    cfg.Build.Namespace,
		BuilderImage: "mellea-builder:latest",
		PollInterval: 2 * time.Second,
	}
	buildEngine := build.NewEngine(stores.LayerCache, localBackend, clusterBackend, cfg.Build.Backend, log)

	envManager := environment.NewManager(stores.Environments)

	pool := &warmpool.Reconciler{
		Environments:     envManager,
		Layers:           stores.LayerCache,
		Programs:         stores.Programs,
		Builder:          buildEngine,
		WorkspaceRoot:    filepath.Join(cfg.Storage.DataDir, "workspaces"),
		PoolSize:         cfg.Warmup.PoolSize,
		MaxAge:           time.Duration(cfg.Warmup.MaxAgeMinutes) * time.Minute,
		PopularDepsCount: cfg.Warmup.PopularDepsCount,
		Interval:         time.Duration(cfg.Warmup.IntervalSeconds) * time.Second,
		Log:              log,
	}

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr(cfg.Redis.URL)})
	bus := logbus.New(redisClient)

	quotaEngine := quota.New(stores.QuotaUsage, stores.Runs)

	artifactCollector := artifact.New(stores.Artifacts, stores.ArtifactUsage, cfg.Storage.DataDir,
		cfg.Artifact.RetentionDays, cfg.Artifact.MaxSingleSizeMB)

	llmCollector := llmmetrics.New(stores.LLMMetrics, log)

	creds := &secretNameResolver{credentials: stores.Credentials}

	runExecutor := executor.New(stores.Runs, envManager, jobRuntime, creds, quotaEngine, artifactCollector, bus, nil, cfg.Build.Namespace, log)

	if err := seedSystemRetentionPolicy(stores.RetentionPolicies, cfg.LLMMetrics.RetentionDays); err != nil {
		return nil, fmt.Errorf("seeding system retention policy: %w", err)
	}
	retentionReconciler := &retention.Reconciler{
		Policies:     stores.RetentionPolicies,
		Runs:         stores.Runs,
		Artifacts:    stores.Artifacts,
		LLMMetrics:   stores.LLMMetrics,
		Environments: envManager,
		ArtifactColl: artifactCollector,
		Log:          log,
	}

	idleReconciler := idle.New(envManager, stores.Environments, stores.Runs, jobRuntime, cfg.Build.Namespace,
		time.Duration(cfg.IdleController.EnvironmentIdleTimeoutMinutes)*time.Minute,
		time.Duration(cfg.IdleController.RunRetentionDays)*24*time.Hour,
		time.Duration(cfg.IdleController.StaleJobTimeoutMinutes)*time.Minute,
		time.Duration(cfg.IdleController.IntervalSeconds)*time.Second,
		log)

	return &App{
		Config:       cfg,
		Log:          log,
		Stores:       stores,
		BuildEngine:  buildEngine,
		Environments: envManager,
		Warmpool:     pool,
		Executor:     runExecutor,
		LogBus:       bus,
		Quota:        quotaEngine,
		Artifacts:    artifactCollector,
		LLMMetrics:   llmCollector,
		Retention:    retentionReconciler,
		Idle:         idleReconciler,
		redisClient:  redisClient,
	}, nil
}

// redisAddr strips a redis:// scheme down to the host:port form go-redis'
// Options.Addr expects; cfg.Redis.URL is kept scheme-prefixed because
// that is the form the Python original's REDIS_URL takes.
func redisAddr(url string) string {
	const schemePrefix = "redis://"
	if len(url) > len(schemePrefix) && url[:len(schemePrefix)] == schemePrefix {
		return url[len(schemePrefix):]
	}
	return url
}

// quotasForTick loads every UserQuotas row the executor's Tick needs this
// cycle. The core has no user service of its own (out of scope per
// spec.md §1), so quota limits are supplied by the embedding deployment;
// absent any external source this returns an empty map, and a missing
// entry resolves to the zero-value UserQuotas. quota.Engine treats a
// limit <= 0 as unlimited, so an unconfigured user is never throttled by
// a ceiling nobody set.
func (a *App) quotasForTick(_ context.Context) map[string]models.UserQuotas {
	return map[string]models.UserQuotas{}
}

// Start launches every background reconciler loop. It does not block.
func (a *App) Start(ctx context.Context) {
	if a.Config.Warmup.Enabled {
		a.Warmpool.Start(ctx)
	}
	if a.Config.RunExecutor.Enabled {
		a.Executor.Run(ctx, time.Duration(a.Config.RunExecutor.IntervalSeconds)*time.Second, func() map[string]models.UserQuotas {
			return a.quotasForTick(ctx)
		})
	}
	if a.Config.IdleController.Enabled {
		a.Idle.Start(ctx)
	}
	if a.Config.RetentionPolicy.Enabled {
		go a.runRetentionLoop(ctx)
	}
}

func (a *App) runRetentionLoop(ctx context.Context) {
	interval := time.Duration(a.Config.RetentionPolicy.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if metrics, err := a.Retention.RunCleanupCycle(ctx); err != nil {
				a.Log.Error(err, "retention cleanup cycle failed")
			} else if len(metrics.Errors) > 0 {
				a.Log.Info("retention cleanup cycle completed with errors", "errors", metrics.Errors)
			}
		}
	}
}

// Stop tears down every background loop and the Redis connection.
func (a *App) Stop() {
	a.Warmpool.Stop()
	a.Executor.Stop()
	a.Idle.Stop()
	_ = a.redisClient.Close()
}
