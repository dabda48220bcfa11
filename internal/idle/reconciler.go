// Package idle implements the idle-timeout controller, grounded on
// original_source/routes/controller.py and the idle_controller_* /
// environment_idle_timeout_minutes / run_retention_days /
// stale_job_timeout_minutes settings in original_source/core/config.py.
package idle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/psschwei/mellea-playground-core/internal/environment"
	"github.com/psschwei/mellea-playground-core/internal/k8sjob"
	"github.com/psschwei/mellea-playground-core/internal/models"
)

const jobLabelSelector = "app=mellea-run"

var (
	environmentsStoppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idle_environments_stopped_total",
		Help: "Environments stopped for idleness by the idle controller.",
	})
	runsDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idle_runs_deleted_total",
		Help: "Terminal runs deleted past their retention window.",
	})
	jobsCleanedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idle_jobs_cleaned_total",
		Help: "Orphaned cluster jobs deleted by the idle controller.",
	})
	cleanupErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idle_cleanup_errors_total",
		Help: "Errors encountered during an idle cleanup cycle.",
	})
	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "idle_cleanup_cycle_duration_seconds",
		Help:    "Wall-clock duration of one idle cleanup cycle.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(environmentsStoppedTotal, runsDeletedTotal, jobsCleanedTotal, cleanupErrorsTotal, cycleDuration)
}

type runStore interface {
	Find(predicate func(models.Run) bool) []models.Run
	Delete(id string) error
}

type environmentStore interface {
	Find(predicate func(models.Environment) bool) []models.Environment
}

// ControllerMetrics is the per-cycle summary original_source's
// ControllerMetricsResponse mirrors.
type ControllerMetrics struct {
	Timestamp           time.Time
	EnvironmentsChecked int
	EnvironmentsStopped int
	RunsChecked         int
	RunsDeleted         int
	JobsChecked         int
	JobsCleaned         int
	Errors              []string
	Duration            time.Duration
}

// IdleResource is one entry of the idle-environments/stale-runs summary
// GetIdleSummary returns.
type IdleResource struct {
	ID         string
	IdleSince  time.Time
	IdleFor    time.Duration
}

// Summary is the dry-run preview of what the next cleanup cycle would do.
type Summary struct {
	IdleEnvironments []IdleResource
	StaleRuns        []IdleResource
}

// Reconciler stops idle Environments, deletes stale terminal Runs, and
// cleans orphaned cluster Jobs on a fixed interval.
type Reconciler struct {
	Environments          *environment.Manager
	EnvironmentStore       environmentStore
	Runs                   runStore
	JobRuntime             k8sjob.ClusterJobRuntime
	Namespace              string
	IdleTimeout            time.Duration
	RunRetention           time.Duration
	StaleJobTimeout        time.Duration
	Interval               time.Duration
	Log                    logr.Logger

	cancel context.CancelFunc
	done   chan struct{}

	lastMu sync.Mutex
	last   *ControllerMetrics
}

func New(envMgr *environment.Manager, envStore environmentStore, runs runStore, jobRuntime k8sjob.ClusterJobRuntime, namespace string, idleTimeout, runRetention, staleJobTimeout, interval time.Duration, log logr.Logger) *Reconciler {
	return &Reconciler{
		Environments:    envMgr,
		EnvironmentStore: envStore,
		Runs:            runs,
		JobRuntime:      jobRuntime,
		Namespace:       namespace,
		IdleTimeout:     idleTimeout,
		RunRetention:    runRetention,
		StaleJobTimeout: staleJobTimeout,
		Interval:        interval,
		Log:             log,
	}
}

// idleEnvironments returns RUNNING Environments whose last status change
// is older than IdleTimeout. UpdatedAt is the freshest per-row activity
// signal the model carries.
func (r *Reconciler) idleEnvironments() []models.Environment {
	cutoff := time.Now().Add(-r.IdleTimeout)
	return r.EnvironmentStore.Find(func(e models.Environment) bool {
		return e.Status == models.EnvironmentRunning && e.UpdatedAt.Before(cutoff)
	})
}

// staleRuns returns terminal Runs completed more than RunRetention ago.
func (r *Reconciler) staleRuns() []models.Run {
	cutoff := time.Now().Add(-r.RunRetention)
	return r.Runs.Find(func(run models.Run) bool {
		if !run.IsTerminal() || run.CompletedAt == nil {
			return false
		}
		return run.CompletedAt.Before(cutoff)
	})
}

// GetIdleSummary is a pure read reporting what the next RunCleanupCycle
// would act on.
func (r *Reconciler) GetIdleSummary() Summary {
	var summary Summary
	now := time.Now()
	for _, e := range r.idleEnvironments() {
		summary.IdleEnvironments = append(summary.IdleEnvironments, IdleResource{
			ID: e.ID, IdleSince: e.UpdatedAt, IdleFor: now.Sub(e.UpdatedAt),
		})
	}
	for _, run := range r.staleRuns() {
		summary.StaleRuns = append(summary.StaleRuns, IdleResource{
			ID: run.ID, IdleSince: *run.CompletedAt, IdleFor: now.Sub(*run.CompletedAt),
		})
	}
	return summary
}

// GetLastMetrics returns the metrics of the most recently completed
// cycle, or nil if none has run yet.
func (r *Reconciler) GetLastMetrics() *ControllerMetrics {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	return r.last
}

// StopIdleEnvironment stops a single Environment out of band from the
// scheduled cycle, used by the manual /controller/stop endpoint.
func (r *Reconciler) StopIdleEnvironment(ctx context.Context, environmentID string) error {
	_, err := r.Environments.StopEnvironment(environmentID)
	return err
}

// RunCleanupCycle stops idle running Environments, deletes stale
// terminal Runs, and deletes cluster Jobs that are neither running nor
// pending and started more than StaleJobTimeout ago, continuing past any
// per-resource failure. Jobs are judged by their own status only; the Runs
// collection is not consulted, so a running or pending Job is kept even
// when its Run is terminal or gone.
func (r *Reconciler) RunCleanupCycle(ctx context.Context) (*ControllerMetrics, error) {
	start := time.Now()
	metrics := &ControllerMetrics{Timestamp: start}

	idleEnvs := r.idleEnvironments()
	metrics.EnvironmentsChecked = len(idleEnvs)
	for _, e := range idleEnvs {
		if _, err := r.Environments.StopEnvironment(e.ID); err != nil {
			metrics.Errors = append(metrics.Errors, fmt.Sprintf("stop environment %s: %v", e.ID, err))
			cleanupErrorsTotal.Inc()
			continue
		}
		metrics.EnvironmentsStopped++
		environmentsStoppedTotal.Inc()
	}

	stale := r.staleRuns()
	metrics.RunsChecked = len(stale)
	for _, run := range stale {
		if err := r.Runs.Delete(run.ID); err != nil {
			metrics.Errors = append(metrics.Errors, fmt.Sprintf("delete run %s: %v", run.ID, err))
			cleanupErrorsTotal.Inc()
			continue
		}
		metrics.RunsDeleted++
		runsDeletedTotal.Inc()
	}

	jobs, err := r.JobRuntime.ListJobs(ctx, r.Namespace, jobLabelSelector)
	if err != nil {
		metrics.Errors = append(metrics.Errors, fmt.Sprintf("listing jobs: %v", err))
		cleanupErrorsTotal.Inc()
	} else {
		metrics.JobsChecked = len(jobs)
		cutoff := time.Now().Add(-r.StaleJobTimeout)
		for _, job := range jobs {
			if job.StartedAt == nil || job.StartedAt.After(cutoff) {
				continue
			}
			if job.Status == k8sjob.JobRunning || job.Status == k8sjob.JobPending {
				continue
			}
			if err := r.JobRuntime.DeleteJob(ctx, job.Name, r.Namespace, k8sjob.DeleteOptions{}); err != nil {
				metrics.Errors = append(metrics.Errors, fmt.Sprintf("delete job %s: %v", job.Name, err))
				cleanupErrorsTotal.Inc()
				continue
			}
			metrics.JobsCleaned++
			jobsCleanedTotal.Inc()
		}
	}

	metrics.Duration = time.Since(start)
	cycleDuration.Observe(metrics.Duration.Seconds())

	r.lastMu.Lock()
	r.last = metrics
	r.lastMu.Unlock()

	return metrics, nil
}

// Start runs RunCleanupCycle on Interval until Stop is called.
func (r *Reconciler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := r.RunCleanupCycle(runCtx); err != nil {
					r.Log.Error(err, "idle cleanup cycle failed")
				}
			}
		}
	}()
}

// Stop cancels the background loop and waits for it to exit.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}
