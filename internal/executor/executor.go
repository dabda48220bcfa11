// Package executor implements Run submission, status sync, and
// cancellation against the cluster job runtime, grounded on
// original_source/services/run_executor.py's RunExecutor.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"

	"github.com/psschwei/mellea-playground-core/internal/apperrors"
	"github.com/psschwei/mellea-playground-core/internal/artifact"
	"github.com/psschwei/mellea-playground-core/internal/environment"
	"github.com/psschwei/mellea-playground-core/internal/k8sjob"
	"github.com/psschwei/mellea-playground-core/internal/logbus"
	"github.com/psschwei/mellea-playground-core/internal/logging"
	"github.com/psschwei/mellea-playground-core/internal/models"
	"github.com/psschwei/mellea-playground-core/internal/quota"
)

// runStore is the narrow persistence surface Executor needs.
type runStore interface {
	GetByID(id string) (models.Run, error)
	Create(id string, item models.Run) (models.Run, error)
	Update(id string, item models.Run) (models.Run, error)
	Find(predicate func(models.Run) bool) []models.Run
}

// CredentialResolver is the out-of-core credential service contract named
// in spec.md §6.
type CredentialResolver interface {
	ResolveToSecretName(ctx context.Context, credentialID string) (*string, error)
}

// Notifier is the optional out-of-core notification collaborator; errors
// from it are logged, never propagated.
type Notifier interface {
	NotifyRunCompleted(ctx context.Context, run models.Run) error
}

// Executor submits queued Runs as cluster Jobs, syncs their status, and
// handles cancellation, quota accounting, artifact collection, and log
// bus completion signalling on every terminal transition.
type Executor struct {
	Runs         runStore
	Environments *environment.Manager
	JobRuntime   k8sjob.ClusterJobRuntime
	Credentials  CredentialResolver
	Quota        *quota.Engine
	Artifacts    *artifact.Collector
	LogBus       *logbus.Bus
	Notifier     Notifier
	Namespace    string
	Log          logr.Logger

	breaker *gobreaker.CircuitBreaker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(runs runStore, envs *environment.Manager, jobRuntime k8sjob.ClusterJobRuntime, creds CredentialResolver, quotaEngine *quota.Engine, artifacts *artifact.Collector, bus *logbus.Bus, notifier Notifier, namespace string, log logr.Logger) *Executor {
	return &Executor{
		Runs:         runs,
		Environments: envs,
		JobRuntime:   jobRuntime,
		Credentials:  creds,
		Quota:        quotaEngine,
		Artifacts:    artifacts,
		LogBus:       bus,
		Notifier:     notifier,
		Namespace:    namespace,
		Log:          log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "run-executor-cluster",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (e *Executor) transition(runID string, to models.RunStatus, exitCode *int, errMsg string) (models.Run, error) {
	run, err := e.Runs.GetByID(runID)
	if err != nil {
		return models.Run{}, err
	}
	if !canTransition(run.Status, to) {
		return models.Run{}, apperrors.NewInvalidTransitionError(string(run.Status), string(to))
	}

	run.Status = to
	if exitCode != nil {
		run.ExitCode = exitCode
	}
	if errMsg != "" {
		run.ErrorMessage = errMsg
	}
	now := time.Now()
	switch to {
	case models.RunRunning:
		if run.StartedAt == nil {
			run.StartedAt = &now
		}
	case models.RunSucceeded, models.RunFailed, models.RunCancelled:
		run.CompletedAt = &now
	}

	updated, err := e.Runs.Update(runID, run)
	if err != nil {
		return models.Run{}, err
	}

	if updated.Status.IsTerminal() {
		e.onTerminal(context.Background(), updated)
	}
	return updated, nil
}

// onTerminal performs the bookkeeping spec.md §4.4 requires once a Run
// reaches a sink state: CPU-hour accounting, artifact collection from
// captured output, a log bus completion signal strictly after the store
// write, and an optional fire-and-forget notification.
func (e *Executor) onTerminal(ctx context.Context, run models.Run) {
	log := e.Log.WithValues(logging.NewFields().Component("executor").RunID(run.ID).AsKV()...)

	if run.StartedAt != nil && run.CompletedAt != nil && e.Quota != nil {
		hours := e.Quota.CalculateCPUHours(*run.StartedAt, *run.CompletedAt, 1.0)
		if err := e.Quota.RecordCPUHours(run.OwnerID, hours); err != nil {
			log.Error(err, "recording CPU hours")
		}
	}

	if e.Artifacts != nil && run.Output != "" {
		if _, err := e.Artifacts.CollectArtifact(ctx, run.ID, run.OwnerID, "stdout.log", []byte(run.Output), models.UserQuotas{}, artifact.CollectOptions{ArtifactType: models.ArtifactLog}); err != nil {
			log.Error(err, "collecting run output artifact")
		}
	}

	if e.LogBus != nil {
		if _, err := e.LogBus.PublishLogs(ctx, run.ID, "", true); err != nil {
			log.Error(err, "publishing run completion to log bus")
		}
	}

	if e.Notifier != nil {
		if err := e.Notifier.NotifyRunCompleted(ctx, run); err != nil {
			log.Error(err, "notifying run completion")
		}
	}
}

// SubmitRun creates the cluster Job for a queued Run and transitions it to
// starting. The job name is assigned and persisted before CreateJob is
// called, so a crash mid-submission is traceable from the stored Run.
func (e *Executor) SubmitRun(ctx context.Context, runID, entrypoint string) (models.Run, error) {
	run, err := e.Runs.GetByID(runID)
	if err != nil {
		return models.Run{}, err
	}

	env, err := e.Environments.GetEnvironment(run.EnvironmentID)
	if err != nil {
		return models.Run{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "environment %s not ready", run.EnvironmentID)
	}
	if env.ImageTag == "" {
		return models.Run{}, apperrors.Newf(apperrors.ErrorTypeValidation, "environment %s has no image tag", run.EnvironmentID)
	}

	jobName := fmt.Sprintf("mellea-run-%s", strings.ToLower(shortID(run.EnvironmentID)))
	if !canTransition(run.Status, models.RunStarting) {
		return models.Run{}, apperrors.NewInvalidTransitionError(string(run.Status), string(models.RunStarting))
	}
	run.Status = models.RunStarting
	run.JobName = jobName
	run, err = e.Runs.Update(runID, run)
	if err != nil {
		return models.Run{}, err
	}

	var secretMounts []k8sjob.SecretMount
	for _, credID := range run.CredentialIDs {
		if e.Credentials == nil {
			continue
		}
		secretName, err := e.Credentials.ResolveToSecretName(ctx, credID)
		if err != nil || secretName == nil {
			continue
		}
		secretMounts = append(secretMounts, k8sjob.SecretMount{SecretName: *secretName, MountPath: "/var/run/secrets/mellea/" + credID})
	}

	spec := k8sjob.JobSpec{
		Name:      jobName,
		Namespace: e.Namespace,
		Image:     env.ImageTag,
		Args:      []string{entrypoint},
		SecretMounts: secretMounts,
		Labels:    map[string]string{"app": "mellea-run", "mellea-run": run.ID},
	}
	if env.ResourceLimits != nil {
		spec.CPULimit = env.ResourceLimits.CPULimit
		spec.MemoryLimit = env.ResourceLimits.MemoryLimit
	}

	_, err = e.breaker.Execute(func() (any, error) {
		return e.JobRuntime.CreateJob(ctx, spec)
	})
	if err != nil {
		failed, ferr := e.transition(runID, models.RunFailed, nil, fmt.Sprintf("failed to create job: %v", err))
		if ferr != nil {
			return models.Run{}, ferr
		}
		return failed, nil
	}

	return run, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// SyncRunStatus queries the cluster job for a submitted, non-terminal Run
// and applies the resulting transition, if any.
func (e *Executor) SyncRunStatus(ctx context.Context, runID string) (models.Run, error) {
	run, err := e.Runs.GetByID(runID)
	if err != nil {
		return models.Run{}, err
	}
	if run.JobName == "" || run.Status.IsTerminal() {
		return run, nil
	}

	out, err := e.breaker.Execute(func() (any, error) {
		return e.JobRuntime.GetJobStatus(ctx, run.JobName, e.Namespace)
	})
	if err != nil {
		return e.transition(runID, models.RunFailed, nil, fmt.Sprintf("failed to get job status: %v", err))
	}
	info := out.(*k8sjob.JobInfo)

	target, ok := jobStatusToRunStatus[info.Status]
	if !ok || target == run.Status {
		return run, nil
	}

	switch target {
	case models.RunRunning:
		return e.transition(runID, models.RunRunning, nil, "")
	case models.RunSucceeded:
		exitCode := 0
		if info.ExitCode != nil {
			exitCode = int(*info.ExitCode)
		}
		return e.transition(runID, models.RunSucceeded, &exitCode, "")
	case models.RunFailed:
		var exitCode *int
		if info.ExitCode != nil {
			e := int(*info.ExitCode)
			exitCode = &e
		}
		return e.transition(runID, models.RunFailed, exitCode, info.Message)
	default:
		return run, nil
	}
}

// CancelRun deletes the cluster job (best-effort) and transitions the Run
// to cancelled. force selects a foreground delete (no grace period) over
// the default background delete.
func (e *Executor) CancelRun(ctx context.Context, runID string, force bool) (models.Run, error) {
	run, err := e.Runs.GetByID(runID)
	if err != nil {
		return models.Run{}, err
	}

	if run.JobName != "" {
		opts := k8sjob.DeleteOptions{Foreground: force}
		if force {
			zero := int64(0)
			opts.GracePeriodSeconds = &zero
		}
		if err := e.JobRuntime.DeleteJob(ctx, run.JobName, e.Namespace, opts); err != nil {
			e.Log.Error(err, "deleting job for cancelled run", "run_id", runID, "job_name", run.JobName)
		}
	}

	return e.transition(runID, models.RunCancelled, nil, "")
}

// Tick syncs every non-terminal, job-submitted Run once. Exported
// separately from Run so tests can drive it without a timer.
func (e *Executor) Tick(ctx context.Context, quotas map[string]models.UserQuotas) {
	queued := e.Runs.Find(func(r models.Run) bool { return r.Status == models.RunQueued })
	sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt.Before(queued[j].CreatedAt) })
	for _, run := range queued {
		q := quotas[run.OwnerID]
		if e.Quota != nil {
			if err := e.Quota.CheckCanCreateRun(run.OwnerID, q); err != nil {
				continue
			}
			if err := e.Quota.RecordRunCreated(run.OwnerID); err != nil {
				e.Log.Error(err, "recording run created", "run_id", run.ID)
				continue
			}
		}
		if _, err := e.SubmitRun(ctx, run.ID, "main.py"); err != nil {
			e.Log.Error(err, "submitting queued run", "run_id", run.ID)
		}
	}

	active := e.Runs.Find(func(r models.Run) bool { return !r.Status.IsTerminal() && r.JobName != "" })
	for _, run := range active {
		if _, err := e.SyncRunStatus(ctx, run.ID); err != nil {
			e.Log.Error(err, "syncing run status", "run_id", run.ID)
		}
	}
}

// Run starts the executor's scheduler loop, ticking every interval until
// ctx is cancelled or Stop is called.
func (e *Executor) Run(ctx context.Context, interval time.Duration, quotas func() map[string]models.UserQuotas) {
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				e.Tick(loopCtx, quotas())
			}
		}
	}()
}

func (e *Executor) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.wg.Wait()
}
