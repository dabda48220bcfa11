package executor

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/psschwei/mellea-playground-core/internal/apperrors"
	"github.com/psschwei/mellea-playground-core/internal/environment"
	"github.com/psschwei/mellea-playground-core/internal/k8sjob"
	"github.com/psschwei/mellea-playground-core/internal/models"
)

type fakeRunStore struct {
	items map[string]models.Run
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{items: map[string]models.Run{}}
}

func (f *fakeRunStore) GetByID(id string) (models.Run, error) {
	r, ok := f.items[id]
	if !ok {
		return models.Run{}, apperrors.NewNotFoundError(id)
	}
	return r, nil
}

func (f *fakeRunStore) Create(id string, item models.Run) (models.Run, error) {
	item.ID = id
	f.items[id] = item
	return item, nil
}

func (f *fakeRunStore) Update(id string, item models.Run) (models.Run, error) {
	if _, ok := f.items[id]; !ok {
		return models.Run{}, apperrors.NewNotFoundError(id)
	}
	f.items[id] = item
	return item, nil
}

func (f *fakeRunStore) Find(predicate func(models.Run) bool) []models.Run {
	var out []models.Run
	for _, r := range f.items {
		if predicate(r) {
			out = append(out, r)
		}
	}
	return out
}

type fakeEnvStoreForExecutor struct {
	items map[string]models.Environment
}

func (f *fakeEnvStoreForExecutor) Create(id string, item models.Environment) (models.Environment, error) {
	item.ID = id
	f.items[id] = item
	return item, nil
}

func (f *fakeEnvStoreForExecutor) GetByID(id string) (models.Environment, error) {
	e, ok := f.items[id]
	if !ok {
		return models.Environment{}, apperrors.NewNotFoundError(id)
	}
	return e, nil
}

func (f *fakeEnvStoreForExecutor) Update(id string, item models.Environment) (models.Environment, error) {
	f.items[id] = item
	return item, nil
}

func (f *fakeEnvStoreForExecutor) Delete(id string) error {
	delete(f.items, id)
	return nil
}

func (f *fakeEnvStoreForExecutor) ListAll() []models.Environment {
	var out []models.Environment
	for _, e := range f.items {
		out = append(out, e)
	}
	return out
}

func (f *fakeEnvStoreForExecutor) Find(predicate func(models.Environment) bool) []models.Environment {
	var out []models.Environment
	for _, e := range f.items {
		if predicate(e) {
			out = append(out, e)
		}
	}
	return out
}

type fakeJobRuntime struct {
	createErr   error
	createName  string
	createOrder []string
	deleted     []string
	jobStatus   *k8sjob.JobInfo
}

func (f *fakeJobRuntime) CreateJob(ctx context.Context, spec k8sjob.JobSpec) (string, error) {
	f.createOrder = append(f.createOrder, spec.Name)
	if f.createErr != nil {
		return "", f.createErr
	}
	if f.createName != "" {
		return f.createName, nil
	}
	return spec.Name, nil
}

func (f *fakeJobRuntime) GetJobStatus(ctx context.Context, jobName, namespace string) (*k8sjob.JobInfo, error) {
	if f.jobStatus != nil {
		return f.jobStatus, nil
	}
	return &k8sjob.JobInfo{Name: jobName, Status: k8sjob.JobRunning}, nil
}

func (f *fakeJobRuntime) DeleteJob(ctx context.Context, jobName, namespace string, opts k8sjob.DeleteOptions) error {
	f.deleted = append(f.deleted, jobName)
	return nil
}

func (f *fakeJobRuntime) StreamLogs(ctx context.Context, jobName, namespace string) (io.ReadCloser, error) {
	return nil, nil
}

func (f *fakeJobRuntime) ListJobs(ctx context.Context, namespace, labelSelector string) ([]k8sjob.JobInfo, error) {
	return nil, nil
}

func newTestExecutor(runs *fakeRunStore, envStore *fakeEnvStoreForExecutor, jobs *fakeJobRuntime) *Executor {
	mgr := environment.NewManager(envStore)
	return New(runs, mgr, jobs, nil, nil, nil, nil, nil, "mellea", logr.Discard())
}

func TestSubmitRunAssignsJobNameInOneUpdate(t *testing.T) {
	runs := newFakeRunStore()
	runs.items["run-1"] = models.Run{ID: "run-1", OwnerID: "u1", EnvironmentID: "env-1", Status: models.RunQueued}
	envStore := &fakeEnvStoreForExecutor{items: map[string]models.Environment{
		"env-1": {ID: "env-1", ImageTag: "registry/img:latest", Status: models.EnvironmentRunning},
	}}
	jobs := &fakeJobRuntime{}
	e := newTestExecutor(runs, envStore, jobs)

	run, err := e.SubmitRun(context.Background(), "run-1", "main.py")
	if err != nil {
		t.Fatalf("SubmitRun() error = %v", err)
	}
	if run.Status != models.RunStarting {
		t.Fatalf("Status = %v, want starting", run.Status)
	}
	if run.JobName == "" {
		t.Fatalf("JobName was not assigned")
	}

	stored, _ := runs.GetByID("run-1")
	if stored.JobName != run.JobName {
		t.Fatalf("stored run JobName = %q, want %q (single update)", stored.JobName, run.JobName)
	}
}

func TestSubmitRunRejectsEnvironmentWithoutImageTag(t *testing.T) {
	runs := newFakeRunStore()
	runs.items["run-1"] = models.Run{ID: "run-1", EnvironmentID: "env-1", Status: models.RunQueued}
	envStore := &fakeEnvStoreForExecutor{items: map[string]models.Environment{
		"env-1": {ID: "env-1", Status: models.EnvironmentRunning},
	}}
	e := newTestExecutor(runs, envStore, &fakeJobRuntime{})

	_, err := e.SubmitRun(context.Background(), "run-1", "main.py")
	if !apperrors.IsType(err, apperrors.ErrorTypeValidation) {
		t.Fatalf("SubmitRun() error = %v, want ValidationError", err)
	}
}

func TestSubmitRunTransitionsToFailedOnCreateJobError(t *testing.T) {
	runs := newFakeRunStore()
	runs.items["run-1"] = models.Run{ID: "run-1", EnvironmentID: "env-1", Status: models.RunQueued}
	envStore := &fakeEnvStoreForExecutor{items: map[string]models.Environment{
		"env-1": {ID: "env-1", ImageTag: "img:latest", Status: models.EnvironmentRunning},
	}}
	jobs := &fakeJobRuntime{createErr: apperrors.NewBackendUnavailableError("cluster")}
	e := newTestExecutor(runs, envStore, jobs)

	run, err := e.SubmitRun(context.Background(), "run-1", "main.py")
	if err != nil {
		t.Fatalf("SubmitRun() error = %v, want nil (failure transitions, doesn't propagate)", err)
	}
	if run.Status != models.RunFailed {
		t.Fatalf("Status = %v, want failed", run.Status)
	}
	if run.ErrorMessage == "" {
		t.Fatalf("ErrorMessage not set on failed submission")
	}
}

func TestTransitionEnforcesValidStateGraph(t *testing.T) {
	runs := newFakeRunStore()
	runs.items["run-1"] = models.Run{ID: "run-1", Status: models.RunSucceeded}
	e := newTestExecutor(runs, &fakeEnvStoreForExecutor{items: map[string]models.Environment{}}, &fakeJobRuntime{})

	_, err := e.transition("run-1", models.RunFailed, nil, "")
	if !apperrors.IsType(err, apperrors.ErrorTypeInvalidStateTransition) {
		t.Fatalf("transition(succeeded->failed) error = %v, want InvalidStateTransition", err)
	}
}

func TestOnTerminalIsNilSafeWithAllCollaboratorsNil(t *testing.T) {
	runs := newFakeRunStore()
	runs.items["run-1"] = models.Run{ID: "run-1", OwnerID: "u1", Status: models.RunRunning}
	e := newTestExecutor(runs, &fakeEnvStoreForExecutor{items: map[string]models.Environment{}}, &fakeJobRuntime{})

	run, err := e.transition("run-1", models.RunSucceeded, nil, "")
	if err != nil {
		t.Fatalf("transition() error = %v", err)
	}
	if run.CompletedAt == nil {
		t.Fatalf("CompletedAt not set on terminal transition")
	}
	// onTerminal ran synchronously inside transition; reaching here without
	// a panic confirms every nil-checked collaborator (Quota, Artifacts,
	// LogBus, Notifier) was skipped safely.
}

func TestSyncRunStatusMapsJobStatusToRunStatus(t *testing.T) {
	runs := newFakeRunStore()
	runs.items["run-1"] = models.Run{ID: "run-1", Status: models.RunStarting, JobName: "job-1"}
	jobs := &fakeJobRuntime{jobStatus: &k8sjob.JobInfo{Name: "job-1", Status: k8sjob.JobRunning}}
	e := newTestExecutor(runs, &fakeEnvStoreForExecutor{items: map[string]models.Environment{}}, jobs)

	run, err := e.SyncRunStatus(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("SyncRunStatus() error = %v", err)
	}
	if run.Status != models.RunRunning {
		t.Fatalf("Status = %v, want running", run.Status)
	}
}

func TestSyncRunStatusSkipsTerminalRuns(t *testing.T) {
	runs := newFakeRunStore()
	runs.items["run-1"] = models.Run{ID: "run-1", Status: models.RunSucceeded, JobName: "job-1"}
	jobs := &fakeJobRuntime{jobStatus: &k8sjob.JobInfo{Name: "job-1", Status: k8sjob.JobFailed}}
	e := newTestExecutor(runs, &fakeEnvStoreForExecutor{items: map[string]models.Environment{}}, jobs)

	run, err := e.SyncRunStatus(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("SyncRunStatus() error = %v", err)
	}
	if run.Status != models.RunSucceeded {
		t.Fatalf("Status = %v, want unchanged succeeded", run.Status)
	}
}

func TestCancelRunDeletesJobAndTransitionsRegardlessOfDeleteOutcome(t *testing.T) {
	runs := newFakeRunStore()
	runs.items["run-1"] = models.Run{ID: "run-1", Status: models.RunRunning, JobName: "job-1"}
	jobs := &fakeJobRuntime{}
	e := newTestExecutor(runs, &fakeEnvStoreForExecutor{items: map[string]models.Environment{}}, jobs)

	run, err := e.CancelRun(context.Background(), "run-1", true)
	if err != nil {
		t.Fatalf("CancelRun() error = %v", err)
	}
	if run.Status != models.RunCancelled {
		t.Fatalf("Status = %v, want cancelled", run.Status)
	}
	if len(jobs.deleted) != 1 || jobs.deleted[0] != "job-1" {
		t.Fatalf("deleted jobs = %v, want [job-1]", jobs.deleted)
	}
}

func TestTickSubmitsQueuedRunsInCreatedAtOrder(t *testing.T) {
	runs := newFakeRunStore()
	now := time.Now()
	runs.items["run-c"] = models.Run{ID: "run-c", OwnerID: "u1", EnvironmentID: "env-c", Status: models.RunQueued, CreatedAt: now.Add(2 * time.Second)}
	runs.items["run-a"] = models.Run{ID: "run-a", OwnerID: "u1", EnvironmentID: "env-a", Status: models.RunQueued, CreatedAt: now}
	runs.items["run-b"] = models.Run{ID: "run-b", OwnerID: "u1", EnvironmentID: "env-b", Status: models.RunQueued, CreatedAt: now.Add(1 * time.Second)}
	envStore := &fakeEnvStoreForExecutor{items: map[string]models.Environment{
		"env-a": {ID: "env-a", ImageTag: "img:a", Status: models.EnvironmentRunning},
		"env-b": {ID: "env-b", ImageTag: "img:b", Status: models.EnvironmentRunning},
		"env-c": {ID: "env-c", ImageTag: "img:c", Status: models.EnvironmentRunning},
	}}
	jobs := &fakeJobRuntime{}
	e := newTestExecutor(runs, envStore, jobs)

	e.Tick(context.Background(), nil)

	if len(jobs.createOrder) != 3 {
		t.Fatalf("createOrder = %v, want 3 entries", jobs.createOrder)
	}
	wantOrder := []string{
		"mellea-run-" + shortID("env-a"),
		"mellea-run-" + shortID("env-b"),
		"mellea-run-" + shortID("env-c"),
	}
	for i, want := range wantOrder {
		if jobs.createOrder[i] != want {
			t.Fatalf("createOrder[%d] = %q, want %q (CreatedAt order a,b,c)", i, jobs.createOrder[i], want)
		}
	}
}
