package retention

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/psschwei/mellea-playground-core/internal/apperrors"
	"github.com/psschwei/mellea-playground-core/internal/artifact"
	"github.com/psschwei/mellea-playground-core/internal/environment"
	"github.com/psschwei/mellea-playground-core/internal/models"
)

type fakePolicyStore struct {
	items []models.RetentionPolicy
}

func (f *fakePolicyStore) ListAll() []models.RetentionPolicy { return f.items }

type fakeRunStoreR struct {
	items map[string]models.Run
}

func (f *fakeRunStoreR) Find(predicate func(models.Run) bool) []models.Run {
	var out []models.Run
	for _, r := range f.items {
		if predicate(r) {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeRunStoreR) Delete(id string) error {
	if _, ok := f.items[id]; !ok {
		return apperrors.NewNotFoundError(id)
	}
	delete(f.items, id)
	return nil
}

type fakeArtifactStoreR struct {
	items map[string]models.Artifact
}

func (f *fakeArtifactStoreR) Find(predicate func(models.Artifact) bool) []models.Artifact {
	var out []models.Artifact
	for _, a := range f.items {
		if predicate(a) {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeArtifactStoreR) Delete(id string) error {
	if _, ok := f.items[id]; !ok {
		return apperrors.NewNotFoundError(id)
	}
	delete(f.items, id)
	return nil
}

type fakeLLMMetricStoreR struct {
	items map[string]models.LLMUsageMetric
}

func (f *fakeLLMMetricStoreR) Find(predicate func(models.LLMUsageMetric) bool) []models.LLMUsageMetric {
	var out []models.LLMUsageMetric
	for _, m := range f.items {
		if predicate(m) {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeLLMMetricStoreR) Delete(id string) error {
	if _, ok := f.items[id]; !ok {
		return apperrors.NewNotFoundError(id)
	}
	delete(f.items, id)
	return nil
}

type fakeEnvStoreR struct {
	items map[string]models.Environment
}

func (f *fakeEnvStoreR) Create(id string, item models.Environment) (models.Environment, error) {
	item.ID = id
	f.items[id] = item
	return item, nil
}

func (f *fakeEnvStoreR) GetByID(id string) (models.Environment, error) {
	e, ok := f.items[id]
	if !ok {
		return models.Environment{}, apperrors.NewNotFoundError(id)
	}
	return e, nil
}

func (f *fakeEnvStoreR) Update(id string, item models.Environment) (models.Environment, error) {
	f.items[id] = item
	return item, nil
}

func (f *fakeEnvStoreR) Delete(id string) error {
	if _, ok := f.items[id]; !ok {
		return apperrors.NewNotFoundError(id)
	}
	delete(f.items, id)
	return nil
}

func (f *fakeEnvStoreR) ListAll() []models.Environment {
	var out []models.Environment
	for _, e := range f.items {
		out = append(out, e)
	}
	return out
}

func (f *fakeEnvStoreR) Find(predicate func(models.Environment) bool) []models.Environment {
	var out []models.Environment
	for _, e := range f.items {
		if predicate(e) {
			out = append(out, e)
		}
	}
	return out
}

func newTestReconciler() (*Reconciler, *fakePolicyStore, *fakeRunStoreR, *fakeArtifactStoreR, *fakeLLMMetricStoreR, *fakeEnvStoreR) {
	policies := &fakePolicyStore{}
	runs := &fakeRunStoreR{items: map[string]models.Run{}}
	arts := &fakeArtifactStoreR{items: map[string]models.Artifact{}}
	metrics := &fakeLLMMetricStoreR{items: map[string]models.LLMUsageMetric{}}
	envStore := &fakeEnvStoreR{items: map[string]models.Environment{}}
	mgr := environment.NewManager(envStore)
	collector := artifact.New(nil, nil, "/tmp", 30, 100)

	r := &Reconciler{
		Policies:     policies,
		Runs:         runs,
		Artifacts:    arts,
		LLMMetrics:   metrics,
		Environments: mgr,
		ArtifactColl: collector,
		Log:          logr.Discard(),
	}
	return r, policies, runs, arts, metrics, envStore
}

func TestSortedPoliciesOrdersByPriorityDescThenCreatedAtAsc(t *testing.T) {
	r, policies, _, _, _, _ := newTestReconciler()
	old := time.Now().AddDate(0, 0, -5)
	newer := time.Now()
	policies.items = []models.RetentionPolicy{
		{ID: "low", Enabled: true, Priority: 1, CreatedAt: newer},
		{ID: "high-old", Enabled: true, Priority: 10, CreatedAt: old},
		{ID: "high-new", Enabled: true, Priority: 10, CreatedAt: newer},
		{ID: "disabled", Enabled: false, Priority: 99, CreatedAt: old},
	}

	got := r.sortedPolicies()
	if len(got) != 3 {
		t.Fatalf("sortedPolicies() len = %d, want 3 (disabled excluded)", len(got))
	}
	if got[0].ID != "high-old" || got[1].ID != "high-new" || got[2].ID != "low" {
		t.Fatalf("sortedPolicies() order = %v, want [high-old high-new low]", []string{got[0].ID, got[1].ID, got[2].ID})
	}
}

func TestRunCleanupCycleDeletesMatchingRunsAndDedupes(t *testing.T) {
	r, policies, runs, _, _, _ := newTestReconciler()
	oldRun := models.Run{ID: "run-old", Status: models.RunSucceeded, CreatedAt: time.Now().AddDate(0, 0, -90)}
	runs.items["run-old"] = oldRun

	policies.items = []models.RetentionPolicy{
		{ID: "p1", Enabled: true, Priority: 10, ResourceType: models.ResourceRun, Condition: models.ConditionAgeDays, Threshold: 30},
		{ID: "p2", Enabled: true, Priority: 5, ResourceType: models.ResourceRun, Condition: models.ConditionAgeDays, Threshold: 10},
	}

	metrics, err := r.RunCleanupCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCleanupCycle() error = %v", err)
	}
	if metrics.PoliciesEvaluated != 2 {
		t.Fatalf("PoliciesEvaluated = %d, want 2", metrics.PoliciesEvaluated)
	}
	if metrics.RunsDeleted != 1 {
		t.Fatalf("RunsDeleted = %d, want 1 (deduped across policies)", metrics.RunsDeleted)
	}
	if _, ok := runs.items["run-old"]; ok {
		t.Fatalf("run-old was not deleted")
	}
}

func TestRunCleanupCycleCascadesArtifactsWhenFlagSet(t *testing.T) {
	r, policies, runs, arts, _, _ := newTestReconciler()
	runs.items["run-1"] = models.Run{ID: "run-1", Status: models.RunFailed, CreatedAt: time.Now().AddDate(0, 0, -90)}
	arts.items["art-1"] = models.Artifact{ID: "art-1", RunID: "run-1", CreatedAt: time.Now()}

	policies.items = []models.RetentionPolicy{
		{ID: "p1", Enabled: true, Priority: 1, ResourceType: models.ResourceRun, Condition: models.ConditionAgeDays, Threshold: 30, CascadeArtifacts: true},
	}

	if _, err := r.RunCleanupCycle(context.Background()); err != nil {
		t.Fatalf("RunCleanupCycle() error = %v", err)
	}
	if _, ok := arts.items["art-1"]; ok {
		t.Fatalf("artifact was not cascade-deleted")
	}
}

func TestRunCleanupCycleSkipsCascadeWhenFlagUnset(t *testing.T) {
	r, policies, runs, arts, _, _ := newTestReconciler()
	runs.items["run-1"] = models.Run{ID: "run-1", Status: models.RunFailed, CreatedAt: time.Now().AddDate(0, 0, -90)}
	arts.items["art-1"] = models.Artifact{ID: "art-1", RunID: "run-1", CreatedAt: time.Now()}

	policies.items = []models.RetentionPolicy{
		{ID: "p1", Enabled: true, Priority: 1, ResourceType: models.ResourceRun, Condition: models.ConditionAgeDays, Threshold: 30},
	}

	if _, err := r.RunCleanupCycle(context.Background()); err != nil {
		t.Fatalf("RunCleanupCycle() error = %v", err)
	}
	if _, ok := arts.items["art-1"]; !ok {
		t.Fatalf("artifact was deleted despite CascadeArtifacts=false")
	}
}

func TestRunCleanupCycleOnlyDeletesEnvironmentsInTerminalStatuses(t *testing.T) {
	r, policies, _, _, _, envStore := newTestReconciler()
	envStore.items["env-creating"] = models.Environment{ID: "env-creating", Status: models.EnvironmentCreating, CreatedAt: time.Now().AddDate(0, 0, -90)}
	envStore.items["env-stopped"] = models.Environment{ID: "env-stopped", Status: models.EnvironmentStopped, CreatedAt: time.Now().AddDate(0, 0, -90)}

	policies.items = []models.RetentionPolicy{
		{ID: "p1", Enabled: true, Priority: 1, ResourceType: models.ResourceEnvironment, Condition: models.ConditionAgeDays, Threshold: 1},
	}

	metrics, err := r.RunCleanupCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCleanupCycle() error = %v", err)
	}
	if metrics.EnvironmentsCleaned != 1 {
		t.Fatalf("EnvironmentsCleaned = %d, want 1 (only the stopped environment)", metrics.EnvironmentsCleaned)
	}
	if _, ok := envStore.items["env-creating"]; !ok {
		t.Fatalf("creating environment was deleted, want kept")
	}
	if _, ok := envStore.items["env-stopped"]; ok {
		t.Fatalf("stopped environment was not deleted")
	}
}

func TestRunCleanupCycleEnvironmentsRespectAgeCondition(t *testing.T) {
	r, policies, _, _, _, envStore := newTestReconciler()
	envStore.items["env-old"] = models.Environment{ID: "env-old", Status: models.EnvironmentStopped, CreatedAt: time.Now().AddDate(0, 0, -90)}
	envStore.items["env-fresh"] = models.Environment{ID: "env-fresh", Status: models.EnvironmentStopped, CreatedAt: time.Now()}

	policies.items = []models.RetentionPolicy{
		{ID: "p1", Enabled: true, Priority: 1, ResourceType: models.ResourceEnvironment, Condition: models.ConditionAgeDays, Threshold: 30},
	}

	metrics, err := r.RunCleanupCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCleanupCycle() error = %v", err)
	}
	if metrics.EnvironmentsCleaned != 1 {
		t.Fatalf("EnvironmentsCleaned = %d, want 1 (only the 90-day-old environment)", metrics.EnvironmentsCleaned)
	}
	if _, ok := envStore.items["env-old"]; ok {
		t.Fatalf("old environment was not deleted")
	}
	if _, ok := envStore.items["env-fresh"]; !ok {
		t.Fatalf("fresh environment was deleted despite not matching age_days condition")
	}
}

func TestPreviewPolicyDoesNotDelete(t *testing.T) {
	r, policies, runs, _, _, _ := newTestReconciler()
	runs.items["run-old"] = models.Run{ID: "run-old", Status: models.RunSucceeded, CreatedAt: time.Now().AddDate(0, 0, -90)}
	policies.items = []models.RetentionPolicy{
		{ID: "p1", Enabled: true, Priority: 1, ResourceType: models.ResourceRun, Condition: models.ConditionAgeDays, Threshold: 30},
	}

	result, err := r.PreviewPolicy(context.Background(), "p1")
	if err != nil {
		t.Fatalf("PreviewPolicy() error = %v", err)
	}
	if result.MatchingCount != 1 {
		t.Fatalf("MatchingCount = %d, want 1", result.MatchingCount)
	}
	if _, ok := runs.items["run-old"]; !ok {
		t.Fatalf("PreviewPolicy deleted a resource, it must be read-only")
	}
}

func TestPreviewPolicyUnknownIDReturnsNotFound(t *testing.T) {
	r, _, _, _, _, _ := newTestReconciler()
	_, err := r.PreviewPolicy(context.Background(), "missing")
	if !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		t.Fatalf("PreviewPolicy() error = %v, want NotFound", err)
	}
}
