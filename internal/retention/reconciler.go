// Package retention implements priority-ordered policy evaluation and
// cleanup over Artifacts, Runs, Environments, and LLM usage metrics,
// grounded on original_source/models/retention_policy.py's RetentionPolicy
// and condition enums.
package retention

import (
	"context"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/psschwei/mellea-playground-core/internal/apperrors"
	"github.com/psschwei/mellea-playground-core/internal/artifact"
	"github.com/psschwei/mellea-playground-core/internal/environment"
	"github.com/psschwei/mellea-playground-core/internal/models"
)

type policyStore interface {
	ListAll() []models.RetentionPolicy
}

type runStore interface {
	Find(predicate func(models.Run) bool) []models.Run
	Delete(id string) error
}

type artifactStore interface {
	Find(predicate func(models.Artifact) bool) []models.Artifact
	Delete(id string) error
}

type llmMetricStore interface {
	Find(predicate func(models.LLMUsageMetric) bool) []models.LLMUsageMetric
	Delete(id string) error
}

// Metrics is the cycle-level summary RunCleanupCycle returns.
type Metrics struct {
	PoliciesEvaluated   int
	ArtifactsDeleted    int
	RunsDeleted         int
	EnvironmentsCleaned int
	LogsDeleted         int
	StorageFreedBytes   int64
	Errors              []string
	Duration            time.Duration
}

// PreviewResult is the pure-read preview of what a policy would match.
type PreviewResult struct {
	MatchingCount  int
	TotalSizeBytes int64
	ResourceIDs    []string
}

// Reconciler evaluates RetentionPolicy rows in priority order and deletes
// matching resources, deduplicating so a resource matched by an
// earlier, higher-priority policy is never evaluated again in the same
// cycle.
type Reconciler struct {
	Policies     policyStore
	Runs         runStore
	Artifacts    artifactStore
	LLMMetrics   llmMetricStore
	Environments *environment.Manager
	ArtifactColl *artifact.Collector
	Log          logr.Logger
}

// sortedPolicies returns enabled policies ordered by Priority desc, ties
// broken by CreatedAt ascending for determinism (spec.md is silent on
// tie-breaking; this is the documented choice).
func (r *Reconciler) sortedPolicies() []models.RetentionPolicy {
	policies := r.Policies.ListAll()
	var enabled []models.RetentionPolicy
	for _, p := range policies {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	sort.Slice(enabled, func(i, j int) bool {
		if enabled[i].Priority != enabled[j].Priority {
			return enabled[i].Priority > enabled[j].Priority
		}
		return enabled[i].CreatedAt.Before(enabled[j].CreatedAt)
	})
	return enabled
}

// matchRuns returns the Runs matching policy's condition.
func (r *Reconciler) matchRuns(policy models.RetentionPolicy) []models.Run {
	return r.Runs.Find(func(run models.Run) bool {
		if policy.UserID != nil && run.OwnerID != *policy.UserID {
			return false
		}
		switch policy.Condition {
		case models.ConditionAgeDays:
			return run.IsTerminal() && olderThanDays(run.CreatedAt, policy.Threshold)
		case models.ConditionStatus:
			return string(run.Status) == policy.StatusValue
		case models.ConditionUnusedDays:
			ref := run.CompletedAt
			if ref == nil {
				ref = &run.CreatedAt
			}
			return run.IsTerminal() && olderThanDays(*ref, policy.Threshold)
		default:
			return false
		}
	})
}

func (r *Reconciler) matchArtifacts(policy models.RetentionPolicy) []models.Artifact {
	return r.Artifacts.Find(func(a models.Artifact) bool {
		if a.Deleted {
			return false
		}
		if policy.UserID != nil && a.OwnerID != *policy.UserID {
			return false
		}
		switch policy.Condition {
		case models.ConditionAgeDays:
			return olderThanDays(a.CreatedAt, policy.Threshold)
		case models.ConditionSizeBytes:
			return a.SizeBytes > policy.Threshold
		case models.ConditionUnusedDays:
			return olderThanDays(a.CreatedAt, policy.Threshold)
		default:
			return false
		}
	})
}

func (r *Reconciler) matchEnvironments(policy models.RetentionPolicy) []models.Environment {
	var matched []models.Environment
	for _, e := range r.Environments.ListEnvironments(nil, nil) {
		switch policy.Condition {
		case models.ConditionAgeDays:
			if !olderThanDays(e.CreatedAt, policy.Threshold) {
				continue
			}
		case models.ConditionStatus:
			if string(e.Status) != policy.StatusValue {
				continue
			}
		case models.ConditionUnusedDays:
			if !olderThanDays(e.UpdatedAt, policy.Threshold) {
				continue
			}
		default:
			continue
		}
		matched = append(matched, e)
	}
	return matched
}

func (r *Reconciler) matchLLMMetrics(policy models.RetentionPolicy) []models.LLMUsageMetric {
	return r.LLMMetrics.Find(func(m models.LLMUsageMetric) bool {
		if policy.UserID != nil && m.UserID != *policy.UserID {
			return false
		}
		if policy.Condition != models.ConditionAgeDays {
			return false
		}
		return olderThanDays(m.CreatedAt, policy.Threshold)
	})
}

func olderThanDays(t time.Time, days int64) bool {
	return t.Before(time.Now().AddDate(0, 0, -int(days)))
}

// deletableEnvironmentStatuses restricts Environment deletion to the
// three terminal-ish statuses spec.md §4.7 allows.
var deletableEnvironmentStatuses = map[models.EnvironmentStatus]bool{
	models.EnvironmentReady:   true,
	models.EnvironmentStopped: true,
	models.EnvironmentFailed:  true,
}

// PreviewPolicy is a pure read reporting what RunCleanupCycle would match
// for one policy, without deleting anything.
func (r *Reconciler) PreviewPolicy(ctx context.Context, policyID string) (*PreviewResult, error) {
	var policy models.RetentionPolicy
	found := false
	for _, p := range r.Policies.ListAll() {
		if p.ID == policyID {
			policy = p
			found = true
			break
		}
	}
	if !found {
		return nil, apperrors.NewNotFoundError(policyID)
	}

	result := &PreviewResult{}
	switch policy.ResourceType {
	case models.ResourceRun:
		for _, run := range r.matchRuns(policy) {
			result.MatchingCount++
			result.ResourceIDs = append(result.ResourceIDs, run.ID)
		}
	case models.ResourceArtifact:
		for _, a := range r.matchArtifacts(policy) {
			result.MatchingCount++
			result.TotalSizeBytes += a.SizeBytes
			result.ResourceIDs = append(result.ResourceIDs, a.ID)
		}
	case models.ResourceEnvironment:
		for _, e := range r.matchEnvironments(policy) {
			if !deletableEnvironmentStatuses[e.Status] {
				continue
			}
			result.MatchingCount++
			result.ResourceIDs = append(result.ResourceIDs, e.ID)
		}
	case models.ResourceLLMMetric:
		for _, m := range r.matchLLMMetrics(policy) {
			result.MatchingCount++
			result.ResourceIDs = append(result.ResourceIDs, m.ID)
		}
	}
	return result, nil
}

// RunCleanupCycle evaluates every enabled policy in priority order and
// deletes matching resources, deduplicating across policies so a
// resource is only ever deleted once per cycle. Per-policy failures are
// recorded in Metrics.Errors and do not stop the cycle.
func (r *Reconciler) RunCleanupCycle(ctx context.Context) (*Metrics, error) {
	start := time.Now()
	metrics := &Metrics{}
	seen := make(map[string]bool)

	for _, policy := range r.sortedPolicies() {
		metrics.PoliciesEvaluated++

		switch policy.ResourceType {
		case models.ResourceRun:
			for _, run := range r.matchRuns(policy) {
				if seen[run.ID] {
					continue
				}
				seen[run.ID] = true
				freed, err := r.deleteRun(run, policy)
				metrics.StorageFreedBytes += freed
				if err != nil {
					metrics.Errors = append(metrics.Errors, err.Error())
					continue
				}
				metrics.RunsDeleted++
			}
		case models.ResourceArtifact:
			for _, a := range r.matchArtifacts(policy) {
				if seen[a.ID] {
					continue
				}
				seen[a.ID] = true
				if err := r.Artifacts.Delete(a.ID); err != nil {
					metrics.Errors = append(metrics.Errors, err.Error())
					continue
				}
				metrics.ArtifactsDeleted++
				metrics.StorageFreedBytes += a.SizeBytes
			}
		case models.ResourceEnvironment:
			for _, e := range r.matchEnvironments(policy) {
				if seen[e.ID] || !deletableEnvironmentStatuses[e.Status] {
					continue
				}
				seen[e.ID] = true
				if err := r.Environments.DeleteEnvironment(e.ID); err != nil {
					metrics.Errors = append(metrics.Errors, err.Error())
					continue
				}
				metrics.EnvironmentsCleaned++
			}
		case models.ResourceLLMMetric:
			for _, m := range r.matchLLMMetrics(policy) {
				if seen[m.ID] {
					continue
				}
				seen[m.ID] = true
				if err := r.LLMMetrics.Delete(m.ID); err != nil {
					metrics.Errors = append(metrics.Errors, err.Error())
					continue
				}
				metrics.LogsDeleted++
			}
		}
	}

	metrics.Duration = time.Since(start)
	return metrics, nil
}

// deleteRun deletes run and, per the policy's cascade flags, its Artifacts
// and LLM usage metrics, returning the total bytes freed by any cascaded
// artifact deletion.
func (r *Reconciler) deleteRun(run models.Run, policy models.RetentionPolicy) (int64, error) {
	var freed int64
	if policy.CascadeArtifacts {
		for _, a := range r.Artifacts.Find(func(a models.Artifact) bool { return a.RunID == run.ID }) {
			if err := r.Artifacts.Delete(a.ID); err != nil {
				r.Log.Error(err, "cascading artifact delete", "run_id", run.ID, "artifact_id", a.ID)
				continue
			}
			freed += a.SizeBytes
		}
	}
	if policy.CascadeLogs {
		for _, m := range r.LLMMetrics.Find(func(m models.LLMUsageMetric) bool { return m.RunID == run.ID }) {
			if err := r.LLMMetrics.Delete(m.ID); err != nil {
				r.Log.Error(err, "cascading llm metric delete", "run_id", run.ID, "metric_id", m.ID)
			}
		}
	}
	return freed, r.Runs.Delete(run.ID)
}
