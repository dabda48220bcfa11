// Package quota implements per-user resource quota enforcement, grounded
// line-for-line on original_source/services/quota.py's QuotaService.
package quota

import (
	"fmt"
	"time"

	"github.com/psschwei/mellea-playground-core/internal/apperrors"
	"github.com/psschwei/mellea-playground-core/internal/models"
)

// runLister is the narrow surface Engine needs on the Run collection to
// count a user's active runs.
type runLister interface {
	Find(predicate func(models.Run) bool) []models.Run
}

// usageStore is the narrow surface Engine needs on the QuotaUsage
// collection.
type usageStore interface {
	GetByID(id string) (models.QuotaUsage, error)
	Create(id string, item models.QuotaUsage) (models.QuotaUsage, error)
	Update(id string, item models.QuotaUsage) (models.QuotaUsage, error)
}

// Engine enforces concurrent/daily/monthly quotas for Run creation and
// tracks CPU-hour consumption.
type Engine struct {
	Usage usageStore
	Runs  runLister
}

func New(usage usageStore, runs runLister) *Engine {
	return &Engine{Usage: usage, Runs: runs}
}

func todayKey() string { return time.Now().UTC().Format("2006-01-02") }
func monthKey() string { return time.Now().UTC().Format("2006-01") }

// GetUserUsage returns usage for userID, rolling the daily/monthly
// counters over on read (never persisted until the next record* call, so
// a user who never runs anything never gets a write — matching the
// original's read-side-only rollover).
func (e *Engine) GetUserUsage(userID string) models.QuotaUsage {
	usage, err := e.Usage.GetByID(userID)
	if err != nil {
		return models.QuotaUsage{
			ID:               userID,
			UserID:           userID,
			RunsTodayDate:    todayKey(),
			CPUHoursMonthKey: monthKey(),
		}
	}

	if usage.RunsTodayDate != todayKey() {
		usage.RunsToday = 0
		usage.RunsTodayDate = todayKey()
	}
	if usage.CPUHoursMonthKey != monthKey() {
		usage.CPUHoursMonth = 0
		usage.CPUHoursMonthKey = monthKey()
	}
	return usage
}

func (e *Engine) saveUsage(usage models.QuotaUsage) error {
	usage.LastUpdated = time.Now()
	if _, err := e.Usage.GetByID(usage.UserID); err != nil {
		_, err := e.Usage.Create(usage.UserID, usage)
		return err
	}
	_, err := e.Usage.Update(usage.UserID, usage)
	return err
}

func (e *Engine) concurrentRunsCount(userID string) int {
	active := e.Runs.Find(func(r models.Run) bool {
		return r.OwnerID == userID && !r.Status.IsTerminal()
	})
	return len(active)
}

// CheckConcurrentRuns returns a QuotaExceeded AppError if userID is
// already at their concurrent-run limit. A limit <= 0 means no ceiling is
// configured for this user and the check always passes.
func (e *Engine) CheckConcurrentRuns(userID string, quotas models.UserQuotas) error {
	current := e.concurrentRunsCount(userID)
	limit := quotas.MaxConcurrentRuns
	if limit <= 0 {
		return nil
	}
	if current >= limit {
		return apperrors.NewQuotaExceededError("concurrent_runs", float64(current), float64(limit),
			fmt.Sprintf("Concurrent run limit reached. You have %d active runs (limit: %d). Wait for existing runs to complete.", current, limit))
	}
	return nil
}

// CheckDailyRuns returns a QuotaExceeded AppError if userID has already
// created MaxRunsPerDay runs today. A limit <= 0 means no ceiling is
// configured for this user and the check always passes.
func (e *Engine) CheckDailyRuns(userID string, quotas models.UserQuotas) error {
	usage := e.GetUserUsage(userID)
	current := usage.RunsToday
	limit := quotas.MaxRunsPerDay
	if limit <= 0 {
		return nil
	}
	if current >= limit {
		return apperrors.NewQuotaExceededError("daily_runs", float64(current), float64(limit),
			fmt.Sprintf("Daily run limit reached. You've created %d runs today (limit: %d). Try again tomorrow.", current, limit))
	}
	return nil
}

// CheckMonthlyCPUHours returns a QuotaExceeded AppError if adding
// requested hours to this month's usage would exceed the limit. A limit
// <= 0 means no ceiling is configured for this user and the check always
// passes.
func (e *Engine) CheckMonthlyCPUHours(userID string, quotas models.UserQuotas, requested float64) error {
	usage := e.GetUserUsage(userID)
	current := usage.CPUHoursMonth
	limit := quotas.MaxCPUHoursPerMonth
	if limit <= 0 {
		return nil
	}
	if current+requested > limit {
		return apperrors.NewQuotaExceededError("cpu_hours", current, limit,
			fmt.Sprintf("Monthly CPU hour limit reached. You've used %.2f hours (limit: %.2f hours). Quota resets next month.", current, limit))
	}
	return nil
}

// CheckCanCreateRun runs all three checks in order: concurrent, daily,
// then monthly CPU hours, per spec.md's ordering and fairness rule.
func (e *Engine) CheckCanCreateRun(userID string, quotas models.UserQuotas) error {
	if err := e.CheckConcurrentRuns(userID, quotas); err != nil {
		return err
	}
	if err := e.CheckDailyRuns(userID, quotas); err != nil {
		return err
	}
	return e.CheckMonthlyCPUHours(userID, quotas, 0)
}

// RecordRunCreated increments the daily run counter for userID.
func (e *Engine) RecordRunCreated(userID string) error {
	usage := e.GetUserUsage(userID)
	usage.RunsToday++
	return e.saveUsage(usage)
}

// RecordCPUHours adds cpuHours to this month's usage for userID.
func (e *Engine) RecordCPUHours(userID string, cpuHours float64) error {
	usage := e.GetUserUsage(userID)
	usage.CPUHoursMonth += cpuHours
	return e.saveUsage(usage)
}

// CalculateCPUHours computes (completedAt-startedAt) in hours times
// cpuCores. Returns 0 for a nil/zero time pair.
func (e *Engine) CalculateCPUHours(startedAt, completedAt time.Time, cpuCores float64) float64 {
	if startedAt.IsZero() || completedAt.IsZero() {
		return 0
	}
	hours := completedAt.Sub(startedAt).Hours()
	return hours * cpuCores
}

// QuotaWindow is one entry of the GetQuotaStatus summary.
type QuotaWindow struct {
	Current   float64 `json:"current"`
	Limit     float64 `json:"limit"`
	Remaining float64 `json:"remaining"`
	ResetsAt  string  `json:"resetsAt,omitempty"`
}

// Status is the full dashboard-facing quota summary, a pure read so a
// transport layer can expose it without reaching into internals.
type Status struct {
	ConcurrentRuns QuotaWindow `json:"concurrentRuns"`
	DailyRuns      QuotaWindow `json:"dailyRuns"`
	CPUHoursMonth  QuotaWindow `json:"cpuHoursMonth"`
	StorageLimitMB int64       `json:"storageLimitMb"`
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// GetQuotaStatus returns the current usage/limit/remaining view for every
// quota dimension, matching the dashboard payload the original exposes.
func (e *Engine) GetQuotaStatus(userID string, quotas models.UserQuotas) Status {
	usage := e.GetUserUsage(userID)
	concurrent := e.concurrentRunsCount(userID)

	return Status{
		ConcurrentRuns: QuotaWindow{
			Current:   float64(concurrent),
			Limit:     float64(quotas.MaxConcurrentRuns),
			Remaining: maxf(0, float64(quotas.MaxConcurrentRuns-concurrent)),
		},
		DailyRuns: QuotaWindow{
			Current:   float64(usage.RunsToday),
			Limit:     float64(quotas.MaxRunsPerDay),
			Remaining: maxf(0, float64(quotas.MaxRunsPerDay-usage.RunsToday)),
			ResetsAt:  usage.RunsTodayDate,
		},
		CPUHoursMonth: QuotaWindow{
			Current:   usage.CPUHoursMonth,
			Limit:     quotas.MaxCPUHoursPerMonth,
			Remaining: maxf(0, quotas.MaxCPUHoursPerMonth-usage.CPUHoursMonth),
			ResetsAt:  usage.CPUHoursMonthKey,
		},
		StorageLimitMB: quotas.MaxStorageMB,
	}
}
