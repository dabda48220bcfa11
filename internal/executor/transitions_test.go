package executor

import (
	"testing"

	"github.com/psschwei/mellea-playground-core/internal/k8sjob"
	"github.com/psschwei/mellea-playground-core/internal/models"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to models.RunStatus
		want     bool
	}{
		{models.RunQueued, models.RunStarting, true},
		{models.RunQueued, models.RunCancelled, true},
		{models.RunQueued, models.RunRunning, false},
		{models.RunStarting, models.RunRunning, true},
		{models.RunRunning, models.RunSucceeded, true},
		{models.RunSucceeded, models.RunFailed, false},
		{models.RunCancelled, models.RunQueued, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestJobStatusToRunStatusCoversEveryActiveState(t *testing.T) {
	cases := map[k8sjob.JobStatus]models.RunStatus{
		k8sjob.JobPending:   models.RunStarting,
		k8sjob.JobRunning:   models.RunRunning,
		k8sjob.JobSucceeded: models.RunSucceeded,
		k8sjob.JobFailed:    models.RunFailed,
	}
	for jobStatus, want := range cases {
		if got := jobStatusToRunStatus[jobStatus]; got != want {
			t.Errorf("jobStatusToRunStatus[%s] = %s, want %s", jobStatus, got, want)
		}
	}
}
