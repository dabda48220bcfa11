package executor

import (
	"github.com/psschwei/mellea-playground-core/internal/k8sjob"
	"github.com/psschwei/mellea-playground-core/internal/models"
)

// validRunTransitions is VALID_RUN_TRANSITIONS translated verbatim from
// original_source/models/run.py.
var validRunTransitions = map[models.RunStatus]map[models.RunStatus]bool{
	models.RunQueued: {
		models.RunStarting:  true,
		models.RunCancelled: true,
	},
	models.RunStarting: {
		models.RunRunning:   true,
		models.RunSucceeded: true,
		models.RunFailed:    true,
		models.RunCancelled: true,
	},
	models.RunRunning: {
		models.RunSucceeded: true,
		models.RunFailed:    true,
		models.RunCancelled: true,
	},
	models.RunSucceeded: {},
	models.RunFailed:    {},
	models.RunCancelled: {},
}

func canTransition(from, to models.RunStatus) bool {
	return validRunTransitions[from][to]
}

// jobStatusToRunStatus is JOB_STATUS_TO_RUN_STATUS translated verbatim.
var jobStatusToRunStatus = map[k8sjob.JobStatus]models.RunStatus{
	k8sjob.JobPending:   models.RunStarting,
	k8sjob.JobRunning:   models.RunRunning,
	k8sjob.JobSucceeded: models.RunSucceeded,
	k8sjob.JobFailed:    models.RunFailed,
}
