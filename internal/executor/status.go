package executor

import "exploit-executor/internal/model"

// AggregateStatus derives a job's final status from its executions: FAILED if
// any failed, else CANCELLED if any was cancelled, else FINISHED. TIMEOUT
// executions do not change the outcome; a job is only TIMEOUT when its
// deadline had passed before it started.
func AggregateStatus(statuses []model.Status) model.Status {
	var cancelled bool
	for _, s := range statuses {
		switch s {
		case model.StatusFailed:
			return model.StatusFailed
		case model.StatusCancelled:
			cancelled = true
		}
	}
	if cancelled {
		return model.StatusCancelled
	}
	return model.StatusFinished
}
