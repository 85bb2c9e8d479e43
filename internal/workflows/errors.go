package workflows

import (
	"fmt"
)

// ActivityError records a sweep job that failed after its retries ran out.
// The workflow keeps sweeping; the next pass retries the job.
type ActivityError struct {
	Activity string `json:"activity"`
	Message  string `json:"message"`
}

// Error implements the error interface.
func (e ActivityError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Activity, e.Message)
}

// WrapActivityError wraps an activity error with the job name.
func WrapActivityError(activity string, err error) error {
	return fmt.Errorf("%s: %w", activity, err)
}

// newActivityError formats err for inclusion in SweepResult.Errors.
func newActivityError(activity string, err error) ActivityError {
	return ActivityError{Activity: activity, Message: err.Error()}
}

// Error handling in the sweep workflow:
//
//   - Activity failures are retried by Temporal per the retry policy.
//   - A job whose retries are exhausted is recorded in SweepResult.Errors
//     and the workflow moves on to the next job. Every job is idempotent,
//     so the next sweep picks up whatever this one missed.
//   - Only cancellation of the workflow itself ends the loop with an error.
