package queue

import (
	"fmt"
	"time"
)

// RescheduleError asks the queue to run the same job again after Delay
// without counting a failed attempt.
type RescheduleError struct {
	Delay  time.Duration
	Reason string
}

func (e *RescheduleError) Error() string {
	return fmt.Sprintf("rescheduled in %s: %s", e.Delay, e.Reason)
}

// Reschedule is returned by handlers hitting a gating condition.
func Reschedule(delay time.Duration, reason string) error {
	return &RescheduleError{Delay: delay, Reason: reason}
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent sends the job straight to the dead letter set.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
