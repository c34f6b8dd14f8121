// Package gate decides whether time-gated operations on a task are still
// permitted. It is pure: callers supply the current instant.
package gate

import (
	"fmt"
	"time"

	"pactline/internal/domain"
)

// Window identifies which deadline applies to an operation.
type Window string

const (
	// PartnerWindow gates partner-lifecycle operations: request, confirm,
	// deny, cancel, remove-broken. Closes at due minus the task's
	// partner-up offset.
	PartnerWindow Window = "partner"
	// CompletionWindow gates completion operations: mark-done, break.
	// Closes at due plus the grace period.
	CompletionWindow Window = "completion"
)

// DefaultGraceHours is the completion grace period after the due instant.
const DefaultGraceHours = 48

// DeadlineError reports a closed window. It is a failed precondition, not a
// process fault; callers surface it as a normal rejection.
type DeadlineError struct {
	TaskCID  string
	Window   Window
	Deadline time.Time
}

func (e DeadlineError) Error() string {
	return fmt.Sprintf("past deadline: %s window for task %s closed at %s", e.Window, e.TaskCID, e.Deadline.UTC().Format(time.RFC3339))
}

// Offset resolves a symbolic partner-up deadline to the duration before the
// due instant at which the partner window closes. Unrecognized or empty
// values resolve to one hour.
func Offset(partnerUpDeadline string) time.Duration {
	switch partnerUpDeadline {
	case domain.DeadlineTwoHours:
		return 2 * time.Hour
	case domain.DeadlineSixHours:
		return 6 * time.Hour
	case domain.DeadlineTwelveHours:
		return 12 * time.Hour
	case domain.DeadlineOneDay:
		return 24 * time.Hour
	case domain.DeadlineOneWeek:
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// PartnerDeadline returns the absolute instant at which the partner window
// for a task closes.
func PartnerDeadline(t domain.Task) (time.Time, error) {
	due, err := time.Parse(time.RFC3339, t.Due)
	if err != nil {
		return time.Time{}, fmt.Errorf("task %s due: %w", t.CID, err)
	}
	return due.Add(-Offset(t.PartnerUpDeadline)), nil
}

// CompletionDeadline returns the absolute instant at which the completion
// window closes. graceHours <= 0 selects the default.
func CompletionDeadline(t domain.Task, graceHours int) (time.Time, error) {
	due, err := time.Parse(time.RFC3339, t.Due)
	if err != nil {
		return time.Time{}, fmt.Errorf("task %s due: %w", t.CID, err)
	}
	if graceHours <= 0 {
		graceHours = DefaultGraceHours
	}
	return due.Add(time.Duration(graceHours) * time.Hour), nil
}

// Check rejects with DeadlineError when the given window for the task has
// already closed at instant now.
func Check(w Window, t domain.Task, graceHours int, now time.Time) error {
	var deadline time.Time
	var err error
	switch w {
	case PartnerWindow:
		deadline, err = PartnerDeadline(t)
	case CompletionWindow:
		deadline, err = CompletionDeadline(t, graceHours)
	default:
		return fmt.Errorf("unknown window %q", w)
	}
	if err != nil {
		return err
	}
	if now.After(deadline) {
		return DeadlineError{TaskCID: t.CID, Window: w, Deadline: deadline}
	}
	return nil
}
