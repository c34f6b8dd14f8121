package engine

import "fmt"

// InvalidTransitionError indicates an operation that is not legal from the
// entity's current state, including reviewer-equals-subject rejections.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
	Reason string
}

func (e InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid %s transition %s -> %s: %s", e.Entity, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// CapacityExceededError indicates a user already holds the maximum number of
// connections on a task.
type CapacityExceededError struct {
	TaskCID string
	UserCID string
}

func (e CapacityExceededError) Error() string {
	return fmt.Sprintf("user %s already has %d connections on task %s", e.UserCID, MaxConnectionsPerUser, e.TaskCID)
}
