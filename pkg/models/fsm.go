package models

import (
	"fmt"
)

// validJobTransitions maps from-status to allowed to-statuses
var validJobTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusRunning:  true, // Queued → Running (executor picks up job)
		JobStatusFailed:   true, // Queued → Failed (executor rejects spec)
		JobStatusCanceled: true, // Queued → Canceled (cancel acked before start)
	},
	JobStatusRunning: {
		JobStatusCompleted: true, // Running → Completed (artifact produced)
		JobStatusFailed:    true, // Running → Failed (execution failure)
		JobStatusCanceled:  true, // Running → Canceled (executor acked cancel)
	},
	// Terminal statuses (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCanceled:  {},
}

// ValidateJobTransition checks if a job status transition is valid
func ValidateJobTransition(from, to JobStatus) error {
	allowed, exists := validJobTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source status: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalStatus returns true if the job status is terminal
func IsTerminalStatus(status JobStatus) bool {
	return status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCanceled
}

// validProvisioningTransitions maps from-state to allowed to-states for
// endpoints and deployments. Both entity kinds share the same machine.
var validProvisioningTransitions = map[ProvisioningState]map[ProvisioningState]bool{
	StateCreating: {
		StateSucceeded: true, // Creating → Succeeded (provisioning done)
		StateFailed:    true, // Creating → Failed (provisioning error)
	},
	StateUpdating: {
		StateSucceeded: true, // Updating → Succeeded
		StateFailed:    true, // Updating → Failed
	},
	StateSucceeded: {
		StateUpdating: true, // Succeeded → Updating (createOrUpdate on existing)
		StateDeleting: true, // Succeeded → Deleting (delete request)
	},
	StateFailed: {
		StateUpdating: true, // Failed → Updating (caller retries createOrUpdate)
		StateDeleting: true, // Failed → Deleting
	},
	StateDeleting: {
		StateDeleted: true, // Deleting → Deleted (terminal)
		StateFailed:  true, // Deleting → Failed (teardown error)
	},
	StateDeleted: {},
}

// ValidateProvisioningTransition checks if a provisioning state transition is valid
func ValidateProvisioningTransition(from, to ProvisioningState) error {
	allowed, exists := validProvisioningTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsInFlight returns true while a provisioning operation owns the entity and
// concurrent mutation must be rejected.
func IsInFlight(state ProvisioningState) bool {
	return state == StateCreating || state == StateUpdating || state == StateDeleting
}
