package schema

// Event type constants for the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"

	EventPhaseStarted   = "phase_started"
	EventPhaseCompleted = "phase_completed"
	EventPhaseFailed    = "phase_failed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepRetrying  = "step_retrying"
	EventStepDeferred  = "step_deferred"

	EventRouteEvaluated = "route_evaluated"
)

// RunStatus represents the lifecycle state of an orchestrated run.
type RunStatus string

const (
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Phase names, in execution order.
const (
	PhaseSetup     = "setup"
	PhaseExecution = "execution"
	PhaseWrapUp    = "wrapup"
)
