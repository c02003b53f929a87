package schema

// Event type constants for the session event log.
const (
	EventSessionStarted   = "session_started"
	EventSessionCompleted = "session_completed"
	EventSessionFailed    = "session_failed"
	EventSessionResumed   = "session_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	EventAutoExecuteArmed   = "auto_execute_armed"
	EventAutoExecuteStopped = "auto_execute_stopped"
)
