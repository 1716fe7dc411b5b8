// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldCommandID     = "command_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldDroneID       = "drone_id"
	FieldPersonaID     = "persona_id"
	FieldSessionID     = "session_id"
	FieldTaskType      = "task_type"

	// Process / dispatch fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldReason    = "reason"
	FieldAttempt   = "attempt"

	// Admission fields
	FieldDomain   = "domain"
	FieldTokens   = "tokens"
	FieldPriority = "priority"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Queue fields
	FieldQueueDepth = "queue_depth"
	FieldGroup      = "group"
)
