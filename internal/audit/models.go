package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventCategory classifies audit events by their primary purpose. This drives
// retention handling and routing to the compliance stream.
type EventCategory string

const (
	// CategoryCompliance covers events with regulatory significance: every
	// mandate, batch and transaction state change. Long retention, archived
	// rather than deleted.
	CategoryCompliance EventCategory = "compliance"

	// CategoryOperations covers events useful for debugging and operational
	// visibility: file generation, sweep runs, deferrals.
	CategoryOperations EventCategory = "operations"
)

// EntityType names the kind of record an event is about.
type EntityType string

const (
	EntityMandate      EntityType = "mandate"
	EntityCharge       EntityType = "charge"
	EntityBatch        EntityType = "batch"
	EntityTransaction  EntityType = "transaction"
	EntityRetryAttempt EntityType = "retry_attempt"
)

// Event is one immutable record of a state change. Emitted synchronously by
// the component performing the transition, before the error (if any)
// propagates to the caller.
type Event struct {
	ID         uuid.UUID
	Timestamp  time.Time
	Category   EventCategory
	Actor      string
	EntityType EntityType
	EntityID   string
	PriorState string
	NewState   string
	Action     Action
	Reason     string
	RequestID  string
	Archived   bool
}

// Action identifies what happened. The closed set below is the full audit
// vocabulary of the pipeline.
type Action string

const (
	// Mandate lifecycle
	ActionMandateRegistered    Action = "mandate_registered"
	ActionMandateActivated     Action = "mandate_activated"
	ActionMandateSuspended     Action = "mandate_suspended"
	ActionMandateResumed       Action = "mandate_resumed"
	ActionMandateCancelled     Action = "mandate_cancelled"
	ActionMandateExpired       Action = "mandate_expired"
	ActionMandateUsageRecorded Action = "mandate_usage_recorded"

	// Charge pool
	ActionChargeAccepted  Action = "charge_accepted"
	ActionChargeClaimed   Action = "charge_claimed"
	ActionChargeReleased  Action = "charge_released"
	ActionChargeOversized Action = "charge_oversized"

	// Batch lifecycle
	ActionBatchComposed        Action = "batch_composed"
	ActionBatchValidated       Action = "batch_validated"
	ActionBatchSubmitted       Action = "batch_submitted"
	ActionBatchProcessing      Action = "batch_processing"
	ActionBatchRejected        Action = "batch_rejected"
	ActionBatchCompleted       Action = "batch_completed"
	ActionBatchPartiallyFailed Action = "batch_partially_failed"
	ActionBatchCancelled       Action = "batch_cancelled"
	ActionFileGenerated        Action = "file_generated"

	// Transaction outcomes
	ActionTransactionSettled Action = "transaction_settled"
	ActionTransactionFailed  Action = "transaction_failed"

	// Retry scheduling
	ActionRetryScheduled Action = "retry_scheduled"
	ActionRetryReleased  Action = "retry_released"
	ActionRetryExhausted Action = "retry_exhausted"

	// Reconciliation
	ActionReturnUnmatched Action = "return_unmatched"
)

// actionCategories maps each action to its category. Anything not listed is
// operations; compliance membership is deliberate, not a default.
var actionCategories = map[Action]EventCategory{
	ActionMandateRegistered:    CategoryCompliance,
	ActionMandateActivated:     CategoryCompliance,
	ActionMandateSuspended:     CategoryCompliance,
	ActionMandateResumed:       CategoryCompliance,
	ActionMandateCancelled:     CategoryCompliance,
	ActionMandateExpired:       CategoryCompliance,
	ActionMandateUsageRecorded: CategoryCompliance,
	ActionBatchComposed:        CategoryCompliance,
	ActionBatchValidated:       CategoryCompliance,
	ActionBatchSubmitted:       CategoryCompliance,
	ActionBatchProcessing:      CategoryCompliance,
	ActionBatchRejected:        CategoryCompliance,
	ActionBatchCompleted:       CategoryCompliance,
	ActionBatchPartiallyFailed: CategoryCompliance,
	ActionBatchCancelled:       CategoryCompliance,
	ActionTransactionSettled:   CategoryCompliance,
	ActionTransactionFailed:    CategoryCompliance,
	ActionRetryExhausted:       CategoryCompliance,
	ActionReturnUnmatched:      CategoryCompliance,
}

// Category returns the event category for an action.
func (a Action) Category() EventCategory {
	if c, ok := actionCategories[a]; ok {
		return c
	}
	return CategoryOperations
}
