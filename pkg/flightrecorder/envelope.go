// Package flightrecorder defines the typed event envelope, its closed-set
// payload validators, and the Recorder port that the embedded analytical
// store (pkg/flightrecorder/store) implements.
package flightrecorder

import (
	"time"

	"github.com/google/uuid"
)

// Actor identifies who performed the action an event describes.
type Actor string

const (
	ActorHuman  Actor = "human"
	ActorAgent  Actor = "agent"
	ActorSystem Actor = "system"
)

// EventType is the closed tag set from spec.md §4.6. Families with a "*"
// suffix in the spec (micro_task_*, locus_*, gov_*, cloud_escalation_*,
// runtime_chat_*, model_swap_*, data_*, loom_*) are represented here by
// their concrete members — the ones this core actually emits — plus
// prefix-based family rules in payload.go for members not individually
// enumerated.
type EventType string

const (
	EventSystem               EventType = "system"
	EventLLMInference         EventType = "llm_inference"
	EventTerminalCommand      EventType = "terminal_command"
	EventEditorEdit           EventType = "editor_edit"
	EventDiagnostic           EventType = "diagnostic"
	EventCapabilityAction     EventType = "capability_action"
	EventSecurityViolation    EventType = "security_violation"
	EventWorkflowRecovery     EventType = "workflow_recovery"
	EventDebugBundleExport    EventType = "debug_bundle_export"
	EventGovernancePackExport EventType = "governance_pack_export"

	EventCloudEscalationRequested EventType = "cloud_escalation_requested"
	EventCloudEscalationApproved  EventType = "cloud_escalation_approved"
	EventCloudEscalationExecuted  EventType = "cloud_escalation_executed"

	EventModelSwapRequested EventType = "model_swap_requested"
	EventModelSwapCompleted EventType = "model_swap_completed"

	EventRuntimeChatMessage EventType = "runtime_chat_message"

	EventMicroTaskStarted   EventType = "micro_task_started"
	EventMicroTaskCompleted EventType = "micro_task_completed"

	EventLocusCreated    EventType = "locus_created"
	EventGovPolicyDecision EventType = "gov_policy_decision"
	EventLoomThreadCreated EventType = "loom_thread_created"

	EventDataBronzeCreated         EventType = "data_bronze_created"
	EventDataSilverCreated         EventType = "data_silver_created"
	EventDataSilverUpdated         EventType = "data_silver_updated"
	EventDataEmbeddingComputed     EventType = "data_embedding_computed"
	EventDataValidationFailed      EventType = "data_validation_failed"
	EventDataRelationshipExtracted EventType = "data_relationship_extracted"
	EventDataIndexRebuilt          EventType = "data_index_rebuilt"
	EventDataIndexUpdated          EventType = "data_index_updated"
	EventDataRetrievalExecuted     EventType = "data_retrieval_executed"
	EventDataContextAssembled      EventType = "data_context_assembled"
	EventDataPollutionAlert        EventType = "data_pollution_alert"
	EventDataEmbeddingModelChanged EventType = "data_embedding_model_changed"
	EventDataReembeddingTriggered  EventType = "data_reembedding_triggered"
	EventDataQualityMetrics        EventType = "data_quality_metrics"

	EventGovMailboxExported EventType = "gov_mailbox_exported"
)

// knownFamilyPrefixes lists the "*"-suffixed families from spec.md §4.6 whose
// membership is open (new concrete types can be added without a schema
// change) but whose actor/shape rules are still enforced by prefix.
var knownFamilyPrefixes = []string{
	"micro_task_", "locus_", "gov_", "cloud_escalation_",
	"runtime_chat_", "model_swap_", "data_", "loom_",
}

// knownExactTypes is every concrete EventType this core can emit or accept,
// used by IsKnownEventType for types that aren't covered by a family prefix.
var knownExactTypes = map[EventType]bool{
	EventSystem: true, EventLLMInference: true, EventTerminalCommand: true,
	EventEditorEdit: true, EventDiagnostic: true, EventCapabilityAction: true,
	EventSecurityViolation: true, EventWorkflowRecovery: true,
	EventDebugBundleExport: true, EventGovernancePackExport: true,
}

// IsKnownEventType reports whether t belongs to the closed set: either one
// of the individually enumerated types, or a member of a known "*" family.
func IsKnownEventType(t EventType) bool {
	if knownExactTypes[t] {
		return true
	}
	s := string(t)
	for _, prefix := range knownFamilyPrefixes {
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// Envelope is the §3 Flight Recorder Event entity. The struct tags below are
// enforced by go-playground/validator/v10 in ValidateEnvelope; the dynamic,
// per-event-type Payload contract can't be expressed as static tags and is
// dispatched separately to validatePayload.
type Envelope struct {
	EventID          uuid.UUID              `json:"event_id" validate:"required"`
	TraceID          uuid.UUID              `json:"trace_id" validate:"required"`
	Timestamp        time.Time              `json:"timestamp"`
	Actor            Actor                  `json:"actor" validate:"oneof=human agent system"`
	ActorID          string                 `json:"actor_id" validate:"required"`
	EventType        EventType              `json:"event_type" validate:"required"`
	JobID            string                 `json:"job_id,omitempty"`
	WorkflowID       string                 `json:"workflow_id,omitempty"`
	ModelID          string                 `json:"model_id,omitempty"`
	ActivitySpanID   string                 `json:"activity_span_id,omitempty"`
	SessionSpanID    string                 `json:"session_span_id,omitempty"`
	CapabilityID     string                 `json:"capability_id,omitempty"`
	PolicyDecisionID string                 `json:"policy_decision_id,omitempty"`
	WSIDs            []string               `json:"wsids,omitempty"`
	Payload          map[string]interface{} `json:"payload"`
}
