package flightrecorder

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/handshake-core/handshake/internal/apperrors"
)

// envelopeValidator enforces the static struct-tag constraints on Envelope
// (event_id/trace_id non-nil, actor_id non-empty, actor in the closed set).
// A single instance is safe for concurrent use and caches struct metadata.
var envelopeValidator = validator.New()

// FieldKind is the shape a payload field's value must satisfy.
type FieldKind int

const (
	KindNonEmptyString FieldKind = iota
	KindTimestamp
	KindUUID
	KindNumber
	KindBool
	KindNonEmptyArray
	KindNonEmptyStringArray
)

// FieldSpec names one required payload field and the shape it must satisfy.
type FieldSpec struct {
	Name string
	Kind FieldKind
}

// PayloadSchema is the per-event-type contract from spec.md §4.6: a set of
// required fields, whether extra keys are rejected (exact-match) or merely
// ignored (bounded-superset), and an optional actor constraint.
type PayloadSchema struct {
	Required      []FieldSpec
	ExactMatch    bool
	RequiredActor Actor // "" means any actor is permitted
}

// schemas holds the individually enumerated event types' payload contracts.
// Event types not present here fall back to familyDefaultSchema.
var schemas = map[EventType]PayloadSchema{
	EventLLMInference: {
		Required: []FieldSpec{
			{"model_id", KindNonEmptyString},
			{"prompt_tokens", KindNumber},
			{"completion_tokens", KindNumber},
		},
	},
	EventRuntimeChatMessage: {
		RequiredActor: ActorSystem,
		Required:      []FieldSpec{{"message", KindNonEmptyString}},
	},
	EventWorkflowRecovery: {
		RequiredActor: ActorSystem,
		Required:      []FieldSpec{{"workflow_id", KindNonEmptyString}, {"reason", KindNonEmptyString}},
	},
	EventCloudEscalationRequested: {
		RequiredActor: ActorSystem,
		Required:      []FieldSpec{{"reason", KindNonEmptyString}},
	},
	EventCloudEscalationExecuted: {
		RequiredActor: ActorSystem,
		Required:      []FieldSpec{{"reason", KindNonEmptyString}},
	},
	EventCloudEscalationApproved: {
		RequiredActor: ActorHuman,
		Required:      []FieldSpec{{"reason", KindNonEmptyString}},
	},
	EventModelSwapRequested: {
		RequiredActor: ActorSystem,
		Required:      []FieldSpec{{"from_model_id", KindNonEmptyString}, {"to_model_id", KindNonEmptyString}},
	},
	EventModelSwapCompleted: {
		RequiredActor: ActorSystem,
		Required:      []FieldSpec{{"to_model_id", KindNonEmptyString}},
	},

	EventDataBronzeCreated: {
		ExactMatch: true,
		Required: []FieldSpec{
			{"bronze_id", KindNonEmptyString},
			{"rel_path", KindNonEmptyString},
			{"content_hash", KindNonEmptyString},
			{"size_bytes", KindNumber},
		},
	},
	EventDataSilverCreated: {
		Required: []FieldSpec{
			{"silver_id", KindNonEmptyString},
			{"bronze_ref", KindNonEmptyString},
			{"chunk_index", KindNumber},
			{"strategy", KindNonEmptyString},
		},
	},
	EventDataSilverUpdated: {
		Required: []FieldSpec{
			{"silver_id", KindNonEmptyString},
			{"superseded_id", KindNonEmptyString},
		},
	},
	EventDataEmbeddingComputed: {
		Required: []FieldSpec{
			{"silver_id", KindNonEmptyString},
			{"model_id", KindNonEmptyString},
			{"model_version", KindNonEmptyString},
			{"was_truncated", KindBool},
		},
	},
	EventDataValidationFailed: {
		Required: []FieldSpec{
			{"rel_path", KindNonEmptyString},
			{"failed_checks", KindNonEmptyStringArray},
		},
	},
	EventDataRelationshipExtracted: {
		Required: []FieldSpec{
			{"relationship_type", KindNonEmptyString},
			{"source_id", KindNonEmptyString},
			{"target_id", KindNonEmptyString},
		},
	},
	EventDataIndexRebuilt: {
		Required: []FieldSpec{
			{"index_kind", KindNonEmptyString},
			{"records_indexed", KindNumber},
		},
	},
	EventDataIndexUpdated: {
		Required: []FieldSpec{
			{"index_kind", KindNonEmptyString},
			{"records_affected", KindNumber},
		},
	},
	EventDataRetrievalExecuted: {
		Required: []FieldSpec{
			{"request_id", KindNonEmptyString},
			{"result_count", KindNumber},
		},
	},
	EventDataContextAssembled: {
		Required: []FieldSpec{
			{"request_id", KindNonEmptyString},
			{"context_size_tokens", KindNumber},
		},
	},
	EventDataPollutionAlert: {
		Required: []FieldSpec{
			{"request_id", KindNonEmptyString},
			{"pollution_score", KindNumber},
		},
	},
	EventDataEmbeddingModelChanged: {
		Required: []FieldSpec{
			{"from_model_id", KindNonEmptyString},
			{"to_model_id", KindNonEmptyString},
			{"affected_count", KindNumber},
		},
	},
	EventDataReembeddingTriggered: {
		Required: []FieldSpec{
			{"model_id", KindNonEmptyString},
			{"model_version", KindNonEmptyString},
		},
	},
	EventDataQualityMetrics: {
		Required: []FieldSpec{
			{"workspace_id", KindNonEmptyString},
			{"silver_count", KindNumber},
			{"embedding_coverage", KindNumber},
		},
	},
	EventDebugBundleExport: {
		Required: []FieldSpec{
			{"bundle_id", KindNonEmptyString},
			{"redaction_mode", KindNonEmptyString},
			{"bundle_hash", KindNonEmptyString},
		},
	},
	EventGovernancePackExport: {
		Required: []FieldSpec{
			{"export_id", KindNonEmptyString},
			{"bundle_id", KindNonEmptyString},
		},
	},
	EventGovMailboxExported: {
		RequiredActor: ActorAgent,
		Required: []FieldSpec{
			{"export_root", KindNonEmptyString},
			{"export_manifest_sha256", KindNonEmptyString},
			{"thread_count", KindNumber},
			{"message_count", KindNumber},
		},
	},
}

// familyActorConstraints covers families whose actor rule applies uniformly
// across every (possibly not individually enumerated) member.
var familyActorConstraints = map[string]Actor{
	"runtime_chat_": ActorSystem,
	"model_swap_":   ActorSystem,
}

// ValidateEnvelope checks envelope-level invariants and dispatches to the
// per-event-type payload schema. It is the hard gate described in spec.md
// §4.7: stored events are never re-validated on read.
func ValidateEnvelope(e *Envelope) error {
	if err := envelopeValidator.Struct(e); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			switch fe.Field() {
			case "EventID":
				return apperrors.NewValidationError("event_id must be a non-nil uuid").WithCode(apperrors.CodeValidation)
			case "TraceID":
				return apperrors.NewValidationError("trace_id must be a non-nil uuid").WithCode(apperrors.CodeValidation)
			case "ActorID":
				return apperrors.NewValidationError("actor_id must not be empty").WithCode(apperrors.CodeValidation)
			case "Actor":
				return apperrors.NewValidationError(fmt.Sprintf("actor %q is not one of human|agent|system", e.Actor)).
					WithCode(apperrors.CodeValidation)
			default:
				return apperrors.NewValidationError(fe.Error()).WithCode(apperrors.CodeValidation)
			}
		}
		return apperrors.NewValidationError(err.Error()).WithCode(apperrors.CodeValidation)
	}
	if !IsKnownEventType(e.EventType) {
		return apperrors.NewValidationError(fmt.Sprintf("event_type %q is not in the closed set", e.EventType)).
			WithCode(apperrors.CodeValidation)
	}

	schema, constraint := resolveSchema(e.EventType)
	if constraint != "" && e.Actor != constraint {
		return apperrors.NewValidationError(
			fmt.Sprintf("event_type %q requires actor=%s, got %s", e.EventType, constraint, e.Actor)).
			WithCode(apperrors.CodeValidation)
	}

	return validatePayload(e.Payload, schema)
}

func resolveSchema(t EventType) (PayloadSchema, Actor) {
	if schema, ok := schemas[t]; ok {
		constraint := schema.RequiredActor
		return schema, constraint
	}
	s := string(t)
	for prefix, actor := range familyActorConstraints {
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			return PayloadSchema{}, actor
		}
	}
	return PayloadSchema{}, ""
}

func validatePayload(payload map[string]interface{}, schema PayloadSchema) error {
	for _, field := range schema.Required {
		v, present := payload[field.Name]
		if !present {
			return apperrors.NewValidationError(fmt.Sprintf("payload missing required field %q", field.Name)).
				WithCode(apperrors.CodeValidation)
		}
		if err := checkFieldKind(field, v); err != nil {
			return err
		}
	}
	if schema.ExactMatch {
		allowed := make(map[string]bool, len(schema.Required))
		for _, f := range schema.Required {
			allowed[f.Name] = true
		}
		for k := range payload {
			if !allowed[k] {
				return apperrors.NewValidationError(fmt.Sprintf("payload has unexpected field %q for exact-match event type", k)).
					WithCode(apperrors.CodeValidation)
			}
		}
	}
	return nil
}

func checkFieldKind(field FieldSpec, v interface{}) error {
	bad := func() error {
		return apperrors.NewValidationError(fmt.Sprintf("payload field %q has the wrong shape for kind %d", field.Name, field.Kind)).
			WithCode(apperrors.CodeValidation)
	}
	switch field.Kind {
	case KindNonEmptyString:
		s, ok := v.(string)
		if !ok || s == "" {
			return bad()
		}
	case KindTimestamp:
		switch t := v.(type) {
		case string:
			if _, err := time.Parse(time.RFC3339, t); err != nil {
				return bad()
			}
		case time.Time:
		default:
			return bad()
		}
	case KindUUID:
		s, ok := v.(string)
		if !ok {
			return bad()
		}
		parsed, err := uuid.Parse(s)
		if err != nil || parsed == uuid.Nil {
			return bad()
		}
	case KindNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
		default:
			return bad()
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return bad()
		}
	case KindNonEmptyArray:
		arr, ok := v.([]interface{})
		if !ok || len(arr) == 0 {
			return bad()
		}
	case KindNonEmptyStringArray:
		switch arr := v.(type) {
		case []string:
			if len(arr) == 0 {
				return bad()
			}
		case []interface{}:
			if len(arr) == 0 {
				return bad()
			}
			for _, el := range arr {
				s, ok := el.(string)
				if !ok || s == "" {
					return bad()
				}
			}
		default:
			return bad()
		}
	}
	return nil
}
