// Package rolemailbox implements the role-to-role messaging system used by
// governed AI workflows to exchange clarifications, scope changes, waivers,
// and findings across roles (Operator, Orchestrator, Coder, Validator, and
// ad-hoc Advisory participants), gated by a per-thread governance mode.
package rolemailbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/handshake-core/handshake/internal/apperrors"
)

// GovernanceMode controls how strictly a thread's participant mix is
// enforced. GovLight allows an all-advisory thread; GovStandard and GovStrict
// do not (see EnsureAdvisoryNotSolo).
type GovernanceMode string

const (
	GovStrict   GovernanceMode = "GOV_STRICT"
	GovStandard GovernanceMode = "GOV_STANDARD"
	GovLight    GovernanceMode = "GOV_LIGHT"
)

func (m GovernanceMode) valid() bool {
	switch m {
	case GovStrict, GovStandard, GovLight:
		return true
	}
	return false
}

// RoleKind is the closed set of fixed roles; Advisory roles carry a
// caller-supplied ID instead and are parsed separately.
type RoleKind string

const (
	RoleOperator     RoleKind = "operator"
	RoleOrchestrator RoleKind = "orchestrator"
	RoleCoder        RoleKind = "coder"
	RoleValidator    RoleKind = "validator"
	RoleAdvisory     RoleKind = "advisory"
)

// RoleID identifies a mailbox participant: one of the fixed roles, or an
// Advisory role distinguished by AdvisoryID.
type RoleID struct {
	Kind       RoleKind
	AdvisoryID string // set only when Kind == RoleAdvisory
}

// ParseRoleID parses "operator", "orchestrator", "coder", "validator", or
// "advisory:<id>" into a RoleID.
func ParseRoleID(s string) (RoleID, error) {
	switch s {
	case string(RoleOperator):
		return RoleID{Kind: RoleOperator}, nil
	case string(RoleOrchestrator):
		return RoleID{Kind: RoleOrchestrator}, nil
	case string(RoleCoder):
		return RoleID{Kind: RoleCoder}, nil
	case string(RoleValidator):
		return RoleID{Kind: RoleValidator}, nil
	}
	if rest, ok := strings.CutPrefix(s, "advisory:"); ok {
		if !isSafeID(rest) {
			return RoleID{}, apperrors.NewValidationError(
				fmt.Sprintf("advisory role id %q is not a safe identifier", rest))
		}
		return RoleID{Kind: RoleAdvisory, AdvisoryID: rest}, nil
	}
	return RoleID{}, apperrors.NewValidationError(fmt.Sprintf("role %q is not recognized", s))
}

// IsAdvisory reports whether id names an Advisory(*) participant.
func (id RoleID) IsAdvisory() bool {
	return id.Kind == RoleAdvisory
}

// String renders id in the same form ParseRoleID accepts.
func (id RoleID) String() string {
	if id.Kind == RoleAdvisory {
		return "advisory:" + id.AdvisoryID
	}
	return string(id.Kind)
}

// MarshalJSON renders a RoleID the same way String does, so exported
// threads and messages carry plain role strings rather than {kind,id}
// objects.
func (id RoleID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON parses a RoleID from the string form MarshalJSON produces.
func (id *RoleID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRoleID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MessageType is the closed set of mailbox message kinds.
type MessageType string

const (
	ClarificationRequest  MessageType = "clarification_request"
	ClarificationResponse MessageType = "clarification_response"
	ScopeRisk             MessageType = "scope_risk"
	ScopeChangeProposal   MessageType = "scope_change_proposal"
	ScopeChangeApproval   MessageType = "scope_change_approval"
	WaiverProposal        MessageType = "waiver_proposal"
	WaiverApproval        MessageType = "waiver_approval"
	ValidationFinding     MessageType = "validation_finding"
	Handoff               MessageType = "handoff"
	Blocker               MessageType = "blocker"
	ToolingRequest        MessageType = "tooling_request"
	ToolingResult         MessageType = "tooling_result"
	FYI                   MessageType = "fyi"
)

func (t MessageType) valid() bool {
	switch t {
	case ClarificationRequest, ClarificationResponse, ScopeRisk, ScopeChangeProposal,
		ScopeChangeApproval, WaiverProposal, WaiverApproval, ValidationFinding,
		Handoff, Blocker, ToolingRequest, ToolingResult, FYI:
		return true
	}
	return false
}

// RequiresTranscriptionLinks reports whether t must carry at least one
// TranscriptionLink back to the governance artifact it records — approvals
// and findings are never taken on the mailbox's word alone.
func (t MessageType) RequiresTranscriptionLinks() bool {
	switch t {
	case ScopeChangeApproval, WaiverApproval, ValidationFinding:
		return true
	}
	return false
}

// TranscriptionTargetKind is the closed set of artifact families a
// TranscriptionLink may point at.
type TranscriptionTargetKind string

const (
	TargetRefinement     TranscriptionTargetKind = "refinement"
	TargetTaskPacket     TranscriptionTargetKind = "task_packet"
	TargetTaskBoard      TranscriptionTargetKind = "task_board"
	TargetGateState      TranscriptionTargetKind = "gate_state"
	TargetSignatureAudit TranscriptionTargetKind = "signature_audit"
	TargetWaiver         TranscriptionTargetKind = "waiver"
	TargetSpecArtifact   TranscriptionTargetKind = "spec_artifact"
)

func (k TranscriptionTargetKind) valid() bool {
	switch k {
	case TargetRefinement, TargetTaskPacket, TargetTaskBoard, TargetGateState,
		TargetSignatureAudit, TargetWaiver, TargetSpecArtifact:
		return true
	}
	return false
}

// TranscriptionLink ties a message to the governance artifact it transcribes.
type TranscriptionLink struct {
	TargetKind   TranscriptionTargetKind `json:"target_kind"`
	TargetRef    string                  `json:"target_ref"`
	TargetSHA256 string                  `json:"target_sha256"`
	Note         string                  `json:"note,omitempty"`
}

func (l TranscriptionLink) validate() error {
	if !l.TargetKind.valid() {
		return apperrors.NewValidationError(fmt.Sprintf("transcription link target_kind %q is not recognized", l.TargetKind))
	}
	if !isSafeToken(l.TargetRef) {
		return apperrors.NewValidationError(fmt.Sprintf("transcription link target_ref %q is not a safe token", l.TargetRef))
	}
	if !isSHA256Hex(l.TargetSHA256) {
		return apperrors.NewValidationError(fmt.Sprintf("transcription link target_sha256 %q is not a 64-char hex digest", l.TargetSHA256))
	}
	return nil
}

// Context carries the governance-relevant identifiers a thread was opened
// under: which spec, task board, and work packet it concerns, and the
// governance mode gating its participant mix.
type Context struct {
	SpecID         string         `json:"spec_id,omitempty"`
	WorkPacketID   string         `json:"work_packet_id,omitempty"`
	TaskBoardID    string         `json:"task_board_id,omitempty"`
	GovernanceMode GovernanceMode `json:"governance_mode"`
	ProjectID      string         `json:"project_id,omitempty"`
}

// Thread groups a sequence of Messages between Participants under one
// Subject and Context.
type Thread struct {
	ThreadID     string     `json:"thread_id"`
	Subject      string     `json:"subject"`
	Context      Context    `json:"context"`
	Participants []RoleID   `json:"participants"`
	CreatedAt    time.Time  `json:"created_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// Message is one mailbox entry: a body (stored as a content-addressed
// artifact elsewhere) plus routing, typing, and governance metadata.
type Message struct {
	MessageID          string              `json:"message_id"`
	ThreadID           string              `json:"thread_id"`
	CreatedAt          time.Time           `json:"created_at"`
	FromRole           RoleID              `json:"from_role"`
	ToRoles            []RoleID            `json:"to_roles"`
	MessageType        MessageType         `json:"message_type"`
	BodyRef            string              `json:"body_ref"`
	BodySHA256         string              `json:"body_sha256"`
	Attachments        []string            `json:"attachments,omitempty"`
	RelatesToMessageID string              `json:"relates_to_message_id,omitempty"`
	TranscriptionLinks []TranscriptionLink `json:"transcription_links,omitempty"`
	IdempotencyKey     string              `json:"idempotency_key"`
}

// CreateMessageRequest is the input to creating a message, optionally opening
// a new thread (when ThreadID is empty) or appending to an existing one.
type CreateMessageRequest struct {
	ThreadID            string
	ThreadSubject       string
	ThreadParticipants  []RoleID
	Context             Context
	FromRole            RoleID
	ToRoles             []RoleID
	MessageType         MessageType
	Body                string
	Attachments         []string
	RelatesToMessageID  string
	TranscriptionLinks  []TranscriptionLink
	IdempotencyKey      string
}

// EnsureAdvisoryNotSolo rejects a thread whose every participant is an
// Advisory role under GovStandard or GovStrict: a governed workflow needs at
// least one fixed-role party in the room, or the thread is just advisors
// talking to themselves with nobody accountable.
func EnsureAdvisoryNotSolo(mode GovernanceMode, participants []RoleID) error {
	if mode == GovLight {
		return nil
	}
	if len(participants) == 0 {
		return apperrors.NewValidationError("a thread must have at least one participant")
	}
	for _, p := range participants {
		if !p.IsAdvisory() {
			return nil
		}
	}
	return apperrors.NewValidationError(
		fmt.Sprintf("thread participants are all advisory roles, which %s forbids", mode))
}

// ValidateCreateMessageRequest checks req's closed-set fields, the
// advisory-not-solo governance rule, the transcription-link requirement for
// message types that carry one, and every supplied identifier's shape.
func ValidateCreateMessageRequest(req CreateMessageRequest) error {
	if !req.Context.GovernanceMode.valid() {
		return apperrors.NewValidationError(fmt.Sprintf("governance_mode %q is not recognized", req.Context.GovernanceMode))
	}
	if !req.MessageType.valid() {
		return apperrors.NewValidationError(fmt.Sprintf("message_type %q is not recognized", req.MessageType))
	}
	if strings.TrimSpace(req.Body) == "" {
		return apperrors.NewValidationError("message body must not be empty")
	}
	if !isSafeToken(req.IdempotencyKey) {
		return apperrors.NewValidationError(fmt.Sprintf("idempotency_key %q is not a safe token", req.IdempotencyKey))
	}
	if len(req.ToRoles) == 0 {
		return apperrors.NewValidationError("message must have at least one to_role")
	}

	participants := req.ThreadParticipants
	if len(participants) == 0 {
		participants = append([]RoleID{req.FromRole}, req.ToRoles...)
	}
	if err := EnsureAdvisoryNotSolo(req.Context.GovernanceMode, participants); err != nil {
		return err
	}

	if req.MessageType.RequiresTranscriptionLinks() && len(req.TranscriptionLinks) == 0 {
		return apperrors.NewValidationError(
			fmt.Sprintf("message_type %q requires at least one transcription_link", req.MessageType))
	}
	for _, link := range req.TranscriptionLinks {
		if err := link.validate(); err != nil {
			return err
		}
	}
	if req.ThreadID != "" && !isSafeID(req.ThreadID) {
		return apperrors.NewValidationError(fmt.Sprintf("thread_id %q is not a safe identifier", req.ThreadID))
	}
	return nil
}

// isSafeID reports whether s is a bounded, alphanumeric-plus-"-_" token, the
// shape required of thread IDs and advisory role suffixes.
func isSafeID(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		if !isSafeIDRune(r) {
			return false
		}
	}
	return true
}

func isSafeIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		return true
	}
	return false
}

// isSafeToken is isSafeID widened to allow ":", ".", and "/", the shape
// needed for artifact refs like "task_packet:wp-42" or "spec/v1.md".
func isSafeToken(s string) bool {
	if s == "" || len(s) > 256 {
		return false
	}
	for _, r := range s {
		if isSafeIDRune(r) || r == ':' || r == '.' || r == '/' {
			continue
		}
		return false
	}
	return true
}

// isSHA256Hex reports whether s is exactly 64 lowercase hex characters.
func isSHA256Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			continue
		}
		return false
	}
	return true
}
