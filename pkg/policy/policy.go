// Package policy wraps an embedded Open Policy Agent evaluator used by the
// artifact manifest store (retention-TTL requirement) and the bundle
// exporter (redaction-mode check), so both "policy halts the operation"
// cases in the error taxonomy share one evaluation surface.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/handshake-core/handshake/internal/apperrors"
)

// retentionModule decides whether retention_ttl_days is required for an
// artifact, mirroring §4.4's rule.
const retentionModule = `
package handshake.retention

default ttl_required := false

ttl_required if {
	input.kind == "prompt_payload"
}

ttl_required if {
	input.classification == "high"
}
`

// redactionModule decides the redaction mode applied to a bundle export,
// mirroring §4.14's SAFE_DEFAULT/WORKSPACE/FULL_LOCAL selection by scope
// and requested mode: FULL_LOCAL is never auto-escalated, only ever
// explicitly requested, so the policy's job here is to validate the
// requested mode is permitted for the scope rather than to choose it.
const redactionModule = `
package handshake.redaction

default allowed := false

allowed if {
	input.requested_mode == "SAFE_DEFAULT"
}

allowed if {
	input.requested_mode == "WORKSPACE"
}

allowed if {
	input.requested_mode == "FULL_LOCAL"
	input.scope_kind != "Workspace"
}
`

// Evaluator runs both embedded policies. It holds no mutable state once
// constructed, so one Evaluator can be shared across every caller.
type Evaluator struct {
	retentionQuery rego.PreparedEvalQuery
	redactionQuery rego.PreparedEvalQuery
}

// NewEvaluator compiles the embedded policy modules.
func NewEvaluator(ctx context.Context) (*Evaluator, error) {
	retentionQuery, err := rego.New(
		rego.Query("data.handshake.retention.ttl_required"),
		rego.Module("retention.rego", retentionModule),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "compile retention policy").WithCode(apperrors.CodePolicy)
	}

	redactionQuery, err := rego.New(
		rego.Query("data.handshake.redaction.allowed"),
		rego.Module("redaction.rego", redactionModule),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "compile redaction policy").WithCode(apperrors.CodePolicy)
	}

	return &Evaluator{retentionQuery: retentionQuery, redactionQuery: redactionQuery}, nil
}

// RetentionTTLRequired evaluates whether an artifact of the given kind and
// classification must carry retention_ttl_days.
func (e *Evaluator) RetentionTTLRequired(ctx context.Context, kind, classification string) (bool, error) {
	input := map[string]interface{}{"kind": kind, "classification": classification}
	return e.evalBool(ctx, e.retentionQuery, input)
}

// RedactionAllowed evaluates whether requestedMode is permitted for a given
// export scope kind.
func (e *Evaluator) RedactionAllowed(ctx context.Context, requestedMode, scopeKind string) (bool, error) {
	input := map[string]interface{}{"requested_mode": requestedMode, "scope_kind": scopeKind}
	return e.evalBool(ctx, e.redactionQuery, input)
}

func (e *Evaluator) evalBool(ctx context.Context, query rego.PreparedEvalQuery, input map[string]interface{}) (bool, error) {
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "evaluate policy").WithCode(apperrors.CodePolicy)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, fmt.Errorf("policy evaluation produced no result")
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy evaluation returned non-boolean result")
	}
	return allowed, nil
}
