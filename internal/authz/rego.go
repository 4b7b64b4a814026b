package authz

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/sealedledger/assure/internal/svcerr"
)

// DefaultPolicy is a starting-point Rego module: deny-by-default, allowing
// only the "create" action, on any topic. Deployments override this by
// passing their own module text to NewRegoAuthorizer.
const DefaultPolicy = `
package assure.authz

default allow = false

allow {
	input.action == "create"
}
`

// RegoAuthorizer evaluates a policy-as-code module for every authorization
// check, adapting the teacher's hand-rolled internal/policy rule engine
// (allow/deny rule matching by action/resource/role) into the Rego
// evaluation model, grounded on its direct use as a dependency in
// krukkeniels-ai-box.
type RegoAuthorizer struct {
	query rego.PreparedEvalQuery
}

// NewRegoAuthorizer compiles module (Rego source text) and prepares it for
// repeated evaluation. module must define data.assure.authz.allow as a
// boolean.
func NewRegoAuthorizer(ctx context.Context, module string) (*RegoAuthorizer, error) {
	if module == "" {
		module = DefaultPolicy
	}
	prepared, err := rego.New(
		rego.Query("data.assure.authz.allow"),
		rego.Module("assure-authz.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, svcerr.BadRequest("authz: compile policy: %v", err)
	}
	return &RegoAuthorizer{query: prepared}, nil
}

func (a *RegoAuthorizer) Authorize(ctx context.Context, subject, action, topic string) (Decision, error) {
	input := map[string]any{
		"subject": subject,
		"action":  action,
		"topic":   topic,
	}
	results, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, svcerr.Internal("authz: evaluate policy: %v", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: false, Reason: "policy produced no result"}, nil
	}
	allow, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return Decision{}, svcerr.Internal("authz: policy did not return a boolean, got %T", results[0].Expressions[0].Value)
	}
	reason := "denied by policy"
	if allow {
		reason = fmt.Sprintf("allowed: %s may %s on %s", subject, action, topic)
	}
	return Decision{Allow: allow, Reason: reason}, nil
}
