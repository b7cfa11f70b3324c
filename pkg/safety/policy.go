package safety

import (
	"context"
	"embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

//go:embed policy/risk.rego policy/gates.rego
var policyFS embed.FS

// evaluator wraps the two embedded Rego policies (risk recommendation,
// gate-threshold comparisons) behind prepared queries, built once at
// construction and reused for every Evaluate call.
type evaluator struct {
	riskQuery  rego.PreparedEvalQuery
	gatesQuery rego.PreparedEvalQuery
}

func newEvaluator(ctx context.Context) (*evaluator, error) {
	riskSrc, err := policyFS.ReadFile("policy/risk.rego")
	if err != nil {
		return nil, fmt.Errorf("read risk policy: %w", err)
	}
	gatesSrc, err := policyFS.ReadFile("policy/gates.rego")
	if err != nil {
		return nil, fmt.Errorf("read gates policy: %w", err)
	}

	riskQuery, err := rego.New(
		rego.Query("data.safety.risk.result"),
		rego.Module("risk.rego", string(riskSrc)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare risk policy: %w", err)
	}

	gatesQuery, err := rego.New(
		rego.Query("data.safety.gates.result"),
		rego.Module("gates.rego", string(gatesSrc)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare gates policy: %w", err)
	}

	return &evaluator{riskQuery: riskQuery, gatesQuery: gatesQuery}, nil
}

// riskRecommendation evaluates the risk-recommendation policy and returns its
// recommendation and reason fields.
func (e *evaluator) riskRecommendation(ctx context.Context, input map[string]any) (recommendation, reason string, err error) {
	rs, err := e.riskQuery.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("evaluate risk policy: %w", err)
	}
	obj, err := singleResultObject(rs)
	if err != nil {
		return "", "", err
	}
	recommendation, _ = obj["recommendation"].(string)
	reason, _ = obj["reason"].(string)
	return recommendation, reason, nil
}

// gateVerdicts evaluates the gate-threshold policy and returns a pass/fail
// verdict per measurable gate.
func (e *evaluator) gateVerdicts(ctx context.Context, input map[string]any) (map[string]bool, error) {
	rs, err := e.gatesQuery.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluate gates policy: %w", err)
	}
	obj, err := singleResultObject(rs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(obj))
	for k, v := range obj {
		if b, ok := v.(bool); ok {
			out[k] = b
		}
	}
	return out, nil
}

func singleResultObject(rs rego.ResultSet) (map[string]any, error) {
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, fmt.Errorf("policy evaluation produced no result")
	}
	obj, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("policy evaluation produced unexpected shape %T", rs[0].Expressions[0].Value)
	}
	return obj, nil
}
