package safetyartifact

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// Query evaluates a jq expression against the artifact's JSON representation
// and returns the first result. Check-result blobs (test/lint/analysis/build)
// vary by toolchain, so the safety gate reads nested fields out of them (e.g.
// ".analysis_result.security_scan_passed") via jq rather than a fixed Go
// struct per tool.
func (a *Artifact) Query(expr string) (any, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse jq expression %q: %w", expr, err)
	}

	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal artifact for query: %w", err)
	}
	var input any
	if err := json.Unmarshal(b, &input); err != nil {
		return nil, fmt.Errorf("decode artifact for query: %w", err)
	}

	iter := query.Run(input)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, ok := v.(error); ok {
		return nil, fmt.Errorf("evaluate jq expression %q: %w", expr, err)
	}
	return v, nil
}

// QueryBool evaluates expr and coerces the result to a bool, treating a
// missing or null result as false (default-deny, matching the proof-of-safety
// gate's "absence of evidence is not evidence of safety" posture).
func (a *Artifact) QueryBool(expr string) (bool, error) {
	v, err := a.Query(expr)
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}
