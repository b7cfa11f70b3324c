// Package safetyartifact implements the proof-of-safety artifact of spec §4.5
// and §6: a self-hashed record of everything a safety gate run checked,
// evidence enough to answer "was this commit proven safe" without re-running
// the checks. Grounded on original_source/examples/safety_artifact_generator.py.
package safetyartifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Artifact is the proof-of-safety record (spec §6 "Safety artifact").
// CheckResult fields are heterogeneous JSON blobs (test/lint/analysis/build
// tool output varies by language and toolchain), so they are carried as
// opaque maps and read back with jq expressions via Query.
type Artifact struct {
	IncidentID  string    `json:"incident_id" validate:"required"`
	ServiceName string    `json:"service_name" validate:"required"`
	Timestamp   time.Time `json:"timestamp" validate:"required"`

	ChecksRun    []string `json:"checks_run"`
	ChecksPassed []string `json:"checks_passed"`
	ChecksFailed []string `json:"checks_failed"`

	ToolVersions map[string]string `json:"tool_versions,omitempty"`

	TestResult     map[string]any `json:"test_result,omitempty"`
	LintResult     map[string]any `json:"lint_result,omitempty"`
	AnalysisResult map[string]any `json:"analysis_result,omitempty"`
	BuildResult    map[string]any `json:"build_result,omitempty"`
	RiskAssessment map[string]any `json:"risk_assessment,omitempty"`

	OverallPassed  bool   `json:"overall_passed"`
	Recommendation string `json:"recommendation" validate:"required,oneof=DEPLOY CANARY MANUAL_REVIEW"`

	CommitHash   string `json:"commit_hash" validate:"required"`
	BuildHash    string `json:"build_hash"`
	ArtifactHash string `json:"artifact_hash"`

	Signer      string `json:"signer" validate:"required"`
	Environment string `json:"environment" validate:"required"`
}

var validate = validator.New()

// GenerateParams are the inputs to Generate, mirroring the original's
// generate_artifact keyword arguments.
type GenerateParams struct {
	IncidentID     string
	ServiceName    string
	ChecksRun      []string
	ChecksPassed   []string
	ChecksFailed   []string
	TestResult     map[string]any
	LintResult     map[string]any
	AnalysisResult map[string]any
	BuildResult    map[string]any
	RiskAssessment map[string]any
	OverallPassed  bool
	Recommendation string
	CommitHash     string
	Signer         string
	Environment    string
	Now            func() time.Time
}

// Generate builds an Artifact and computes its self-hash. Tool versions and
// build hash are pulled out of BuildResult, matching the original's
// `tool_versions = build_result.get('tool_versions', {})`.
func Generate(p GenerateParams) (*Artifact, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	var toolVersions map[string]string
	var buildHash string
	if p.BuildResult != nil {
		if tv, ok := p.BuildResult["tool_versions"].(map[string]string); ok {
			toolVersions = tv
		} else if tv, ok := p.BuildResult["tool_versions"].(map[string]any); ok {
			toolVersions = map[string]string{}
			for k, v := range tv {
				if s, ok := v.(string); ok {
					toolVersions[k] = s
				}
			}
		}
		if bh, ok := p.BuildResult["build_hash"].(string); ok {
			buildHash = bh
		}
	}

	a := &Artifact{
		IncidentID:     p.IncidentID,
		ServiceName:    p.ServiceName,
		Timestamp:      now().UTC(),
		ChecksRun:      p.ChecksRun,
		ChecksPassed:   p.ChecksPassed,
		ChecksFailed:   p.ChecksFailed,
		ToolVersions:   toolVersions,
		TestResult:     p.TestResult,
		LintResult:     p.LintResult,
		AnalysisResult: p.AnalysisResult,
		BuildResult:    p.BuildResult,
		RiskAssessment: p.RiskAssessment,
		OverallPassed:  p.OverallPassed,
		Recommendation: p.Recommendation,
		CommitHash:     p.CommitHash,
		BuildHash:      buildHash,
		Signer:         p.Signer,
		Environment:    p.Environment,
	}

	hash, err := computeHash(a)
	if err != nil {
		return nil, err
	}
	a.ArtifactHash = hash

	if err := validate.Struct(a); err != nil {
		return nil, fmt.Errorf("invalid safety artifact: %w", err)
	}
	return a, nil
}

// computeHash reproduces the original's
// `json.dumps(artifact_copy, sort_keys=True)` then SHA-256, with
// artifact_hash blanked first, via the same map round trip auditlog.Log uses
// for its chain hashing (encoding/json already emits sorted map keys).
func computeHash(a *Artifact) (string, error) {
	cp := *a
	cp.ArtifactHash = ""
	b, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal artifact for hashing: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return "", fmt.Errorf("canonicalize artifact for hashing: %w", err)
	}
	canon, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal canonical artifact: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the artifact's hash and reports whether it matches the
// stored one, mirroring the original's load_artifact integrity check.
func Verify(a *Artifact) (bool, error) {
	expected, err := computeHash(a)
	if err != nil {
		return false, err
	}
	return expected == a.ArtifactHash, nil
}
