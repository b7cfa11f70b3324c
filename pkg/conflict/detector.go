// Package conflict implements the dependency-aware conflict detector of
// spec §4.4: classifies a proposed operation against every ongoing operation
// using same-service, dependency-graph, and resource-group relationships,
// then scores severity and blast radius.
package conflict

import (
	"fmt"
	"sort"
	"time"

	"github.com/selfheal/controlplane/pkg/depgraph"
)

// OperationType is the kind of change a proposal or ongoing operation
// represents.
type OperationType string

const (
	OpDeploy   OperationType = "DEPLOY"
	OpRollback OperationType = "ROLLBACK"
	OpVerify   OperationType = "VERIFY"
	OpPatch    OperationType = "PATCH"
	OpConfig   OperationType = "CONFIG"
	OpScale    OperationType = "SCALE"
	OpRestart  OperationType = "RESTART"
)

// writeOps is the set of operations that mutate a service's running state.
// The incompatibility table of spec §4.4 reduces, once symmetrized (spec §9
// Open Question), to exactly: two operations are incompatible iff both are
// writes. VERIFY and PATCH are read/analysis operations and never conflict
// with anything, including each other.
var writeOps = map[OperationType]bool{
	OpDeploy:   true,
	OpRollback: true,
	OpConfig:   true,
	OpScale:    true,
	OpRestart:  true,
}

func incompatible(a, b OperationType) bool {
	return writeOps[a] && writeOps[b]
}

// Type classifies the relationship between a proposal and a conflicting
// ongoing operation.
type Type string

const (
	TypeDirect         Type = "DIRECT"
	TypeDependency     Type = "DEPENDENCY"
	TypeSharedResource Type = "SHARED_RESOURCE"
	TypeCascade        Type = "CASCADE"
)

// Severity ranks how serious a detected conflict is.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

func maxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Recommendation is the detector's verdict on whether to proceed.
type Recommendation string

const (
	RecommendBlock   Recommendation = "BLOCK"
	RecommendWarn    Recommendation = "WARN"
	RecommendProceed Recommendation = "PROCEED"
)

// Operation is an in-progress operation tracked by the detector.
type Operation struct {
	OperationID             string
	OperationType           OperationType
	ServiceName             string
	Actor                   string
	StartedAt               time.Time
	ExpectedDurationSeconds int
	Metadata                map[string]any
}

// Result is the outcome of Detect.
type Result struct {
	HasConflict           bool
	ConflictType          Type
	Severity              Severity
	ConflictingOperations []Operation
	AffectedServices      []string
	BlastRadius           int
	Explanation           string
	Recommendation        Recommendation
}

// Detector tracks ongoing operations and classifies proposed operations
// against them (spec §4.4).
type Detector struct {
	graph          *depgraph.Graph
	resourceGroups map[string][]string // group name -> member service names
	ongoing        map[string]Operation
}

// New builds a Detector over graph for dependency/blast-radius queries and
// resourceGroups for shared-resource classification (spec §6
// "Configuration": "resource-group membership").
func New(graph *depgraph.Graph, resourceGroups map[string][]string) *Detector {
	return &Detector{
		graph:          graph,
		resourceGroups: resourceGroups,
		ongoing:        map[string]Operation{},
	}
}

// RegisterOperation tracks an ongoing operation so later Detect calls can
// classify conflicts against it.
func (d *Detector) RegisterOperation(op Operation) {
	d.ongoing[op.OperationID] = op
}

// UnregisterOperation removes a completed operation. Calling it after
// RegisterOperation leaves the detector in its pre-registration state (spec
// §8 round-trip property).
func (d *Detector) UnregisterOperation(operationID string) {
	delete(d.ongoing, operationID)
}

func (d *Detector) sharesResourceGroup(a, b string) bool {
	for _, members := range d.resourceGroups {
		hasA, hasB := false, false
		for _, m := range members {
			if m == a {
				hasA = true
			}
			if m == b {
				hasB = true
			}
		}
		if hasA && hasB {
			return true
		}
	}
	return false
}

// Detect classifies proposedType/proposedService against every ongoing
// operation (spec §4.4). With zero ongoing operations it returns
// has_conflict=false (spec §8 boundary).
func (d *Detector) Detect(proposedType OperationType, proposedService, actor string) Result {
	var conflicting []Operation
	affected := map[string]struct{}{}
	maxSev := SeverityLow
	sawDirect, sawDependency, sawSharedResource, sawCascade := false, false, false, false

	related := map[string]int{} // related service -> hop depth (1 = direct, 2+ = cascade)
	if d.graph != nil {
		for s, depth := range d.graph.DependenciesWithDepth(proposedService, depgraph.Upstream, 64) {
			related[s] = depth
		}
		for s, depth := range d.graph.DependenciesWithDepth(proposedService, depgraph.Downstream, 64) {
			if existing, ok := related[s]; !ok || depth < existing {
				related[s] = depth
			}
		}
	}

	for _, op := range d.ongoing {
		if op.ServiceName == proposedService {
			if incompatible(proposedType, op.OperationType) {
				conflicting = append(conflicting, op)
				affected[proposedService] = struct{}{}
				sawDirect = true
				maxSev = maxSeverity(maxSev, SeverityCritical)
			}
			continue
		}

		// DEPENDENCY (spec §4.4): op.service is upstream/downstream of the
		// proposal and the pair is a write on either side.
		if depth, isRelated := related[op.ServiceName]; isRelated && (writeOps[proposedType] || writeOps[op.OperationType]) {
			conflicting = append(conflicting, op)
			affected[op.ServiceName] = struct{}{}
			sawDependency = true
			if depth >= 2 {
				sawCascade = true
				maxSev = maxSeverity(maxSev, SeverityMedium)
			} else {
				maxSev = maxSeverity(maxSev, SeverityHigh)
			}
		}

		if d.sharesResourceGroup(proposedService, op.ServiceName) {
			conflicting = append(conflicting, op)
			affected[op.ServiceName] = struct{}{}
			sawSharedResource = true
			maxSev = maxSeverity(maxSev, SeverityHigh)
		}
	}

	blastSet := map[string]struct{}{}
	for s := range affected {
		blastSet[s] = struct{}{}
	}
	if d.graph != nil {
		for _, s := range d.graph.Dependencies(proposedService, depgraph.Downstream, 5) {
			blastSet[s] = struct{}{}
		}
	}
	blastRadius := len(blastSet)

	if len(conflicting) == 0 {
		return Result{
			HasConflict:      false,
			ConflictType:     TypeDirect,
			Severity:         SeverityLow,
			AffectedServices: []string{proposedService},
			BlastRadius:      1,
			Explanation:      fmt.Sprintf("no conflicts detected for %s", proposedService),
			Recommendation:   RecommendProceed,
		}
	}

	conflictType := classify(sawDirect, sawCascade, sawDependency, sawSharedResource)
	affectedList := sortedKeys(affected)

	return Result{
		HasConflict:           true,
		ConflictType:          conflictType,
		Severity:              maxSev,
		ConflictingOperations: conflicting,
		AffectedServices:      affectedList,
		BlastRadius:           blastRadius,
		Explanation:           explanation(sawDirect, sawDependency, sawSharedResource, affectedList, len(conflicting)),
		Recommendation:        recommend(maxSev, blastRadius),
	}
}

func classify(direct, cascade, dependency, sharedResource bool) Type {
	switch {
	case direct:
		return TypeDirect
	case cascade:
		return TypeCascade
	case dependency:
		return TypeDependency
	case sharedResource:
		return TypeSharedResource
	default:
		return TypeDirect
	}
}

func explanation(direct, dependency, sharedResource bool, affected []string, count int) string {
	var parts []string
	if direct {
		parts = append(parts, "direct conflict: another operation is in progress on the same service")
	}
	if dependency {
		parts = append(parts, "dependency conflict: operation would affect services with active dependencies or dependents")
	}
	if sharedResource {
		parts = append(parts, "shared resource conflict: services share a configured resource group with ongoing operations")
	}
	parts = append(parts, fmt.Sprintf("affected services: %v", affected))
	parts = append(parts, fmt.Sprintf("conflicting operations: %d", count))

	out := parts[0]
	for _, p := range parts[1:] {
		out += ". " + p
	}
	return out
}

func recommend(severity Severity, blastRadius int) Recommendation {
	switch {
	case severity == SeverityCritical:
		return RecommendBlock
	case severity == SeverityHigh && blastRadius > 5:
		return RecommendBlock
	case severity == SeverityHigh, severity == SeverityMedium:
		return RecommendWarn
	default:
		return RecommendProceed
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
