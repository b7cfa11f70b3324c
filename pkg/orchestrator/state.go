package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/selfheal/controlplane/pkg/auditlog"
)

// ConcurrencyState is one in-flight operation's coordination state (spec
// §4.10, distinct from the per-deployment State of pkg/deployment).
type ConcurrencyState string

const (
	ConcurrencyInit                 ConcurrencyState = "INIT"
	ConcurrencyLocked               ConcurrencyState = "LOCKED"
	ConcurrencySafetyCheck          ConcurrencyState = "SAFETY_CHECK"
	ConcurrencyInProgress           ConcurrencyState = "IN_PROGRESS"
	ConcurrencyPausedForHumanReview ConcurrencyState = "PAUSED_FOR_HUMAN_REVIEW"
	ConcurrencyCompleted            ConcurrencyState = "COMPLETED"
	ConcurrencyFailed               ConcurrencyState = "FAILED"
)

// concurrencyTransitions mirrors the deployment state machine's approach
// (pkg/deployment/state.go) generalized to the orchestrator's own, much
// shorter, graph (spec §4.10 workflow steps 1-7).
var concurrencyTransitions = map[ConcurrencyState][]ConcurrencyState{
	ConcurrencyInit:                 {ConcurrencyLocked, ConcurrencyPausedForHumanReview, ConcurrencyFailed},
	ConcurrencyLocked:               {ConcurrencySafetyCheck, ConcurrencyFailed},
	ConcurrencySafetyCheck:          {ConcurrencyInProgress, ConcurrencyPausedForHumanReview, ConcurrencyFailed},
	ConcurrencyInProgress:           {ConcurrencyCompleted, ConcurrencyFailed},
	ConcurrencyPausedForHumanReview: {ConcurrencyLocked, ConcurrencySafetyCheck, ConcurrencyInProgress, ConcurrencyFailed},
	ConcurrencyCompleted:            {},
	ConcurrencyFailed:               {},
}

func (s ConcurrencyState) isTerminal() bool {
	return s == ConcurrencyCompleted || s == ConcurrencyFailed
}

func (s ConcurrencyState) isValid(to ConcurrencyState) bool {
	for _, allowed := range concurrencyTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// concurrencyMachine threads one operation's state through its workflow,
// auditing every transition the way pkg/deployment.Machine does.
type concurrencyMachine struct {
	operationID   string
	current       ConcurrencyState
	history       []string
	audit         *auditlog.Log
	correlationID string
	now           func() time.Time
}

func newConcurrencyMachine(operationID, correlationID string, audit *auditlog.Log, now func() time.Time) *concurrencyMachine {
	return &concurrencyMachine{
		operationID:   operationID,
		current:       ConcurrencyInit,
		audit:         audit,
		correlationID: correlationID,
		now:           now,
	}
}

func (m *concurrencyMachine) transition(ctx context.Context, to ConcurrencyState, reason string) error {
	if !m.current.isValid(to) {
		return fmt.Errorf("orchestrator: invalid concurrency-state transition %s -> %s: %s", m.current, to, reason)
	}
	if m.audit != nil {
		_, _ = m.audit.LogStateTransition(ctx, m.operationID, string(m.current), string(to), reason, m.correlationID, "")
	}
	m.history = append(m.history, string(to))
	m.current = to
	return nil
}
