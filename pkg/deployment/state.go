// Package deployment implements the deployment state machine and canary
// protocol of spec §4.6: an explicit transition graph from INIT through
// VERIFIED/ROLLED_BACK/FAILED, with every transition audited, plus the
// progressive-traffic canary loop that drives CANARY/CANARY_WAITING/
// CANARY_EVALUATING against pkg/healthgate.
//
// Grounded on original_source/examples/deployment_state_machine.py (the
// state graph and audit-on-transition behavior) and canary_controller.py
// (the per-stage apply/wait/evaluate/retry-or-rollback loop).
package deployment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	apperrors "github.com/selfheal/controlplane/internal/errors"
	"github.com/selfheal/controlplane/pkg/auditlog"
)

// State is one node of the deployment state graph (spec §4.6).
type State string

const (
	StateInit             State = "INIT"
	StateBuilding         State = "BUILDING"
	StateDeploying        State = "DEPLOYING"
	StateCanary           State = "CANARY"
	StateCanaryWaiting    State = "CANARY_WAITING"
	StateCanaryEvaluating State = "CANARY_EVALUATING"
	StatePromoting        State = "PROMOTING"
	StatePromoted         State = "PROMOTED"
	StateVerifying        State = "VERIFYING"
	StateVerified         State = "VERIFIED"
	StateRollingBack      State = "ROLLING_BACK"
	StateRolledBack       State = "ROLLED_BACK"
	StateFailed           State = "FAILED"
)

// validTransitions is the allowed-transitions graph of spec §4.6, verbatim.
var validTransitions = map[State][]State{
	StateInit:             {StateBuilding, StateFailed},
	StateBuilding:         {StateDeploying, StateFailed},
	StateDeploying:        {StateCanary, StatePromoted, StateFailed},
	StateCanary:           {StateCanaryWaiting, StateRollingBack, StateFailed},
	StateCanaryWaiting:    {StateCanaryEvaluating, StateRollingBack},
	StateCanaryEvaluating: {StateCanary, StatePromoting, StateRollingBack, StateFailed},
	StatePromoting:        {StatePromoted, StateRollingBack, StateFailed},
	StatePromoted:         {StateVerifying, StateRollingBack},
	StateVerifying:        {StateVerified, StateRollingBack},
	StateRollingBack:      {StateRolledBack, StateFailed},
	StateVerified:         {},
	StateRolledBack:       {},
	StateFailed:           {},
}

func isTerminal(s State) bool {
	return s == StateVerified || s == StateRolledBack || s == StateFailed
}

// Transition records one completed state change (spec §4.6 "every transition
// writes an audit event with the prior state, next state, reason, and a
// structured metadata blob").
type Transition struct {
	From      State
	To        State
	Reason    string
	Metadata  map[string]any
	Timestamp time.Time
}

// Context identifies the deployment a state machine is tracking, mirroring
// DeploymentContext's fields.
type Context struct {
	DeploymentID string
	IncidentID   string
	ServiceName  string
	ImageTag     string
	CommitHash   string
}

// Machine manages one deployment's state transitions with an audit trail.
// Unlike the original's filesystem snapshot, durability comes from the
// audit log itself (pkg/auditlog), which the orchestrator can replay.
type Machine struct {
	context Context
	audit   *auditlog.Log
	logger  logr.Logger

	current     State
	transitions []Transition
	startedAt   time.Time
	endedAt     time.Time

	correlationID string
	now           func() time.Time
}

// Option configures a Machine at construction.
type Option func(*Machine)

func WithLogger(logger logr.Logger) Option { return func(m *Machine) { m.logger = logger } }
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }
func WithCorrelationID(id string) Option    { return func(m *Machine) { m.correlationID = id } }

// New creates a Machine in StateInit for context, recording its audit trail
// through audit.
func New(context Context, audit *auditlog.Log, opts ...Option) *Machine {
	m := &Machine{
		context: context,
		audit:   audit,
		logger:  logr.Discard(),
		current: StateInit,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.startedAt = m.now()
	return m
}

// Current returns the machine's current state.
func (m *Machine) Current() State { return m.current }

// IsComplete reports whether the deployment has reached a terminal state.
func (m *Machine) IsComplete() bool { return isTerminal(m.current) }

// IsSuccessful reports whether the deployment finished VERIFIED.
func (m *Machine) IsSuccessful() bool { return m.current == StateVerified }

// History returns every transition recorded so far, oldest first.
func (m *Machine) History() []Transition {
	out := make([]Transition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

// Duration reports elapsed time since the machine started, or total runtime
// once terminal.
func (m *Machine) Duration() time.Duration {
	if isTerminal(m.current) {
		return m.endedAt.Sub(m.startedAt)
	}
	return m.now().Sub(m.startedAt)
}

// Transition attempts to move to `to`, validating against the graph (spec
// §4.6 "Invalid transitions return an error and leave state unchanged").
// Every successful transition is appended to the audit log as a
// state_transition event threaded on correlationID.
func (m *Machine) Transition(ctx context.Context, to State, reason string, metadata map[string]any) error {
	if !m.isValid(to) {
		return apperrors.New(apperrors.ErrorTypeInvalidTransition,
			fmt.Sprintf("invalid transition %s -> %s for deployment %s", m.current, to, m.context.DeploymentID))
	}

	from := m.current
	now := m.now()

	if m.audit != nil {
		if _, err := m.audit.LogStateTransition(ctx, m.context.DeploymentID, string(from), string(to), reason, m.correlationID, ""); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to record state transition")
		}
	}

	m.transitions = append(m.transitions, Transition{
		From: from, To: to, Reason: reason, Metadata: metadata, Timestamp: now,
	})
	m.current = to

	if isTerminal(to) {
		m.endedAt = now
	}

	m.logger.V(1).Info("deployment state transition",
		"deploymentID", m.context.DeploymentID, "from", from, "to", to, "reason", reason)

	return nil
}

func (m *Machine) isValid(to State) bool {
	for _, s := range validTransitions[m.current] {
		if s == to {
			return true
		}
	}
	return false
}
