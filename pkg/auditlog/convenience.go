package auditlog

import "context"

// The following convenience wrappers mirror audit_logger.py's log_lock_*/
// log_deployment/log_verification/log_rollback/log_conflict_detected/
// log_state_transition/log_manual_intervention/log_safety_gate_result
// methods: each fixes the category/severity/outcome shape for one workflow
// step so callers in pkg/orchestrator don't re-derive it at every call site.

func (l *Log) LogLockAcquired(ctx context.Context, lockID, owner, scope string, ttlSeconds int, correlationID string) (string, error) {
	return l.Append(ctx, CategoryLock, "lock_acquired", SeverityInfo, owner, lockID,
		"success", map[string]any{"scope": scope, "ttl_seconds": ttlSeconds}, correlationID, "")
}

func (l *Log) LogLockReleased(ctx context.Context, lockID, owner string, correlationID string) (string, error) {
	return l.Append(ctx, CategoryLock, "lock_released", SeverityInfo, owner, lockID,
		"success", nil, correlationID, "")
}

func (l *Log) LogLockFailed(ctx context.Context, lockID, owner, reason string, correlationID string) (string, error) {
	return l.Append(ctx, CategoryLock, "lock_failed", SeverityWarning, owner, lockID,
		"failure", map[string]any{"reason": reason}, correlationID, "")
}

func (l *Log) LogDeployment(ctx context.Context, serviceName, deploymentID, strategy, imageTag, outcome string, durationSeconds float64, correlationID string) (string, error) {
	severity := SeverityInfo
	if outcome != "success" {
		severity = SeverityError
	}
	return l.Append(ctx, CategoryDeployment, "deployment", severity, "orchestrator", serviceName,
		outcome, map[string]any{
			"deployment_id":    deploymentID,
			"strategy":         strategy,
			"image_tag":        imageTag,
			"duration_seconds": durationSeconds,
		}, correlationID, "")
}

func (l *Log) LogVerification(ctx context.Context, serviceName string, verificationStatus string, details map[string]any, correlationID string) (string, error) {
	severity := SeverityInfo
	if verificationStatus != "PASSED" {
		severity = SeverityWarning
	}
	return l.Append(ctx, CategoryVerification, "verification", severity, "orchestrator", serviceName,
		verificationStatus, details, correlationID, "")
}

func (l *Log) LogRollback(ctx context.Context, serviceName, strategy, outcome string, details map[string]any, correlationID string) (string, error) {
	severity := SeverityWarning
	if outcome != "success" {
		severity = SeverityError
	}
	merged := map[string]any{"strategy": strategy}
	for k, v := range details {
		merged[k] = v
	}
	return l.Append(ctx, CategoryRollback, "rollback", severity, "orchestrator", serviceName,
		outcome, merged, correlationID, "")
}

func (l *Log) LogConflictDetected(ctx context.Context, serviceName, conflictType, severityLevel string, details map[string]any, correlationID string) (string, error) {
	return l.Append(ctx, CategoryConflict, "conflict_detected", SeverityWarning, "conflict_detector", serviceName,
		"detected", mergeDetail(details, "conflict_type", conflictType, "severity_level", severityLevel), correlationID, "")
}

func (l *Log) LogStateTransition(ctx context.Context, resourceID, fromState, toState, reason string, correlationID, parentEventID string) (string, error) {
	return l.Append(ctx, CategoryStateTransition, "state_transition", SeverityInfo, "orchestrator", resourceID,
		"transitioned", map[string]any{"from": fromState, "to": toState, "reason": reason}, correlationID, parentEventID)
}

func (l *Log) LogManualIntervention(ctx context.Context, resourceID, operatorID, reason, action string, correlationID string) (string, error) {
	return l.Append(ctx, CategorySystem, "manual_intervention", SeverityWarning, operatorID, resourceID,
		action, map[string]any{"reason": reason}, correlationID, "")
}

func (l *Log) LogSafetyGateResult(ctx context.Context, serviceName, gateName string, passed bool, reason string, correlationID string) (string, error) {
	severity := SeverityInfo
	outcome := "passed"
	if !passed {
		severity = SeverityError
		outcome = "failed"
	}
	return l.Append(ctx, CategorySafety, "safety_gate_result", severity, "safety_gate_checker", serviceName,
		outcome, map[string]any{"gate": gateName, "reason": reason}, correlationID, "")
}

func mergeDetail(details map[string]any, kv ...any) map[string]any {
	out := map[string]any{}
	for k, v := range details {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		out[key] = kv[i+1]
	}
	return out
}
