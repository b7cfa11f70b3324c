package lockmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	apperrors "github.com/selfheal/controlplane/internal/errors"
	"github.com/selfheal/controlplane/pkg/auditlog"
)

// Manager is the distributed lock manager of spec §4.2. Ordering validation
// happens against the locks this process itself currently holds, entirely
// client-side and before any backend call (spec §4.2 "On ordering violation,
// returns immediately ... no backoff"). Cross-process deadlock freedom comes
// from every instance enforcing the same ordering rule (spec §9).
type Manager struct {
	backend Backend
	audit   *auditlog.Log
	logger  logr.Logger

	mu    sync.Mutex
	held  map[string]Info // lockID -> Info, locks held by this process

	defaultTTL         time.Duration
	defaultWaitTimeout time.Duration
	pollInterval       time.Duration

	now    func() time.Time
	newTok func() string
}

type Option func(*Manager)

func WithLogger(logger logr.Logger) Option { return func(m *Manager) { m.logger = logger } }

func WithDefaultTTL(d time.Duration) Option { return func(m *Manager) { m.defaultTTL = d } }

func WithDefaultWaitTimeout(d time.Duration) Option {
	return func(m *Manager) { m.defaultWaitTimeout = d }
}

func WithPollInterval(d time.Duration) Option { return func(m *Manager) { m.pollInterval = d } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithTokenGenerator(gen func() string) Option { return func(m *Manager) { m.newTok = gen } }

// New builds a Manager over backend, auditing every acquire/release/failure
// via audit.
func New(backend Backend, audit *auditlog.Log, opts ...Option) *Manager {
	m := &Manager{
		backend:            backend,
		audit:              audit,
		logger:             logr.Discard(),
		held:               map[string]Info{},
		defaultTTL:         300 * time.Second,
		defaultWaitTimeout: 30 * time.Second,
		pollInterval:       time.Second,
		now:                time.Now,
		newTok:             func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// validateOrdering enforces spec §4.2's deadlock-prevention rule: a holder
// may acquire a lock of scope order N only if N >= every scope order it
// already holds, and same-order locks only in lexicographic resource-id
// order.
func (m *Manager) validateOrdering(scope Scope, resourceID string) error {
	newOrder := order[scope]
	for _, held := range m.held {
		heldOrder := order[held.Scope]
		if newOrder < heldOrder {
			return fmt.Errorf(
				"lock ordering violation: cannot acquire %s lock while holding %s lock %q (rule: locks must be acquired in SYSTEM > SERVICE > INCIDENT > DEPLOYMENT order)",
				scope, held.Scope, held.ResourceID)
		}
		if newOrder == heldOrder && resourceID < held.ResourceID {
			return fmt.Errorf(
				"lock ordering violation: %s locks must be acquired in alphabetical order, cannot lock %q while holding %q",
				scope, resourceID, held.ResourceID)
		}
	}
	return nil
}

// Acquire attempts to acquire a lock, validating ordering client-side before
// any backend call, then polling the backend at pollInterval until
// waitTimeout elapses.
func (m *Manager) Acquire(ctx context.Context, scope Scope, resourceID, owner string, ttl, waitTimeout time.Duration, metadata map[string]any) (*Info, error) {
	if !scope.valid() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown lock scope %q", scope))
	}

	m.mu.Lock()
	if err := m.validateOrdering(scope, resourceID); err != nil {
		m.mu.Unlock()
		m.logger.Error(err, "lock ordering violation", "scope", scope, "resource_id", resourceID, "owner", owner)
		_, _ = m.audit.LogLockFailed(ctx, lockID(scope, resourceID), owner, err.Error(), "")
		return nil, apperrors.New(apperrors.ErrorTypeLockOrdering, err.Error())
	}
	m.mu.Unlock()

	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if waitTimeout <= 0 {
		waitTimeout = m.defaultWaitTimeout
	}

	id := lockID(scope, resourceID)
	acquiredAt := m.now()
	info := Info{
		LockID:     id,
		Scope:      scope,
		ResourceID: resourceID,
		Owner:      owner,
		Token:      m.newTok(),
		AcquiredAt: acquiredAt,
		ExpiresAt:  acquiredAt.Add(ttl),
		Metadata:   metadata,
	}

	deadline := m.now().Add(waitTimeout)
	for {
		ok, err := m.backend.TryAcquire(ctx, info, ttl)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "lock backend unavailable")
		}
		if ok {
			m.mu.Lock()
			m.held[id] = info
			m.mu.Unlock()
			m.logger.Info("lock acquired", "lock_id", id, "owner", owner, "ttl", ttl)
			_, _ = m.audit.LogLockAcquired(ctx, id, owner, string(scope), int(ttl.Seconds()), "")
			return &info, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if m.now().After(deadline) {
			holder := m.holderIdentity(ctx, id)
			msg := fmt.Sprintf("failed to acquire lock %s within %s: currently held by %s", id, waitTimeout, holder)
			m.logger.Info("lock acquire timed out", "lock_id", id, "holder", holder)
			_, _ = m.audit.LogLockFailed(ctx, id, owner, msg, "")
			return nil, apperrors.New(apperrors.ErrorTypeLockTimeout, msg)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

func (m *Manager) holderIdentity(ctx context.Context, id string) string {
	info, found, err := m.backend.Get(ctx, id)
	if err != nil || !found {
		return "unknown"
	}
	return info.Owner
}

// Release releases a lock previously acquired by owner via this Manager
// instance. It must succeed even if the lock's TTL already expired in the
// backend (spec §4.2 "TTL"), as long as this process still believes it holds
// it with a matching owner+token.
func (m *Manager) Release(ctx context.Context, scope Scope, resourceID, owner string) error {
	id := lockID(scope, resourceID)

	m.mu.Lock()
	info, tracked := m.held[id]
	m.mu.Unlock()

	if !tracked {
		return apperrors.New(apperrors.ErrorTypeNotFound, fmt.Sprintf("cannot release lock %s: not held by this process", id))
	}
	if info.Owner != owner {
		return apperrors.New(apperrors.ErrorTypeConflict, fmt.Sprintf("cannot release lock %s: held by %s, not %s", id, info.Owner, owner))
	}

	ok, err := m.backend.Release(ctx, info)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "lock backend unavailable")
	}

	m.mu.Lock()
	delete(m.held, id)
	m.mu.Unlock()

	if !ok {
		m.logger.Info("lock release found no matching backend entry (already expired/reacquired)", "lock_id", id)
	}
	_, _ = m.audit.LogLockReleased(ctx, id, owner, "")
	return nil
}

// IsLocked reports whether resourceID is currently locked at scope.
func (m *Manager) IsLocked(ctx context.Context, scope Scope, resourceID string) (bool, error) {
	_, found, err := m.backend.Get(ctx, lockID(scope, resourceID))
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "lock backend unavailable")
	}
	return found, nil
}

// ListActive returns every non-expired lock currently held, across all
// owners and processes.
func (m *Manager) ListActive(ctx context.Context) ([]Info, error) {
	locks, err := m.backend.List(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "lock backend unavailable")
	}
	return locks, nil
}

// ForceReleaseAll is an emergency operation: it releases every lock this
// process holds for owner, regardless of ordering, and logs a CRITICAL
// audit event per spec §4.2.
func (m *Manager) ForceReleaseAll(ctx context.Context, owner string) (int, error) {
	m.mu.Lock()
	var toRelease []Info
	for _, info := range m.held {
		if info.Owner == owner {
			toRelease = append(toRelease, info)
		}
	}
	m.mu.Unlock()

	released := 0
	for _, info := range toRelease {
		ok, err := m.backend.Release(ctx, info)
		if err != nil {
			m.logger.Error(err, "force release failed", "lock_id", info.LockID)
			continue
		}
		if ok {
			m.mu.Lock()
			delete(m.held, info.LockID)
			m.mu.Unlock()
			released++
		}
	}

	m.logger.Info("force released locks", "owner", owner, "count", released)
	_, _ = m.audit.Append(ctx, auditlog.CategoryLock, "force_release_all", auditlog.SeverityCritical,
		owner, owner, "success", map[string]any{"released_count": released}, "", "")
	return released, nil
}

// CleanupExpiredLocks runs backend-specific expired-lock cleanup (a no-op
// for TTL-native backends like Redis; required for the filesystem backend).
func (m *Manager) CleanupExpiredLocks(ctx context.Context) (int, error) {
	n, err := m.backend.CleanupExpired(ctx)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "lock backend unavailable")
	}
	return n, nil
}

// HeldScopes returns the scopes currently held by this process, for
// orchestrator-level introspection (e.g. deciding whether it is safe to
// attempt a further acquire without violating ordering).
func (m *Manager) HeldScopes() []Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	scopes := make([]Scope, 0, len(m.held))
	for _, info := range m.held {
		scopes = append(scopes, info.Scope)
	}
	return scopes
}
