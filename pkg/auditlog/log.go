package auditlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	apperrors "github.com/selfheal/controlplane/internal/errors"
)

// Log is the tamper-evident, append-only audit log of spec §4.1. Append is
// serialized (single-writer semantics, spec §3 "Ownership"); Query is
// consistent with all appends ordered before the call; verify_chain detects
// any mutation or deletion except the truncation of a prefix-plus-suffix
// pair.
type Log struct {
	mu sync.Mutex

	store     Store
	logger    logr.Logger
	lastHash  string
	pending   []Event // events accepted but not yet durably persisted
	bufferCap int
	readOnly  bool

	stats Stats

	now    func() time.Time
	newID  func() string
}

// Option configures a Log at construction.
type Option func(*Log)

// WithBufferCap overrides the default overflow-buffer capacity (spec §4.1
// errors: "if buffer exceeds a configured cap the system transitions to
// read-only mode").
func WithBufferCap(n int) Option {
	return func(l *Log) { l.bufferCap = n }
}

// WithLogger attaches a structured logger for dual-write visibility.
func WithLogger(logger logr.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithIDGenerator overrides event ID generation (tests).
func WithIDGenerator(gen func() string) Option {
	return func(l *Log) { l.newID = gen }
}

// New builds a Log over store, starting the chain at GenesisHash.
func New(store Store, opts ...Option) *Log {
	l := &Log{
		store:     store,
		logger:    logr.Discard(),
		lastHash:  GenesisHash,
		bufferCap: 10000,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
		stats: Stats{
			EventsByCategory: map[Category]int{},
			EventsBySeverity: map[Severity]int{},
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ReadOnly reports whether the buffer overflowed and new appends are being
// rejected (spec §4.1, §7 "audit buffer overflow").
func (l *Log) ReadOnly() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readOnly
}

// canonicalHash reproduces the original's `json.dumps(event, sort_keys=True)`
// via a round trip through a map (Go's encoding/json already emits map keys
// in sorted order), then SHA-256s `previous_hash:canonical_json`.
func canonicalHash(previousHash string, e Event) (string, error) {
	e.Hash = ""
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal event for hashing: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return "", fmt.Errorf("canonicalize event for hashing: %w", err)
	}
	canon, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal canonical event: %w", err)
	}
	sum := sha256.Sum256([]byte(previousHash + ":" + string(canon)))
	return hex.EncodeToString(sum[:]), nil
}

// Append assigns an event_id, timestamp, and hash; appends to the durable
// store; and updates the in-memory hash chain. On durable-store failure the
// event is buffered in memory (the append is never lost, spec §4.1) and
// retried via RetryPending; if the buffer exceeds its cap the log enters
// read-only mode and rejects all further appends.
func (l *Log) Append(ctx context.Context, category Category, action string, severity Severity, actor, resourceID, outcome string, details map[string]any, correlationID, parentEventID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.readOnly {
		return "", apperrors.New(apperrors.ErrorTypeIntegrity, "audit log is in read-only mode: overflow buffer exceeded cap").
			WithDetails("reject new operations until the buffer drains")
	}

	if correlationID == "" {
		correlationID = l.newID()
	}

	event := Event{
		EventID:       l.newID(),
		Timestamp:     l.now().UTC(),
		Category:      category,
		Action:        action,
		Severity:      severity,
		Actor:         actor,
		ResourceID:    resourceID,
		Outcome:       outcome,
		Details:       details,
		CorrelationID: correlationID,
		ParentEventID: parentEventID,
		PreviousHash:  l.lastHash,
	}

	hash, err := canonicalHash(l.lastHash, event)
	if err != nil {
		return "", err
	}
	event.Hash = hash
	l.lastHash = hash

	l.recordStats(event)

	if err := l.store.Insert(ctx, event); err != nil {
		l.logger.Error(err, "audit store write failed, buffering", "event_id", event.EventID)
		l.pending = append(l.pending, event)
		if len(l.pending) > l.bufferCap {
			l.readOnly = true
			l.logger.Error(nil, "audit overflow buffer exceeded cap, entering read-only mode", "buffer_cap", l.bufferCap)
		}
		return event.EventID, nil
	}

	l.logger.Info("audit event appended", "event_id", event.EventID, "category", category, "action", action, "correlation_id", correlationID)
	return event.EventID, nil
}

func (l *Log) recordStats(e Event) {
	l.stats.TotalEvents++
	l.stats.EventsByCategory[e.Category]++
	l.stats.EventsBySeverity[e.Severity]++
	if e.Severity == SeverityError || e.Severity == SeverityCritical {
		l.stats.ErrorsCount++
	}
}

// RetryPending attempts to flush buffered events to the durable store. The
// Log never calls it itself and applies no backoff: scheduling and spacing
// retries is left to the caller. Each call is one attempt per pending item,
// in order, stopping at the first failure to preserve ordering.
func (l *Log) RetryPending(ctx context.Context) (flushed int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for len(l.pending) > 0 {
		event := l.pending[0]
		if insertErr := l.store.Insert(ctx, event); insertErr != nil {
			return flushed, insertErr
		}
		l.pending = l.pending[1:]
		flushed++
	}
	if len(l.pending) < l.bufferCap {
		l.readOnly = false
	}
	return flushed, nil
}

// Query returns events matching filter in reverse-chronological order,
// consistent with all appends ordered before this call (pending/unflushed
// events are included so Query never lags behind Append).
func (l *Log) Query(ctx context.Context, filter Filter) ([]Event, error) {
	l.mu.Lock()
	pendingCopy := make([]Event, len(l.pending))
	copy(pendingCopy, l.pending)
	l.mu.Unlock()

	stored, err := l.store.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query audit store: %w", err)
	}

	out := make([]Event, 0, len(stored)+len(pendingCopy))
	for i := len(pendingCopy) - 1; i >= 0; i-- {
		if matches(pendingCopy[i], filter) {
			out = append(out, pendingCopy[i])
		}
	}
	out = append(out, stored...)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(e Event, f Filter) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	return true
}

// VerifyChain recomputes hashes from genesis and returns (true, "") if no
// tampering is detected, or (false, eventID) naming the first event whose
// stored hash no longer matches its recomputed hash.
func (l *Log) VerifyChain(ctx context.Context) (ok bool, failingEventID string, err error) {
	l.mu.Lock()
	pendingCopy := make([]Event, len(l.pending))
	copy(pendingCopy, l.pending)
	l.mu.Unlock()

	stored, err := l.store.All(ctx)
	if err != nil {
		return false, "", fmt.Errorf("load audit events: %w", err)
	}
	all := append(stored, pendingCopy...)

	previous := GenesisHash
	for _, event := range all {
		expected, hashErr := canonicalHash(previous, event)
		if hashErr != nil {
			return false, "", hashErr
		}
		if expected != event.Hash {
			return false, event.EventID, nil
		}
		previous = event.Hash
	}
	return true, "", nil
}

// Stats returns a snapshot of the non-load-bearing observability counters
// (spec §9).
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := Stats{
		TotalEvents:      l.stats.TotalEvents,
		ErrorsCount:      l.stats.ErrorsCount,
		EventsByCategory: make(map[Category]int, len(l.stats.EventsByCategory)),
		EventsBySeverity: make(map[Severity]int, len(l.stats.EventsBySeverity)),
	}
	for k, v := range l.stats.EventsByCategory {
		out.EventsByCategory[k] = v
	}
	for k, v := range l.stats.EventsBySeverity {
		out.EventsBySeverity[k] = v
	}
	return out
}
