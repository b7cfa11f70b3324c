package lockmgr

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/selfheal/controlplane/pkg/auditlog"
)

func TestLockManager(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Lock Manager Suite")
}

func newTestManager(backend Backend) *Manager {
	log := auditlog.New(auditlog.NewMemoryStore())
	return New(backend, log, WithPollInterval(10*time.Millisecond), WithDefaultWaitTimeout(200*time.Millisecond))
}

var _ = Describe("Manager", func() {
	var (
		mr      *miniredis.Miniredis
		backend *RedisBackend
		mgr     *Manager
		ctx     context.Context
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		backend = NewRedisBackend(client)
		mgr = newTestManager(backend)
		ctx = context.Background()
	})

	AfterEach(func() {
		mr.Close()
	})

	Describe("Acquire/Release round trip", func() {
		It("leaves is_locked false after a matching release (spec idempotence property)", func() {
			info, err := mgr.Acquire(ctx, ScopeService, "payment-service", "orchestrator-1", time.Minute, time.Second, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.LockID).To(Equal("SERVICE:payment-service"))

			locked, err := mgr.IsLocked(ctx, ScopeService, "payment-service")
			Expect(err).NotTo(HaveOccurred())
			Expect(locked).To(BeTrue())

			err = mgr.Release(ctx, ScopeService, "payment-service", "orchestrator-1")
			Expect(err).NotTo(HaveOccurred())

			locked, err = mgr.IsLocked(ctx, ScopeService, "payment-service")
			Expect(err).NotTo(HaveOccurred())
			Expect(locked).To(BeFalse())
		})
	})

	Describe("exclusivity", func() {
		It("rejects a second acquire by a different owner while the first holds the lock", func() {
			_, err := mgr.Acquire(ctx, ScopeService, "payment-service", "orchestrator-1", time.Minute, time.Second, nil)
			Expect(err).NotTo(HaveOccurred())

			other := newTestManager(backend)
			_, err = other.Acquire(ctx, ScopeService, "payment-service", "orchestrator-2", time.Minute, 50*time.Millisecond, nil)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("lock ordering (spec scenario: lock ordering rejection)", func() {
		It("rejects acquiring a SYSTEM lock while holding a SERVICE lock, without contacting the backend", func() {
			_, err := mgr.Acquire(ctx, ScopeService, "payment-service", "orchestrator-1", time.Minute, time.Second, nil)
			Expect(err).NotTo(HaveOccurred())

			_, err = mgr.Acquire(ctx, ScopeSystem, "global", "orchestrator-1", time.Minute, time.Second, nil)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("ordering violation"))

			locked, lerr := mgr.IsLocked(ctx, ScopeSystem, "global")
			Expect(lerr).NotTo(HaveOccurred())
			Expect(locked).To(BeFalse(), "the rejected acquire must never have reached the backend")
		})

		It("permits acquiring an INCIDENT lock after a SERVICE lock (lower priority, allowed)", func() {
			_, err := mgr.Acquire(ctx, ScopeService, "payment-service", "orchestrator-1", time.Minute, time.Second, nil)
			Expect(err).NotTo(HaveOccurred())

			_, err = mgr.Acquire(ctx, ScopeIncident, "INC-001", "orchestrator-1", time.Minute, time.Second, nil)
			Expect(err).NotTo(HaveOccurred())
		})

		It("rejects same-scope locks acquired out of alphabetical order", func() {
			_, err := mgr.Acquire(ctx, ScopeService, "zeta-service", "orchestrator-1", time.Minute, time.Second, nil)
			Expect(err).NotTo(HaveOccurred())

			_, err = mgr.Acquire(ctx, ScopeService, "alpha-service", "orchestrator-1", time.Minute, time.Second, nil)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("alphabetical order"))
		})
	})

	Describe("ForceReleaseAll", func() {
		It("releases every lock held by the given owner and logs a CRITICAL audit event", func() {
			_, err := mgr.Acquire(ctx, ScopeService, "payment-service", "orchestrator-1", time.Minute, time.Second, nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = mgr.Acquire(ctx, ScopeIncident, "INC-001", "orchestrator-1", time.Minute, time.Second, nil)
			Expect(err).NotTo(HaveOccurred())

			released, err := mgr.ForceReleaseAll(ctx, "orchestrator-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(released).To(Equal(2))

			locked, _ := mgr.IsLocked(ctx, ScopeService, "payment-service")
			Expect(locked).To(BeFalse())
		})
	})
})

var _ = Describe("FileBackend", func() {
	var (
		backend *FileBackend
		ctx     context.Context
	)

	BeforeEach(func() {
		var err error
		backend, err = NewFileBackend(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		ctx = context.Background()
	})

	It("acquires exclusively and releases by owner+token read back from disk", func() {
		mgr := newTestManager(backend)

		info, err := mgr.Acquire(ctx, ScopeDeployment, "order-service", "orchestrator-1", time.Minute, time.Second, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(info).NotTo(BeNil())

		// Simulate a process restart: with no Manager in the loop, the
		// backend alone reads owner/token back from the lock file.
		stored, found, err := backend.Get(ctx, "DEPLOYMENT:order-service")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(stored.Owner).To(Equal("orchestrator-1"))

		ok, err := backend.Release(ctx, stored)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		_, found, err = backend.Get(ctx, "DEPLOYMENT:order-service")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())
	})

	It("cleans up expired locks", func() {
		info := Info{
			LockID:     "SERVICE:stale-service",
			Scope:      ScopeService,
			ResourceID: "stale-service",
			Owner:      "orchestrator-1",
			Token:      "tok-1",
			AcquiredAt: time.Now().Add(-time.Hour),
			ExpiresAt:  time.Now().Add(-time.Minute),
		}
		ok, err := backend.TryAcquire(ctx, info, time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		cleaned, err := backend.CleanupExpired(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(cleaned).To(Equal(1))
	})
})
