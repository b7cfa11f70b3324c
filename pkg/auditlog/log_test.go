package auditlog

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestAuditLog(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Audit Log Suite")
}

type failingStore struct {
	*MemoryStore
	failNext int
}

func (f *failingStore) Insert(ctx context.Context, event Event) error {
	if f.failNext > 0 {
		f.failNext--
		return errTransient
	}
	return f.MemoryStore.Insert(ctx, event)
}

var errTransient = &transientErr{}

type transientErr struct{}

func (*transientErr) Error() string { return "transient store failure" }

func sequentialClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		cur := t
		t = t.Add(time.Second)
		return cur
	}
}

var _ = Describe("Log", func() {
	var (
		store *MemoryStore
		log   *Log
		ctx   context.Context
	)

	BeforeEach(func() {
		store = NewMemoryStore()
		log = New(store, WithClock(sequentialClock(time.Unix(1700000000, 0))))
		ctx = context.Background()
	})

	Describe("Append", func() {
		It("assigns an event id and chains off genesis", func() {
			id, err := log.Append(ctx, CategoryLock, "lock_acquired", SeverityInfo, "orch-1", "payment-service", "success", nil, "", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(id).NotTo(BeEmpty())

			events, err := store.All(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
			Expect(events[0].PreviousHash).To(Equal(GenesisHash))
			Expect(events[0].Hash).NotTo(BeEmpty())
		})

		It("generates a correlation id when absent", func() {
			id, err := log.Append(ctx, CategorySystem, "noop", SeverityInfo, "a", "r", "success", nil, "", "")
			Expect(err).NotTo(HaveOccurred())
			events, _ := store.Query(ctx, Filter{})
			Expect(events).To(HaveLen(1))
			Expect(events[0].CorrelationID).NotTo(BeEmpty())
			_ = id
		})

		It("chains each subsequent event off the previous hash", func() {
			_, _ = log.Append(ctx, CategoryLock, "a1", SeverityInfo, "o", "r1", "success", nil, "corr", "")
			_, _ = log.Append(ctx, CategoryLock, "a2", SeverityInfo, "o", "r2", "success", nil, "corr", "")

			events, _ := store.All(ctx)
			Expect(events).To(HaveLen(2))
			Expect(events[1].PreviousHash).To(Equal(events[0].Hash))
		})

		It("buffers events when the store fails and never loses them", func() {
			fs := &failingStore{MemoryStore: store, failNext: 1}
			log = New(fs, WithClock(sequentialClock(time.Unix(1700000000, 0))))

			id, err := log.Append(ctx, CategoryLock, "a1", SeverityInfo, "o", "r1", "success", nil, "", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(id).NotTo(BeEmpty())

			all, _ := store.All(ctx)
			Expect(all).To(BeEmpty(), "store insert was made to fail")

			flushed, err := log.RetryPending(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(flushed).To(Equal(1))

			all, _ = store.All(ctx)
			Expect(all).To(HaveLen(1))
		})

		It("enters read-only mode once the overflow buffer exceeds its cap", func() {
			fs := &failingStore{MemoryStore: store, failNext: 1000}
			log = New(fs, WithBufferCap(2), WithClock(sequentialClock(time.Unix(1700000000, 0))))

			for i := 0; i < 2; i++ {
				_, err := log.Append(ctx, CategorySystem, "noop", SeverityInfo, "o", "r", "success", nil, "", "")
				Expect(err).NotTo(HaveOccurred())
			}
			_, err := log.Append(ctx, CategorySystem, "noop", SeverityInfo, "o", "r", "success", nil, "", "")
			Expect(err).NotTo(HaveOccurred()) // the overflowing append itself still succeeds
			Expect(log.ReadOnly()).To(BeTrue())

			_, err = log.Append(ctx, CategorySystem, "noop", SeverityInfo, "o", "r", "success", nil, "", "")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Query", func() {
		It("returns events in reverse-chronological order", func() {
			_, _ = log.Append(ctx, CategoryLock, "first", SeverityInfo, "o", "r", "success", nil, "", "")
			_, _ = log.Append(ctx, CategoryLock, "second", SeverityInfo, "o", "r", "success", nil, "", "")

			events, err := log.Query(ctx, Filter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(2))
			Expect(events[0].Action).To(Equal("second"))
			Expect(events[1].Action).To(Equal("first"))
		})

		It("filters by correlation id", func() {
			_, _ = log.Append(ctx, CategoryLock, "a", SeverityInfo, "o", "r", "success", nil, "corr-a", "")
			_, _ = log.Append(ctx, CategoryLock, "b", SeverityInfo, "o", "r", "success", nil, "corr-b", "")

			events, err := log.Query(ctx, Filter{CorrelationID: "corr-a"})
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
			Expect(events[0].Action).To(Equal("a"))
		})
	})

	Describe("VerifyChain", func() {
		It("verifies an untampered chain", func() {
			for i := 0; i < 10; i++ {
				_, _ = log.Append(ctx, CategoryLock, "action", SeverityInfo, "o", "r", "success", nil, "", "")
			}
			ok, failingID, err := log.VerifyChain(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(failingID).To(BeEmpty())
		})

		It("detects a mutated event (spec scenario: audit tampering)", func() {
			var fifthID string
			for i := 0; i < 10; i++ {
				id, _ := log.Append(ctx, CategoryLock, "action", SeverityInfo, "o", "r", "success", nil, "", "")
				if i == 4 {
					fifthID = id
				}
			}

			mutated := store.Mutate(fifthID, func(e *Event) { e.Outcome = "tampered" })
			Expect(mutated).To(BeTrue())

			ok, failingID, err := log.VerifyChain(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(failingID).To(Equal(fifthID))
		})
	})

	Describe("Stats", func() {
		It("tracks totals, categories, severities and error counts", func() {
			_, _ = log.Append(ctx, CategoryLock, "a", SeverityInfo, "o", "r", "success", nil, "", "")
			_, _ = log.Append(ctx, CategorySafety, "b", SeverityCritical, "o", "r", "failure", nil, "", "")

			stats := log.Stats()
			Expect(stats.TotalEvents).To(Equal(2))
			Expect(stats.EventsByCategory[CategoryLock]).To(Equal(1))
			Expect(stats.EventsBySeverity[SeverityCritical]).To(Equal(1))
			Expect(stats.ErrorsCount).To(Equal(1))
		})
	})

	Describe("round-trip", func() {
		It("returns byte-identical content for an appended event id", func() {
			id, _ := log.Append(ctx, CategoryDeployment, "deploy", SeverityInfo, "o", "payment-service", "success",
				map[string]any{"image_tag": "v2"}, "corr-1", "")

			events, err := log.Query(ctx, Filter{CorrelationID: "corr-1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
			Expect(events[0].EventID).To(Equal(id))
			Expect(events[0].Details["image_tag"]).To(Equal("v2"))
		})
	})
})
