package notify

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestNotify(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Notify Suite")
}

type fakeSink struct {
	channel   Channel
	failErr   error
	calls     int
	lastTitle string
	lastMeta  map[string]any
	lastSev   Severity
}

func (f *fakeSink) Channel() Channel { return f.channel }

func (f *fakeSink) Deliver(ctx context.Context, title, message string, severity Severity, metadata map[string]any) error {
	f.calls++
	f.lastTitle = title
	f.lastSev = severity
	f.lastMeta = metadata
	return f.failErr
}

var _ = Describe("Notifier.Send", func() {
	var fixedNow time.Time

	BeforeEach(func() {
		fixedNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	})

	It("defaults to slack when no channels are requested", func() {
		slack := &fakeSink{channel: ChannelSlack}
		n := New([]Sink{slack}, WithClock(func() time.Time { return fixedNow }))

		statuses, err := n.Send(context.Background(), "deploy failed", "order-service v2 rolled back", SeverityError, nil, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(statuses).To(HaveLen(1))
		Expect(statuses[0].Channel).To(Equal(ChannelSlack))
		Expect(statuses[0].Delivered).To(BeTrue())
		Expect(slack.calls).To(Equal(1))
	})

	It("fans out across every requested channel independently", func() {
		slack := &fakeSink{channel: ChannelSlack}
		pagerduty := &fakeSink{channel: ChannelPagerDuty}
		n := New([]Sink{slack, pagerduty}, WithClock(func() time.Time { return fixedNow }))

		statuses, err := n.Send(context.Background(), "safety gate failure", "blocked", SeverityError,
			[]Channel{ChannelSlack, ChannelPagerDuty}, map[string]any{"correlation_id": "corr-1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(statuses).To(HaveLen(2))
		Expect(slack.lastMeta).To(HaveKeyWithValue("correlation_id", "corr-1"))
	})

	It("reports an undelivered status for a channel with no registered sink, without failing the call", func() {
		n := New(nil, WithClock(func() time.Time { return fixedNow }))
		statuses, err := n.Send(context.Background(), "x", "y", SeverityInfo, []Channel{ChannelEmail}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(statuses).To(HaveLen(1))
		Expect(statuses[0].Delivered).To(BeFalse())
		Expect(statuses[0].Error).To(ContainSubstring("no sink registered"))
	})

	It("records one channel's delivery failure without blocking the others", func() {
		failing := &fakeSink{channel: ChannelSlack, failErr: &RetryableError{Channel: ChannelSlack, Cause: errBoom}}
		ok := &fakeSink{channel: ChannelPagerDuty}
		n := New([]Sink{failing, ok}, WithClock(func() time.Time { return fixedNow }))

		statuses, err := n.Send(context.Background(), "x", "y", SeverityCritical,
			[]Channel{ChannelSlack, ChannelPagerDuty}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(statuses).To(HaveLen(2))

		byChannel := map[Channel]DeliveryStatus{}
		for _, s := range statuses {
			byChannel[s.Channel] = s
		}
		Expect(byChannel[ChannelSlack].Delivered).To(BeFalse())
		Expect(byChannel[ChannelPagerDuty].Delivered).To(BeTrue())
	})
})

type boomErr struct{}

func (boomErr) Error() string { return "boom" }

var errBoom = boomErr{}
