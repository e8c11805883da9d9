//go:build integration

package integration

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
	"github.com/eliteGoblin/focusd/cueaside/internal/infra"
	"github.com/eliteGoblin/focusd/cueaside/internal/scheduler"
	"github.com/eliteGoblin/focusd/cueaside/internal/usecase"
	"github.com/eliteGoblin/focusd/cueaside/test/fixtures"
)

var _ = Describe("Tracker", func() {
	var (
		ctx     context.Context
		tmpDir  string
		key     []byte
		store   *infra.Store
		ledger  *infra.UsageLedger
		queue   *scheduler.Queue
		sink    *fixtures.RecordingSink
		tracker *usecase.Tracker
	)

	// switchTo feeds a foreground change the way the daemon does.
	switchTo := func(pkg string) *domain.EvaluationResult {
		Expect(ledger.RecordSwitch(ctx, pkg, time.Now())).To(Succeed())
		return tracker.OnForegroundChange(ctx, pkg)
	}

	add := func(r domain.Routine) domain.Routine {
		Expect(store.Add(ctx, r)).To(Succeed())
		return r
	}

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		tmpDir, err = os.MkdirTemp("", "cueaside-integration-*")
		Expect(err).NotTo(HaveOccurred())

		key, err = infra.GenerateKey()
		Expect(err).NotTo(HaveOccurred())
		store, err = infra.NewStore(tmpDir, key)
		Expect(err).NotTo(HaveOccurred())

		ledger = infra.NewUsageLedger(store)
		queue = scheduler.NewQueue(zap.NewNop())
		queue.Start()
		sink = fixtures.NewRecordingSink()

		config := usecase.TrackerConfig{RetryDelay: time.Second, MinRecheckDelay: 100 * time.Millisecond}
		tracker = usecase.NewTracker(config, store, sink, ledger, queue, zap.NewNop())
	})

	AfterEach(func() {
		tracker.Stop()
		queue.Stop()
		store.Close()
		os.RemoveAll(tmpDir)
	})

	Describe("launch and exit routines", func() {
		It("fires immediately on the matching transition", func() {
			add(fixtures.Routine(domain.ConditionLaunched, "mail opened", "com.example.mail"))
			add(fixtures.Routine(domain.ConditionExiting, "mail closed", "com.example.mail"))

			switchTo("com.example.mail")
			Expect(sink.Messages()).To(Equal([]string{"mail opened"}))

			switchTo("com.example.chat")
			Expect(sink.Messages()).To(Equal([]string{"mail opened", "mail closed"}))
		})

		It("evaluates routines in store order", func() {
			add(fixtures.Routine(domain.ConditionLaunched, "first", "com.example.mail"))
			add(fixtures.Routine(domain.ConditionLaunched, "second", "com.example.mail"))
			add(fixtures.Routine(domain.ConditionLaunched, "third", "com.example.mail"))

			switchTo("com.example.mail")
			Expect(sink.Messages()).To(Equal([]string{"first", "second", "third"}))
		})

		It("ignores disabled routines", func() {
			r := add(fixtures.Routine(domain.ConditionLaunched, "muted", "com.example.mail"))
			Expect(store.SetEnabled(ctx, r.ID, false)).To(Succeed())

			switchTo("com.example.mail")
			Expect(sink.Count()).To(BeZero())
		})

		It("does not fire again for a repeated foreground report", func() {
			add(fixtures.Routine(domain.ConditionLaunched, "mail opened", "com.example.mail"))

			switchTo("com.example.mail")
			Expect(switchTo("com.example.mail")).To(BeNil())
			Expect(sink.Count()).To(Equal(1))
		})
	})

	Describe("session routines", func() {
		It("fires once the app has been in front for the threshold", func() {
			add(fixtures.UsedFor(domain.TimeModeSession, 1, "take a break", "com.example.chat"))

			result := switchTo("com.example.chat")
			Expect(result.Scheduled).To(HaveLen(1))
			Expect(sink.Count()).To(BeZero())

			Eventually(sink.Count, 3*time.Second, 50*time.Millisecond).Should(Equal(1))
			Consistently(sink.Count, 1500*time.Millisecond, 100*time.Millisecond).Should(Equal(1))
		})

		It("is cancelled when the user switches away first", func() {
			add(fixtures.UsedFor(domain.TimeModeSession, 1, "take a break", "com.example.chat"))

			switchTo("com.example.chat")
			time.Sleep(300 * time.Millisecond)
			switchTo("com.example.mail")

			Consistently(sink.Count, 1500*time.Millisecond, 100*time.Millisecond).Should(BeZero())
			Expect(queue.Pending()).To(BeEmpty())
		})
	})

	Describe("total routines", func() {
		BeforeEach(func() {
			now := time.Now()
			midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
			if now.Sub(midnight) < 10*time.Second {
				Skip("too close to midnight for a same-day window")
			}
		})

		It("fires immediately when today's usage already meets the threshold", func() {
			add(fixtures.UsedFor(domain.TimeModeTotal, 2, "enough chat today", "com.example.chat"))

			now := time.Now()
			Expect(ledger.RecordSwitch(ctx, "com.example.chat", now.Add(-4*time.Second))).To(Succeed())
			Expect(ledger.RecordSwitch(ctx, "com.example.mail", now.Add(-500*time.Millisecond))).To(Succeed())

			switchTo("com.example.chat")
			Expect(sink.Messages()).To(Equal([]string{"enough chat today"}))
		})

		It("re-checks until accumulated usage reaches the threshold", func() {
			add(fixtures.UsedFor(domain.TimeModeTotal, 1, "enough chat today", "com.example.chat"))

			result := switchTo("com.example.chat")
			Expect(result.Scheduled).To(HaveLen(1))

			Eventually(sink.Count, 3*time.Second, 50*time.Millisecond).Should(Equal(1))
		})

		It("counts usage across separate sessions", func() {
			add(fixtures.UsedFor(domain.TimeModeTotal, 1, "enough chat today", "com.example.chat"))

			switchTo("com.example.chat")
			time.Sleep(600 * time.Millisecond)
			switchTo("com.example.mail")
			Consistently(sink.Count, 700*time.Millisecond, 100*time.Millisecond).Should(BeZero())

			switchTo("com.example.chat")
			Eventually(sink.Count, 2*time.Second, 50*time.Millisecond).Should(Equal(1))

			total, err := ledger.CumulativeForeground(ctx, "com.example.chat",
				time.Now().Add(-time.Minute), time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(BeNumerically(">=", time.Second))
		})
	})

	Describe("persistence", func() {
		It("keeps routines encrypted across reopen", func() {
			add(fixtures.Routine(domain.ConditionLaunched, "still here", "com.example.mail"))
			tracker.Stop()
			Expect(store.Close()).To(Succeed())

			var err error
			store, err = infra.NewStore(tmpDir, key)
			Expect(err).NotTo(HaveOccurred())
			ledger = infra.NewUsageLedger(store)
			tracker = usecase.NewTracker(usecase.DefaultTrackerConfig(), store, sink, ledger, queue, zap.NewNop())

			switchTo("com.example.mail")
			Expect(sink.Messages()).To(Equal([]string{"still here"}))

			wrongKey, err := infra.GenerateKey()
			Expect(err).NotTo(HaveOccurred())
			_, err = infra.NewStore(tmpDir, wrongKey)
			Expect(err).To(HaveOccurred())
		})
	})
})
