package tabs_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/walkley/myagents/internal/tab"
	"github.com/walkley/myagents/pkg/types"
)

func idle(t *tab.Tab) func() bool {
	return func() bool {
		s := t.Snapshot()
		return !s.IsBusy && s.SessionStatus == types.StatusIdle
	}
}

func lastText(t *tab.Tab) string {
	msgs := t.Snapshot().Messages
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Content.PlainText()
}

func toolResult(t *tab.Tab) string {
	msgs := t.Snapshot().Messages
	if len(msgs) == 0 {
		return ""
	}
	for _, b := range msgs[len(msgs)-1].Content.Blocks {
		if b.Tool != nil && b.Tool.Result != nil {
			return *b.Tool.Result
		}
	}
	return ""
}

var _ = Describe("Tabs against a running sidecar", func() {
	var (
		mgr     *tab.Manager
		closeFn func()
	)

	BeforeEach(func() {
		var err error
		mgr, closeFn, err = testSidecar.NewManager(ctx, push)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		closeFn()
	})

	open := func(m *tab.Manager, sessionID types.SessionID) *tab.Tab {
		t, err := m.Open(ctx, "", sessionID)
		Expect(err).NotTo(HaveOccurred())
		Eventually(t.Connected).Should(BeTrue())
		return t
	}

	Describe("a new session", func() {
		It("streams a reply and upgrades the pending id", func() {
			t := open(mgr, "")
			Expect(t.SessionID().IsPending()).To(BeTrue())

			res, err := t.Submit(ctx, types.SendMessageRequest{Text: "hello there"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Queued).To(BeFalse())

			Eventually(func() string { return lastText(t) }).Should(Equal("Echo: hello there"))
			Eventually(idle(t)).Should(BeTrue())
			Expect(t.SessionID().IsReal()).To(BeTrue())
			Expect(t.Snapshot().Messages).To(HaveLen(2))
		})
	})

	Describe("the message queue", func() {
		It("holds messages sent while busy and drains them in order", func() {
			t := open(mgr, "")
			_, err := t.Submit(ctx, types.SendMessageRequest{Text: "/sleep 300ms"})
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() bool { return t.Snapshot().IsBusy }).Should(BeTrue())

			for _, text := range []string{"first", "second"} {
				res, err := t.Submit(ctx, types.SendMessageRequest{Text: text})
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Queued).To(BeTrue())
			}
			Expect(t.Queue()).To(HaveLen(2))

			Eventually(func() string { return lastText(t) }).Should(Equal("Echo: second"))
			Eventually(idle(t)).Should(BeTrue())
			Expect(t.Queue()).To(BeEmpty())

			var users []string
			for _, m := range t.Snapshot().Messages {
				if m.Role == types.RoleUser {
					users = append(users, m.Content.PlainText())
				}
			}
			Expect(users).To(Equal([]string{"/sleep 300ms", "first", "second"}))
		})
	})

	Describe("permissions", func() {
		It("waits for a decision before the tool runs", func() {
			t := open(mgr, "")
			_, err := t.Submit(ctx, types.SendMessageRequest{Text: "/tool write notes.md"})
			Expect(err).NotTo(HaveOccurred())

			Eventually(t.PendingPermission).ShouldNot(BeNil())
			req := t.PendingPermission()
			Expect(req.ToolName).To(Equal("write"))

			Expect(t.RespondPermission(ctx, req.RequestID, types.DecisionDeny)).To(BeTrue())
			Expect(t.PendingPermission()).To(BeNil())
			Expect(t.RespondPermission(ctx, req.RequestID, types.DecisionAllowOnce)).To(BeFalse())

			Eventually(idle(t)).Should(BeTrue())
			Expect(lastText(t)).To(Equal("Running write."))
			Expect(toolResult(t)).To(Equal("Permission denied"))
		})
	})

	Describe("cron handoff", func() {
		It("moves the task to the tab that opens the session and keeps one worker", func() {
			a := open(mgr, "")
			_, err := a.Submit(ctx, types.SendMessageRequest{Text: "hello"})
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() bool { return a.SessionID().IsReal() }).Should(BeTrue())
			Eventually(idle(a)).Should(BeTrue())
			sessionID := a.SessionID()

			task, err := a.CreateCronTask(ctx, types.CronTaskConfig{Schedule: "@every 1h", Prompt: "digest"})
			Expect(err).NotTo(HaveOccurred())
			Expect(task.TabID).To(Equal(a.ID()))
			Eventually(func() bool { return testSidecar.Scheduler.Scheduled(task.ID) }).Should(BeTrue())

			// A second window with its own registry handle.
			other, closeOther, err := testSidecar.NewManager(ctx, push)
			Expect(err).NotTo(HaveOccurred())
			defer closeOther()

			b := open(other, sessionID)
			Expect(b.CronTask()).NotTo(BeNil())
			Expect(b.CronTask().ID).To(Equal(task.ID))
			Eventually(a.CronTask).Should(BeNil())

			got, err := testSidecar.Registry.GetCronTask(ctx, task.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.TabID).To(Equal(b.ID()))
			Expect(got.Status).To(Equal(types.CronRunning))

			srv := testSidecar.Server
			Expect(srv.WorkerFor(b.ID())).To(BeIdenticalTo(srv.WorkerFor(a.ID())))
			Eventually(idle(b)).Should(BeTrue())
			Expect(b.Snapshot().Messages).To(HaveLen(2))

			Expect(testSidecar.Scheduler.RunNow(ctx, task.ID)).To(Succeed())
			for _, t := range []*tab.Tab{a, b} {
				Eventually(func() int { return len(t.Snapshot().Messages) }).Should(Equal(4))
				Eventually(func() string { return lastText(t) }).Should(Equal("Echo: digest"))
			}
			Expect(srv.WorkerFor(b.ID())).To(BeIdenticalTo(srv.WorkerFor(a.ID())))

			stopped, err := b.StopCronTask(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stopped.Status).To(Equal(types.CronStopped))
			Eventually(func() bool { return testSidecar.Scheduler.Scheduled(task.ID) }).Should(BeFalse())
		})
	})
})
