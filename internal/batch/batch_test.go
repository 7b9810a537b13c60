package batch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/portguard/portguard/internal/cache"
	"github.com/portguard/portguard/internal/clock"
	"github.com/portguard/portguard/internal/detector"
	"github.com/portguard/portguard/internal/intent"
	"github.com/portguard/portguard/internal/logging"
	"github.com/portguard/portguard/internal/notify"
	"github.com/portguard/portguard/internal/registry"
	"github.com/portguard/portguard/internal/store"
)

type fakeNotifier struct {
	events []notify.Event
}

func (f *fakeNotifier) Publish(ctx context.Context, userID, deduplicationKey string, event notify.Event) (bool, error) {
	f.events = append(f.events, event)
	return true, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type noCreds struct{}

func (noCreds) GetRegistryCredentials(userID string) ([]registry.RegistryCredential, error) {
	return nil, nil
}

func newScheduler(t *testing.T) *Scheduler {
	s := newTestStore(t)
	log := logging.New(false)
	clk := clock.Real{}
	det := detector.New(s, noCreds{}, nil, log)
	c := cache.New(s, log, clk)
	in := intent.New(s, log, clk)
	return NewScheduler(s, log, clk, det, c, in)
}

func TestScheduler_RunNow_UnknownJobType(t *testing.T) {
	sched := newScheduler(t)
	if err := sched.RunNow(context.Background(), "u1", "not-a-real-job"); err == nil {
		t.Errorf("expected error for unknown job type")
	}
}

func TestScheduler_Dispatch_SkipsWhenLockHeld(t *testing.T) {
	sched := newScheduler(t)

	// Simulate a run already in progress for this user/jobType.
	running := store.BatchRun{
		ID: "r0", UserID: "u1", JobType: JobDockerHubPull, Status: "running",
		StartedAt: time.Now(),
	}
	if err := sched.store.CreateBatchRun(running); err != nil {
		t.Fatalf("create batch run: %v", err)
	}

	calls := 0
	sched.handlers[JobDockerHubPull] = func(ctx context.Context, userID string, log *bufferedLogger) (int, int, error) {
		calls++
		return 0, 0, nil
	}

	if err := sched.RunNow(context.Background(), "u1", JobDockerHubPull); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if calls != 0 {
		t.Errorf("expected handler not to run while lock is held, got %d calls", calls)
	}
}

func TestScheduler_Dispatch_RecordsRun(t *testing.T) {
	sched := newScheduler(t)

	sched.handlers[JobTrackedAppsCheck] = func(ctx context.Context, userID string, log *bufferedLogger) (int, int, error) {
		log.Infof("checked %d", 3)
		return 3, 1, nil
	}

	if err := sched.RunNow(context.Background(), "u1", JobTrackedAppsCheck); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	runs, err := sched.store.ListBatchRuns("u1", JobTrackedAppsCheck, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Status != "completed" {
		t.Errorf("expected completed status, got %s", runs[0].Status)
	}
	if runs[0].ContainersChecked != 3 || runs[0].ContainersUpdated != 1 {
		t.Errorf("unexpected counts: %+v", runs[0])
	}
	if len(runs[0].Logs) != 1 {
		t.Errorf("expected 1 log line persisted, got %d", len(runs[0].Logs))
	}
}

func TestScheduler_Dispatch_NotifiesOnlyWhenIntentOptsIn(t *testing.T) {
	sched := newScheduler(t)
	notifier := &fakeNotifier{}
	sched.SetNotifier(notifier)

	sched.handlers[JobTrackedAppsCheck] = func(ctx context.Context, userID string, log *bufferedLogger) (int, int, error) {
		return 1, 0, nil
	}

	// No intents at all: the batch-summary publish must stay silent.
	if err := sched.RunNow(context.Background(), "u1", JobTrackedAppsCheck); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if len(notifier.events) != 0 {
		t.Fatalf("expected no notifications with no intents configured, got %d", len(notifier.events))
	}

	// An intent opting into batch-start and success notifications unlocks both.
	if err := sched.store.CreateIntent(store.Intent{
		ID: "i1", UserID: "u1", Name: "watch", Enabled: true, ScheduleType: "immediate",
		NotifyOnBatchStart: true, NotifyOnSuccess: true,
	}); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if err := sched.RunNow(context.Background(), "u1", JobTrackedAppsCheck); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if len(notifier.events) != 2 {
		t.Fatalf("expected a batch-start and a success notification, got %d", len(notifier.events))
	}
	if notifier.events[0].Type != notify.EventUpdateStarted {
		t.Errorf("expected first event to be EventUpdateStarted, got %s", notifier.events[0].Type)
	}
	if notifier.events[1].Type != notify.EventUpdateSucceeded {
		t.Errorf("expected second event to be EventUpdateSucceeded, got %s", notifier.events[1].Type)
	}
}

func TestScheduler_Tick_SkipsDisabledAndNotDue(t *testing.T) {
	sched := newScheduler(t)

	calls := 0
	sched.handlers[JobAutoUpdate] = func(ctx context.Context, userID string, log *bufferedLogger) (int, int, error) {
		calls++
		return 0, 0, nil
	}

	if err := sched.store.SetBatchConfig(store.BatchConfig{UserID: "u1", JobType: JobAutoUpdate, Enabled: false, IntervalMinutes: 5}); err != nil {
		t.Fatalf("set config: %v", err)
	}
	sched.tick(context.Background())
	if calls != 0 {
		t.Errorf("expected disabled job not to run, got %d calls", calls)
	}

	if err := sched.store.SetBatchConfig(store.BatchConfig{UserID: "u1", JobType: JobAutoUpdate, Enabled: true, IntervalMinutes: 60}); err != nil {
		t.Fatalf("set config: %v", err)
	}
	sched.tick(context.Background())
	if calls != 1 {
		t.Errorf("expected enabled job with no prior run to fire once, got %d calls", calls)
	}

	// A second tick immediately after should not fire again: interval not elapsed.
	sched.tick(context.Background())
	if calls != 1 {
		t.Errorf("expected job not due again within interval, got %d calls", calls)
	}
}
