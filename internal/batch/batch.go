// Package batch runs the periodic jobs that keep a user's registry state
// and auto-upgrade intents moving without an operator in the loop.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/portguard/portguard/internal/cache"
	"github.com/portguard/portguard/internal/clock"
	"github.com/portguard/portguard/internal/detector"
	"github.com/portguard/portguard/internal/intent"
	"github.com/portguard/portguard/internal/logging"
	"github.com/portguard/portguard/internal/notify"
	"github.com/portguard/portguard/internal/portainer"
	"github.com/portguard/portguard/internal/store"
)

// Notifier is the subset of notify.Dispatcher the scheduler needs to
// announce detected updates and batch-run summaries. Left nil, a Scheduler
// simply skips notification, matching intent.Notifier's tolerance.
type Notifier interface {
	Publish(ctx context.Context, userID, deduplicationKey string, event notify.Event) (bool, error)
}

// tickInterval matches spec.md §4.6: the scheduler wakes once a minute and
// decides for itself which jobs are due.
const tickInterval = time.Minute

// staleIntentExecutionThreshold mirrors staleBatchJobThreshold in
// internal/store/bolt_batch.go — an execution stuck running this long
// almost certainly belongs to a process that has since restarted.
const staleIntentExecutionThreshold = 5 * time.Minute

// Job types, persisted verbatim into BatchConfig.JobType / BatchRun.JobType.
const (
	JobDockerHubPull    = "docker-hub-pull"
	JobTrackedAppsCheck = "tracked-apps-check"
	JobAutoUpdate       = "auto-update"
)

// bufferedLogger collects log lines for one run so they can be flushed into
// BatchRun.Logs on completion, in addition to going through the normal
// structured logger.
type bufferedLogger struct {
	log  *logging.Logger
	args []string
	mu   sync.Mutex
	rows []string
}

func (b *bufferedLogger) Infof(format string, a ...any) {
	line := fmt.Sprintf(format, a...)
	b.log.Info(line)
	b.mu.Lock()
	b.rows = append(b.rows, line)
	b.mu.Unlock()
}

func (b *bufferedLogger) Errorf(format string, a ...any) {
	line := fmt.Sprintf(format, a...)
	b.log.Error(line)
	b.mu.Lock()
	b.rows = append(b.rows, line)
	b.mu.Unlock()
}

func (b *bufferedLogger) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.rows))
	copy(out, b.rows)
	return out
}

// clientFor builds a Portainer client for one registered instance, matching
// the auth-type branch the rest of the system uses at the API boundary.
func clientFor(inst store.PortainerInstance) *portainer.Client {
	if inst.AuthType == "apikey" {
		return portainer.NewAPIKeyClient(inst.URL, inst.APIKey)
	}
	return portainer.NewPasswordClient(inst.URL, inst.Username, inst.Password)
}

// handler runs one job type for one user, returning counts the scheduler
// folds into the BatchRun row.
type handler func(ctx context.Context, userID string, log *bufferedLogger) (checked, updated int, err error)

// Scheduler runs spec.md §4.6's state machine: once a minute, for every
// (userID, jobType) whose BatchConfig is enabled and whose interval has
// elapsed, acquire the per-job lock and dispatch to a handler.
type Scheduler struct {
	store    *store.Store
	log      *logging.Logger
	clock    clock.Clock
	detector *detector.Detector
	cache    *cache.Cache
	intent   *intent.Engine
	notifier Notifier

	handlers map[string]handler
}

// SetNotifier attaches the dispatcher used to announce detected updates and
// batch-run summaries. Called once during wiring; left nil it simply means
// no notification.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.notifier = n
}

// NewScheduler creates a Scheduler and sweeps stale batch runs left behind
// by a previous process that never reached a terminal status.
func NewScheduler(s *store.Store, log *logging.Logger, clk clock.Clock, det *detector.Detector, c *cache.Cache, in *intent.Engine) *Scheduler {
	sched := &Scheduler{store: s, log: log, clock: clk, detector: det, cache: c, intent: in}
	sched.handlers = map[string]handler{
		JobDockerHubPull:    sched.runDockerHubPull,
		JobTrackedAppsCheck: sched.runTrackedAppsCheck,
		JobAutoUpdate:       sched.runAutoUpdate,
	}

	if marked, err := s.CleanupStaleBatchJobs(); err != nil {
		log.Warn("batch: stale job sweep failed", "error", err)
	} else if marked > 0 {
		log.Info("batch: marked stale runs as failed on startup", "count", marked)
	}
	if marked, err := s.CleanupStaleIntentExecutions(clk.Now().Add(-staleIntentExecutionThreshold)); err != nil {
		log.Warn("batch: stale intent execution sweep failed", "error", err)
	} else if marked > 0 {
		log.Info("batch: marked stale intent executions as failed on startup", "count", marked)
	}
	return sched
}

// Run blocks, ticking once a minute until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick evaluates every configured job across every user and dispatches the
// ones that are due. A job already running (lock held) or not yet due is
// silently skipped; this is polled again next minute.
func (s *Scheduler) tick(ctx context.Context) {
	configs, err := s.store.ListBatchConfigs()
	if err != nil {
		s.log.Error("batch: list configs failed", "error", err)
		return
	}

	now := s.clock.Now()
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		h, ok := s.handlers[cfg.JobType]
		if !ok {
			continue
		}

		runs, err := s.store.ListBatchRuns(cfg.UserID, cfg.JobType, 1)
		if err != nil {
			s.log.Error("batch: list runs failed", "user", cfg.UserID, "jobType", cfg.JobType, "error", err)
			continue
		}
		if len(runs) > 0 {
			interval := time.Duration(cfg.IntervalMinutes) * time.Minute
			if interval <= 0 {
				interval = time.Hour
			}
			if now.Sub(runs[0].StartedAt) < interval {
				continue
			}
		}

		s.dispatch(ctx, cfg.UserID, cfg.JobType, false, h)
	}
}

// RunNow executes a job immediately, bypassing the interval check, for a
// manually-triggered run from the API. The stale-lock check still applies.
func (s *Scheduler) RunNow(ctx context.Context, userID, jobType string) error {
	h, ok := s.handlers[jobType]
	if !ok {
		return fmt.Errorf("unknown batch job type %q", jobType)
	}
	return s.dispatch(ctx, userID, jobType, true, h)
}

// notifyGates summarises whether any of a user's enabled intents opts into
// a given notification event, per spec.md §4.8's per-intent gating. Batch
// jobs operate at the user level rather than against one intent, so a
// batch-level event fires only when at least one enabled intent has asked
// for it.
type notifyGates struct {
	updateDetected bool
	batchStart     bool
	success        bool
	failure        bool
}

func (s *Scheduler) loadNotifyGates(userID string) notifyGates {
	var g notifyGates
	intents, err := s.store.ListIntents(userID)
	if err != nil {
		return g
	}
	for _, in := range intents {
		if !in.Enabled {
			continue
		}
		g.updateDetected = g.updateDetected || in.NotifyOnUpdateDetected
		g.batchStart = g.batchStart || in.NotifyOnBatchStart
		g.success = g.success || in.NotifyOnSuccess
		g.failure = g.failure || in.NotifyOnFailure
	}
	return g
}

func (s *Scheduler) dispatch(ctx context.Context, userID, jobType string, isManual bool, h handler) error {
	running, err := s.store.CheckAndAcquireBatchJobLock(userID, jobType)
	if err != nil {
		s.log.Error("batch: lock acquisition failed", "user", userID, "jobType", jobType, "error", err)
		return err
	}
	if running {
		return nil
	}

	run := store.BatchRun{
		ID:        fmt.Sprintf("run-%s-%s-%d", userID, jobType, s.clock.Now().UnixNano()),
		UserID:    userID,
		JobType:   jobType,
		Status:    "running",
		IsManual:  isManual,
		StartedAt: s.clock.Now(),
	}
	if err := s.store.CreateBatchRun(run); err != nil {
		s.log.Error("batch: create run failed", "error", err)
		return err
	}

	gates := s.loadNotifyGates(userID)
	if s.notifier != nil && gates.batchStart {
		startEvent := notify.Event{
			Type:          notify.EventUpdateStarted,
			ContainerName: jobType,
			Timestamp:     run.StartedAt,
		}
		if _, perr := s.notifier.Publish(ctx, userID, notify.BatchStartKey(userID, run.ID), startEvent); perr != nil {
			s.log.Warn("batch: start notification publish failed", "user", userID, "run", run.ID, "error", perr)
		}
	}

	buf := &bufferedLogger{log: s.log}
	checked, updated, runErr := h(ctx, userID, buf)

	run.CompletedAt = s.clock.Now()
	run.DurationMs = run.CompletedAt.Sub(run.StartedAt).Milliseconds()
	run.ContainersChecked = checked
	run.ContainersUpdated = updated
	run.Logs = buf.lines()
	if runErr != nil {
		run.Status = "failed"
		run.ErrorMessage = runErr.Error()
	} else {
		run.Status = "completed"
	}

	if err := s.store.UpdateBatchRun(run); err != nil {
		s.log.Error("batch: update run failed", "error", err)
		return err
	}

	notifyOutcome := (runErr != nil && gates.failure) || (runErr == nil && gates.success)
	if s.notifier != nil && notifyOutcome {
		event := notify.Event{
			ContainerNames: []string{fmt.Sprintf("%d checked, %d updated", checked, updated)},
			Timestamp:      run.CompletedAt,
		}
		if runErr != nil {
			event.Type = notify.EventUpdateFailed
			event.Error = runErr.Error()
		} else {
			event.Type = notify.EventUpdateSucceeded
		}
		key := notify.BatchSummaryKey(userID, run.ID)
		if _, perr := s.notifier.Publish(ctx, userID, key, event); perr != nil {
			s.log.Warn("batch: notification publish failed", "user", userID, "run", run.ID, "error", perr)
		}
	}

	return runErr
}

// runDockerHubPull implements spec.md §4.6's docker-hub-pull handler: for
// each of the user's Portainer instances, poll containers and persist them
// through the C5 merge/write path (forcing past the in-memory TTL so this
// job's result is never served from a stale cache), then run the C4
// detector to refresh every deployed image's latest upstream digest. The
// name is the teacher's own job-type label; it refreshes every registry
// the user's images live in, not just Docker Hub.
func (s *Scheduler) runDockerHubPull(ctx context.Context, userID string, log *bufferedLogger) (int, int, error) {
	instances, err := s.store.ListPortainerInstances(userID)
	if err != nil {
		return 0, 0, err
	}

	checked := 0
	for _, inst := range instances {
		scanner := portainer.NewScanner(clientFor(inst))
		endpoints, err := scanner.Endpoints(ctx)
		if err != nil {
			log.Errorf("instance %s: list endpoints: %v", inst.Name, err)
			continue
		}
		for _, ep := range endpoints {
			merged, err := s.cache.Get(ctx, userID, inst.ID, scanner, ep, true)
			if err != nil {
				log.Errorf("instance %s endpoint %s: %v", inst.Name, ep.Name, err)
				continue
			}
			checked += len(merged)
		}
	}
	log.Infof("polled %d containers across %d instances", checked, len(instances))

	res, err := s.detector.Run(ctx, userID)
	if err != nil {
		return checked, 0, err
	}
	log.Infof("checked %d deployed images, %d transitioned to needing an update", res.Checked, len(res.Transitioned))
	for _, e := range res.Errors {
		log.Errorf("resolve error: %v", e)
	}
	if s.notifier != nil && s.loadNotifyGates(userID).updateDetected {
		for _, t := range res.Transitioned {
			event := notify.Event{
				Type:      notify.EventUpdateAvailable,
				NewImage:  t.ImageRepo + ":" + t.ImageTag,
				NewDigest: t.LatestDigest,
				Timestamp: s.clock.Now(),
			}
			key := notify.UpdateAvailableKey(userID, t.ImageRepo, t.LatestDigest)
			if _, err := s.notifier.Publish(ctx, userID, key, event); err != nil {
				log.Errorf("notification publish failed for %s: %v", t.ImageRepo, err)
			}
		}
	}
	return checked, len(res.Transitioned), nil
}

// runTrackedAppsCheck implements spec.md §4.6's tracked-apps-check handler:
// for each tracked app, resolve its latest upstream state via the
// appropriate C2 client and persist it, enqueuing a notification for every
// app whose hasUpdate just flipped to true.
func (s *Scheduler) runTrackedAppsCheck(ctx context.Context, userID string, log *bufferedLogger) (int, int, error) {
	res, err := s.detector.RunTrackedApps(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	log.Infof("checked %d tracked apps, %d transitioned to needing an update", res.Checked, len(res.Transitioned))
	for _, e := range res.Errors {
		log.Errorf("resolve error: %v", e)
	}
	if s.notifier != nil && s.loadNotifyGates(userID).updateDetected {
		for _, t := range res.Transitioned {
			latest := t.App.LatestDigest
			if latest == "" {
				latest = t.App.LatestVersion
			}
			event := notify.Event{
				Type:      notify.EventVersionAvailable,
				NewImage:  t.App.Name,
				NewDigest: t.App.LatestDigest,
				Timestamp: s.clock.Now(),
			}
			key := notify.TrackedAppUpdateKey(userID, t.App.ID, latest)
			if _, err := s.notifier.Publish(ctx, userID, key, event); err != nil {
				log.Errorf("notification publish failed for %s: %v", t.App.Name, err)
			}
		}
	}
	return res.Checked, len(res.Transitioned), nil
}

// runAutoUpdate builds the candidate list from the cache (a non-forced read,
// so a result still inside the in-memory TTL is reused) and runs every
// enabled intent against it.
func (s *Scheduler) runAutoUpdate(ctx context.Context, userID string, log *bufferedLogger) (int, int, error) {
	instances, err := s.store.ListPortainerInstances(userID)
	if err != nil {
		return 0, 0, err
	}

	checked, updated := 0, 0
	// Each instance gets its own candidate list and its own scanner as the
	// Upgrader: endpoint IDs are only unique within one Portainer server, so
	// an intent must never be evaluated against candidates from another one.
	for _, inst := range instances {
		scanner := portainer.NewScanner(clientFor(inst))
		endpoints, err := scanner.Endpoints(ctx)
		if err != nil {
			log.Errorf("instance %s: list endpoints: %v", inst.Name, err)
			continue
		}

		var candidates []intent.Candidate
		for _, ep := range endpoints {
			merged, err := s.cache.Get(ctx, userID, inst.ID, scanner, ep, false)
			if err != nil {
				log.Errorf("instance %s endpoint %s: %v", inst.Name, ep.Name, err)
				continue
			}
			checked += len(merged)
			for _, mc := range merged {
				dimg, derr := s.store.GetDeployedImage(userID, mc.DeployedImageID)
				imageRepo := ""
				if derr == nil && dimg != nil {
					imageRepo = dimg.ImageRepo
				}
				if mc.HasUpdate {
					updated++
				}
				candidates = append(candidates, intent.Candidate{
					Container:     mc.Container,
					ImageRepo:     imageRepo,
					CurrentDigest: mc.CurrentDigest,
					LatestDigest:  mc.LatestDigest,
					HasUpdate:     mc.HasUpdate,
				})
			}
		}

		if err := s.intent.Run(ctx, userID, "scheduled", candidates, scanner); err != nil {
			log.Errorf("instance %s: intent run: %v", inst.Name, err)
		}
	}

	log.Infof("evaluated intents against %d containers", checked)
	return checked, updated, nil
}
