// Package intent evaluates user-defined auto-upgrade policies against
// observed containers and executes the matching upgrades.
package intent

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/portguard/portguard/internal/clock"
	"github.com/portguard/portguard/internal/logging"
	"github.com/portguard/portguard/internal/notify"
	"github.com/portguard/portguard/internal/store"
	"github.com/robfig/cron/v3"
)

// Notifier is the subset of notify.Dispatcher the engine needs to announce
// an upgrade outcome. A nil Notifier (the default) makes upgrades a no-op
// for notification purposes, matching the teacher's tolerance for a
// not-yet-configured notify layer.
type Notifier interface {
	Publish(ctx context.Context, userID, deduplicationKey string, event notify.Event) (bool, error)
}

// Candidate is the subset of a cached container the matcher and executor
// need, independent of the cache package's merge shape.
type Candidate struct {
	store.Container
	ImageRepo     string
	CurrentDigest string
	LatestDigest  string
	HasUpdate     bool
}

// Matches implements the boolean match/exclude predicate exactly as spec.md
// §4.7 defines it. An empty match list matches everything; an empty
// exclude list excludes nothing.
func Matches(in store.Intent, c Candidate) bool {
	if !anyGlob(in.MatchContainers, c.ContainerName) {
		return false
	}
	if !anyGlob(in.MatchImages, c.ImageRepo) {
		return false
	}
	if len(in.MatchInstances) > 0 && !contains(in.MatchInstances, c.PortainerInstanceID) {
		return false
	}
	if !anyGlob(in.MatchStacks, c.StackName) {
		return false
	}
	if !anyEqual(in.MatchRegistries, registryOf(c.ImageRepo)) {
		return false
	}
	if anyGlob(in.ExcludeContainers, c.ContainerName) {
		return false
	}
	if anyGlob(in.ExcludeImages, c.ImageRepo) {
		return false
	}
	if anyGlob(in.ExcludeStacks, c.StackName) {
		return false
	}
	if anyEqual(in.ExcludeRegistries, registryOf(c.ImageRepo)) {
		return false
	}
	return true
}

// anyGlob reports whether value matches any pattern in patterns. A nil or
// empty pattern list is treated as "match all".
func anyGlob(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if matched, _ := path.Match(p, value); matched {
			return true
		}
	}
	return false
}

func anyEqual(values []string, value string) bool {
	if len(values) == 0 {
		return true
	}
	return contains(values, value)
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func registryOf(imageRepo string) string {
	// mirrors internal/registry.RegistryHost but intent only needs equality
	// comparisons against user-supplied registry names, so it is kept local
	// to avoid a dependency from intent onto the registry package.
	for i := 0; i < len(imageRepo); i++ {
		if imageRepo[i] == '/' {
			first := imageRepo[:i]
			for j := 0; j < len(first); j++ {
				if first[j] == '.' || first[j] == ':' {
					return first
				}
			}
			break
		}
	}
	return "docker.io"
}

// Upgrader performs the actual container recreate against Portainer.
type Upgrader interface {
	RecreateContainer(ctx context.Context, endpointID int, containerID, newImage string) error
}

// Engine evaluates and executes intents.
type Engine struct {
	store    *store.Store
	log      *logging.Logger
	clock    clock.Clock
	notifier Notifier

	mu          sync.Mutex
	instanceMus map[string]*sync.Mutex // one upgrade at a time per Portainer instance
}

// New creates an intent Engine.
func New(s *store.Store, log *logging.Logger, clk clock.Clock) *Engine {
	return &Engine{store: s, log: log, clock: clk, instanceMus: make(map[string]*sync.Mutex)}
}

// SetNotifier attaches the dispatcher used to announce upgrade outcomes.
// Called once during wiring; left nil it simply means no notification.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// instanceLock returns (creating if needed) the mutex serialising upgrades
// against one Portainer instance, matching the teacher's one-upgrade-at-a-
// time-per-host discipline.
func (e *Engine) instanceLock(instanceID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.instanceMus[instanceID]
	if !ok {
		m = &sync.Mutex{}
		e.instanceMus[instanceID] = m
	}
	return m
}

// ScheduledWindowOpen reports whether a scheduled intent is currently
// eligible to fire. scheduleType=immediate is always open. For
// scheduleType=scheduled, the intent's cron expression is evaluated with
// robfig/cron/v3 and the window is open only for the minute that Next()
// lands on — scheduleCron describes *when* to fire, not a standing window,
// which is this system's definition of "scheduled" absent anywhere in
// spec.md's field list.
func ScheduledWindowOpen(in store.Intent, now time.Time) bool {
	if in.ScheduleType != "scheduled" {
		return true
	}
	if in.ScheduleCron == "" {
		return false
	}
	sched, err := cron.ParseStandard(in.ScheduleCron)
	if err != nil {
		return false
	}
	next := sched.Next(now.Add(-time.Minute))
	return !next.After(now)
}

// Run executes every enabled intent whose schedule is currently open
// against userID's containers, matching spec.md §4.7's five-step
// execution algorithm.
func (e *Engine) Run(ctx context.Context, userID string, triggerType string, candidates []Candidate, upgrader Upgrader) error {
	intents, err := e.store.ListIntents(userID)
	if err != nil {
		return fmt.Errorf("list intents: %w", err)
	}

	for _, in := range intents {
		if !in.Enabled {
			continue
		}
		if !ScheduledWindowOpen(in, e.clock.Now()) {
			continue
		}
		if err := e.execute(ctx, in, candidates, upgrader, triggerType); err != nil {
			e.log.Error("intent execution failed", "intent", in.Name, "error", err)
		}
	}
	return nil
}

// execute runs one intent's execution algorithm end to end.
func (e *Engine) execute(ctx context.Context, in store.Intent, candidates []Candidate, upgrader Upgrader, triggerType string) error {
	start := e.clock.Now()
	exec := store.IntentExecution{
		ID:          newID(),
		IntentID:    in.ID,
		UserID:      in.UserID,
		Status:      "pending",
		TriggerType: triggerType,
		StartedAt:   start,
	}
	if err := e.store.CreateIntentExecution(exec); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}

	exec.Status = "running"
	_ = e.store.UpdateIntentExecution(exec)

	var matched []Candidate
	for _, c := range candidates {
		if c.HasUpdate && Matches(in, c) {
			matched = append(matched, c)
		}
	}
	exec.ContainersMatched = len(matched)

	if e.notifier != nil && in.NotifyOnUpdateDetected {
		for _, c := range matched {
			event := notify.Event{
				Type:          notify.EventUpdateAvailable,
				ContainerName: c.ContainerName,
				NewImage:      imageAtDigest(c.ImageRepo, c.LatestDigest),
				NewDigest:     c.LatestDigest,
				Timestamp:     e.clock.Now(),
			}
			key := notify.UpdateAvailableKey(in.UserID, c.ImageRepo, c.LatestDigest)
			if _, perr := e.notifier.Publish(ctx, in.UserID, key, event); perr != nil {
				e.log.Warn("intent: detected-update notification failed", "user", in.UserID, "intent", in.Name, "container", c.ContainerName, "error", perr)
			}
		}
	}

	maxConcurrent := in.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	delay := time.Duration(in.SequentialDelaySec) * time.Second

	var upgraded, failed int
	for i := 0; i < len(matched); i += maxConcurrent {
		end := i + maxConcurrent
		if end > len(matched) {
			end = len(matched)
		}
		group := matched[i:end]

		var wg sync.WaitGroup
		results := make([]store.IntentExecutionContainer, len(group))
		for gi, c := range group {
			wg.Add(1)
			go func(idx int, cand Candidate) {
				defer wg.Done()
				results[idx] = e.upgradeOne(ctx, exec.ID, in, cand, upgrader)
				if !in.DryRun && idx > 0 {
					select {
					case <-e.clock.After(delay):
					case <-ctx.Done():
					}
				}
			}(gi, c)
		}
		wg.Wait()

		for _, r := range results {
			_ = e.store.CreateIntentExecutionContainer(r)
			switch r.Status {
			case "upgraded", "dry_run":
				upgraded++
			case "failed":
				failed++
			}
			e.announce(ctx, in.UserID, exec.ID, in, r)
		}
	}

	exec.ContainersUpgraded = upgraded
	exec.ContainersFailed = failed
	exec.ContainersSkipped = exec.ContainersMatched - upgraded - failed
	exec.CompletedAt = e.clock.Now()
	exec.DurationMs = exec.CompletedAt.Sub(start).Milliseconds()

	switch {
	case failed == 0:
		exec.Status = "completed"
	case upgraded > 0:
		exec.Status = "partial"
	default:
		exec.Status = "failed"
	}

	if err := e.store.UpdateIntentExecution(exec); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	in.LastEvaluatedAt = e.clock.Now()
	in.LastExecutionID = exec.ID
	return e.store.UpdateIntent(in)
}

// upgradeOne performs (or dry-runs) a single container's upgrade, serialised
// per Portainer instance via instanceLock.
func (e *Engine) upgradeOne(ctx context.Context, executionID string, in store.Intent, c Candidate, upgrader Upgrader) store.IntentExecutionContainer {
	row := store.IntentExecutionContainer{
		ExecutionID:         executionID,
		ContainerID:         c.ContainerID,
		ContainerName:       c.ContainerName,
		ImageName:           c.ImageName,
		PortainerInstanceID: c.PortainerInstanceID,
		OldImage:            c.ImageName,
		OldDigest:           c.CurrentDigest,
		NewDigest:           c.LatestDigest,
	}

	if in.DryRun {
		row.Status = "dry_run"
		row.NewImage = imageAtDigest(c.ImageRepo, c.LatestDigest)
		return row
	}

	lock := e.instanceLock(c.PortainerInstanceID)
	lock.Lock()
	defer lock.Unlock()

	start := e.clock.Now()
	newImage := imageAtDigest(c.ImageRepo, c.LatestDigest)
	err := upgrader.RecreateContainer(ctx, c.EndpointID, c.ContainerID, newImage)
	row.DurationMs = e.clock.Since(start).Milliseconds()
	if err != nil {
		row.Status = "failed"
		row.ErrorMessage = err.Error()
		return row
	}
	row.Status = "upgraded"
	row.NewImage = newImage
	return row
}

// announce publishes the upgrade outcome notification spec.md §4.8
// describes, keyed so a retried or resumed execution never re-announces a
// container already reported on. Dry runs never fire a notification since
// nothing actually happened, and a failed/succeeded outcome only fires when
// the owning intent has opted into that specific event.
func (e *Engine) announce(ctx context.Context, userID, executionID string, in store.Intent, r store.IntentExecutionContainer) {
	if e.notifier == nil || r.Status == "dry_run" {
		return
	}
	failed := r.Status == "failed"
	if (failed && !in.NotifyOnFailure) || (!failed && !in.NotifyOnSuccess) {
		return
	}
	event := notify.Event{
		ContainerName: r.ContainerName,
		OldImage:      r.OldImage,
		NewImage:      r.NewImage,
		OldDigest:     r.OldDigest,
		NewDigest:     r.NewDigest,
		Timestamp:     e.clock.Now(),
	}
	if failed {
		event.Type = notify.EventUpdateFailed
		event.Error = r.ErrorMessage
	} else {
		event.Type = notify.EventUpdateSucceeded
	}
	key := notify.UpgradeOutcomeKey(userID, executionID, r.ContainerID)
	if _, err := e.notifier.Publish(ctx, userID, key, event); err != nil {
		e.log.Warn("intent: notification publish failed", "user", userID, "execution", executionID, "container", r.ContainerID, "error", err)
	}
}

func imageAtDigest(repo, digest string) string {
	if digest == "" {
		return repo
	}
	return repo + "@" + digest
}

func newID() string {
	return fmt.Sprintf("exec-%d", time.Now().UnixNano())
}
