package intent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/portguard/portguard/internal/clock"
	"github.com/portguard/portguard/internal/logging"
	"github.com/portguard/portguard/internal/store"
)

func TestMatches_EmptyListsMatchAllExcludeNothing(t *testing.T) {
	in := store.Intent{}
	c := Candidate{Container: store.Container{ContainerName: "web", StackName: ""}, ImageRepo: "nginx"}
	if !Matches(in, c) {
		t.Errorf("expected empty intent to match everything")
	}
}

func TestMatches_GlobAndExclude(t *testing.T) {
	in := store.Intent{
		MatchContainers:   []string{"web-*"},
		ExcludeContainers: []string{"web-staging"},
	}
	if !Matches(in, Candidate{Container: store.Container{ContainerName: "web-prod"}}) {
		t.Errorf("expected web-prod to match")
	}
	if Matches(in, Candidate{Container: store.Container{ContainerName: "web-staging"}}) {
		t.Errorf("expected web-staging to be excluded")
	}
	if Matches(in, Candidate{Container: store.Container{ContainerName: "db-prod"}}) {
		t.Errorf("expected db-prod not to match pattern")
	}
}

func TestMatches_StackNameEmptyRequiresEmptyOrStarPattern(t *testing.T) {
	in := store.Intent{MatchStacks: []string{"prod"}}
	if Matches(in, Candidate{Container: store.Container{StackName: ""}}) {
		t.Errorf("unstacked container should not match a non-wildcard stack pattern")
	}
	in2 := store.Intent{MatchStacks: []string{"*"}}
	if !Matches(in2, Candidate{Container: store.Container{StackName: ""}}) {
		t.Errorf("unstacked container should match a wildcard stack pattern")
	}
}

func TestMatches_Instances(t *testing.T) {
	in := store.Intent{MatchInstances: []string{"inst1"}}
	if !Matches(in, Candidate{Container: store.Container{PortainerInstanceID: "inst1"}}) {
		t.Errorf("expected matching instance to match")
	}
	if Matches(in, Candidate{Container: store.Container{PortainerInstanceID: "inst2"}}) {
		t.Errorf("expected non-matching instance to be rejected")
	}
}

func TestScheduledWindowOpen(t *testing.T) {
	now := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	immediate := store.Intent{ScheduleType: "immediate"}
	if !ScheduledWindowOpen(immediate, now) {
		t.Errorf("immediate intents are always open")
	}

	scheduled := store.Intent{ScheduleType: "scheduled", ScheduleCron: "0 9 * * *"}
	if !ScheduledWindowOpen(scheduled, now) {
		t.Errorf("expected 9am cron to be open at exactly 9:00")
	}

	later := now.Add(2 * time.Hour)
	if ScheduledWindowOpen(scheduled, later) {
		t.Errorf("expected 9am cron to be closed at 11:00")
	}
}

type fakeUpgrader struct {
	calls int
	err   error
}

func (f *fakeUpgrader) RecreateContainer(ctx context.Context, endpointID int, containerID, newImage string) error {
	f.calls++
	return f.err
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

func TestEngine_Run_UpgradesMatchingContainers(t *testing.T) {
	s := newTestStore(t)
	in := store.Intent{
		ID: "i1", UserID: "u1", Name: "auto-web", Enabled: true,
		MatchContainers: []string{"web-*"}, ScheduleType: "immediate", MaxConcurrent: 2,
	}
	if err := s.CreateIntent(in); err != nil {
		t.Fatalf("create intent: %v", err)
	}

	candidates := []Candidate{
		{Container: store.Container{ContainerID: "c1", ContainerName: "web-1", PortainerInstanceID: "inst1", EndpointID: 1}, ImageRepo: "nginx", HasUpdate: true, CurrentDigest: "sha256:a", LatestDigest: "sha256:b"},
		{Container: store.Container{ContainerID: "c2", ContainerName: "db-1", PortainerInstanceID: "inst1", EndpointID: 1}, ImageRepo: "postgres", HasUpdate: true, CurrentDigest: "sha256:a", LatestDigest: "sha256:b"},
	}

	e := New(s, logging.New(false), clock.Real{})
	upgrader := &fakeUpgrader{}

	if err := e.Run(context.Background(), "u1", "manual", candidates, upgrader); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if upgrader.calls != 1 {
		t.Errorf("expected exactly 1 upgrade (only web-1 matches), got %d", upgrader.calls)
	}

	execs, err := s.ListIntentExecutions("u1", "i1", 10)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(execs))
	}
	if execs[0].Status != "completed" {
		t.Errorf("expected completed status, got %s", execs[0].Status)
	}
}

func TestEngine_DryRun_DoesNotUpgrade(t *testing.T) {
	s := newTestStore(t)
	in := store.Intent{ID: "i1", UserID: "u1", Name: "dry", Enabled: true, ScheduleType: "immediate", DryRun: true, MaxConcurrent: 1}
	if err := s.CreateIntent(in); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	candidates := []Candidate{
		{Container: store.Container{ContainerID: "c1", ContainerName: "web-1", PortainerInstanceID: "inst1"}, ImageRepo: "nginx", HasUpdate: true, LatestDigest: "sha256:b"},
	}
	e := New(s, logging.New(false), clock.Real{})
	upgrader := &fakeUpgrader{}
	if err := e.Run(context.Background(), "u1", "manual", candidates, upgrader); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if upgrader.calls != 0 {
		t.Errorf("expected dry run to never call the upgrader, got %d calls", upgrader.calls)
	}
}
