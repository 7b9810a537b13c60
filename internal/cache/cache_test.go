package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/portguard/portguard/internal/clock"
	"github.com/portguard/portguard/internal/logging"
	"github.com/portguard/portguard/internal/portainer"
	"github.com/portguard/portguard/internal/store"
)

type fakeScanner struct {
	containers []portainer.PortainerContainer
	err        error
	calls      int
}

func (f *fakeScanner) EndpointContainers(ctx context.Context, userID string, ep portainer.Endpoint) ([]portainer.PortainerContainer, error) {
	f.calls++
	return f.containers, f.err
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

func TestCache_GetMergesAndCaches(t *testing.T) {
	s := newTestStore(t)
	img, err := s.UpsertDeployedImage(store.DeployedImage{
		ID: "img1", UserID: "u1", ImageRepo: "nginx", ImageTag: "latest", ImageDigest: "sha256:old",
	})
	if err != nil {
		t.Fatalf("upsert image: %v", err)
	}
	if _, err := s.UpsertRegistryImageVersion(store.RegistryImageVersion{
		ID: "riv1", UserID: "u1", ImageRepo: "nginx", Tag: "latest", LatestDigest: "sha256:new", ExistsInRegistry: true,
	}); err != nil {
		t.Fatalf("upsert riv: %v", err)
	}
	if _, err := s.UpsertContainer(store.Container{
		ID: "c1", UserID: "u1", PortainerInstanceID: "inst1", ContainerID: "cont123456789",
		ContainerName: "web", EndpointID: 1, ImageName: "nginx:latest", DeployedImageID: img.ID,
	}); err != nil {
		t.Fatalf("upsert container: %v", err)
	}

	scanner := &fakeScanner{containers: []portainer.PortainerContainer{
		{UserID: "u1", ID: "cont123456789", Name: "web", Image: "nginx:latest", ImageID: "sha256:old", EndpointID: 1},
	}}

	c := New(s, logging.New(false), clock.Real{})
	ep := portainer.Endpoint{ID: 1, Name: "local"}

	merged, err := c.Get(context.Background(), "u1", "inst1", scanner, ep, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(merged) != 1 {
		t.Fatalf("expected 1 container, got %d", len(merged))
	}
	if !merged[0].HasUpdate {
		t.Errorf("expected HasUpdate=true (old=%s new=%s)", merged[0].CurrentDigest, merged[0].LatestDigest)
	}

	// Second call within TTL should hit memory cache, not call the scanner again.
	if _, err := c.Get(context.Background(), "u1", "inst1", scanner, ep, false); err != nil {
		t.Fatalf("Get (cached): %v", err)
	}
	if scanner.calls != 1 {
		t.Errorf("expected scanner to be called once (cache hit second time), got %d calls", scanner.calls)
	}
}

func TestCache_ManualUpgradeDetection(t *testing.T) {
	s := newTestStore(t)
	img, err := s.UpsertDeployedImage(store.DeployedImage{
		ID: "img1", UserID: "u1", ImageRepo: "nginx", ImageTag: "latest", ImageDigest: "sha256:old",
	})
	if err != nil {
		t.Fatalf("upsert image: %v", err)
	}
	if _, err := s.UpsertContainer(store.Container{
		ID: "c1", UserID: "u1", PortainerInstanceID: "inst1", ContainerID: "cont123456789",
		ContainerName: "web", EndpointID: 1, ImageName: "nginx:latest", DeployedImageID: img.ID,
	}); err != nil {
		t.Fatalf("upsert container: %v", err)
	}

	// Portainer now observes a different digest — someone updated outside the system.
	scanner := &fakeScanner{containers: []portainer.PortainerContainer{
		{UserID: "u1", ID: "cont123456789", Name: "web", Image: "nginx:latest", ImageID: "sha256:manual", EndpointID: 1},
	}}

	c := New(s, logging.New(false), clock.Real{})
	ep := portainer.Endpoint{ID: 1, Name: "local"}
	if _, err := c.Get(context.Background(), "u1", "inst1", scanner, ep, false); err != nil {
		t.Fatalf("Get: %v", err)
	}

	updated, err := s.GetDeployedImage("u1", img.ID)
	if err != nil {
		t.Fatalf("get deployed image: %v", err)
	}
	if updated.ImageDigest != "sha256:manual" {
		t.Errorf("expected deployed image digest to be updated to sha256:manual, got %s", updated.ImageDigest)
	}
}

func TestCache_GetFirstSightCreatesDeployedImage(t *testing.T) {
	s := newTestStore(t)

	// No DeployedImage or Container row pre-seeded: this container has never
	// been observed before.
	scanner := &fakeScanner{containers: []portainer.PortainerContainer{
		{UserID: "u1", ID: "cont987654321", Name: "redis", Image: "redis:7", ImageID: "sha256:abc", EndpointID: 1},
	}}

	c := New(s, logging.New(false), clock.Real{})
	ep := portainer.Endpoint{ID: 1, Name: "local"}

	merged, err := c.Get(context.Background(), "u1", "inst1", scanner, ep, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(merged) != 1 {
		t.Fatalf("expected 1 container, got %d", len(merged))
	}
	row := merged[0]
	if row.DeployedImageID == "" {
		t.Fatal("expected DeployedImageID to be set on first sight")
	}
	if row.ImageRepo != "redis" {
		t.Errorf("expected ImageRepo=redis, got %q", row.ImageRepo)
	}

	images, err := s.ListDeployedImages("u1")
	if err != nil {
		t.Fatalf("list deployed images: %v", err)
	}
	if len(images) != 1 {
		t.Fatalf("expected 1 deployed image to have been created, got %d", len(images))
	}
	if images[0].ImageTag != "7" || images[0].ImageDigest != "sha256:abc" {
		t.Errorf("unexpected deployed image: %+v", images[0])
	}

	containers, err := s.ListContainers("u1", "inst1")
	if err != nil {
		t.Fatalf("list containers: %v", err)
	}
	if len(containers) != 1 || containers[0].ID == "" {
		t.Fatalf("expected a persisted container row with a generated ID, got %+v", containers)
	}
}

func TestCache_Invalidate(t *testing.T) {
	s := newTestStore(t)
	c := New(s, logging.New(false), clock.Real{})
	c.entries[memKey("u1", "inst1")] = cacheEntry{expiresAt: time.Now().Add(time.Hour)}
	c.entries[memKey("u2", "inst1")] = cacheEntry{expiresAt: time.Now().Add(time.Hour)}

	c.Invalidate("u1")

	if _, ok := c.entries[memKey("u1", "inst1")]; ok {
		t.Errorf("expected u1 entry to be invalidated")
	}
	if _, ok := c.entries[memKey("u2", "inst1")]; !ok {
		t.Errorf("expected u2 entry to survive")
	}
}
