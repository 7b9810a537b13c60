// Package cache implements the two-level (database + in-memory TTL) merge
// that serves container-with-update-status reads without hitting Portainer
// on every request.
package cache

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/portguard/portguard/internal/clock"
	"github.com/portguard/portguard/internal/detector"
	"github.com/portguard/portguard/internal/logging"
	"github.com/portguard/portguard/internal/portainer"
	"github.com/portguard/portguard/internal/store"
)

// ttl is how long an assembled result stays fresh in the in-memory layer.
const ttl = 30 * time.Second

// MergedContainer is one Portainer-observed container joined with its
// cached registry state, ready for the API layer.
type MergedContainer struct {
	store.Container
	CurrentDigest string
	LatestDigest  string
	LatestVersion string
	NoDigest      bool
	HasUpdate     bool
	Stale         bool // true if this row came from the DB alone (Portainer unreachable)
}

// Scanner is the subset of *portainer.Scanner the cache needs.
type Scanner interface {
	EndpointContainers(ctx context.Context, userID string, ep portainer.Endpoint) ([]portainer.PortainerContainer, error)
}

type cacheEntry struct {
	containers []MergedContainer
	expiresAt  time.Time
}

// Cache is the merge layer described in spec.md §4.5, keyed in memory by
// (userID, portainerInstanceID, endpointID).
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry

	store *store.Store
	log   *logging.Logger
	clock clock.Clock
}

// New creates a Cache backed by store.
func New(s *store.Store, log *logging.Logger, clk clock.Clock) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		store:   s,
		log:     log,
		clock:   clk,
	}
}

func memKey(userID, instanceID string) string {
	return userID + "\x00" + instanceID
}

// Invalidate drops every in-memory entry for userID. Call after any write
// to containers/deployed_images/registry_image_versions for that user.
func (c *Cache) Invalidate(userID string) {
	prefix := userID + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Get returns the merged container list for one Portainer instance/endpoint,
// serving the in-memory cache when fresh unless forceRefresh is set.
func (c *Cache) Get(ctx context.Context, userID, instanceID string, scanner Scanner, ep portainer.Endpoint, forceRefresh bool) ([]MergedContainer, error) {
	key := memKey(userID, instanceID) + "\x00" + strconv.Itoa(ep.ID)

	if !forceRefresh {
		c.mu.RLock()
		entry, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && c.clock.Now().Before(entry.expiresAt) {
			return entry.containers, nil
		}
	}

	live, liveErr := scanner.EndpointContainers(ctx, userID, ep)
	dbRows, dbErr := c.store.ListContainers(userID, instanceID)
	if dbErr != nil {
		return nil, dbErr
	}

	if liveErr != nil {
		// Portainer unreachable: fall back to the DB cache alone, marked stale.
		c.log.Warn("cache: portainer unreachable, serving db snapshot", "user", userID, "instance", instanceID, "error", liveErr)
		merged := make([]MergedContainer, 0, len(dbRows))
		for _, row := range dbRows {
			if row.EndpointID != ep.ID {
				continue
			}
			mc := c.attachRegistryState(userID, row)
			mc.Stale = true
			merged = append(merged, mc)
		}
		return merged, nil
	}

	byContainerID := make(map[string]store.Container, len(dbRows))
	byImageEndpoint := make(map[string]store.Container, len(dbRows))
	for _, row := range dbRows {
		byContainerID[row.ContainerID] = row
		if len(row.ContainerID) >= 12 {
			byContainerID[row.ContainerID[:12]] = row
		}
		byImageEndpoint[imageEndpointKey(row.ImageName, row.EndpointID)] = row
	}

	deployedImages, err := c.store.ListDeployedImages(userID)
	if err != nil {
		return nil, err
	}
	byRepoTag := make(map[string]store.DeployedImage, len(deployedImages))
	for _, img := range deployedImages {
		byRepoTag[repoTagKey(img.ImageRepo, img.ImageTag)] = img
	}

	merged := make([]MergedContainer, 0, len(live))
	for _, pc := range live {
		row, found := byContainerID[pc.ID]
		if !found && len(pc.ID) >= 12 {
			row, found = byContainerID[pc.ID[:12]]
		}
		if !found {
			row, found = byImageEndpoint[imageEndpointKey(pc.Image, pc.EndpointID)]
		}

		if found && row.DeployedImageID != "" {
			// Manual-upgrade detection: the live digest no longer matches what
			// was last persisted for this container's deployed image.
			if dimg, err := c.store.GetDeployedImage(userID, row.DeployedImageID); err == nil && dimg != nil {
				if dimg.ImageDigest != "" && pc.ImageID != "" && dimg.ImageDigest != pc.ImageID {
					dimg.ImageDigest = pc.ImageID
					dimg.LastSeen = c.clock.Now()
					if _, uerr := c.store.UpsertDeployedImage(*dimg); uerr != nil {
						c.log.Warn("cache: failed to persist manual upgrade", "container", pc.Name, "error", uerr)
					} else {
						c.log.Info("cache: manual upgrade detected", "container", pc.Name, "image", dimg.ImageRepo, "digest", pc.ImageID)
					}
				}
			}
		}

		if !found {
			// First sight of this container: it has no DeployedImage coordinate
			// yet either, so establish one (reusing it across every container
			// that shares the same repo+tag this poll) before it can be
			// resolved by internal/detector or matched against an intent.
			row.ID = uuid.NewString()
			repo, tag := detector.SplitImageTag(pc.Image)
			rtKey := repoTagKey(repo, tag)
			dimg, ok := byRepoTag[rtKey]
			if !ok {
				now := c.clock.Now()
				dimg = store.DeployedImage{
					ID:          uuid.NewString(),
					UserID:      userID,
					ImageRepo:   repo,
					ImageTag:    tag,
					ImageDigest: pc.ImageID,
					FirstSeen:   now,
					LastSeen:    now,
				}
				saved, uerr := c.store.UpsertDeployedImage(dimg)
				if uerr != nil {
					c.log.Warn("cache: failed to create deployed image", "image", pc.Image, "error", uerr)
				} else {
					dimg = *saved
					byRepoTag[rtKey] = dimg
				}
			}
			row.DeployedImageID = dimg.ID
			row.ImageRepo = dimg.ImageRepo
		}

		row.UserID = userID
		row.PortainerInstanceID = instanceID
		row.ContainerID = pc.ID
		row.ContainerName = pc.Name
		row.EndpointID = pc.EndpointID
		row.ImageName = pc.Image
		row.State = pc.State
		row.Status = pc.State
		row.StackName = pc.StackName
		row.LastSeen = c.clock.Now()

		if saved, err := c.store.UpsertContainer(row); err == nil {
			row = *saved
		}

		mc := c.attachRegistryState(userID, row)
		mc.CurrentDigest = pc.ImageID
		merged = append(merged, mc)
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{containers: merged, expiresAt: c.clock.Now().Add(ttl)}
	c.mu.Unlock()

	return merged, nil
}

// attachRegistryState joins a container row with its image's current and
// upstream digest, and computes hasUpdate via internal/detector — the only
// place "needs update" is ever decided.
func (c *Cache) attachRegistryState(userID string, row store.Container) MergedContainer {
	mc := MergedContainer{Container: row}

	if row.DeployedImageID == "" {
		return mc
	}
	dimg, err := c.store.GetDeployedImage(userID, row.DeployedImageID)
	if err != nil || dimg == nil {
		return mc
	}
	mc.CurrentDigest = dimg.ImageDigest

	riv, err := c.store.GetRegistryImageVersion(userID, dimg.ImageRepo, dimg.ImageTag)
	if err != nil || riv == nil {
		return mc
	}
	mc.LatestDigest = riv.LatestDigest
	mc.LatestVersion = riv.LatestVersion
	mc.NoDigest = riv.NoDigest
	mc.HasUpdate = detector.ComputeHasUpdate(mc.CurrentDigest, mc.LatestDigest)
	return mc
}

func imageEndpointKey(imageName string, endpointID int) string {
	return imageName + "\x00" + strconv.Itoa(endpointID)
}

func repoTagKey(repo, tag string) string {
	return repo + "\x00" + tag
}
